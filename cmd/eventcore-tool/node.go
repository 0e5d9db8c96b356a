package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/INLOpen/eventcore/archive"
	"github.com/INLOpen/eventcore/bus"
	"github.com/INLOpen/eventcore/cache"
	"github.com/INLOpen/eventcore/chunk"
	"github.com/INLOpen/eventcore/config"
	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/indexmap"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/INLOpen/eventcore/readindex"
	"github.com/INLOpen/eventcore/tableindex"
	"github.com/INLOpen/eventcore/tlog"
	"github.com/hashicorp/go-multierror"
)

var (
	eventsIndexed    = expvar.NewInt("eventcore_events_indexed")
	entriesAdded     = expvar.NewInt("eventcore_index_entries_added")
	tablesWritten    = expvar.NewInt("eventcore_index_tables_written")
	cacheHits        = expvar.NewInt("eventcore_stream_cache_hits")
	cacheMisses      = expvar.NewInt("eventcore_stream_cache_misses")
	recordsDiscarded = expvar.NewInt("eventcore_scavenge_records_discarded")
	chunksScavenged  = expvar.NewInt("eventcore_scavenge_chunks_scavenged")
)

// node is an opened database: transaction log, table index caught up with the
// log, read index and the optional chunk archive.
type node struct {
	cfg       *config.Config
	bus       *bus.Bus
	db        *tlog.DB
	index     *tableindex.TableIndex
	reader    *readindex.IndexReader
	committer *readindex.Committer
	resizer   *cache.Resizer
	// storage is nil when archiving is disabled.
	storage *archive.Storage
	logger  *slog.Logger
}

func chunkOptions(cfg config.DBConfig, logger *slog.Logger) (chunk.Options, error) {
	transform, err := chunk.ParseTransform(cfg.Transform)
	if err != nil {
		return chunk.Options{}, err
	}
	return chunk.Options{
		MaxReaders:  cfg.MaxReaders,
		UseMmap:     cfg.UseMmap,
		VerifyHash:  cfg.VerifyHash,
		Preallocate: cfg.Preallocate,
		Transform:   transform,
		Tracker:     tlog.NewReadTracker(),
		Logger:      logger,
	}, nil
}

func ptableOptions(cfg config.IndexConfig, logger *slog.Logger) ptable.Options {
	return ptable.Options{
		Version:                ptable.Version(cfg.PTableVersion),
		CacheDepth:             cfg.CacheDepth,
		SkipVerify:             cfg.SkipVerify,
		UseBloomFilter:         cfg.UseBloomFilter,
		BloomFalsePositiveRate: cfg.BloomFalsePositiveRate,
		InitialReaders:         cfg.InitialReaders,
		MaxReaders:             cfg.MaxReaders,
		Logger:                 logger,
	}
}

func openStorage(cfg config.ArchiveConfig, logger *slog.Logger) (*archive.Storage, error) {
	var store archive.BlobStore
	switch cfg.Backend {
	case "fs":
		fs, err := archive.NewFileSystemBlobStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	case "s3":
		s3, err := archive.NewS3BlobStore(archive.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("invalid archive backend: %s", cfg.Backend)
	}
	compression, ok := core.ParseCompressionType(cfg.Compression)
	if !ok {
		return nil, fmt.Errorf("unknown archive compression %q", cfg.Compression)
	}
	return archive.New(archive.Options{
		Store:       store,
		Compression: compression,
		FrameSize:   cfg.FrameSizeBytes,
		MaxRetries:  cfg.MaxRetries,
		Logger:      logger,
	})
}

// openNode opens the database described by cfg and indexes every record the
// table index has not seen yet.
func openNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{cfg: cfg, bus: bus.New(0), logger: logger}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	chunkOpts, err := chunkOptions(cfg.DB, logger)
	if err != nil {
		return nil, err
	}
	dbOpts := tlog.Options{
		Dir:          cfg.DB.DataDir,
		ChunkSize:    cfg.DB.ChunkSizeBytes,
		CachedChunks: cfg.DB.CachedChunks,
		Chunk:        chunkOpts,
		Publisher:    n.bus,
		Logger:       logger,
	}
	if cfg.Archive.Enabled {
		if n.storage, err = openStorage(cfg.Archive, logger); err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		dbOpts.Remote = n.storage
	}
	if n.db, err = tlog.New(dbOpts); err != nil {
		return nil, err
	}
	if err = n.db.Open(ctx); err != nil {
		n.db.Close()
		n.db = nil
		return nil, err
	}

	hasher := core.StreamHasher{}
	n.index = tableindex.New(tableindex.Options{
		Dir:                   filepath.Join(cfg.DB.DataDir, core.IndexDirName),
		MaxMemtableEntries:    cfg.Index.MaxMemtableEntries,
		Hasher:                hasher,
		MaxFlushRetryInterval: config.ParseDuration(cfg.Index.MaxFlushRetryInterval, 0, logger),
		IndexMap: indexmap.Options{
			MaxTablesPerLevel: cfg.Index.MaxTablesPerLevel,
			PTable:            ptableOptions(cfg.Index, logger),
			Merge: ptable.MergeOptions{
				ExistsAt:     n.db.ExistsAt,
				LRUCacheSize: cfg.Index.MergeLRUSize,
				UpgradeHash: func(e core.IndexEntry) (uint64, bool, error) {
					p, ok, err := n.db.ReadPrepare(e.Position)
					if err != nil || !ok {
						return 0, false, err
					}
					return hasher.Hash(p.EventStreamID), true, nil
				},
			},
			Logger: logger,
		},
		Logger:        logger,
		EntriesAdded:  entriesAdded,
		TablesWritten: tablesWritten,
	})
	if err = n.index.Initialize(ctx, n.db.Checkpoints.Writer.Read()); err != nil {
		return nil, fmt.Errorf("failed to initialize table index: %w", err)
	}

	budget, auto, err := cfg.Cache.ParseBudget()
	if err != nil {
		return nil, err
	}
	if auto {
		if budget, err = cache.AutoBudget(cfg.Cache.AutoPercent); err != nil {
			return nil, err
		}
	}
	n.resizer = cache.NewResizer(budget, logger)
	n.reader = readindex.NewIndexReader(n.db, n.index, readindex.ReaderOptions{
		Resizer:      n.resizer,
		CacheWeights: cfg.Cache.Weights,
		Logger:       logger,
		CacheHits:    cacheHits,
		CacheMisses:  cacheMisses,
	})
	if n.storage != nil {
		frameSize := int64(cfg.Archive.FrameSizeBytes)
		if frameSize <= 0 {
			frameSize = archive.DefaultFrameSize
		}
		weight := cfg.Cache.Weights["ArchiveFrames"]
		if weight <= 0 {
			weight = 1
		}
		n.resizer.Register(cache.NewLRUParticipant("ArchiveFrames", weight, 2*frameSize, frameSize, n.storage.FrameCache()))
	}

	n.committer = readindex.NewCommitter(n.db, n.index, readindex.CommitterOptions{
		Reader:        n.reader,
		Logger:        logger,
		EventsIndexed: eventsIndexed,
	})
	if err = n.committer.Init(ctx, n.db.Checkpoints.Writer.Read()); err != nil {
		return nil, err
	}
	logger.Info("Database opened.", "dir", cfg.DB.DataDir, "chunks", len(n.db.Manager.Chunks()),
		"writer_checkpoint", n.db.Checkpoints.Writer.Read(), "cache_allotted", n.resizer.Allotted())
	return n, nil
}

func (n *node) Close() error {
	var result *multierror.Error
	if n.index != nil {
		if err := n.index.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close table index: %w", err))
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close transaction log: %w", err))
		}
	}
	return result.ErrorOrNil()
}
