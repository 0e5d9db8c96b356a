package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DBConfig holds transaction log configurations.
type DBConfig struct {
	DataDir        string `yaml:"data_dir"`
	ChunkSizeBytes int32  `yaml:"chunk_size_bytes"`
	CachedChunks   int    `yaml:"cached_chunks"`
	// Transform is the chunk data transform: "identity", "snappy", "lz4", "zstd" or "bitflip".
	Transform   string `yaml:"transform"`
	Preallocate bool   `yaml:"preallocate"`
	UseMmap     bool   `yaml:"use_mmap"`
	VerifyHash  bool   `yaml:"verify_hash"`
	MaxReaders  int    `yaml:"max_readers"`
}

// IndexConfig holds table index configurations.
type IndexConfig struct {
	MaxMemtableEntries int `yaml:"max_memtable_entries"`
	// PTableVersion is the format of newly written tables: 1, 2 or 4.
	PTableVersion          int     `yaml:"ptable_version"`
	CacheDepth             int     `yaml:"cache_depth"`
	SkipVerify             bool    `yaml:"skip_verify"`
	UseBloomFilter         bool    `yaml:"use_bloom_filter"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`
	InitialReaders         int     `yaml:"initial_readers"`
	MaxReaders             int     `yaml:"max_readers"`
	MaxTablesPerLevel      int     `yaml:"max_tables_per_level"`
	MergeLRUSize           int     `yaml:"merge_lru_size"`
	MaxFlushRetryInterval  string  `yaml:"max_flush_retry_interval"`
}

// ScavengeConfig holds scavenge configurations.
type ScavengeConfig struct {
	Threshold           float64 `yaml:"threshold"`
	MaxRecordsPerSecond float64 `yaml:"max_records_per_second"`
	MergeChunks         bool    `yaml:"merge_chunks"`
	// StateFile is relative to the data directory unless absolute.
	StateFile string `yaml:"state_file"`
	// SyncOnly runs scavenges in the foreground of the tool instead of the service.
	SyncOnly bool `yaml:"sync_only"`
}

// S3Config holds the S3 archive backend configurations.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ArchiveConfig holds remote chunk archive configurations.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	// Backend is "fs" or "s3".
	Backend        string   `yaml:"backend"`
	Path           string   `yaml:"path"`
	S3             S3Config `yaml:"s3"`
	Compression    string   `yaml:"compression"`
	FrameSizeBytes int      `yaml:"frame_size_bytes"`
	// RetainLocalChunks is how many archived chunks keep their local file.
	RetainLocalChunks int    `yaml:"retain_local_chunks"`
	Interval          string `yaml:"interval"`
	MaxRetries        uint64 `yaml:"max_retries"`
}

// CacheConfig holds the cache budget configurations.
type CacheConfig struct {
	// Budget is a byte count or "auto" for a share of physical memory.
	Budget      string  `yaml:"budget"`
	AutoPercent float64 `yaml:"auto_percent"`
	// Weights distribute the budget between named caches.
	Weights map[string]int `yaml:"weights"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the top-level configuration struct.
type Config struct {
	DB       DBConfig       `yaml:"db"`
	Index    IndexConfig    `yaml:"index"`
	Scavenge ScavengeConfig `yaml:"scavenge"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default.", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		DB: DBConfig{
			DataDir:        "./data",
			ChunkSizeBytes: 256 * 1024 * 1024, // 256 MiB
			CachedChunks:   2,
			Transform:      "identity",
			Preallocate:    true,
			UseMmap:        true,
			VerifyHash:     true,
			MaxReaders:     32,
		},
		Index: IndexConfig{
			MaxMemtableEntries:     1_000_000,
			PTableVersion:          4,
			CacheDepth:             16,
			UseBloomFilter:         true,
			BloomFalsePositiveRate: 0.01,
			InitialReaders:         2,
			MaxReaders:             16,
			MaxTablesPerLevel:      4,
			MergeLRUSize:           1000,
			MaxFlushRetryInterval:  "30s",
		},
		Scavenge: ScavengeConfig{
			Threshold:   0,
			MergeChunks: true,
			StateFile:   "scavenge.db",
		},
		Archive: ArchiveConfig{
			Enabled:           false,
			Backend:           "fs",
			Path:              "./archive",
			Compression:       "zstd",
			FrameSizeBytes:    1024 * 1024, // 1 MiB
			RetainLocalChunks: 4,
			Interval:          "30s",
			MaxRetries:        5,
		},
		Cache: CacheConfig{
			Budget:      "auto",
			AutoPercent: 10,
			Weights: map[string]int{
				"LastEventNumbers": 2,
				"StreamMetadata":   1,
				"ArchiveFrames":    1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "eventcore.log",
			Format: "text",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects values no component accepts.
func (c *Config) Validate() error {
	if c.DB.DataDir == "" {
		return fmt.Errorf("db.data_dir must be set")
	}
	if c.DB.ChunkSizeBytes <= 0 {
		return fmt.Errorf("db.chunk_size_bytes must be positive, got %d", c.DB.ChunkSizeBytes)
	}
	switch c.Index.PTableVersion {
	case 1, 2, 4:
	default:
		return fmt.Errorf("index.ptable_version must be 1, 2 or 4, got %d", c.Index.PTableVersion)
	}
	if c.Scavenge.Threshold < 0 || c.Scavenge.Threshold > 1 {
		return fmt.Errorf("scavenge.threshold must be in [0, 1], got %v", c.Scavenge.Threshold)
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "fs":
			if c.Archive.Path == "" {
				return fmt.Errorf("archive.path must be set for the fs backend")
			}
		case "s3":
			if c.Archive.S3.Endpoint == "" || c.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3 needs an endpoint and a bucket")
			}
		default:
			return fmt.Errorf("invalid archive backend: %s", c.Archive.Backend)
		}
	}
	if _, _, err := c.Cache.ParseBudget(); err != nil {
		return err
	}
	return nil
}

// ParseBudget returns the cache budget in bytes, or auto=true when it is
// derived from physical memory.
func (c CacheConfig) ParseBudget() (bytes int64, auto bool, err error) {
	if strings.EqualFold(c.Budget, "auto") || c.Budget == "" {
		return 0, true, nil
	}
	bytes, err = strconv.ParseInt(c.Budget, 10, 64)
	if err != nil || bytes < 0 {
		return 0, false, fmt.Errorf("cache.budget must be a byte count or \"auto\", got %q", c.Budget)
	}
	return bytes, false, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// NewLogger creates a slog.Logger based on the configuration. The returned
// closer is non-nil when a log file was opened.
func (cfg LoggingConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}
	return slog.New(cfg.handler(output, level)), closer, nil
}

// NewLoggerTo builds a logger writing to w, ignoring Output and File.
func (cfg LoggingConfig) NewLoggerTo(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return slog.New(cfg.handler(w, level)), nil
}

func (cfg LoggingConfig) handler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
