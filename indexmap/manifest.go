package indexmap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/eventcore/core"
	"github.com/INLOpen/eventcore/ptable"
	"github.com/INLOpen/eventcore/sys"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// The manifest is a text file:
//
//	<xxhash64 of everything below, hex>
//	<format version>
//	<prepare checkpoint>/<commit checkpoint>
//	<level>,<index>,<table file name>
//	...
//
// Table names are relative to the manifest's directory.

// SaveToFile writes the manifest atomically. Every table must live in the
// manifest's directory.
func (m *IndexMap) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	var body bytes.Buffer
	fmt.Fprintf(&body, "%d\n%d/%d\n", m.version, m.prepareCP, m.commitCP)
	for i, l := range m.levels {
		for j, t := range l {
			if filepath.Dir(t.Path()) != dir {
				return fmt.Errorf("table %s is not in the index directory %s", t.Path(), dir)
			}
			fmt.Fprintf(&body, "%d,%d,%s\n", i, j, filepath.Base(t.Path()))
		}
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "%016x\n", xxhash.Sum64(body.Bytes()))
	out.Write(body.Bytes())
	if err := sys.WriteFileAtomic(path, out.Bytes()); err != nil {
		return fmt.Errorf("failed to save index map: %w", err)
	}
	m.logger.Debug("Index map saved.", "path", path, "tables", m.TableCount(), "prepare_checkpoint", m.prepareCP, "commit_checkpoint", m.commitCP)
	return nil
}

type manifestEntry struct {
	level, index int
	name         string
}

type manifest struct {
	version   int
	prepareCP int64
	commitCP  int64
	entries   []manifestEntry
}

func parseManifest(path string, data []byte) (*manifest, error) {
	bad := func(line int, format string, args ...any) error {
		return &core.CorruptIndexError{Path: path, Position: -1, Err: core.NewInvalidFile(path, int64(line), format, args...)}
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, bad(0, "missing checksum line")
	}
	want, err := strconv.ParseUint(string(data[:nl]), 16, 64)
	if err != nil {
		return nil, bad(0, "bad checksum line %q", data[:nl])
	}
	body := data[nl+1:]
	if got := xxhash.Sum64(body); got != want {
		return nil, bad(0, "checksum mismatch: stored %016x, computed %016x", want, got)
	}

	mf := &manifest{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	line := 1
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		line++
		return sc.Text(), true
	}
	text, ok := next()
	if !ok {
		return nil, bad(line, "missing version line")
	}
	if mf.version, err = strconv.Atoi(text); err != nil {
		return nil, bad(line, "bad version %q", text)
	}
	if mf.version != core.IndexMapVersion {
		return nil, bad(line, "unsupported index map version %d", mf.version)
	}
	if text, ok = next(); !ok {
		return nil, bad(line, "missing checkpoints line")
	}
	p, c, found := strings.Cut(text, "/")
	if !found {
		return nil, bad(line, "bad checkpoints %q", text)
	}
	if mf.prepareCP, err = strconv.ParseInt(p, 10, 64); err != nil {
		return nil, bad(line, "bad prepare checkpoint %q", p)
	}
	if mf.commitCP, err = strconv.ParseInt(c, 10, 64); err != nil {
		return nil, bad(line, "bad commit checkpoint %q", c)
	}
	for {
		text, ok = next()
		if !ok {
			break
		}
		if text == "" {
			continue
		}
		parts := strings.SplitN(text, ",", 3)
		if len(parts) != 3 {
			return nil, bad(line, "bad table line %q", text)
		}
		lvl, err1 := strconv.Atoi(parts[0])
		idx, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lvl < 0 || idx < 0 || parts[2] == "" || strings.ContainsRune(parts[2], os.PathSeparator) {
			return nil, bad(line, "bad table line %q", text)
		}
		mf.entries = append(mf.entries, manifestEntry{level: lvl, index: idx, name: parts[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index map %s: %w", path, err)
	}
	return mf, nil
}

// FromFile loads the manifest at path and opens its tables in parallel. A
// missing manifest yields an empty map.
func FromFile(ctx context.Context, path string, opts Options) (*IndexMap, error) {
	m := CreateEmpty(opts)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.logger.Info("No index map found, starting empty.", "path", path)
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index map %s: %w", path, err)
	}
	mf, err := parseManifest(path, data)
	if err != nil {
		return nil, err
	}

	levels := make([][]*ptable.PTable, 0)
	for _, e := range mf.entries {
		for len(levels) <= e.level {
			levels = append(levels, nil)
		}
		if e.index != len(levels[e.level]) {
			return nil, &core.CorruptIndexError{Path: path, Position: -1,
				Err: core.NewInvalidFile(path, 0, "table %s is listed at %d,%d out of order", e.name, e.level, e.index)}
		}
		levels[e.level] = append(levels[e.level], nil)
	}

	dir := filepath.Dir(path)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range mf.entries {
		e := e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return core.Cancelled(err)
			}
			t, err := ptable.FromFile(filepath.Join(dir, e.name), m.opts.PTable)
			if err != nil {
				return fmt.Errorf("failed to open table %s of index map: %w", e.name, err)
			}
			levels[e.level][e.index] = t
			return nil
		})
	}
	disposeAll := func() {
		for _, l := range levels {
			for _, t := range l {
				if t != nil {
					t.Dispose()
				}
			}
		}
	}
	if err := g.Wait(); err != nil {
		disposeAll()
		return nil, err
	}
	for _, l := range levels {
		for _, t := range l {
			if t.PrepareCheckpoint() > mf.prepareCP || t.CommitCheckpoint() > mf.commitCP {
				disposeAll()
				return nil, &core.CorruptIndexError{Path: path, Position: t.CommitCheckpoint(),
					Err: core.NewInvalidFile(t.Path(), 0, "table checkpoints %d/%d are ahead of the index map %d/%d",
						t.PrepareCheckpoint(), t.CommitCheckpoint(), mf.prepareCP, mf.commitCP)}
			}
		}
	}

	nm := m.derive(levels, mf.prepareCP, mf.commitCP)
	nm.version = mf.version
	m.logger.Info("Index map loaded.", "path", path, "tables", nm.TableCount(), "prepare_checkpoint", mf.prepareCP, "commit_checkpoint", mf.commitCP)
	return nm, nil
}
