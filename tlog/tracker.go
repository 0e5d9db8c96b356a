package tlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/eventcore/chunk"
	"github.com/caio/go-tdigest/v4"
)

// SourceStats summarizes the reads served by one source.
type SourceStats struct {
	Count int64
	Bytes int64
	P50   time.Duration
	P99   time.Duration
}

// ReadTracker keeps a latency digest per read source.
type ReadTracker struct {
	mu      sync.Mutex
	digests map[chunk.Source]*tdigest.TDigest
	counts  map[chunk.Source]int64
	bytes   map[chunk.Source]int64
}

var _ chunk.ReadTracker = (*ReadTracker)(nil)

func NewReadTracker() *ReadTracker {
	return &ReadTracker{
		digests: make(map[chunk.Source]*tdigest.TDigest),
		counts:  make(map[chunk.Source]int64),
		bytes:   make(map[chunk.Source]int64),
	}
}

func (t *ReadTracker) RecordRead(source chunk.Source, n int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	td, ok := t.digests[source]
	if !ok {
		var err error
		if td, err = tdigest.New(); err != nil {
			return
		}
		t.digests[source] = td
	}
	if err := td.Add(float64(elapsed.Nanoseconds())); err != nil {
		return
	}
	t.counts[source]++
	t.bytes[source] += int64(n)
}

// Quantile returns the q-quantile of read latency for source, or 0 without data.
func (t *ReadTracker) Quantile(source chunk.Source, q float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	td, ok := t.digests[source]
	if !ok {
		return 0
	}
	return time.Duration(td.Quantile(q))
}

// Stats returns a snapshot for every source that served reads.
func (t *ReadTracker) Stats() map[chunk.Source]SourceStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[chunk.Source]SourceStats, len(t.digests))
	for src, td := range t.digests {
		out[src] = SourceStats{
			Count: t.counts[src],
			Bytes: t.bytes[src],
			P50:   time.Duration(td.Quantile(0.5)),
			P99:   time.Duration(td.Quantile(0.99)),
		}
	}
	return out
}

func (s SourceStats) String() string {
	return fmt.Sprintf("reads=%d bytes=%d p50=%s p99=%s", s.Count, s.Bytes, s.P50, s.P99)
}
