package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
)

// Participant is a cache whose memory budget is managed by a Resizer.
type Participant interface {
	Name() string
	// Weight is the relative share of the budget this cache asks for.
	Weight() int
	// MinCapacity is the floor in bytes, granted even when the budget is short.
	MinCapacity() int64
	// SetCapacity applies a new budget in bytes.
	SetCapacity(bytes int64)
}

// Resizer distributes a total byte budget over its participants in proportion
// to their weights, recomputing whenever the budget or the participants change.
type Resizer struct {
	mu           sync.Mutex
	total        int64
	participants map[string]Participant
	allotted     map[string]int64
	logger       *slog.Logger
}

func NewResizer(totalBytes int64, logger *slog.Logger) *Resizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resizer{
		total:        totalBytes,
		participants: make(map[string]Participant),
		allotted:     make(map[string]int64),
		logger:       logger.With("component", "CacheResizer"),
	}
}

// AutoBudget returns percent of the machine's physical memory.
func AutoBudget(percent float64) (int64, error) {
	if percent <= 0 || percent > 100 {
		return 0, fmt.Errorf("cache budget percent must be in (0, 100], got %v", percent)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read system memory: %w", err)
	}
	return int64(float64(vm.Total) * percent / 100), nil
}

func (r *Resizer) Register(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.Name()] = p
	r.recomputeLocked()
}

func (r *Resizer) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, name)
	delete(r.allotted, name)
	r.recomputeLocked()
}

func (r *Resizer) SetTotal(totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = totalBytes
	r.recomputeLocked()
}

// Allotted returns the current budget of every participant.
func (r *Resizer) Allotted() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.allotted))
	for k, v := range r.allotted {
		out[k] = v
	}
	return out
}

func (r *Resizer) recomputeLocked() {
	names := make([]string, 0, len(r.participants))
	var totalWeight int64
	for name, p := range r.participants {
		names = append(names, name)
		if w := p.Weight(); w > 0 {
			totalWeight += int64(w)
		}
	}
	sort.Strings(names)

	// Floors come out of the budget first; the rest is split by weight.
	remaining := r.total
	for _, name := range names {
		remaining -= r.participants[name].MinCapacity()
	}
	if remaining < 0 {
		remaining = 0
	}
	for _, name := range names {
		p := r.participants[name]
		share := p.MinCapacity()
		if w := p.Weight(); w > 0 && totalWeight > 0 {
			share += remaining * int64(w) / totalWeight
		}
		r.allotted[name] = share
		p.SetCapacity(share)
		r.logger.Debug("Cache resized.", "cache", name, "bytes", share)
	}
}

// LRUParticipant sizes an entry-bounded cache by converting bytes into entries.
type LRUParticipant struct {
	name          string
	weight        int
	minBytes      int64
	bytesPerEntry int64
	cache         Interface
}

var _ Participant = (*LRUParticipant)(nil)

func NewLRUParticipant(name string, weight int, minBytes, bytesPerEntry int64, c Interface) *LRUParticipant {
	if bytesPerEntry <= 0 {
		bytesPerEntry = 1
	}
	return &LRUParticipant{name: name, weight: weight, minBytes: minBytes, bytesPerEntry: bytesPerEntry, cache: c}
}

func (p *LRUParticipant) Name() string            { return p.name }
func (p *LRUParticipant) Weight() int             { return p.weight }
func (p *LRUParticipant) MinCapacity() int64      { return p.minBytes }
func (p *LRUParticipant) SetCapacity(bytes int64) { p.cache.Resize(int(bytes / p.bytesPerEntry)) }

// NewFuncParticipant adapts a function to the Participant interface.
func NewFuncParticipant(name string, weight int, minBytes int64, apply func(bytes int64)) Participant {
	return &funcParticipant{name: name, weight: weight, minBytes: minBytes, apply: apply}
}

type funcParticipant struct {
	name     string
	weight   int
	minBytes int64
	apply    func(bytes int64)
}

func (p *funcParticipant) Name() string            { return p.name }
func (p *funcParticipant) Weight() int             { return p.weight }
func (p *funcParticipant) MinCapacity() int64      { return p.minBytes }
func (p *funcParticipant) SetCapacity(bytes int64) { p.apply(bytes) }
