package cache

import "expvar"

// Interface is what the resizer and the readers need from an entry-bounded
// cache. Capacity is counted in entries, never bytes.
type Interface interface {
	Put(key string, value interface{})
	Get(key string) (value interface{}, ok bool)
	Remove(key string)
	Clear()
	Resize(capacity int)
	Capacity() int
	Len() int
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
}
