package bus

import (
	"sync"
)

// Kind identifies a message type.
type Kind string

const (
	KindChunkCompleted     Kind = "ChunkCompleted"
	KindWriterFlushed      Kind = "WriterFlushed"
	KindChaserCheckpointed Kind = "ChaserCheckpointed"
	KindScavengeStarted    Kind = "ScavengeStarted"
	KindScavengeCompleted  Kind = "ScavengeCompleted"
)

// Message is anything published on the bus.
type Message interface {
	Kind() Kind
}

// ChunkCompleted is published after a chunk was completed and the next one created.
type ChunkCompleted struct {
	ChunkStartNumber int32
	ChunkEndNumber   int32
	Path             string
}

func (ChunkCompleted) Kind() Kind { return KindChunkCompleted }

// WriterFlushed is published after the writer checkpoint was flushed.
type WriterFlushed struct {
	Position int64
}

func (WriterFlushed) Kind() Kind { return KindWriterFlushed }

// ChaserCheckpointed is published when the chaser checkpoint advanced.
type ChaserCheckpointed struct {
	Position int64
}

func (ChaserCheckpointed) Kind() Kind { return KindChaserCheckpointed }

type ScavengeStarted struct {
	ScavengeID string
}

func (ScavengeStarted) Kind() Kind { return KindScavengeStarted }

type ScavengeCompleted struct {
	ScavengeID string
	Result     string
	Err        error
}

func (ScavengeCompleted) Kind() Kind { return KindScavengeCompleted }

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(msg Message)
}

// Filter selects messages by kind. An empty filter matches everything.
type Filter struct {
	Kinds []Kind
}

func (f *Filter) Matches(msg Message) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == msg.Kind() {
			return true
		}
	}
	return false
}

// Subscription receives the messages matching its filter.
type Subscription struct {
	ID       uint64
	Messages chan Message
	Filter   Filter
	Close    func()
}

// Bus delivers messages to subscribers without blocking the publisher. A
// subscriber whose buffer is full misses the message.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	bufferSize  int
}

var _ Publisher = (*Bus)(nil)

// New creates a bus whose subscriptions buffer up to bufferSize messages.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{subscribers: make(map[uint64]*Subscription), bufferSize: bufferSize}
}

func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ID:       b.nextID,
		Messages: make(chan Message, b.bufferSize),
		Filter:   filter,
	}
	sub.Close = func() {
		b.Unsubscribe(sub.ID)
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Messages)
		delete(b.subscribers, id)
	}
}

func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.Filter.Matches(msg) {
			select {
			case sub.Messages <- msg:
			default:
			}
		}
	}
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) Publish(Message) {}
