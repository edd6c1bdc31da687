package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process signal such as "delivery.sent" or "cycle.finished".
//
// Publish never blocks: a subscriber whose buffer is full misses the event and
// the bus counts it as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Mem is the in-memory fan-out bus. It owns no goroutines.
type Mem struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *Mem {
	return &Mem{subs: map[uint64]chan Event{}}
}

// Dropped is the number of events lost to full subscriber buffers.
func (b *Mem) Dropped() uint64 { return b.dropped.Load() }

func (b *Mem) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.offer(ch, e)
	}
}

// offer sends without blocking. A concurrent unsubscribe may have closed ch.
func (b *Mem) offer(ch chan Event, e Event) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *Mem) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// HasPrefix reports whether e.Type starts with one of prefixes; no prefixes
// matches everything.
func HasPrefix(e Event, prefixes ...string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}
