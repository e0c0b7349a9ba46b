package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published inside devpoll.
const (
	// TopicDeviceTypeChanged carries an inventory.TypeChange.
	TopicDeviceTypeChanged = "device.type_changed"
	// TopicJobFinished carries a collector.JobEvent.
	TopicJobFinished = "job.finished"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls, so close is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Filter returns a channel that only receives events of the given type.
// The returned channel closes when src closes.
func Filter(src <-chan Event, topic string) <-chan Event {
	out := make(chan Event, cap(src))
	go func() {
		defer close(out)
		for e := range src {
			if e.Type != topic {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out
}
