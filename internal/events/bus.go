package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/sidecar/internal/metrics"
)

// DefaultHistorySize is the number of recent events kept by a Bus.
const DefaultHistorySize = 256

// Bus fans emitted events out to subscribers and keeps a bounded in-memory
// history of the most recent ones.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	history []Event // ring buffer
	start   int
	count   int
	logger  *slog.Logger
}

func NewBus(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[uint64]chan Event),
		history: make([]Event, historySize),
		logger:  logger,
	}
}

// Emit implements Emitter. It never blocks: subscribers whose buffer is full
// miss the event.
func (b *Bus) Emit(name string, payload any) {
	e := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.append(e)
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.IncEventDropped()
			b.logger.Debug("event dropped for slow subscriber", "subscriber", id, "event", name)
		}
	}
	b.mu.Unlock()

	metrics.IncEvent(name)
	b.logger.Debug("event emitted", "event", name, "payload", payload)
}

func (b *Bus) append(e Event) {
	size := len(b.history)
	idx := (b.start + b.count) % size
	b.history[idx] = e
	if b.count < size {
		b.count++
	} else {
		b.start = (b.start + 1) % size
	}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its channel plus a cancel function. The channel is closed by cancel
// or by Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the whole history.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	size := len(b.history)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.history[(b.start+i)%size])
	}
	return out
}

// Close detaches every subscriber. Emit after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
