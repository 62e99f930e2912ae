package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/events"
)

// DefaultSendTimeout bounds a single Send to one sink.
const DefaultSendTimeout = 5 * time.Second

// Subscriber is the subscription side of events.Bus.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Recorder copies every event from a subscription into its sinks on a
// background goroutine, so emitting never waits on storage.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sinks:   sinks,
		logger:  logger.With("component", "history"),
		timeout: DefaultSendTimeout,
	}
}

// Attach subscribes to src and starts forwarding. It may be called once.
func (r *Recorder) Attach(src Subscriber, buffer int) {
	ch, cancel := src.Subscribe(buffer)
	r.mu.Lock()
	r.unsubscribe = cancel
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for e := range ch {
			r.Record(e)
		}
	}()
}

// Record sends e to every sink. Failures are logged, not returned.
func (r *Recorder) Record(e events.Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history send failed", "event", e.Name, "error", err)
		}
		cancel()
	}
}

// Recent reads back from the first sink that supports queries.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]events.Event, bool, error) {
	for _, s := range r.sinks {
		if rd, ok := s.(Reader); ok {
			evs, err := rd.Recent(ctx, limit)
			return evs, true, err
		}
	}
	return nil, false, nil
}

// Close stops forwarding, drains what was already received and closes the
// sinks.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		cancel := r.unsubscribe
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.wg.Wait()
		var errs []error
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
