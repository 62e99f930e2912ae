// Package eventstest provides an in-memory events.Emitter for tests.
package eventstest

import (
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/events"
)

// Recorder keeps every emitted event in memory, in order.
// The zero value is ready to use.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Emitter = (*Recorder)(nil)

func (r *Recorder) Emit(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, events.Event{Name: name, Payload: payload, Timestamp: time.Now()})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Count returns how many events match name and payload.
func (r *Recorder) Count(name string, payload any) int {
	return r.count(func(e events.Event) bool { return e.Name == name && e.Payload == payload })
}

// CountName returns how many events carry name regardless of payload.
func (r *Recorder) CountName(name string) int {
	return r.count(func(e events.Event) bool { return e.Name == name })
}

func (r *Recorder) count(match func(events.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}
