// Package events carries supervisor notifications to the UI layer.
//
// Delivery is fire-and-forget: publishers never block on, or learn about,
// subscribers. A slow subscriber loses events rather than slowing the
// supervisor down.
package events

import "time"

// Event names pushed to the UI.
const (
	BackendReady   = "backend-ready"   // payload: bool
	BackendStopped = "backend-stopped" // payload: bool
	SidecarStatus  = "sidecar-status"  // payload: string phase
)

// Event is one emitted notification.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes a named event with a payload.
type Emitter interface {
	Emit(name string, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name string, payload any)

func (f EmitterFunc) Emit(name string, payload any) { f(name, payload) }
