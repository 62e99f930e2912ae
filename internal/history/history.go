// Package history exports supervisor events to durable or external stores.
package history

import (
	"context"
	"encoding/json"

	"github.com/loykin/sidecar/internal/events"
)

// Sink is a destination for supervisor events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Reader is implemented by sinks that can be queried back.
type Reader interface {
	// Recent returns up to limit of the newest stored events, oldest first.
	Recent(ctx context.Context, limit int) ([]events.Event, error)
}

// EncodePayload renders an event payload as JSON text for storage.
func EncodePayload(p any) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload is the inverse of EncodePayload. Invalid JSON is returned
// as the raw string.
func DecodePayload(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// Reverse flips rows read newest first into oldest first order.
func Reverse(evs []events.Event) []events.Event {
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs
}
