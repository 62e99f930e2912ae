package eventstest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/events"
)

func TestRecorder_KeepsOrderAndCounts(t *testing.T) {
	var rec Recorder
	rec.Emit(events.SidecarStatus, "spawning")
	rec.Emit(events.BackendReady, true)
	rec.Emit(events.SidecarStatus, "ready")

	evs := rec.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.SidecarStatus, evs[0].Name)
	assert.Equal(t, "ready", evs[2].Payload)
	assert.False(t, evs[1].Timestamp.IsZero())

	assert.Equal(t, 1, rec.Count(events.BackendReady, true))
	assert.Equal(t, 0, rec.Count(events.BackendReady, false))
	assert.Equal(t, 2, rec.CountName(events.SidecarStatus))
}

func TestRecorder_EventsIsACopy(t *testing.T) {
	var rec Recorder
	rec.Emit(events.BackendStopped, true)
	evs := rec.Events()
	evs[0].Name = "changed"
	assert.Equal(t, events.BackendStopped, rec.Events()[0].Name)
}

func TestRecorder_ConcurrentEmit(t *testing.T) {
	var rec Recorder
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec.Emit(events.SidecarStatus, "ready")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, rec.CountName(events.SidecarStatus))
}
