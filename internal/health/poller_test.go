package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/events/eventstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingServer answers /health with 503 until readyAfter requests were
// seen (0 = never ready).
func countingServer(t *testing.T, readyAfter int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if r.URL.Path == "/health" && readyAfter > 0 && n >= readyAfter {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fastConfig() Config {
	return Config{StartupTimeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond, RequestTimeout: 200 * time.Millisecond}
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:18900/health", HealthURL(18900))
	assert.Equal(t, "http://127.0.0.1:18900/api", APIURL(18900))
	assert.Equal(t, "ws://127.0.0.1:18900/api", WSURL(18900))
}

func TestProbe(t *testing.T) {
	ok, _ := countingServer(t, 1)
	assert.True(t, Probe(context.Background(), ok.Client(), ok.URL+"/health", time.Second))

	bad, _ := countingServer(t, 0)
	assert.False(t, Probe(context.Background(), bad.Client(), bad.URL+"/health", time.Second))

	// nothing listening
	assert.False(t, Probe(context.Background(), nil, "http://127.0.0.1:1/health", 200*time.Millisecond))
}

func TestProbeHonorsRequestTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	start := time.Now()
	assert.False(t, Probe(context.Background(), slow.Client(), slow.URL+"/health", 50*time.Millisecond))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestPollerReady(t *testing.T) {
	srv, _ := countingServer(t, 3)
	var rec eventstest.Recorder
	p := &Poller{URL: srv.URL + "/health", Exited: new(atomic.Bool), Emitter: &rec, Config: fastConfig(), Client: srv.Client()}

	require.Equal(t, OutcomeReady, p.Run(context.Background()))
	assert.Equal(t, 1, rec.Count(events.BackendReady, true))
	assert.Equal(t, 0, rec.Count(events.BackendReady, false))
	assert.Equal(t, 1, rec.Count(events.SidecarStatus, StatusReady))

	evs := rec.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, StatusStarting, evs[0].Payload)
	assert.Equal(t, events.BackendReady, evs[len(evs)-1].Name)
}

func TestPollerTimeoutEmitsOnceAndStops(t *testing.T) {
	srv, hits := countingServer(t, 0)
	var rec eventstest.Recorder
	p := &Poller{URL: srv.URL + "/health", Exited: new(atomic.Bool), Emitter: &rec, Config: fastConfig(), Client: srv.Client()}

	require.Equal(t, OutcomeTimeout, p.Run(context.Background()))
	assert.Equal(t, 1, rec.Count(events.BackendReady, false))
	assert.Equal(t, 1, rec.Count(events.SidecarStatus, StatusTimeout))
	assert.Equal(t, 1, rec.CountName(events.BackendReady))

	after := hits.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, hits.Load(), "poller kept probing after timeout")
}

func TestPollerStopsWhenExited(t *testing.T) {
	srv, hits := countingServer(t, 0)
	var rec eventstest.Recorder
	exited := new(atomic.Bool)
	cfg := fastConfig()
	cfg.StartupTimeout = 5 * time.Second
	p := &Poller{URL: srv.URL + "/health", Exited: exited, Emitter: &rec, Config: cfg, Client: srv.Client()}

	done := make(chan Outcome, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, 5*time.Millisecond)
	exited.Store(true)

	select {
	case out := <-done:
		assert.Equal(t, OutcomeExited, out)
	case <-time.After(time.Second):
		t.Fatal("poller did not notice exit")
	}
	assert.Equal(t, 1, rec.Count(events.SidecarStatus, StatusStartupFailed))
	assert.Equal(t, 0, rec.CountName(events.BackendReady), "exit is reported by the process watcher, not the poller")

	after := hits.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, hits.Load(), "poller kept probing after exit")
}

func TestPollerExitedBeforeFirstProbeMakesNoRequests(t *testing.T) {
	srv, hits := countingServer(t, 1)
	exited := new(atomic.Bool)
	exited.Store(true)
	var rec eventstest.Recorder
	p := &Poller{URL: srv.URL + "/health", Exited: exited, Emitter: &rec, Config: fastConfig(), Client: srv.Client()}

	assert.Equal(t, OutcomeExited, p.Run(context.Background()))
	assert.Equal(t, int64(0), hits.Load())
}

func TestPollerMilestones(t *testing.T) {
	srv, _ := countingServer(t, 21)
	var rec eventstest.Recorder
	cfg := Config{StartupTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond, RequestTimeout: time.Second}
	p := &Poller{URL: srv.URL + "/health", Emitter: &rec, Config: cfg, Client: srv.Client()}

	require.Equal(t, OutcomeReady, p.Run(context.Background()))

	var statuses []any
	for _, e := range rec.Events() {
		if e.Name == events.SidecarStatus {
			statuses = append(statuses, e.Payload)
		}
	}
	assert.Equal(t, []any{StatusStarting, StatusLoadingModules, StatusInitializingData, StatusAlmostReady, StatusReady}, statuses)
}

func TestPollerCanceled(t *testing.T) {
	srv, _ := countingServer(t, 0)
	var rec eventstest.Recorder
	cfg := fastConfig()
	cfg.StartupTimeout = 10 * time.Second
	p := &Poller{URL: srv.URL + "/health", Emitter: &rec, Config: cfg, Client: srv.Client()}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	assert.Equal(t, OutcomeCanceled, p.Run(ctx))
	assert.Equal(t, 0, rec.CountName(events.BackendReady))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", OutcomeReady.String())
	assert.Equal(t, "timeout", OutcomeTimeout.String())
	assert.Equal(t, "exited", OutcomeExited.String())
	assert.Equal(t, "canceled", OutcomeCanceled.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
