package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/events"
)

// Config holds the poller timings. Zero fields take the defaults.
type Config struct {
	StartupTimeout time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Outcome is how a poll run ended.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeTimeout
	OutcomeExited
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeExited:
		return "exited"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Poller waits for a freshly spawned backend to become healthy.
//
// Exited is the one-shot latch set by whoever watches the process. Once it is
// observed the poller stops without emitting backend-ready: the watcher has
// already reported the exit.
type Poller struct {
	URL     string
	Exited  *atomic.Bool
	Emitter events.Emitter
	Config  Config
	Client  *http.Client
	Logger  *slog.Logger
}

// Run polls until the backend answers, the startup timeout elapses, the
// process exits or ctx is canceled. Events are emitted for the first three.
func (p *Poller) Run(ctx context.Context) Outcome {
	cfg := p.Config.withDefaults()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := func(name string, payload any) {
		if p.Emitter != nil {
			p.Emitter.Emit(name, payload)
		}
	}

	start := time.Now()
	logger.Info("waiting for backend", "url", p.URL, "timeout", cfg.StartupTimeout)
	emit(events.SidecarStatus, StatusStarting)

	polls := 0
	for {
		if p.Exited != nil && p.Exited.Load() {
			logger.Warn("backend exited before becoming ready, stop polling")
			emit(events.SidecarStatus, StatusStartupFailed)
			return OutcomeExited
		}
		if time.Since(start) > cfg.StartupTimeout {
			logger.Error("backend startup timed out", "timeout", cfg.StartupTimeout)
			emit(events.SidecarStatus, StatusTimeout)
			emit(events.BackendReady, false)
			return OutcomeTimeout
		}
		if ctx.Err() != nil {
			return OutcomeCanceled
		}

		polls++
		if msg, ok := milestones[polls]; ok {
			emit(events.SidecarStatus, msg)
		}

		if Probe(ctx, p.Client, p.URL, cfg.RequestTimeout) {
			logger.Info("backend ready", "elapsed", time.Since(start), "polls", polls)
			emit(events.SidecarStatus, StatusReady)
			emit(events.BackendReady, true)
			return OutcomeReady
		}

		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return OutcomeCanceled
		}
	}
}
