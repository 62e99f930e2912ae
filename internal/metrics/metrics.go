package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sidecarSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Number of backend spawn attempts by result.",
		}, []string{"result"},
	)
	sidecarExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of observed backend terminations, split by whether it had become ready.",
		}, []string{"ready"},
	)
	sidecarKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "kills_total",
			Help:      "Number of kill requests issued to the backend by trigger and result.",
		}, []string{"trigger", "result"},
	)
	sidecarPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "phase",
			Help:      "Current supervisor phase (1 = active phase, 0 = inactive).",
		}, []string{"phase"},
	)
	readySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "health",
			Name:      "time_to_ready_seconds",
			Help:      "Time from spawn until the first successful health check.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Number of health probes by outcome.",
		}, []string{"outcome"},
	)
	commandRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Number of bridged command executions by result.",
		}, []string{"result"},
	)
	commandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of bridged command executions.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Number of events published to the UI layer.",
		}, []string{"name"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Number of event deliveries dropped because a subscriber was full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sidecarSpawns, sidecarExits, sidecarKills, sidecarPhase, readySeconds,
		healthProbes, commandRuns, commandDuration, eventsEmitted, eventsDropped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(result string) {
	if regOK.Load() {
		sidecarSpawns.WithLabelValues(result).Inc()
	}
}

func IncExit(wasReady bool) {
	if regOK.Load() {
		label := "false"
		if wasReady {
			label = "true"
		}
		sidecarExits.WithLabelValues(label).Inc()
	}
}

func IncKill(trigger, result string) {
	if regOK.Load() {
		sidecarKills.WithLabelValues(trigger, result).Inc()
	}
}

// SetPhase marks phase as the single active phase out of all.
func SetPhase(phase string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		sidecarPhase.WithLabelValues(p).Set(v)
	}
}

func ObserveTimeToReady(seconds float64) {
	if regOK.Load() {
		readySeconds.Observe(seconds)
	}
}

func IncHealthProbe(outcome string) {
	if regOK.Load() {
		healthProbes.WithLabelValues(outcome).Inc()
	}
}

func ObserveCommand(result string, seconds float64) {
	if regOK.Load() {
		commandRuns.WithLabelValues(result).Inc()
		commandDuration.Observe(seconds)
	}
}

func IncEvent(name string) {
	if regOK.Load() {
		eventsEmitted.WithLabelValues(name).Inc()
	}
}

func IncEventDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}
