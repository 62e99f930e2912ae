// Package supervisor owns the backend process: it picks the port, spawns the
// backend, drains its output, waits for readiness and kills it on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/loykin/sidecar/internal/port"
	"github.com/loykin/sidecar/internal/process"
)

const (
	DefaultPreferredPort   = 18900
	DefaultPortRange       = 10
	DefaultDevPort         = 8000
	DefaultDevProbeTimeout = 3 * time.Second
	BackendName            = "backend"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Child is the handle kept for a spawned backend.
type Child interface {
	PID() int
	Kill() error
}

// Spawner starts the backend described by spec.
type Spawner func(spec process.Spec) (Child, <-chan process.Event, error)

// SpawnProcess is the Spawner backed by internal/process.
func SpawnProcess(spec process.Spec) (Child, <-chan process.Event, error) {
	p, ch, err := process.Start(spec)
	if err != nil {
		return nil, nil, err
	}
	return p, ch, nil
}

// Config describes how the backend is run.
type Config struct {
	Mode            Mode
	Executable      string   // backend binary; relative names resolve next to this executable, then PATH
	DataDir         string   // passed as --data-dir and created before spawn
	WorkDir         string   // optional working directory
	PIDFile         string   // optional; a backend recorded here by a crashed run is killed before spawn
	Env             []string // full backend environment; nil inherits
	PreferredPort   int
	PortRange       int
	DevPort         int
	DevProbeTimeout time.Duration
	Health          health.Config
	Log             logger.FileConfig // optional rotating copies of backend output
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeRelease
	}
	if c.PreferredPort <= 0 {
		c.PreferredPort = DefaultPreferredPort
	}
	if c.PortRange <= 0 {
		c.PortRange = DefaultPortRange
	}
	if c.DevPort <= 0 {
		c.DevPort = DefaultDevPort
	}
	if c.DevProbeTimeout <= 0 {
		c.DevProbeTimeout = DefaultDevProbeTimeout
	}
	return c
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	Mode      Mode                   `json:"mode"`
	Phase     Phase                  `json:"phase"`
	Port      int                    `json:"port"`
	IsSidecar bool                   `json:"is_sidecar"`
	HasChild  bool                   `json:"has_child"`
	PID       int                    `json:"pid,omitempty"`
	Ready     bool                   `json:"ready"`
	StartedAt time.Time              `json:"started_at,omitzero"`
	Resources *metrics.ProcessSample `json:"resources,omitempty"`
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the process spawner.
func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawn = sp } }

// WithHTTPClient sets the client used for health probes.
func WithHTTPClient(c *http.Client) Option { return func(s *Supervisor) { s.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithSampler attaches a resource sampler that follows the backend PID.
func WithSampler(ps *metrics.ProcessSampler) Option { return func(s *Supervisor) { s.sampler = ps } }

// Supervisor manages one backend for the lifetime of the application.
type Supervisor struct {
	cfg     Config
	emitter events.Emitter
	logger  *slog.Logger
	spawn   Spawner
	client  *http.Client
	sampler *metrics.ProcessSampler

	// Guarded by mu. The child slot is non-nil only while isSidecar is true
	// and the backend has not been reaped.
	mu        sync.Mutex
	child     Child
	pid       int
	port      int
	isSidecar bool
	phase     Phase
	ready     bool
	startedAt time.Time

	exited  atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a supervisor. The port is not known until Start.
func New(cfg Config, emitter events.Emitter, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		emitter: emitter,
		logger:  slog.Default(),
		spawn:   SpawnProcess,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.emitter == nil {
		s.emitter = events.EmitterFunc(func(string, any) {})
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Start brings the backend up according to the configured mode. It returns
// once the backend is spawned (or, in dev mode, assumed); readiness is
// reported through events. A spawn failure is reported both as an error and
// as backend-ready(false).
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.cfg.Mode == ModeDev {
		s.startDev(ctx)
		return nil
	}
	return s.startRelease(ctx)
}

func (s *Supervisor) startRelease(ctx context.Context) error {
	s.setPhase(PhaseSpawning)
	s.reapStale()
	p := port.SelectPort(s.cfg.PreferredPort, s.cfg.PortRange)
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()

	if s.cfg.DataDir != "" {
		if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
			s.logger.Warn("create data dir failed", "dir", s.cfg.DataDir, "error", err)
		}
	}
	s.logger.Info("starting backend", "port", p, "data_dir", s.cfg.DataDir)

	exe, err := ResolveExecutable(s.cfg.Executable)
	var (
		child  Child
		stream <-chan process.Event
	)
	if err == nil {
		spec := process.Spec{
			Name:    BackendName,
			Path:    exe,
			Args:    process.BackendArgs(p, s.cfg.DataDir),
			WorkDir: s.cfg.WorkDir,
			Env:     s.cfg.Env,
			Log:     s.cfg.Log,
		}
		child, stream, err = s.spawn(spec)
	}
	if err != nil {
		s.logger.Error("backend spawn failed", "executable", s.cfg.Executable, "error", err)
		metrics.IncSpawn("error")
		s.setPhase(PhaseTerminated)
		s.emitter.Emit(events.BackendReady, false)
		return fmt.Errorf("spawn backend: %w", err)
	}
	metrics.IncSpawn("ok")

	s.mu.Lock()
	s.child = child
	s.pid = child.PID()
	s.isSidecar = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setPhase(PhaseRunning)
	s.logger.Info("backend spawned", "pid", child.PID(), "port", p)
	if s.cfg.PIDFile != "" {
		if err := pidfile.Write(s.cfg.PIDFile, child.PID()); err != nil {
			s.logger.Warn("write pid file failed", "path", s.cfg.PIDFile, "error", err)
		}
	}

	if s.sampler != nil {
		s.sampler.Start(ctx, s.livePID)
	}
	s.wg.Add(2)
	go s.drain(stream)
	go s.awaitReady(ctx, p)
	return nil
}

// reapStale kills a backend left behind by a previous run that did not shut
// down, so it no longer holds a port from the preferred range.
func (s *Supervisor) reapStale() {
	if s.cfg.PIDFile == "" {
		return
	}
	pid, err := pidfile.ReapStale(s.cfg.PIDFile)
	switch {
	case err != nil:
		s.logger.Warn("stale backend check failed", "path", s.cfg.PIDFile, "error", err)
	case pid > 0:
		s.logger.Warn("killed stale backend from a previous run", "pid", pid)
	}
}

func (s *Supervisor) startDev(ctx context.Context) {
	s.mu.Lock()
	s.port = s.cfg.DevPort
	s.isSidecar = false
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setPhase(PhaseRunning)
	s.logger.Info("dev mode, expecting backend to be running", "port", s.cfg.DevPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if health.Probe(ctx, s.client, health.HealthURL(s.cfg.DevPort), s.cfg.DevProbeTimeout) {
			s.logger.Info("dev backend ready", "port", s.cfg.DevPort)
		} else {
			s.logger.Warn("dev backend not reachable, start it manually", "port", s.cfg.DevPort)
		}
		// The UI is told to proceed either way.
		s.markReady()
		s.emitter.Emit(events.BackendReady, true)
	}()
}

// drain consumes backend output until it terminates.
func (s *Supervisor) drain(stream <-chan process.Event) {
	defer s.wg.Done()
	for ev := range stream {
		switch ev.Kind {
		case process.Stdout, process.Stderr:
			s.logger.Info("backend output", "stream", ev.Kind.String(), "line", ev.Line)
		case process.Terminated:
			s.onTerminated(ev)
		}
	}
}

func (s *Supervisor) onTerminated(ev process.Event) {
	s.exited.Store(true)

	s.mu.Lock()
	s.child = nil
	wasReady := s.ready
	next := PhaseExitedBeforeReady
	if wasReady || s.phase == PhaseTerminated {
		next = PhaseTerminated
	}
	s.setPhaseLocked(next)
	s.mu.Unlock()
	if s.cfg.PIDFile != "" {
		_ = pidfile.Remove(s.cfg.PIDFile)
	}

	s.logger.Warn("backend terminated", "exit_code", ev.ExitCode, "error", ev.Err, "was_ready", wasReady)
	metrics.IncExit(wasReady)
	s.emitter.Emit(events.BackendReady, false)
	s.emitter.Emit(events.BackendStopped, true)
}

func (s *Supervisor) awaitReady(ctx context.Context, p int) {
	defer s.wg.Done()
	poller := &health.Poller{
		URL:     health.HealthURL(p),
		Exited:  &s.exited,
		Emitter: s.emitter,
		Config:  s.cfg.Health,
		Client:  s.client,
		Logger:  s.logger,
	}
	outcome := poller.Run(ctx)
	switch outcome {
	case health.OutcomeReady:
		s.mu.Lock()
		started := s.startedAt
		s.mu.Unlock()
		s.markReady()
		metrics.ObserveTimeToReady(time.Since(started).Seconds())
		s.logger.Info("backend ready", "port", p, "elapsed", time.Since(started).Round(time.Millisecond))
	case health.OutcomeTimeout:
		s.logger.Warn("backend did not become ready in time", "port", p)
	default:
		s.logger.Debug("health polling stopped", "outcome", outcome.String())
	}
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	if !s.phase.settled() {
		s.ready = true
		s.setPhaseLocked(PhaseReady)
	}
	s.mu.Unlock()
}

// Terminate kills the backend if this supervisor owns one. Only the first
// call that finds a live child issues a kill; every other call returns nil.
// trigger names the caller for logs and metrics.
func (s *Supervisor) Terminate(trigger string) error {
	s.mu.Lock()
	s.setPhaseLocked(PhaseTerminated)
	if !s.isSidecar || s.child == nil {
		s.mu.Unlock()
		return nil
	}
	child := s.child
	s.child = nil
	s.mu.Unlock()

	if err := child.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			metrics.IncKill(trigger, "gone")
			return nil
		}
		s.logger.Error("kill backend failed", "pid", child.PID(), "trigger", trigger, "error", err)
		metrics.IncKill(trigger, "error")
		return fmt.Errorf("kill backend: %w", err)
	}
	s.logger.Info("backend killed", "pid", child.PID(), "trigger", trigger)
	metrics.IncKill(trigger, "ok")
	return nil
}

// Wait blocks until the drain and health goroutines have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
	if s.sampler != nil {
		s.sampler.Stop()
	}
}

// Port returns the port the backend is bound to or expected on.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// URL returns the backend HTTP API base URL.
func (s *Supervisor) URL() string { return health.APIURL(s.Port()) }

// WSURL returns the backend WebSocket API base URL.
func (s *Supervisor) WSURL() string { return health.WSURL(s.Port()) }

// Ready performs one synchronous health probe.
func (s *Supervisor) Ready(ctx context.Context) bool {
	return health.Probe(ctx, s.client, health.HealthURL(s.Port()), s.cfg.Health.RequestTimeout)
}

// Exited reports whether the backend has terminated.
func (s *Supervisor) Exited() bool { return s.exited.Load() }

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Mode:      s.cfg.Mode,
		Phase:     s.phase,
		Port:      s.port,
		IsSidecar: s.isSidecar,
		HasChild:  s.child != nil,
		Ready:     s.ready,
		StartedAt: s.startedAt,
	}
	if s.child != nil {
		snap.PID = s.pid
	}
	s.mu.Unlock()
	if s.sampler != nil && snap.HasChild {
		if r, ok := s.sampler.Latest(); ok && int(r.PID) == snap.PID {
			snap.Resources = &r
		}
	}
	return snap
}

func (s *Supervisor) livePID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.pid
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.setPhaseLocked(p)
	s.mu.Unlock()
}

func (s *Supervisor) setPhaseLocked(p Phase) {
	if s.phase == p || (p != PhaseTerminated && s.phase.settled()) {
		return
	}
	s.phase = p
	publishPhase(p)
}

// ResolveExecutable locates the backend binary. Absolute paths are used as
// is; other names are looked up next to the running executable and then on
// PATH.
func ResolveExecutable(name string) (string, error) {
	if name == "" {
		return "", errors.New("backend executable not configured")
	}
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if runtime.GOOS == "windows" && filepath.Ext(candidate) == "" {
			candidate += ".exe"
		}
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}
