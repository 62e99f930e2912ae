// Package sidecar runs a desktop application's backend as a supervised child
// process and exposes the shell's IPC commands over a local HTTP surface.
//
// An App wires the pieces together: it picks a port, spawns the backend,
// polls its health endpoint, forwards lifecycle events to the UI and makes
// sure the backend is killed exactly once on quit, window destruction or
// application exit.
package sidecar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/internal/command"
	cfg "github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/node"
	"github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/shutdown"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Event = events.Event

type Snapshot = supervisor.Snapshot

type NodeInfo = node.Info

type Spawner = supervisor.Spawner

// Event names delivered to the UI.
const (
	EventBackendReady   = events.BackendReady
	EventBackendStopped = events.BackendStopped
	EventSidecarStatus  = events.SidecarStatus
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Option customizes an App.
type Option func(*App)

// WithConsole sets where console logs go (default os.Stderr; nil disables).
func WithConsole(w io.Writer) Option { return func(a *App) { a.console = w } }

// WithRegisterer sets the Prometheus registerer (default prometheus.DefaultRegisterer).
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.registerer = r } }

// WithSpawner replaces how the backend process is started.
func WithSpawner(sp Spawner) Option {
	return func(a *App) { a.supOpts = append(a.supOpts, supervisor.WithSpawner(sp)) }
}

// WithHTTPClient sets the client used for backend health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.supOpts = append(a.supOpts, supervisor.WithHTTPClient(c)) }
}

// WithSignalChannel replaces OS signal delivery, mainly for tests.
func WithSignalChannel(ch chan os.Signal) Option { return func(a *App) { a.signals = ch } }

// App is one sidecar instance.
type App struct {
	cfg        *Config
	console    io.Writer
	registerer prometheus.Registerer
	supOpts    []supervisor.Option
	signals    chan os.Signal

	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer
	bus       *events.Bus
	recorder  *history.Recorder
	sampler   *metrics.ProcessSampler
	sup       *supervisor.Supervisor
	coord     *shutdown.Coordinator
	authSvc   *auth.Service

	mu     sync.Mutex
	server *http.Server
}

// New builds an App from c. Nothing is spawned or bound until Start.
func New(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, fmt.Errorf("sidecar: nil config")
	}
	a := &App{
		cfg:        c,
		console:    os.Stderr,
		registerer: prometheus.DefaultRegisterer,
		level:      new(slog.LevelVar),
	}
	for _, o := range opts {
		o(a)
	}

	lc := c.LoggerConfig()
	lc.LevelVar = a.level
	a.logger, a.logCloser = logger.New(lc, a.console)

	if c.Metrics.Enabled {
		if err := metrics.Register(a.registerer); err != nil {
			a.logger.Warn("metrics registration failed", "error", err)
		}
	}
	a.sampler = metrics.NewProcessSampler(c.Metrics.Sampler)
	if c.Metrics.Enabled {
		if err := a.sampler.RegisterMetrics(a.registerer); err != nil {
			a.logger.Warn("sampler metrics registration failed", "error", err)
		}
	}

	a.bus = events.NewBus(c.History.Size, a.logger.With("component", "events"))
	a.recorder = a.openHistory()

	sc, err := c.SupervisorConfig()
	if err != nil {
		_ = a.logCloser.Close()
		return nil, err
	}
	supOpts := append([]supervisor.Option{
		supervisor.WithLogger(a.logger.With("component", "supervisor")),
		supervisor.WithSampler(a.sampler),
	}, a.supOpts...)
	a.sup = supervisor.New(sc, a.bus, supOpts...)

	coordOpts := []shutdown.Option{
		shutdown.WithTimeout(c.Shutdown.Timeout),
		shutdown.WithLogger(a.logger.With("component", "shutdown")),
	}
	if a.signals != nil {
		coordOpts = append(coordOpts, shutdown.WithSignalChannel(a.signals))
	}
	a.coord = shutdown.NewCoordinator(a.sup, coordOpts...)

	if c.Server.Auth.Enabled {
		a.authSvc, err = auth.Setup(c.Server.Auth.SecretFile, c.Server.Auth.TokenTTL)
		if err != nil {
			_ = a.logCloser.Close()
			return nil, err
		}
	}
	return a, nil
}

// openHistory creates every configured sink. A sink that cannot be opened is
// logged and skipped; history is never a reason not to start.
func (a *App) openHistory() *history.Recorder {
	dsns := a.cfg.HistoryDSNs()
	if len(dsns) == 0 {
		return nil
	}
	sinks := make([]history.Sink, 0, len(dsns))
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			a.logger.Warn("history sink unavailable", "dsn", redact(dsn), "error", err)
			continue
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil
	}
	r := history.NewRecorder(a.logger, sinks...)
	r.Attach(a.bus, a.cfg.History.Buffer)
	return r
}

// Start binds the IPC server and launches the backend. A backend that fails
// to spawn is reported through events and State, not as an error: the UI
// stays up to show it.
func (a *App) Start(ctx context.Context) error {
	a.coord.Register(shutdown.NewCloserComponent("log", a.logCloser))
	a.coord.Register(shutdown.NewCloserComponent("events", a.bus))
	if a.recorder != nil {
		a.coord.Register(shutdown.NewCloserComponent("history", a.recorder))
	}
	a.coord.Register(shutdown.NewFuncComponent("supervisor", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			a.sup.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	srv, err := server.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a.deps())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()
	a.coord.Register(shutdown.NewHTTPServerComponent("ipc", srv))
	a.logger.Info("ipc server listening", "addr", srv.Addr, "base_path", a.cfg.Server.BasePath,
		"auth", a.authSvc != nil)

	if err := a.sup.Start(ctx); err != nil {
		a.logger.Error("backend did not start", "error", err)
	}
	return nil
}

func (a *App) deps() server.Deps {
	d := server.Deps{
		Backend:   a.sup,
		Commands:  command.NewRunner(a.logger.With("component", "command")),
		Events:    a.bus,
		Lifecycle: a.coord,
		Node:      a.Node,
		Logger:    a.logger.With("component", "ipc"),
	}
	if a.recorder != nil {
		d.History = a.recorder
	}
	if a.authSvc != nil {
		d.Auth = auth.NewMiddleware(a.authSvc)
	}
	return d
}

// Run starts the App and blocks until quit, a termination signal or ctx
// ends, then releases everything. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	if err := a.Start(ctx); err != nil {
		a.logger.Error("sidecar start failed", "error", err)
		a.coord.AppExit()
		a.coord.Wait()
		return 1
	}
	go a.coord.WaitForSignal(ctx)
	select {
	case <-a.coord.Done():
	case <-ctx.Done():
	}
	a.coord.AppExit()
	a.coord.Wait()
	return a.coord.ExitCode()
}

// WatchConfig applies log level changes from path while the App runs.
func (a *App) WatchConfig(path string) error {
	return cfg.Watch(path, func(c *Config) {
		lvl := logger.ParseLevel(c.Log.Level)
		if lvl != a.level.Level() {
			a.level.Set(lvl)
			a.logger.Info("log level changed", "level", lvl.String())
		}
	}, func(err error) {
		a.logger.Warn("config reload rejected", "error", err)
	})
}

// Quit is the tray quit trigger.
func (a *App) Quit() { a.coord.Quit() }

// WindowDestroyed is the main window destruction trigger.
func (a *App) WindowDestroyed() { a.coord.WindowDestroyed() }

// AppExit is the application exit trigger; it also releases the App.
func (a *App) AppExit() { a.coord.AppExit() }

// Done is closed once application exit has been requested.
func (a *App) Done() <-chan struct{} { return a.coord.Done() }

// Wait blocks until AppExit has released every component.
func (a *App) Wait() { a.coord.Wait() }

func (a *App) State() Snapshot { return a.sup.State() }

func (a *App) BackendURL() string { return a.sup.URL() }

func (a *App) BackendWSURL() string { return a.sup.WSURL() }

// Subscribe delivers events until cancel is called or the App exits.
func (a *App) Subscribe(buffer int) (<-chan Event, func()) { return a.bus.Subscribe(buffer) }

// Node describes this host. Each call yields a fresh node id.
func (a *App) Node() NodeInfo { return node.NewInfo(a.cfg.App.Version) }

func (a *App) Logger() *slog.Logger { return a.logger }

// Addr is the bound IPC address, empty before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr
}

// redact drops credentials from a DSN before logging it.
func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		u.User = nil
		return u.String()
	}
	return dsn
}
