// Package shutdown turns the application's exit paths into one idempotent
// backend kill and an orderly release of everything else.
//
// Three triggers exist and any of them may fire first: the tray "quit"
// action, destruction of the main window and the final application exit.
// Each one terminates the backend; the supervisor makes repeated calls
// harmless.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds how long registered components get to shut down.
const DefaultTimeout = 10 * time.Second

// Trigger names, used in logs and metrics.
const (
	TriggerQuit            = "quit"
	TriggerWindowDestroyed = "window-destroyed"
	TriggerAppExit         = "app-exit"
)

// Terminator kills the backend. Implementations must tolerate repeated calls.
type Terminator interface {
	Terminate(trigger string) error
}

// Component is something released on application exit.
type Component interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Coordinator wires the exit triggers to the backend terminator and the
// registered components.
type Coordinator struct {
	backend    Terminator
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	signalCh chan os.Signal

	exitRequested chan struct{}
	requestOnce   sync.Once
	exitOnce      sync.Once
	finished      chan struct{}
	exitCode      int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel replaces the OS signal source.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a coordinator for backend.
func NewCoordinator(backend Terminator, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:       backend,
		timeout:       DefaultTimeout,
		logger:        slog.Default(),
		exitRequested: make(chan struct{}),
		finished:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component released by AppExit. Components are released in
// reverse order of registration.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// Quit handles the explicit quit action: kill the backend, then ask the
// application to exit.
func (c *Coordinator) Quit() {
	c.terminate(TriggerQuit)
	c.requestExit()
}

// WindowDestroyed handles destruction of the main window.
func (c *Coordinator) WindowDestroyed() {
	c.terminate(TriggerWindowDestroyed)
}

// AppExit is the final backstop. It kills the backend, releases every
// registered component within the timeout and marks shutdown finished.
// Only the first call does any work; later calls wait for it.
func (c *Coordinator) AppExit() {
	c.exitOnce.Do(func() {
		c.terminate(TriggerAppExit)
		c.requestExit()
		c.releaseComponents()
		close(c.finished)
	})
	<-c.finished
}

// Done is closed once application exit has been requested by Quit or AppExit.
func (c *Coordinator) Done() <-chan struct{} { return c.exitRequested }

// Wait blocks until AppExit has finished.
func (c *Coordinator) Wait() { <-c.finished }

// ExitCode is 0 after a clean exit and 1 when components overran the timeout.
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// WaitForSignal blocks until SIGINT/SIGTERM, exit is requested or ctx ends.
// A signal is handled as AppExit.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
		c.AppExit()
	case <-c.exitRequested:
	case <-ctx.Done():
	}
}

func (c *Coordinator) terminate(trigger string) {
	if c.backend == nil {
		return
	}
	c.logger.Info("terminating backend", "trigger", trigger)
	if err := c.backend.Terminate(trigger); err != nil {
		c.logger.Error("backend termination failed", "trigger", trigger, "error", err)
	}
}

func (c *Coordinator) requestExit() {
	c.requestOnce.Do(func() { close(c.exitRequested) })
}

func (c *Coordinator) releaseComponents() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	components := make([]Component, len(c.components))
	copy(components, c.components)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if ctx.Err() != nil {
				return
			}
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				continue
			}
			c.logger.Debug("component shutdown complete", "name", comp.Name())
		}
	}()

	select {
	case <-done:
		c.logger.Info("shutdown complete")
	case <-ctx.Done():
		c.logger.Warn("shutdown timeout exceeded, forcing exit", "timeout", c.timeout)
		c.mu.Lock()
		c.exitCode = 1
		c.mu.Unlock()
	}
}
