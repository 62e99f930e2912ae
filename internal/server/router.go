package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/internal/command"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/node"
	"github.com/loykin/sidecar/internal/supervisor"
)

// DefaultBasePath is where the IPC commands are mounted by default.
const DefaultBasePath = "/ipc"

// Backend is the supervisor view the router needs.
type Backend interface {
	URL() string
	WSURL() string
	Ready(ctx context.Context) bool
	State() supervisor.Snapshot
}

// Lifecycle receives the tray and window triggers.
type Lifecycle interface {
	Quit()
	WindowDestroyed()
}

// EventSource is the live event stream plus its in-memory ring.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
	Recent(limit int) []events.Event
}

// HistoryReader serves persisted events. ok is false when no sink can read.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]events.Event, bool, error)
}

// Deps are the collaborators behind the IPC routes. History, Auth and
// OpenPreferences are optional. Node is called on every /node/info request.
type Deps struct {
	Backend         Backend
	Commands        *command.Runner
	Events          EventSource
	History         HistoryReader
	Lifecycle       Lifecycle
	Node            func() node.Info
	OpenPreferences func(pane string) error
	Auth            *auth.Middleware
	Logger          *slog.Logger
}

// Router provides the embeddable IPC command surface.
// Endpoints (relative to basePath):
//
//	GET  /backend/url | /backend/ws-url | /backend/ready | /backend/state
//	POST /command/run                 body: command.Request JSON
//	GET  /command/which               query: executable=...
//	GET  /node/info
//	POST /system/preferences/:pane
//	POST /app/quit | /app/window-destroyed
//	GET  /events                      WebSocket, query: replay=N
//	GET  /events/history              query: limit=N
//	GET  /metrics
//	POST /auth/token                  body: {"secret": "..."}
type Router struct {
	deps     Deps
	basePath string
}

// NewRouter constructs a Router. basePath may be empty or start with '/';
// trailing slashes are dropped.
func NewRouter(deps Deps, basePath string) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.OpenPreferences == nil {
		deps.OpenPreferences = node.OpenPreferences
	}
	if deps.Node == nil {
		deps.Node = func() node.Info { return node.NewInfo("") }
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	root := g.Group(r.basePath)
	if r.deps.Auth.Enabled() {
		root.POST("/auth/token", r.deps.Auth.HandleToken)
	}
	group := root.Group("", r.deps.Auth.GinAuth())
	group.GET("/backend/url", r.handleBackendURL)
	group.GET("/backend/ws-url", r.handleBackendWSURL)
	group.GET("/backend/ready", r.handleBackendReady)
	group.GET("/backend/state", r.handleBackendState)
	group.POST("/command/run", r.handleCommandRun)
	group.GET("/command/which", r.handleCommandWhich)
	group.GET("/node/info", r.handleNodeInfo)
	group.POST("/system/preferences/:pane", r.handlePreferences)
	group.POST("/app/quit", r.handleQuit)
	group.POST("/app/window-destroyed", r.handleWindowDestroyed)
	group.GET("/events", r.handleEvents)
	group.GET("/events/history", r.handleEventHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned immediately; Addr on the returned server is the bound address.
func NewServer(addr, basePath string, deps Deps) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.deps.Logger.Error("ipc server stopped", "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type urlResp struct {
	URL string `json:"url"`
}

type readyResp struct {
	Ready bool `json:"ready"`
}

type whichResp struct {
	Path *string `json:"path"`
}

func (r *Router) handleBackendURL(c *gin.Context) {
	writeJSON(c, http.StatusOK, urlResp{URL: r.deps.Backend.URL()})
}

func (r *Router) handleBackendWSURL(c *gin.Context) {
	writeJSON(c, http.StatusOK, urlResp{URL: r.deps.Backend.WSURL()})
}

func (r *Router) handleBackendReady(c *gin.Context) {
	writeJSON(c, http.StatusOK, readyResp{Ready: r.deps.Backend.Ready(c.Request.Context())})
}

func (r *Router) handleBackendState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Backend.State())
}

func (r *Router) handleCommandRun(c *gin.Context) {
	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.deps.Commands.Run(c.Request.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, command.ErrInvalidArgument) {
			code = http.StatusBadRequest
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleCommandWhich(c *gin.Context) {
	exe := c.Query("executable")
	if exe == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "executable required"})
		return
	}
	var resp whichResp
	if p, ok := r.deps.Commands.Which(c.Request.Context(), exe); ok {
		resp.Path = &p
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleNodeInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Node())
}

func (r *Router) handlePreferences(c *gin.Context) {
	pane := c.Param("pane")
	err := r.deps.OpenPreferences(pane)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, node.ErrUnknownPane):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, node.ErrUnsupported):
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleQuit(c *gin.Context) {
	r.deps.Logger.Info("quit requested over ipc")
	r.deps.Lifecycle.Quit()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWindowDestroyed(c *gin.Context) {
	r.deps.Logger.Info("window destroyed")
	r.deps.Lifecycle.WindowDestroyed()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEventHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLimit)
	if r.deps.History != nil {
		evs, ok, err := r.deps.History.Recent(c.Request.Context(), limit)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		if ok {
			writeJSON(c, http.StatusOK, nonNil(evs))
			return
		}
	}
	writeJSON(c, http.StatusOK, nonNil(r.deps.Events.Recent(limit)))
}

func nonNil(evs []events.Event) []events.Event {
	if evs == nil {
		return []events.Event{}
	}
	return evs
}
