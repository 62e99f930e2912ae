package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/internal/command"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/node"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	ready bool
	port  int
}

func (b *fakeBackend) URL() string                { return "http://127.0.0.1:18900/api" }
func (b *fakeBackend) WSURL() string              { return "ws://127.0.0.1:18900/api" }
func (b *fakeBackend) Ready(context.Context) bool { return b.ready }
func (b *fakeBackend) State() supervisor.Snapshot {
	return supervisor.Snapshot{
		Mode:      supervisor.ModeRelease,
		Phase:     supervisor.PhaseReady,
		Port:      b.port,
		IsSidecar: true,
		HasChild:  true,
		PID:       4242,
		Ready:     b.ready,
	}
}

type fakeLifecycle struct {
	quits, destroyed atomic.Int32
}

func (l *fakeLifecycle) Quit()            { l.quits.Add(1) }
func (l *fakeLifecycle) WindowDestroyed() { l.destroyed.Add(1) }

type fakeHistory struct {
	evs []events.Event
	ok  bool
	err error
}

func (h fakeHistory) Recent(context.Context, int) ([]events.Event, bool, error) {
	return h.evs, h.ok, h.err
}

type fixture struct {
	h     http.Handler
	bus   *events.Bus
	life  *fakeLifecycle
	panes []string
}

func setupRouter(t *testing.T, base string, mutate func(*Deps)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{bus: events.NewBus(16, nil), life: &fakeLifecycle{}}
	t.Cleanup(func() { _ = f.bus.Close() })
	deps := Deps{
		Backend:   &fakeBackend{ready: true, port: 18900},
		Commands:  command.NewRunner(nil),
		Events:    f.bus,
		Lifecycle: f.life,
		Node: func() node.Info {
			return node.Info{NodeID: "node-abcdef12", DisplayName: "host", Platform: "linux", Version: "1.2.3", Capabilities: []string{"system.run"}}
		},
		OpenPreferences: func(pane string) error {
			f.panes = append(f.panes, pane)
			switch pane {
			case "camera":
				return nil
			case "unsupported":
				return node.ErrUnsupported
			case "boom":
				return errors.New("spawn open: failed")
			}
			return node.ErrUnknownPane
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.h = NewRouter(deps, base).Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBackendEndpoints(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)

	rec := doReq(t, f.h, http.MethodGet, "/ipc/backend/url", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://127.0.0.1:18900/api", decode[urlResp](t, rec).URL)

	rec = doReq(t, f.h, http.MethodGet, "/ipc/backend/ws-url", nil)
	assert.Equal(t, "ws://127.0.0.1:18900/api", decode[urlResp](t, rec).URL)

	rec = doReq(t, f.h, http.MethodGet, "/ipc/backend/ready", nil)
	assert.True(t, decode[readyResp](t, rec).Ready)

	rec = doReq(t, f.h, http.MethodGet, "/ipc/backend/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", state["phase"])
	assert.Equal(t, "release", state["mode"])
	assert.EqualValues(t, 18900, state["port"])
}

func TestBasePathEmpty(t *testing.T) {
	f := setupRouter(t, "/", nil)
	rec := doReq(t, f.h, http.MethodGet, "/backend/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCommandRunEmptyIsBadRequest(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodPost, "/ipc/command/run", command.Request{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "invalid argument")
}

func TestCommandRunInvalidJSON(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	req := httptest.NewRequest(http.MethodPost, "/ipc/command/run", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandRunMissingExecutable(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodPost, "/ipc/command/run",
		command.Request{Argv: []string{"definitely-not-a-real-binary-xyz"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "failed to execute command")
}

func TestCommandRunEcho(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodPost, "/ipc/command/run",
		map[string]any{"command": []string{"sh", "-c", "echo hi; exit 3"}})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[command.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
}

func TestCommandWhich(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	f := setupRouter(t, "/ipc", nil)

	rec := doReq(t, f.h, http.MethodGet, "/ipc/command/which?executable=sh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[whichResp](t, rec)
	require.NotNil(t, found.Path)
	assert.Contains(t, *found.Path, "sh")

	rec = doReq(t, f.h, http.MethodGet, "/ipc/command/which?executable=definitely-not-a-real-binary-xyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":null}`, rec.Body.String())

	rec = doReq(t, f.h, http.MethodGet, "/ipc/command/which", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeInfo(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodGet, "/ipc/node/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[node.Info](t, rec)
	assert.Equal(t, "node-abcdef12", info.NodeID)
	assert.Equal(t, []string{"system.run"}, info.Capabilities)
}

func TestNodeInfoFreshPerRequest(t *testing.T) {
	f := setupRouter(t, "/ipc", func(d *Deps) { d.Node = nil })
	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		rec := doReq(t, f.h, http.MethodGet, "/ipc/node/info", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		info := decode[node.Info](t, rec)
		assert.True(t, strings.HasPrefix(info.NodeID, "node-"), info.NodeID)
		assert.Len(t, info.NodeID, len("node-")+8)
		ids[info.NodeID] = true
	}
	assert.Len(t, ids, 2)
}

func TestPreferencesStatusCodes(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	cases := map[string]int{
		"camera":      http.StatusOK,
		"nope":        http.StatusBadRequest,
		"unsupported": http.StatusNotImplemented,
		"boom":        http.StatusInternalServerError,
	}
	for pane, want := range cases {
		rec := doReq(t, f.h, http.MethodPost, "/ipc/system/preferences/"+pane, nil)
		assert.Equal(t, want, rec.Code, pane)
	}
	assert.Len(t, f.panes, len(cases))
}

func TestLifecycleTriggers(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodPost, "/ipc/app/quit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, f.h, http.MethodPost, "/ipc/app/window-destroyed", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, f.h, http.MethodPost, "/ipc/app/window-destroyed", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, f.life.quits.Load())
	assert.EqualValues(t, 2, f.life.destroyed.Load())

	rec = doReq(t, f.h, http.MethodGet, "/ipc/app/quit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventHistoryFromBus(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)

	rec := doReq(t, f.h, http.MethodGet, "/ipc/events/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.bus.Emit(events.SidecarStatus, "starting")
	f.bus.Emit(events.BackendReady, true)
	f.bus.Emit(events.BackendStopped, true)

	rec = doReq(t, f.h, http.MethodGet, "/ipc/events/history?limit=2", nil)
	evs := decode[[]events.Event](t, rec)
	require.Len(t, evs, 2)
	assert.Equal(t, events.BackendReady, evs[0].Name)
	assert.Equal(t, events.BackendStopped, evs[1].Name)
}

func TestEventHistoryFromSink(t *testing.T) {
	stored := []events.Event{{ID: "1", Name: events.BackendReady, Payload: true, Timestamp: time.Unix(0, 0).UTC()}}
	f := setupRouter(t, "/ipc", func(d *Deps) { d.History = fakeHistory{evs: stored, ok: true} })
	f.bus.Emit(events.SidecarStatus, "starting")

	rec := doReq(t, f.h, http.MethodGet, "/ipc/events/history", nil)
	evs := decode[[]events.Event](t, rec)
	require.Len(t, evs, 1)
	assert.Equal(t, "1", evs[0].ID)
}

func TestEventHistorySinkFallbackAndError(t *testing.T) {
	f := setupRouter(t, "/ipc", func(d *Deps) { d.History = fakeHistory{ok: false} })
	f.bus.Emit(events.SidecarStatus, "starting")
	rec := doReq(t, f.h, http.MethodGet, "/ipc/events/history", nil)
	assert.Len(t, decode[[]events.Event](t, rec), 1)

	f = setupRouter(t, "/ipc", func(d *Deps) { d.History = fakeHistory{ok: true, err: errors.New("db down")} })
	rec = doReq(t, f.h, http.MethodGet, "/ipc/events/history", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodGet, "/ipc/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthProtectsRoutes(t *testing.T) {
	svc, err := auth.NewService("launch-secret", time.Minute)
	require.NoError(t, err)
	f := setupRouter(t, "/ipc", func(d *Deps) { d.Auth = auth.NewMiddleware(svc) })

	rec := doReq(t, f.h, http.MethodGet, "/ipc/backend/url", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/ipc/auth/token", map[string]string{"secret": "launch-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[auth.Token](t, rec)

	req := httptest.NewRequest(http.MethodGet, "/ipc/backend/url", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTokenRouteAbsentWhenDisabled(t *testing.T) {
	f := setupRouter(t, "/ipc", nil)
	rec := doReq(t, f.h, http.MethodPost, "/ipc/auth/token", map[string]string{"secret": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerBindsAndServes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := events.NewBus(4, nil)
	defer func() { _ = bus.Close() }()
	srv, err := NewServer("127.0.0.1:0", "/ipc", Deps{
		Backend: &fakeBackend{}, Commands: command.NewRunner(nil), Events: bus, Lifecycle: &fakeLifecycle{},
	})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/ipc/backend/ready")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, "/ipc", Deps{})
	assert.Error(t, err)
}
