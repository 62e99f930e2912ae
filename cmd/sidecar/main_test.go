package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidecar/internal/auth"
	"github.com/loykin/sidecar/internal/command"
	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/node"
	"github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := buildRoot()
	want := []string{"serve", "run", "which", "node-info", "port", "ready", "url", "state", "events", "quit", "open-preferences"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, f := range []string{"config", "api-url", "api-timeout", "secret-file", "output"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), f)
	}
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "sidecar")
	assert.Contains(t, out, "serve")
}

func TestServeSwitchesGinToReleaseMode(t *testing.T) {
	prev := gin.Mode()
	t.Cleanup(func() { gin.SetMode(prev) })
	gin.SetMode(gin.DebugMode)

	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "error loading config")
	assert.Equal(t, gin.ReleaseMode, gin.Mode())
}

func TestRunLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	out, err := execute(t, "run", "--env", "GREETING=hi", "--", "sh", "-c", "printf $GREETING; exit 3")
	require.NoError(t, err)
	var res command.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi", res.Stdout)
}

func TestRunRequiresCommand(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)
}

func TestRunRejectsBadEnv(t *testing.T) {
	_, err := execute(t, "run", "--env", "NOPE", "--", "true")
	assert.ErrorContains(t, err, "KEY=VALUE")
}

func TestParseEnvPairs(t *testing.T) {
	m, err := parseEnvPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = parseEnvPairs([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, m)

	_, err = parseEnvPairs([]string{"=v"})
	assert.Error(t, err)
}

func TestWhichLocal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	out, err := execute(t, "which", "sh")
	require.NoError(t, err)
	var w whichOutput
	require.NoError(t, json.Unmarshal([]byte(out), &w))
	require.NotNil(t, w.Path)
	assert.True(t, filepath.IsAbs(*w.Path))

	out, err = execute(t, "which", "definitely-not-a-real-binary-xyz")
	require.NoError(t, err)
	assert.JSONEq(t, `{"path": null}`, out)
}

func TestNodeInfoYAML(t *testing.T) {
	out, err := execute(t, "node-info", "-o", "yaml")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &m))
	assert.Contains(t, m, "node_id")
	assert.Equal(t, node.Platform(runtime.GOOS), m["platform"])
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, "node-info", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestPortUsesConfig(t *testing.T) {
	t.Setenv("SIDECAR_APP_DATA_DIR", t.TempDir())
	out, err := execute(t, "port")
	require.NoError(t, err)
	var m map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Positive(t, m["port"])
}

type fakeBackend struct{}

func (fakeBackend) URL() string                { return "http://127.0.0.1:18901/api" }
func (fakeBackend) WSURL() string              { return "ws://127.0.0.1:18901/api" }
func (fakeBackend) Ready(context.Context) bool { return true }
func (fakeBackend) State() supervisor.Snapshot {
	return supervisor.Snapshot{Mode: supervisor.ModeRelease, Phase: supervisor.PhaseReady, Port: 18901, Ready: true}
}

type fakeLifecycle struct{ quits atomic.Int32 }

func (l *fakeLifecycle) Quit()            { l.quits.Add(1) }
func (l *fakeLifecycle) WindowDestroyed() {}

func newRemoteServer(t *testing.T, svc *auth.Service) (string, *fakeLifecycle, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	life := &fakeLifecycle{}
	bus := events.NewBus(16, nil)
	deps := server.Deps{
		Backend:         fakeBackend{},
		Commands:        command.NewRunner(nil),
		Events:          bus,
		Lifecycle:       life,
		Node:            func() node.Info { return node.Info{NodeID: "node-remote"} },
		OpenPreferences: func(string) error { return nil },
	}
	if svc != nil {
		deps.Auth = auth.NewMiddleware(svc)
	}
	srv := httptest.NewServer(server.NewRouter(deps, "/ipc").Handler())
	t.Cleanup(func() {
		_ = bus.Close()
		srv.Close()
	})
	return srv.URL + "/ipc", life, bus
}

func TestRemoteCommands(t *testing.T) {
	base, life, bus := newRemoteServer(t, nil)
	bus.Emit(events.SidecarStatus, "starting")

	out, err := execute(t, "--api-url", base, "url", "--ws")
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"ws://127.0.0.1:18901/api"}`, out)

	out, err = execute(t, "--api-url", base, "ready")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ready":true}`, out)

	out, err = execute(t, "--api-url", base, "node-info")
	require.NoError(t, err)
	assert.Contains(t, out, "node-remote")

	out, err = execute(t, "--api-url", base, "state", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "phase: ready")

	out, err = execute(t, "--api-url", base, "events", "--replay", "5")
	require.NoError(t, err)
	assert.Contains(t, out, events.SidecarStatus)

	_, err = execute(t, "--api-url", base, "open-preferences", "camera")
	require.NoError(t, err)

	_, err = execute(t, "--api-url", base, "quit")
	require.NoError(t, err)
	assert.EqualValues(t, 1, life.quits.Load())
}

func TestRemoteWithSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), auth.SecretFileName)
	svc, err := auth.Setup(path, 0)
	require.NoError(t, err)
	base, _, _ := newRemoteServer(t, svc)

	_, err = execute(t, "--api-url", base, "ready")
	assert.ErrorContains(t, err, "401")

	out, err := execute(t, "--api-url", base, "--secret-file", path, "ready")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ready":true}`, out)
}
