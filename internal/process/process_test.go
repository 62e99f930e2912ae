//go:build !windows

package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains events until the channel closes.
func collect(t *testing.T, ch <-chan Event) (lines map[Kind][]string, last Event) {
	t.Helper()
	lines = map[Kind][]string{}
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return lines, last
			}
			if ev.Kind == Terminated {
				last = ev
				continue
			}
			lines[ev.Kind] = append(lines[ev.Kind], ev.Line)
		case <-timeout:
			t.Fatalf("timed out waiting for process events")
		}
	}
}

func sh(script string) Spec {
	return Spec{Name: "t", Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestStart_LinesAndExitCode(t *testing.T) {
	p, ch, err := Start(sh("echo one; echo '  two  '; echo oops 1>&2; exit 3"))
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	lines, last := collect(t, ch)
	assert.Equal(t, []string{"one", "two"}, lines[Stdout])
	assert.Equal(t, []string{"oops"}, lines[Stderr])
	assert.Equal(t, Terminated, last.Kind)
	assert.Equal(t, 3, last.ExitCode)
	assert.NoError(t, last.Err)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Terminated")
	}
	assert.False(t, p.Alive())
}

func TestStart_LossyUTF8AndBlankLines(t *testing.T) {
	_, ch, err := Start(sh(`printf 'a\377b\n\n   \nlast'`))
	require.NoError(t, err)
	lines, last := collect(t, ch)
	assert.Equal(t, []string{"a�b", "last"}, lines[Stdout])
	assert.Equal(t, 0, last.ExitCode)
}

func TestStart_MissingExecutable(t *testing.T) {
	_, _, err := Start(Spec{Name: "x", Path: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
}

func TestStart_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	spec := sh(`echo "$SIDECAR_T"; pwd`)
	spec.Env = []string{"SIDECAR_T=hello", "PATH=/usr/bin:/bin"}
	spec.WorkDir = dir
	_, ch, err := Start(spec)
	require.NoError(t, err)
	lines, _ := collect(t, ch)
	require.Len(t, lines[Stdout], 2)
	assert.Equal(t, "hello", lines[Stdout][0])
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[Stdout][1])
	assert.Equal(t, want, got)
}

func TestKill_ProcessGroup(t *testing.T) {
	// The grandchild keeps stdout open; only a group kill lets the streams close.
	p, ch, err := Start(sh("sleep 30 & sleep 30"))
	require.NoError(t, err)
	assert.True(t, p.Alive())

	require.NoError(t, p.Kill())
	_, last := collect(t, ch)
	assert.Equal(t, -1, last.ExitCode)
	assert.True(t, errors.Is(p.Kill(), os.ErrProcessDone))
}

func TestStart_TeesOutputToLogFiles(t *testing.T) {
	dir := t.TempDir()
	spec := sh("echo to-out; echo to-err 1>&2")
	spec.Name = "backend"
	spec.Log = logger.FileConfig{Dir: dir}
	_, ch, err := Start(spec)
	require.NoError(t, err)
	collect(t, ch)

	out, err := os.ReadFile(filepath.Join(dir, "backend.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "to-out\n", string(out))
	errb, err := os.ReadFile(filepath.Join(dir, "backend.stderr.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(errb), "to-err"))
}

func TestBackendArgs(t *testing.T) {
	assert.Equal(t, []string{"--port", "18900", "--data-dir", "/tmp/d"}, BackendArgs(18900, "/tmp/d"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "stdout", Stdout.String())
	assert.Equal(t, "stderr", Stderr.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
