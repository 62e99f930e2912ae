package logger

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func writeAndClose(t *testing.T, w io.WriteCloser, s string) {
	t.Helper()
	if w == nil {
		return
	}
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestBackendCapture_DirDerivesPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	out, errW, err := FileConfig{Dir: dir}.ProcessWriters("backend")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, errW)
	writeAndClose(t, out, "listening\n")
	writeAndClose(t, errW, "warning\n")

	b, err := os.ReadFile(filepath.Join(dir, "backend.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "listening\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "backend.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "warning\n", string(b))
}

func TestBackendCapture_ExplicitPathsWinOverDir(t *testing.T) {
	dir := t.TempDir()
	so := filepath.Join(dir, "api.out")
	out, errW, err := Config{File: FileConfig{Dir: dir, StdoutPath: so}}.ProcessWriters("backend")
	require.NoError(t, err)
	writeAndClose(t, out, "x")
	writeAndClose(t, errW, "y")
	assert.FileExists(t, so)
	assert.NoFileExists(t, filepath.Join(dir, "backend.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "backend.stderr.log"))
}

func TestBackendCapture_NothingConfigured(t *testing.T) {
	out, errW, err := FileConfig{}.ProcessWriters("backend")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, errW)
}

func TestBackendCapture_SingleStream(t *testing.T) {
	dir := t.TempDir()
	out, errW, err := FileConfig{StderrPath: filepath.Join(dir, "err.log")}.ProcessWriters("backend")
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NotNil(t, errW)
	writeAndClose(t, errW, "boom")
	assert.FileExists(t, filepath.Join(dir, "err.log"))
}

func TestRotationSettings(t *testing.T) {
	tests := []struct {
		name               string
		cfg                FileConfig
		size, backups, age int
		compress           bool
	}{
		{"defaults", FileConfig{}, DefaultMaxSizeMB, DefaultMaxBackups, DefaultMaxAgeDays, false},
		{"overrides", FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 30, Compress: true}, 1, 9, 30, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.StdoutPath = filepath.Join(t.TempDir(), "o.log")
			out, _, err := tt.cfg.ProcessWriters("backend")
			require.NoError(t, err)
			l, ok := out.(*lj.Logger)
			require.True(t, ok, "writer is %T", out)
			assert.Equal(t, tt.size, l.MaxSize)
			assert.Equal(t, tt.backups, l.MaxBackups)
			assert.Equal(t, tt.age, l.MaxAge)
			assert.Equal(t, tt.compress, l.Compress)
			_ = l.Close()
		})
	}
}
