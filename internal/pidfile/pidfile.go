// Package pidfile records the backend PID so a later launch can find and
// kill a backend orphaned by a crashed sidecar.
//
// The file holds the PID on the first line and a JSON metadata line with the
// process start time. A PID is only trusted when the live process has the
// same start time, so a reused PID is never killed.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Record is the parsed content of a PID file.
type Record struct {
	PID       int
	StartUnix int64
}

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records pid in path, replacing any previous content.
func Write(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	m, err := json.Marshal(meta{StartUnix: procStartUnix(pid)})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	content := strconv.Itoa(pid) + "\n" + string(m) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read parses path. A missing file yields an error matching os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid pid in %s", path)
	}
	rec := Record{PID: pid}
	if len(lines) > 1 {
		var m meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			rec.StartUnix = m.StartUnix
		}
	}
	return rec, nil
}

// Verified reports whether the recorded process is still running and is
// the one that was recorded. Without a start time it cannot be verified.
func (r Record) Verified() bool {
	if r.StartUnix <= 0 || !pidAlive(r.PID) {
		return false
	}
	return procStartUnix(r.PID) == r.StartUnix
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReapStale kills the process recorded in path when it is verifiably still
// the recorded one, then removes the file. It returns the killed PID, or 0.
func ReapStale(path string) (int, error) {
	rec, err := Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		_ = Remove(path)
		return 0, err
	}
	killed := 0
	if rec.Verified() {
		if err := killPID(rec.PID); err != nil {
			return 0, fmt.Errorf("kill stale backend %d: %w", rec.PID, err)
		}
		killed = rec.PID
	}
	return killed, Remove(path)
}
