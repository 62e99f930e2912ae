// Package command runs local commands on behalf of the UI layer and returns
// a structured result instead of streaming output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/metrics"
)

const (
	// MaxOutputChars caps each captured stream, counted in characters.
	MaxOutputChars = 200000
	// TruncationMarker is appended to a stream that hit MaxOutputChars.
	TruncationMarker = "...(truncated)"
	// DefaultWhichTimeout bounds the path lookup done by Which.
	DefaultWhichTimeout = 5 * time.Second
	// waitDelay bounds how long Wait keeps reading pipes after the process
	// was killed, in case a grandchild inherited them.
	waitDelay = 2 * time.Second
)

// ErrInvalidArgument is returned for requests that cannot be executed at all.
var ErrInvalidArgument = errors.New("invalid argument")

// Request describes one command execution.
type Request struct {
	Argv      []string          `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs *int64            `json:"timeout_ms,omitempty"`
}

// Result is the outcome of a single execution.
type Result struct {
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TimedOut  bool   `json:"timed_out"`
}

// Runner executes Requests. The zero value is not usable; use NewRunner.
type Runner struct {
	env    *env.Env
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	e := env.New()
	e.FromOS()
	return &Runner{env: e, logger: logger}
}

// Run spawns req.Argv[0] with the remaining elements as arguments and waits
// for it. A non-zero exit is reported through Result, not as an error; the
// error return is reserved for invalid requests and spawn failures.
//
// TimeoutMs is enforced only when set to a positive value: the process group
// is killed at the deadline and Result.TimedOut is set.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return Result{}, fmt.Errorf("%w: command cannot be empty", ErrInvalidArgument)
	}

	runCtx := ctx
	enforced := req.TimeoutMs != nil && *req.TimeoutMs > 0
	if enforced {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// #nosec G204 -- executing caller-provided commands is the purpose of this package
	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	envList, dropped := r.env.Overlay(req.Env)
	if len(dropped) > 0 {
		r.logger.Debug("dropped blocked environment variables", "keys", dropped)
	}
	cmd.Env = envList
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	timedOut := enforced && errors.Is(runCtx.Err(), context.DeadlineExceeded)

	if err != nil && cmd.ProcessState == nil && !timedOut {
		metrics.ObserveCommand("error", elapsed.Seconds())
		r.logger.Debug("command failed to start", "argv0", req.Argv[0], "error", err)
		return Result{}, fmt.Errorf("failed to execute command: %w", err)
	}

	res := Result{
		Stdout:    decode(stdout.Bytes()),
		Stderr:    decode(stderr.Bytes()),
		ExitCode:  -1,
		ElapsedMs: elapsed.Milliseconds(),
		TimedOut:  timedOut,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		res.Success = err == nil && cmd.ProcessState.Success() && !timedOut
	}

	switch {
	case timedOut:
		metrics.ObserveCommand("timeout", elapsed.Seconds())
	case res.Success:
		metrics.ObserveCommand("ok", elapsed.Seconds())
	default:
		metrics.ObserveCommand("failed", elapsed.Seconds())
	}
	r.logger.Debug("command finished",
		"argv0", req.Argv[0], "exit_code", res.ExitCode, "elapsed_ms", res.ElapsedMs, "timed_out", timedOut)
	return res, nil
}

// Which resolves executable through the platform lookup command and returns
// the first line it prints. Any failure is reported as not found.
func (r *Runner) Which(ctx context.Context, executable string) (string, bool) {
	if strings.TrimSpace(executable) == "" {
		return "", false
	}
	timeout := DefaultWhichTimeout.Milliseconds()
	res, err := r.Run(ctx, Request{Argv: []string{whichCommand, executable}, TimeoutMs: &timeout})
	if err != nil || !res.Success {
		return "", false
	}
	line := firstLine(res.Stdout)
	if line == "" {
		return "", false
	}
	return line, true
}

// decode turns raw process output into text, replacing invalid byte
// sequences, and truncates it to MaxOutputChars characters.
func decode(b []byte) string {
	return truncate(strings.ToValidUTF8(string(b), string(utf8.RuneError)))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxOutputChars {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxOutputChars {
			return s[:i] + TruncationMarker
		}
		n++
	}
	return s
}

func firstLine(s string) string {
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			return ln
		}
	}
	return ""
}
