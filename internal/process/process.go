package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Kind classifies a child process event.
type Kind int

const (
	Stdout Kind = iota
	Stderr
	Terminated
)

func (k Kind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is one line of output or the final termination notice of a child.
type Event struct {
	Kind     Kind
	Line     string
	ExitCode int   // Terminated only; -1 when killed by a signal
	Err      error // Terminated only; set when waiting failed for a reason other than the exit status
}

// Process is a running child started by Start.
type Process struct {
	name      string
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
}

// Start spawns the child described by spec. Output lines and a final
// Terminated event are delivered on the returned channel, which is closed
// after Terminated. The caller must drain the channel.
func Start(spec Spec) (*Process, <-chan Event, error) {
	cmd := spec.BuildCommand()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		closeWriter(outW)
		closeWriter(errW)
		return nil, nil, err
	}

	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	events := make(chan Event, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, outW, Stdout, events)
	go pump(&wg, stderr, errW, Stderr, events)
	go func() {
		// Wait closes the pipes, so both readers must hit EOF first.
		wg.Wait()
		werr := cmd.Wait()
		ev := Event{Kind: Terminated, ExitCode: exitCode(cmd.ProcessState)}
		var ee *exec.ExitError
		if werr != nil && !errors.As(werr, &ee) {
			ev.Err = werr
		}
		closeWriter(outW)
		closeWriter(errW)
		close(p.done)
		events <- ev
		close(events)
	}()
	return p, events, nil
}

func pump(wg *sync.WaitGroup, r io.Reader, copyTo io.Writer, kind Kind, events chan<- Event) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			if copyTo != nil {
				_, _ = copyTo.Write(raw)
			}
			line := strings.TrimSpace(strings.ToValidUTF8(string(raw), "�"))
			if line != "" {
				events <- Event{Kind: kind, Line: line}
			}
		}
		if err != nil {
			return
		}
	}
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) Name() string { return p.name }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the child has been waited for.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return alive(p.PID())
}

// Kill forcibly terminates the child and its process group.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return kill(p.cmd.Process)
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}

func closeWriter(w io.WriteCloser) {
	if w != nil {
		_ = w.Close()
	}
}
