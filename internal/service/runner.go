package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

// DefaultKillGrace is how long a terminated process may take to exit before
// it is killed and its output pipes are closed.
const DefaultKillGrace = 5 * time.Second

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Result of one process execution.
type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Err      error
	TimedOut bool
}

// Runner starts test processes. The zero value is usable.
type Runner struct {
	KillGrace time.Duration
}

// Process is a started command. Wait must be called exactly once.
type Process struct {
	cmd      *exec.Cmd
	disarm   context.CancelFunc
	result   Result
	stopped  chan struct{}
	timedOut atomic.Bool // set by the guard when the deadline fired
}

// Start runs the command with stdout and stderr copied to the given writers
// as the output is produced. The timeout guard is armed here: once
// proto.Timeout elapses the process is asked to terminate and killed after
// the grace period. A process that could not be created is reported as
// *model.SpawnError.
func (r Runner) Start(ctx context.Context, proto Command, stdout, stderr io.Writer) (*Process, error) {
	var disarm context.CancelFunc
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, disarm = context.WithCancel(ctx)
	} else {
		ctx, disarm = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultKillGrace
	}

	p := &Process{
		cmd:    cmd,
		disarm: disarm,
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
		},
		stopped: make(chan struct{}),
	}
	// exec calls Cancel only while the process runs, never after it exited
	cmd.Cancel = func() error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.timedOut.Store(true)
		}
		return terminate(cmd.Process)
	}

	p.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		disarm()
		return nil, &model.SpawnError{Command: proto.Path, Err: err}
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Started() time.Time {
	return p.result.Started
}

// Wait blocks until the process exited and both output streams were
// drained, then disarms the timeout guard.
func (p *Process) Wait() Result {
	err := p.cmd.Wait()
	p.result.Stopped = time.Now().UTC()
	p.disarm()
	p.result.TimedOut = p.timedOut.Load()

	p.result.State = p.cmd.ProcessState
	p.result.Err = err
	close(p.stopped)
	return p.result
}

// Kill forces the process to stop. Killing a process that was already
// reaped returns os.ErrProcessDone and signals nothing, so a reused pid is
// never hit.
func (p *Process) Kill() error {
	select {
	case <-p.stopped:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Kill()
}

// ExitInfo decodes the exit code and, on unix, the terminating signal.
func ExitInfo(state *os.ProcessState) (code int, signal string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), signalName(state)
}
