package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/log"
	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/model"
)

// SkipMessage is the log text of a run without a command.
const SkipMessage = "No runner command configured. Set runner.command (RUNNER_CMD) or pass options.cmd."

// LogURL and ReportURL are the locations under which the HTTP server
// exposes the artifacts of a run.
func LogURL(name string) string {
	return "/logs/" + name
}

func ReportName(id string) string {
	return "report-" + id + ".json"
}

func ReportURL(id string) string {
	return "/reports/" + ReportName(id)
}

type ExecutorOption func(*Executor)

// WithTimeout sets the timeout of requests that do not carry their own.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

func WithKillGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.runner.KillGrace = d
	}
}

// Executor runs one request end to end: it launches the process, records
// its output into a log artifact, classifies the outcome, attaches the
// report and stores the Result.
type Executor struct {
	runner  Runner
	logs    *logsink.Dir
	reports *os.Root
	results *Results
	timeout time.Duration
}

func NewExecutor(logs *logsink.Dir, reportsDir string, results *Results, opts ...ExecutorOption) (*Executor, error) {
	if err := os.MkdirAll(reportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating reports directory: %w", err)
	}
	reports, err := os.OpenRoot(reportsDir)
	if err != nil {
		return nil, fmt.Errorf("opening reports directory: %w", err)
	}
	e := &Executor{
		logs:    logs,
		reports: reports,
		results: results,
		timeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Close() error {
	return e.reports.Close()
}

// run is the in-flight state of one request, owned by a single Execute call.
type run struct {
	seq    uint64
	req    model.RunRequest
	result model.Result
	sink   *logsink.Sink
	stdout capture
	stderr capture
}

// Execute never panics and never returns a running Result. The terminal
// Result is stored under seq before the log artifact is closed.
func (e *Executor) Execute(ctx context.Context, seq uint64, req model.RunRequest) (res model.Result) {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", req.ID))
	started := time.Now().UTC()
	name := req.LogName
	if name == "" {
		name = model.DefaultLogName(req.ID, started)
	}

	r := &run{
		seq: seq,
		req: req,
		result: model.Result{
			ID:        req.ID,
			Status:    model.StatusRunning,
			StartedAt: started,
			LogFile:   LogURL(name),
		},
	}
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "run panicked", "panic", p)
			r.result.Status = model.StatusError
			r.result.Error = fmt.Sprintf("panic: %v", p)
		}
		if r.result.EndedAt.IsZero() {
			r.result.EndedAt = time.Now().UTC()
		}
		e.results.Put(r.seq, r.result)
		if r.sink != nil {
			if err := r.sink.Close(); err != nil {
				slog.WarnContext(ctx, "closing log", "error", err)
			}
		}
		slog.InfoContext(ctx, "run finished",
			"status", r.result.Status,
			"duration", r.result.Duration().String())
		res = r.result
	}()

	sink, err := e.logs.Create(name)
	if err != nil {
		r.result.Status = model.StatusError
		r.result.Error = err.Error()
		r.result.LogFile = ""
		return
	}
	r.sink = sink
	r.stdout.sink = sink
	r.stderr.sink = sink

	if req.Command == "" {
		r.result.Status = model.StatusSkipped
		r.result.Message = SkipMessage
		_, _ = sink.WriteString(SkipMessage)
		return
	}

	e.launch(ctx, r)
	return
}

func (e *Executor) launch(ctx context.Context, r *run) {
	timeout := r.req.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	cmd := Command{
		Path:    r.req.Command,
		Args:    r.req.Args,
		Env:     r.req.Env,
		Timeout: timeout,
	}

	proc, err := e.runner.Start(ctx, cmd, &r.stdout, &r.stderr)
	if err != nil {
		slog.ErrorContext(ctx, "run not started", "error", err)
		_, _ = fmt.Fprintf(r.sink, "ERROR spawn: %v\n", err)
		r.result.Status = model.StatusError
		r.result.Error = err.Error()
		return
	}
	r.result.StartedAt = proc.Started()
	e.results.Put(r.seq, r.result)
	slog.InfoContext(ctx, "run started", "path", cmd.Path, "pid", proc.Pid(), "timeout", timeout.String())

	pres := proc.Wait()
	r.result.EndedAt = pres.Stopped
	r.result.Stdout = r.stdout.buf.String()
	r.result.Stderr = r.stderr.buf.String()
	if err := errors.Join(r.stdout.err, r.stderr.err); err != nil {
		slog.WarnContext(ctx, "writing log", "error", err)
	}

	code, signal := ExitInfo(pres.State)
	r.result.Exit = &model.Exit{Code: code, Signal: signal, TimedOut: pres.TimedOut}
	r.result.Status = classify(pres)
	switch {
	case pres.TimedOut:
		r.result.Error = fmt.Sprintf("terminated after timeout %s", timeout)
	case pres.Err != nil && !isExitError(pres.Err) && !errors.Is(pres.Err, exec.ErrWaitDelay):
		r.result.Error = pres.Err.Error()
	}

	if report, ok := e.report(ctx, r.req.ID); ok {
		r.result.Report = report
	}
}

// classify maps a finished process to passed or failed. A process killed
// by the timeout guard fails even if it managed to exit with 0.
func classify(res Result) model.Status {
	switch {
	case res.TimedOut:
		return model.StatusFailed
	case res.State == nil || !res.State.Success():
		return model.StatusFailed
	case res.Err == nil, errors.Is(res.Err, exec.ErrWaitDelay):
		// ErrWaitDelay: exited with 0, but a leftover child kept the output open
		return model.StatusPassed
	default:
		return model.StatusFailed
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// report reads reports/report-{id}.json. A missing file or anything but a
// single JSON object is ignored.
func (e *Executor) report(ctx context.Context, id string) (map[string]any, bool) {
	raw, err := e.reports.ReadFile(ReportName(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.DebugContext(ctx, "report not readable", "error", err)
		}
		return nil, false
	}
	var report map[string]any
	if err := json.Unmarshal(raw, &report); err != nil {
		slog.DebugContext(ctx, "ignoring malformed report", "error", err)
		return nil, false
	}
	if report == nil {
		return nil, false
	}
	return report, true
}

// capture accumulates one output stream and copies it to the run's log.
// Log write errors are remembered, not returned, so the process keeps
// its output pipe.
type capture struct {
	buf  bytes.Buffer
	sink io.Writer
	err  error
}

func (c *capture) Write(p []byte) (int, error) {
	c.buf.Write(p)
	if c.sink != nil && c.err == nil {
		if _, err := c.sink.Write(p); err != nil {
			c.err = err
		}
	}
	return len(p), nil
}
