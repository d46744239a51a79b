package model

import (
	"fmt"
	"time"
)

// Status of a single run. Only StatusRunning can change.
type Status string

const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final for the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusSkipped:
		return true
	default:
		return false
	}
}

// RunRequest describes one test run. It is not modified after Submit.
type RunRequest struct {
	ID      string
	Type    string // symbolic executor, resolved into Command/Args before submit
	Command string // empty means the run is skipped
	Args    []string
	Env     []string          // KEY=value, appended to the orchestrator environment
	Params  map[string]string // values for ${name} expansion of executor args
	Timeout time.Duration     // zero means the configured default
	LogName string            // empty means {id}-{unix-millis}.log
}

// DefaultLogName returns the artifact name used when the request does not set one.
func DefaultLogName(id string, now time.Time) string {
	return fmt.Sprintf("%s-%d.log", id, now.UnixMilli())
}

// Exit describes how the process ended.
type Exit struct {
	Code     int    `json:"code"`             // -1 when terminated by a signal
	Signal   string `json:"signal,omitempty"` // e.g. "terminated"
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Result of a run as cached, published and returned by the API.
type Result struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt,omitzero"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
	LogFile   string         `json:"logFile,omitempty"`
	Exit      *Exit          `json:"exit,omitempty"`
	Report    map[string]any `json:"report,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"log,omitempty"`
}

// Duration returns the wall clock time of a finished run.
func (r Result) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Job is returned by asynchronous submission, the result is polled or streamed later.
type Job struct {
	ID      string `json:"id"`
	LogFile string `json:"logFile"`
	Report  string `json:"report,omitempty"`
}
