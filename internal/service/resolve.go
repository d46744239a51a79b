package service

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/google/uuid"
)

// placeholderRx matches ${name}. A bare $name is left alone, executor
// args are often shell snippets.
var placeholderRx = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolver turns requests as received from clients into requests ready for
// submission: it generates missing ids, applies the configured default
// command and expands symbolic executor types.
type Resolver struct {
	Command    string
	Args       []string
	Timeout    time.Duration
	Executors  map[string]model.Executor
	Vars       map[string]string // python_cmd, reports_dir, logs_dir, ...
	RequestIDs func() string
}

func NewResolver(cfg model.Config) Resolver {
	return Resolver{
		Command:   cfg.Runner.Command,
		Args:      cfg.Runner.Args,
		Timeout:   cfg.Runner.Timeout,
		Executors: cfg.Executors,
		Vars: map[string]string{
			"python_cmd":  cfg.Runner.PythonCmd,
			"reports_dir": cfg.Dirs.Reports,
			"logs_dir":    cfg.Dirs.Logs,
		},
	}
}

// Resolve returns req with Command, Args and ID filled in. A request with
// neither a Type nor a Command gets the default command; it stays empty
// (and the run is skipped) when no default is configured.
func (r Resolver) Resolve(req model.RunRequest) (model.RunRequest, error) {
	if req.ID == "" {
		if r.RequestIDs != nil {
			req.ID = r.RequestIDs()
		} else {
			req.ID = uuid.NewString()
		}
	}
	if req.Timeout == 0 {
		req.Timeout = r.Timeout
	}
	if req.Timeout < 0 {
		return req, fmt.Errorf("run %s: negative timeout %s", req.ID, req.Timeout)
	}

	if req.Type == "" {
		if req.Command == "" {
			req.Command = r.Command
			req.Args = slices.Clone(r.Args)
		}
		return req, nil
	}

	exe, ok := r.Executors[req.Type]
	if !ok {
		return req, fmt.Errorf("run %s: unknown executor type %q", req.ID, req.Type)
	}

	vars := make(map[string]string, len(r.Vars)+len(exe.Params)+len(req.Params)+1)
	maps.Copy(vars, r.Vars)
	maps.Copy(vars, exe.Params)
	maps.Copy(vars, req.Params)
	vars["id"] = req.ID

	var missing []string
	expand := func(s string) string {
		return placeholderRx.ReplaceAllStringFunc(s, func(m string) string {
			key := m[2 : len(m)-1]
			v, ok := vars[key]
			if !ok {
				missing = append(missing, key)
			}
			return v
		})
	}

	// an explicit command overrides the executor one, args always come from
	// the executor
	if req.Command == "" {
		req.Command = expand(exe.Command)
	}
	args := make([]string, 0, len(exe.Args)+len(req.Args))
	for _, a := range exe.Args {
		args = append(args, expand(a))
	}
	req.Args = append(args, req.Args...)

	if len(missing) > 0 {
		slices.Sort(missing)
		return req, fmt.Errorf("run %s: executor %s needs parameters: %s",
			req.ID, req.Type, strings.Join(slices.Compact(missing), ", "))
	}
	return req, nil
}

// ExecutorTypes returns the configured executor names, sorted.
func (r Resolver) ExecutorTypes() []string {
	return slices.Sorted(maps.Keys(r.Executors))
}
