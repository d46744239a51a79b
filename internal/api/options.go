package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

// Options of one run as sent by clients. The options object of a request
// is either shared by all ids or keyed by id.
type Options struct {
	Cmd       string            `json:"cmd,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	LogName   string            `json:"logName,omitempty"`
	Type      string            `json:"type,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (o Options) request(id string) model.RunRequest {
	env := make([]string, 0, len(o.Env))
	for _, k := range slices.Sorted(maps.Keys(o.Env)) {
		env = append(env, k+"="+o.Env[k])
	}
	return model.RunRequest{
		ID:      id,
		Type:    o.Type,
		Command: o.Cmd,
		Args:    o.Args,
		Env:     env,
		Params:  o.Params,
		Timeout: time.Duration(o.TimeoutMs) * time.Millisecond,
		LogName: o.LogName,
	}
}

// runID accepts both JSON strings and numbers, test case ids are often
// numeric.
type runID string

func (id *runID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = runID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %s", b)
	}
	*id = runID(n.String())
	return nil
}

type runBody struct {
	IDs     []runID         `json:"ids"`
	Options json.RawMessage `json:"options"`
}

// optionsFor returns options[id] when present, the shared options otherwise.
func (b runBody) optionsFor(id string) (Options, error) {
	raw := bytes.TrimSpace(b.Options)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Options{}, nil
	}
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return Options{}, fmt.Errorf("options must be an object: %w", err)
	}
	if perID, ok := keyed[id]; ok && isObject(perID) {
		raw = perID
	}
	var opt Options
	if err := json.Unmarshal(raw, &opt); err != nil {
		return Options{}, fmt.Errorf("options for %s: %w", id, err)
	}
	return opt, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

type executorBody struct {
	IDs      []runID `json:"ids"`
	SuiteDir string  `json:"suiteDir"`
	Bin      string  `json:"bin"`
}

type resultsResponse struct {
	Results []model.Result `json:"results"`
}

type jobsResponse struct {
	Jobs []model.Job `json:"jobs"`
}
