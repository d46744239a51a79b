package service_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	exec    *service.Executor
	logs    *logsink.Dir
	reports string
	results *service.Results
	seq     atomic.Uint64
}

func newFixture(t *testing.T, opts ...service.ExecutorOption) *fixture {
	t.Helper()
	dir := t.TempDir()
	logs, err := logsink.OpenDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = logs.Close()
	})

	f := &fixture{
		logs:    logs,
		reports: filepath.Join(dir, "reports"),
		results: service.NewResults(),
	}
	f.exec, err = service.NewExecutor(logs, f.reports, f.results, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.exec.Close()
	})
	return f
}

func (f *fixture) execute(t *testing.T, req model.RunRequest) model.Result {
	t.Helper()
	return f.exec.Execute(t.Context(), f.seq.Add(1), req)
}

func (f *fixture) log(t *testing.T, res model.Result) string {
	t.Helper()
	name, ok := strings.CutPrefix(res.LogFile, "/logs/")
	require.True(t, ok, res.LogFile)
	b, err := f.logs.ReadFile(name)
	require.NoError(t, err)
	return string(b)
}

func TestExecutor_Skipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.execute(t, model.RunRequest{ID: "S1", LogName: "S1.log"})
	require.Equal(t, model.StatusSkipped, res.Status)
	require.Equal(t, service.SkipMessage, res.Message)
	require.Equal(t, "/logs/S1.log", res.LogFile)
	require.Nil(t, res.Exit)
	require.False(t, res.EndedAt.IsZero())
	require.Equal(t, service.SkipMessage, f.log(t, res))

	cached, ok := f.results.Get("S1")
	require.True(t, ok)
	require.Equal(t, res, cached)
}

func TestExecutor_Classification(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	type then struct {
		status model.Status
		code   int
		stdout string
		stderr string
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"exit_0", "echo out; echo err 1>&2", then{model.StatusPassed, 0, "out\n", "err\n"}},
		{"exit_1", "echo failing; exit 1", then{model.StatusFailed, 1, "failing\n", ""}},
		{"exit_42", "exit 42", then{model.StatusFailed, 42, "", ""}},
		{"signalled", "kill -KILL $$", then{model.StatusFailed, -1, "", ""}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			res := f.execute(t, model.RunRequest{
				ID:      tc.scenario,
				Command: sh,
				Args:    []string{"-c", tc.given},
				Timeout: 10 * time.Second,
			})
			require.Equal(t, tc.then.status, res.Status)
			require.NotNil(t, res.Exit)
			require.Equal(t, tc.then.code, res.Exit.Code)
			require.False(t, res.Exit.TimedOut)
			require.Equal(t, tc.then.stdout, res.Stdout)
			require.Equal(t, tc.then.stderr, res.Stderr)
			require.Empty(t, res.Error)

			require.True(t, strings.HasPrefix(res.LogFile, "/logs/"+tc.scenario+"-"), res.LogFile)
			require.True(t, strings.HasSuffix(res.LogFile, ".log"), res.LogFile)
			log := f.log(t, res)
			require.Contains(t, log, tc.then.stdout)
			require.Contains(t, log, tc.then.stderr)
			require.Len(t, log, len(tc.then.stdout)+len(tc.then.stderr))

			cached, ok := f.results.Get(tc.scenario)
			require.True(t, ok)
			require.Equal(t, res.Status, cached.Status)
		})
	}
}

func TestExecutor_SpawnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.execute(t, model.RunRequest{
		ID:      "E1",
		Command: filepath.Join(t.TempDir(), "does-not-exist"),
		LogName: "E1.log",
	})
	require.Equal(t, model.StatusError, res.Status)
	require.Contains(t, res.Error, "does-not-exist")
	require.Nil(t, res.Exit)
	require.True(t, strings.HasPrefix(f.log(t, res), "ERROR spawn: "))

	cached, ok := f.results.Get("E1")
	require.True(t, ok)
	require.Equal(t, model.StatusError, cached.Status)
}

func TestExecutor_Report(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	t.Run("attached", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		require.NoError(t, os.WriteFile(
			filepath.Join(f.reports, "report-R1.json"),
			[]byte(`{"passed":3,"failed":1}`),
			0o644,
		))
		res := f.execute(t, model.RunRequest{ID: "R1", Command: sh, Args: []string{"-c", "exit 0"}})
		require.Equal(t, model.StatusPassed, res.Status)
		require.Equal(t, map[string]any{"passed": float64(3), "failed": float64(1)}, res.Report)
	})

	t.Run("written by the run", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		script := `echo '{"suite":"smoke"}' > "$0/report-R2.json"; exit 1`
		res := f.execute(t, model.RunRequest{ID: "R2", Command: sh, Args: []string{"-c", script, f.reports}})
		require.Equal(t, model.StatusFailed, res.Status)
		require.Equal(t, map[string]any{"suite": "smoke"}, res.Report)
	})

	for name, content := range map[string]string{
		"malformed": "not a json",
		"array":     "[1, 2, 3]",
		"null":      "null",
		"trailing":  `{"a": 1} junk`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			require.NoError(t, os.WriteFile(filepath.Join(f.reports, "report-R3.json"), []byte(content), 0o644))
			res := f.execute(t, model.RunRequest{ID: "R3", Command: sh, Args: []string{"-c", "exit 0"}})
			require.Equal(t, model.StatusPassed, res.Status)
			require.Nil(t, res.Report)
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	f := newFixture(t, service.WithKillGrace(2*time.Second))

	// delays its exit by 50ms after SIGTERM, then exits with a kill status
	script := `trap 'kill $pid 2>/dev/null; sleep 0.05; exit 143' TERM; sleep 10 >/dev/null 2>&1 & pid=$!; wait $pid`
	res := f.execute(t, model.RunRequest{
		ID:      "T1",
		Command: sh,
		Args:    []string{"-c", script},
		Timeout: 100 * time.Millisecond,
	})

	require.Equal(t, model.StatusFailed, res.Status)
	require.NotNil(t, res.Exit)
	require.True(t, res.Exit.TimedOut)
	require.Equal(t, 143, res.Exit.Code)
	require.Contains(t, res.Error, "timeout")

	elapsed := res.EndedAt.Sub(res.StartedAt)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestExecutor_DefaultTimeout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	f := newFixture(t, service.WithTimeout(100*time.Millisecond), service.WithKillGrace(100*time.Millisecond))

	res := f.execute(t, model.RunRequest{ID: "T2", Command: sh, Args: []string{"-c", "exec sleep 10"}})
	require.Equal(t, model.StatusFailed, res.Status)
	require.True(t, res.Exit.TimedOut)
	require.Equal(t, "terminated", res.Exit.Signal)
	require.Less(t, res.EndedAt.Sub(res.StartedAt), 5*time.Second)
}

func TestExecutor_RunningIsCached(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	f := newFixture(t)

	release := filepath.Join(t.TempDir(), "release")
	script := `echo started; while [ ! -e "$0" ]; do sleep 0.02; done; echo done`

	done := make(chan model.Result, 1)
	go func() {
		done <- f.exec.Execute(t.Context(), 1, model.RunRequest{
			ID:      "L1",
			Command: sh,
			Args:    []string{"-c", script, release},
			Timeout: 10 * time.Second,
			LogName: "L1.log",
		})
	}()

	require.Eventually(t, func() bool {
		res, ok := f.results.Get("L1")
		return ok && res.Status == model.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	running, _ := f.results.Get("L1")
	require.Equal(t, "/logs/L1.log", running.LogFile)
	require.True(t, running.EndedAt.IsZero())

	// the artifact can be read while the run writes it
	require.Eventually(t, func() bool {
		b, err := f.logs.ReadFile("L1.log")
		return err == nil && string(b) == "started\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	res := <-done
	require.Equal(t, model.StatusPassed, res.Status)
	require.Equal(t, "started\ndone\n", res.Stdout)

	cached, ok := f.results.Get("L1")
	require.True(t, ok)
	require.Equal(t, model.StatusPassed, cached.Status)
}

func TestExecutor_InvalidLogName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.execute(t, model.RunRequest{ID: "N1", Command: "true", LogName: "../escape.log"})
	require.Equal(t, model.StatusError, res.Status)
	require.Contains(t, res.Error, "invalid log name")
	require.Empty(t, res.LogFile)
}
