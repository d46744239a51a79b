package service_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testResolver(t *testing.T) service.Resolver {
	t.Helper()
	loaded, err := model.LoadConfig("")
	require.NoError(t, err)
	return service.NewResolver(loaded.Config)
}

func TestResolver_Defaults(t *testing.T) {
	t.Parallel()
	r := testResolver(t)
	r.Command = "runner"
	r.Args = []string{"--all"}

	req, err := r.Resolve(model.RunRequest{ID: "R1"})
	require.NoError(t, err)
	require.Equal(t, "runner", req.Command)
	require.Equal(t, []string{"--all"}, req.Args)
	require.Equal(t, 2*time.Minute, req.Timeout)

	t.Run("explicit command", func(t *testing.T) {
		req, err := r.Resolve(model.RunRequest{ID: "R1", Command: "other", Timeout: time.Second})
		require.NoError(t, err)
		require.Equal(t, "other", req.Command)
		require.Empty(t, req.Args)
		require.Equal(t, time.Second, req.Timeout)
	})

	t.Run("no default command", func(t *testing.T) {
		r := testResolver(t)
		req, err := r.Resolve(model.RunRequest{ID: "R1"})
		require.NoError(t, err)
		require.Empty(t, req.Command)
	})

	t.Run("generated id", func(t *testing.T) {
		req, err := r.Resolve(model.RunRequest{})
		require.NoError(t, err)
		_, err = uuid.Parse(req.ID)
		require.NoError(t, err)
	})

	t.Run("negative timeout", func(t *testing.T) {
		_, err := r.Resolve(model.RunRequest{ID: "R1", Timeout: -time.Second})
		require.Error(t, err)
	})
}

func TestResolver_Executors(t *testing.T) {
	t.Parallel()
	r := testResolver(t)
	require.Equal(t, []string{"qtest", "robot"}, r.ExecutorTypes())

	t.Run("robot", func(t *testing.T) {
		req, err := r.Resolve(model.RunRequest{ID: "R7", Type: "robot"})
		require.NoError(t, err)
		require.Equal(t, "python", req.Command)
		require.Equal(t, []string{
			"scripts/run_robot.py",
			"--suite-dir", "smoke/robot",
			"--output-dir", "reports",
			"--run-id", "R7",
		}, req.Args)
	})

	t.Run("robot with suite", func(t *testing.T) {
		req, err := r.Resolve(model.RunRequest{
			ID:     "R8",
			Type:   "robot",
			Params: map[string]string{"suite_dir": "regression"},
			Args:   []string{"--dryrun"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{
			"scripts/run_robot.py",
			"--suite-dir", "regression",
			"--output-dir", "reports",
			"--run-id", "R8",
			"--dryrun",
		}, req.Args)
	})

	t.Run("qtest needs bin", func(t *testing.T) {
		_, err := r.Resolve(model.RunRequest{ID: "Q1", Type: "qtest"})
		require.EqualError(t, err, "run Q1: executor qtest needs parameters: bin")

		req, err := r.Resolve(model.RunRequest{ID: "Q1", Type: "qtest", Params: map[string]string{"bin": "/opt/qt/tst_login"}})
		require.NoError(t, err)
		require.Equal(t, "python", req.Command)
		require.Equal(t, []string{
			"scripts/run_qtest.py",
			"--bin", "/opt/qt/tst_login",
			"--output-dir", "reports",
			"--run-id", "Q1",
		}, req.Args)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.Resolve(model.RunRequest{ID: "U1", Type: "cypress"})
		require.EqualError(t, err, `run U1: unknown executor type "cypress"`)
	})

	t.Run("command override", func(t *testing.T) {
		req, err := r.Resolve(model.RunRequest{ID: "R9", Type: "robot", Command: "python3"})
		require.NoError(t, err)
		require.Equal(t, "python3", req.Command)
	})

	t.Run("shell snippet", func(t *testing.T) {
		r := testResolver(t)
		r.Executors = map[string]model.Executor{
			"sh": {Command: "sh", Args: []string{"-c", `echo "$0 $HOME"`, "${id}"}},
		}
		req, err := r.Resolve(model.RunRequest{ID: "S1", Type: "sh"})
		require.NoError(t, err)
		require.Equal(t, []string{"-c", `echo "$0 $HOME"`, "S1"}, req.Args)
	})
}
