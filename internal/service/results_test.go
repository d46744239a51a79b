package service_test

import (
	"testing"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"
	"github.com/stretchr/testify/require"
)

func TestResults(t *testing.T) {
	t.Parallel()
	type put struct {
		seq    uint64
		status model.Status
	}
	cases := []struct {
		scenario string
		given    []put
		then     model.Status
	}{
		{"running_then_passed", []put{{1, model.StatusRunning}, {1, model.StatusPassed}}, model.StatusPassed},
		{"later_submission_overwrites", []put{{1, model.StatusFailed}, {2, model.StatusPassed}}, model.StatusPassed},
		{"earlier_submission_finishing_late", []put{{2, model.StatusPassed}, {1, model.StatusFailed}}, model.StatusPassed},
		{"new_run_starting", []put{{1, model.StatusFailed}, {2, model.StatusRunning}}, model.StatusRunning},
		{"terminal_not_reverted", []put{{1, model.StatusPassed}, {1, model.StatusRunning}}, model.StatusPassed},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			results := service.NewResults()
			for _, p := range tc.given {
				results.Put(p.seq, model.Result{ID: "X", Status: p.status})
			}
			res, ok := results.Get("X")
			require.True(t, ok)
			require.Equal(t, tc.then, res.Status)
		})
	}
}

func TestResults_GetMany(t *testing.T) {
	t.Parallel()
	var results service.Results
	require.True(t, results.Put(1, model.Result{ID: "a", Status: model.StatusPassed}))
	require.True(t, results.Put(2, model.Result{ID: "b", Status: model.StatusRunning}))

	_, ok := results.Get("missing")
	require.False(t, ok)

	got := results.GetMany([]string{"b", "missing", "a"})
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, "a", got[1].ID)

	require.Empty(t, results.GetMany(nil))
	require.Equal(t, 2, results.Len())
}
