package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		then     bool
	}{
		{"valid_5_fields", "*/15 * * * *", true},
		{"macro_hourly", "@hourly", true},
		{"macro_every", "@every 5m", true},
		{"padded", "  0 3 * * *  ", true},
		{"invalid_field_count_4", "* * * *", false},
		{"invalid_field_count_6", "0 */2 * * * *", false},
		{"invalid_token", "* * 32 * *", false},
		{"invalid_macro", "@sometimes", false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := service.ParseCron(tc.given)
			if tc.then {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestNewRetention(t *testing.T) {
	t.Parallel()
	never := func(time.Duration, time.Time) ([]string, error) {
		t.Error("prune called")
		return nil, nil
	}

	r, err := service.NewRetention(t.Context(), model.Logs{Retention: 0, PruneSchedule: "@hourly"}, never)
	require.NoError(t, err)
	require.Nil(t, r)

	_, err = service.NewRetention(t.Context(), model.Logs{Retention: time.Hour, PruneSchedule: "* *"}, never)
	require.Error(t, err)
}

func TestRetention_Do(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	prune := func(olderThan time.Duration, now time.Time) ([]string, error) {
		assert.Equal(t, 48*time.Hour, olderThan)
		assert.False(t, now.IsZero())
		if calls.Add(1) == 1 {
			return []string{"old.log"}, nil
		}
		return nil, errors.New("listing failed")
	}

	r, err := service.NewRetention(t.Context(), model.Logs{Retention: 48 * time.Hour, PruneSchedule: "@every 1s"}, prune)
	require.NoError(t, err)
	require.NotNil(t, r)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx)
	}()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
