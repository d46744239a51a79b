package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

// ParseCron parses a cron expression that have 5 fields or a macro like
// @hourly or @every 10m.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// Macros / @every handled by ParseStandard
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

// PruneFunc removes artifacts last modified more than olderThan before now.
type PruneFunc func(olderThan time.Duration, now time.Time) ([]string, error)

// Retention removes old log artifacts on a cron schedule.
type Retention struct {
	scheduler gocron.Scheduler
}

// NewRetention returns nil when cfg.Retention is zero, artifacts are then
// kept forever.
func NewRetention(ctx context.Context, cfg model.Logs, prune PruneFunc) (*Retention, error) {
	if cfg.Retention <= 0 {
		return nil, nil
	}
	if err := ParseCron(cfg.PruneSchedule); err != nil {
		return nil, fmt.Errorf("parsing logs.prune_schedule: %w", err)
	}
	job := gocron.CronJob(strings.TrimSpace(cfg.PruneSchedule), false)
	slog.DebugContext(ctx, "successfully parsed", "cron", cfg.PruneSchedule, "retention", cfg.Retention.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	task := func() {
		removed, err := prune(cfg.Retention, time.Now())
		if err != nil {
			slog.WarnContext(ctx, "pruning logs", "error", err)
		}
		if len(removed) > 0 {
			slog.InfoContext(ctx, "old logs removed", "count", len(removed))
		}
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return &Retention{scheduler: s}, nil
}

// Do starts the schedule and blocks until ctx is cancelled.
func (r *Retention) Do(ctx context.Context) error {
	r.scheduler.Start()
	<-ctx.Done()
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}
