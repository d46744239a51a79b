package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/api"
	"github.com/CZERTAINLY/Autotest/internal/log"
	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagRunID      string
	flagRunTimeout time.Duration
	flagRunLogName string
	flagRunType    string
	flagRunParams  map[string]string
)

// shutdownTimeout bounds the wait for running runs on exit.
const shutdownTimeout = 30 * time.Second

// runFailedError reports a run which did not pass. The Result was already
// printed, so main does not log it again.
type runFailedError struct {
	status model.Status
}

func (e runFailedError) Error() string {
	return "run " + string(e.status)
}

// orchestrator holds the components shared by serve and run.
type orchestrator struct {
	logs      *logsink.Dir
	results   *service.Results
	executor  *service.Executor
	scheduler *service.Scheduler
	resolver  service.Resolver
}

// newOrchestrator takes ownership of logs.
func newOrchestrator(ctx context.Context, cfg model.Config, logs *logsink.Dir, opts ...service.SchedulerOption) (*orchestrator, error) {
	results := service.NewResults()
	executor, err := service.NewExecutor(logs, cfg.Dirs.Reports, results,
		service.WithTimeout(cfg.Runner.Timeout),
		service.WithKillGrace(cfg.Runner.KillGrace),
	)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &orchestrator{
		logs:      logs,
		results:   results,
		executor:  executor,
		scheduler: service.NewScheduler(ctx, cfg.Runner.Concurrency, executor.Execute, opts...),
		resolver:  service.NewResolver(cfg),
	}, nil
}

// close waits for the admitted runs and releases the directories.
func (o *orchestrator) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(
		o.scheduler.Close(ctx),
		o.executor.Close(),
		o.logs.Close(),
	)
}

func doServe(cmd *cobra.Command, _ []string) error {
	cfg := loaded.Config
	attrs := slog.Group("autotest",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	base := log.ContextAttrs(cmd.Context(), attrs)
	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs, err := logsink.OpenDir(cfg.Dirs.Logs)
	if err != nil {
		return err
	}
	publisher, err := service.PublisherFromConfig(ctx, cfg.Publish, logs)
	if err != nil {
		_ = logs.Close()
		return err
	}
	var opts []service.SchedulerOption
	if publisher != nil {
		opts = append(opts, service.WithListener(publisher.Notify))
	}
	// runs outlive the signal, they are awaited in close
	o, err := newOrchestrator(base, cfg, logs, opts...)
	if err != nil {
		return err
	}

	retention, err := service.NewRetention(ctx, cfg.Logs, o.logs.Prune)
	if err != nil {
		_ = o.close(ctx)
		return err
	}

	server := api.New(api.Config{
		Scheduler:  o.scheduler,
		Results:    o.results,
		Resolver:   o.resolver,
		Logs:       o.logs,
		ReportsDir: cfg.Dirs.Reports,
		Heartbeat:  cfg.HTTP.Heartbeat,
		Version:    version(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Listen(gctx, cfg.HTTP.Address)
	})
	if retention != nil {
		g.Go(func() error {
			return retention.Do(gctx)
		})
	}

	pubCtx, pubCancel := context.WithCancel(base)
	pubDone := make(chan error, 1)
	if publisher != nil {
		go func() {
			pubDone <- publisher.Do(pubCtx)
		}()
	} else {
		close(pubDone)
	}

	err = g.Wait()
	slog.InfoContext(base, "shutting down", "stats", o.scheduler.Stats())
	closeErr := o.close(base)
	pubCancel()
	<-pubDone
	return errors.Join(err, closeErr)
}

func doRun(cmd *cobra.Command, args []string) error {
	cfg := loaded.Config
	attrs := slog.Group("autotest",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	logs, err := logsink.OpenDir(cfg.Dirs.Logs)
	if err != nil {
		return err
	}
	o, err := newOrchestrator(ctx, cfg, logs)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.close(ctx); err != nil {
			slog.WarnContext(ctx, "closing", "error", err)
		}
	}()

	req := model.RunRequest{
		ID:      flagRunID,
		Type:    flagRunType,
		Params:  flagRunParams,
		Timeout: flagRunTimeout,
		LogName: flagRunLogName,
	}
	if len(args) > 0 {
		req.Command = args[0]
		req.Args = args[1:]
	}
	req, err = o.resolver.Resolve(req)
	if err != nil {
		return err
	}
	if req.LogName == "" {
		req.LogName = model.DefaultLogName(req.ID, time.Now())
	}

	res, err := o.scheduler.Run(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if res.Status != model.StatusPassed {
		return runFailedError{status: res.Status}
	}
	return nil
}
