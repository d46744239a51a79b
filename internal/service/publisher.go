package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/Autotest/internal/logsink"
	"github.com/CZERTAINLY/Autotest/internal/model"
	"github.com/CZERTAINLY/Autotest/internal/parallel"
)

const publishQueue = 64

// Publisher hands terminal Results and their log artifacts to the
// configured uploaders. Publishing runs in its own loop (Do), so a slow or
// failing uploader never delays a run or the result cache.
type Publisher struct {
	uploaders []model.Uploader
	logs      *logsink.Dir
	results   chan model.Result
}

func NewPublisher(logs *logsink.Dir, uploaders ...model.Uploader) *Publisher {
	return &Publisher{
		uploaders: uploaders,
		logs:      logs,
		results:   make(chan model.Result, publishQueue),
	}
}

// PublisherFromConfig creates the uploaders enabled in cfg. It returns a
// nil Publisher when none is.
func PublisherFromConfig(ctx context.Context, cfg model.Publish, logs *logsink.Dir) (*Publisher, error) {
	var uploaders []model.Uploader
	if cfg.Stdout {
		uploaders = append(uploaders, NewWriteUploader(os.Stdout))
	}
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("publish.dir: %w", err)
		}
		uploaders = append(uploaders, u)
	}
	if cfg.Webhook != "" {
		u, err := NewWebhookUploader(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("publish.webhook: %w", err)
		}
		uploaders = append(uploaders, u)
	}
	if cfg.Minio != nil {
		u, err := NewMinioUploader(ctx, *cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("publish.minio: %w", err)
		}
		uploaders = append(uploaders, u)
	}
	if len(uploaders) == 0 {
		return nil, nil
	}
	return NewPublisher(logs, uploaders...), nil
}

// Notify queues res for publication. It never blocks: when the queue is
// full the Result is dropped with a warning.
func (p *Publisher) Notify(ctx context.Context, res model.Result) {
	select {
	case p.results <- res:
	default:
		slog.WarnContext(ctx, "publish queue full: result dropped", "run_id", res.ID)
	}
}

// Do runs the publish loop until ctx is cancelled. Results queued at that
// moment are still published, then the uploaders are closed. Uploads never
// see the cancellation of ctx, it only ends the loop.
func (p *Publisher) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a publisher", "uploaders", len(p.uploaders))
	uctx := context.WithoutCancel(ctx)
	defer p.closeUploaders(uctx)

	for {
		select {
		case <-ctx.Done():
			p.flush(uctx)
			return nil
		case res := <-p.results:
			if err := p.publish(uctx, res); err != nil {
				slog.ErrorContext(ctx, "publish failed", "run_id", res.ID, "error", err)
			}
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	for {
		select {
		case res := <-p.results:
			if err := p.publish(ctx, res); err != nil {
				slog.ErrorContext(ctx, "publish failed", "run_id", res.ID, "error", err)
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, res model.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	var logName string
	var logRaw []byte
	if name, ok := strings.CutPrefix(res.LogFile, LogURL("")); ok && p.logs != nil {
		logRaw, err = p.logs.ReadFile(name)
		if err != nil {
			slog.WarnContext(ctx, "log not published", "run_id", res.ID, "error", err)
		} else {
			logName = "logs/" + name
		}
	}

	err = parallel.Each(ctx, len(p.uploaders), p.uploaders, func(ctx context.Context, u model.Uploader) error {
		if err := u.Upload(ctx, "results/"+objectName(res.ID)+".json", raw); err != nil {
			return err
		}
		if logName == "" {
			return nil
		}
		return u.Upload(ctx, logName, logRaw)
	})
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "result published", "run_id", res.ID, "status", res.Status)
	return nil
}

func (p *Publisher) closeUploaders(ctx context.Context) {
	for _, uploader := range p.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

// objectName keeps a client supplied id inside its upload directory.
func objectName(id string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(id)
}
