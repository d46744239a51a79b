package logsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultPollInterval = 250 * time.Millisecond

type TailOption func(*tailer)

// WithPollInterval sets how often the artifact is checked for new data when
// no change notification arrives.
func WithPollInterval(d time.Duration) TailOption {
	return func(t *tailer) {
		if d > 0 {
			t.poll = d
		}
	}
}

// Tail follows the named artifact. The first chunk on the returned channel
// is the full content at attach time, each later chunk carries bytes
// appended since the previous one. The reader keeps a single file offset,
// so nothing written between the initial read and watch activation is lost
// and nothing is sent twice. If the artifact shrinks (it was re-created),
// reading restarts from its beginning.
//
// The channel is closed once ctx is done; the file handle and the change
// watcher are released at that point. A missing artifact is reported as
// model.ErrNotFound.
func (d *Dir) Tail(ctx context.Context, name string, opts ...TailOption) (<-chan string, error) {
	f, err := d.Open(name)
	if err != nil {
		return nil, err
	}
	initial, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading log %s: %w", name, err)
	}

	t := &tailer{
		name:   name,
		f:      f,
		offset: int64(len(initial)),
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.WarnContext(ctx, "change notifications not available: polling only", "log", name, "error", err)
	} else if err := watcher.Add(filepath.Join(d.path, name)); err != nil {
		slog.WarnContext(ctx, "can't watch log: polling only", "log", name, "error", err)
		_ = watcher.Close()
	} else {
		t.watcher = watcher
	}

	ch := make(chan string)
	go t.run(ctx, string(initial), ch)
	return ch, nil
}

type tailer struct {
	name    string
	f       *os.File
	offset  int64
	poll    time.Duration
	watcher *fsnotify.Watcher
}

func (t *tailer) run(ctx context.Context, initial string, ch chan<- string) {
	defer close(ch)
	defer func() {
		_ = t.f.Close()
	}()
	if t.watcher != nil {
		defer func() {
			_ = t.watcher.Close()
		}()
	}

	if !send(ctx, ch, initial) {
		return
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if t.watcher != nil {
		events = t.watcher.Events
		errs = t.watcher.Errors
	}
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		// data appended before the watch became active is picked up here
		if !t.forward(ctx, ch) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.DebugContext(ctx, "watching log", "log", t.name, "error", err)
		case <-ticker.C:
		}
	}
}

// forward sends everything after the current offset. It returns false when
// ctx is done.
func (t *tailer) forward(ctx context.Context, ch chan<- string) bool {
	st, err := t.f.Stat()
	if err != nil {
		slog.DebugContext(ctx, "stat log", "log", t.name, "error", err)
		return ctx.Err() == nil
	}
	if st.Size() < t.offset {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			slog.DebugContext(ctx, "rewinding log", "log", t.name, "error", err)
			return ctx.Err() == nil
		}
		t.offset = 0
	}
	if st.Size() == t.offset {
		return ctx.Err() == nil
	}

	b, err := io.ReadAll(t.f)
	if err != nil {
		slog.DebugContext(ctx, "reading log", "log", t.name, "error", err)
	}
	if len(b) == 0 {
		return ctx.Err() == nil
	}
	t.offset += int64(len(b))
	return send(ctx, ch, string(b))
}

func send(ctx context.Context, ch chan<- string, chunk string) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
