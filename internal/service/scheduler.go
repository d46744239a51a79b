package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

const DefaultConcurrency = 2

// ExecuteFunc runs one admitted request to a terminal Result. seq is the
// submission sequence number, increasing per Scheduler.
type ExecuteFunc func(ctx context.Context, seq uint64, req model.RunRequest) model.Result

// Listener observes every terminal Result, e.g. to publish it. It is called
// from the run goroutine and must not block for long.
type Listener func(ctx context.Context, res model.Result)

type SchedulerOption func(*Scheduler)

func WithListener(l Listener) SchedulerOption {
	return func(s *Scheduler) {
		s.listeners = append(s.listeners, l)
	}
}

type Stats struct {
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Peak      int    `json:"peak"`
	Limit     int    `json:"limit"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
}

type ticket struct {
	seq  uint64
	req  model.RunRequest
	done chan model.Result
}

// Scheduler admits at most limit runs at a time and keeps the rest in
// strict FIFO order. Every admitted run is executed in its own goroutine;
// the slot is released when the run ends, however it ends.
type Scheduler struct {
	ctx       context.Context
	limit     int
	execute   ExecuteFunc
	listeners []Listener

	mx        sync.Mutex
	queue     []ticket
	running   int
	peak      int
	seq       uint64
	completed uint64
	closed    bool
	wg        sync.WaitGroup
}

// NewScheduler returns a scheduler whose runs inherit ctx. A limit lower
// than one means DefaultConcurrency.
func NewScheduler(ctx context.Context, limit int, execute ExecuteFunc, opts ...SchedulerOption) *Scheduler {
	if limit < 1 {
		limit = DefaultConcurrency
	}
	s := &Scheduler{
		ctx:     ctx,
		limit:   limit,
		execute: execute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues req and returns immediately. The channel receives the
// terminal Result once and is closed afterwards.
func (s *Scheduler) Submit(req model.RunRequest) (<-chan model.Result, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, model.ErrClosed
	}
	s.seq++
	t := ticket{
		seq:  s.seq,
		req:  req,
		done: make(chan model.Result, 1),
	}
	s.queue = append(s.queue, t)
	slog.DebugContext(s.ctx, "run queued", "run_id", req.ID, "seq", t.seq, "queued", len(s.queue))
	s.drainLocked()
	return t.done, nil
}

// Run submits req and waits for its Result. When ctx ends first, ctx.Err()
// is returned and the run continues in the background.
func (s *Scheduler) Run(ctx context.Context, req model.RunRequest) (model.Result, error) {
	ch, err := s.Submit(req)
	if err != nil {
		return model.Result{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

// RunAll submits all requests in order and waits for all of them. The
// Results are returned in request order.
func (s *Scheduler) RunAll(ctx context.Context, reqs []model.RunRequest) ([]model.Result, error) {
	chans := make([]<-chan model.Result, 0, len(reqs))
	for _, req := range reqs {
		ch, err := s.Submit(req)
		if err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	results := make([]model.Result, 0, len(reqs))
	for _, ch := range chans {
		select {
		case res := <-ch:
			results = append(results, res)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

func (s *Scheduler) Stats() Stats {
	s.mx.Lock()
	defer s.mx.Unlock()
	return Stats{
		Running:   s.running,
		Queued:    len(s.queue),
		Peak:      s.peak,
		Limit:     s.limit,
		Submitted: s.seq,
		Completed: s.completed,
	}
}

// Close rejects further submissions and waits until the queued and
// running requests are finished or ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

func (s *Scheduler) drainLocked() {
	for s.running < s.limit && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue[0] = ticket{}
		s.queue = s.queue[1:]
		s.running++
		s.peak = max(s.peak, s.running)
		s.wg.Add(1)
		go s.run(t)
	}
}

func (s *Scheduler) run(t ticket) {
	defer s.wg.Done()
	defer s.release()

	res := s.safeExecute(t)
	for _, l := range s.listeners {
		s.notify(l, res)
	}
	t.done <- res
	close(t.done)
}

func (s *Scheduler) release() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.running--
	s.completed++
	s.drainLocked()
}

func (s *Scheduler) safeExecute(t ticket) (res model.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(s.ctx, "execute panicked", "run_id", t.req.ID, "panic", p)
			res = model.Result{
				ID:      t.req.ID,
				Status:  model.StatusError,
				EndedAt: time.Now().UTC(),
				Error:   fmt.Sprintf("panic: %v", p),
			}
		}
	}()
	return s.execute(s.ctx, t.seq, t.req)
}

func (s *Scheduler) notify(l Listener, res model.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(s.ctx, "result listener panicked", "run_id", res.ID, "panic", p)
		}
	}()
	l(s.ctx, res)
}
