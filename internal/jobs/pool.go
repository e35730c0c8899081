package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"book-pipeline/internal/telemetry"
)

var (
	ErrQueueFull     = errors.New("worker queue is full")
	ErrPoolClosed    = errors.New("worker pool is shut down")
	ErrDuplicateTask = errors.New("task already submitted")
)

// Task is one unit of background work. Its context is never cancelled.
type Task func(ctx context.Context)

// Handle tracks a submitted task. Submitters are free to ignore it.
type Handle struct {
	id   string
	done chan struct{}
}

// ID returns the task id given to Submit.
func (h *Handle) ID() string { return h.id }

// Done is closed once the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func completedHandle(id string) *Handle {
	h := &Handle{id: id, done: make(chan struct{})}
	close(h.done)
	return h
}

type submission struct {
	handle *Handle
	task   Task
}

// Pool runs submitted tasks on a fixed number of goroutines. Each task id is
// accepted at most once for the life of the pool.
type Pool struct {
	workers int
	queue   chan submission
	logger  *slog.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	closed  bool
	started bool
	group   errgroup.Group
}

// NewPool builds a pool with the given worker count and queue capacity.
func NewPool(workers, depth int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: workers,
		queue:   make(chan submission, depth),
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Start launches the workers. Values from ctx reach tasks; its cancellation
// does not, so a task that has begun always runs to completion.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	taskCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			for sub := range p.queue {
				telemetry.QueueDepthGauge.Set(float64(len(p.queue)))
				p.run(taskCtx, sub)
			}
			return nil
		})
	}
}

// Submit queues task under id without blocking.
func (p *Pool) Submit(id string, task Task) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if _, dup := p.seen[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	h := &Handle{id: id, done: make(chan struct{})}
	select {
	case p.queue <- submission{handle: h, task: task}:
	default:
		return nil, ErrQueueFull
	}
	p.seen[id] = struct{}{}
	telemetry.QueueDepthGauge.Set(float64(len(p.queue)))
	return h, nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits for queued and running ones to
// finish, or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context, sub submission) {
	defer close(sub.handle.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task_id", sub.handle.id, "panic", r)
		}
	}()
	sub.task(ctx)
}
