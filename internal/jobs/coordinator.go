// Package jobs runs the queued → running → succeeded/failed lifecycle shared
// by every job kind. Creation appends a queued row and hands the work to a
// Pool; the worker step moves the row to a terminal state with a locked
// read-modify-rewrite of its table.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"book-pipeline/internal/models"
	"book-pipeline/internal/recordstore"
	"book-pipeline/internal/telemetry"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrTerminal          = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid job transition")
)

const interruptedMessage = "interrupted before completion; resubmit to retry"

// Result is what a handler produced for a successful job.
type Result struct {
	Output string
	Detail map[string]any
}

// Handler executes a job of one kind.
type Handler func(ctx context.Context, job models.Job) (Result, error)

// Filter narrows List results.
type Filter struct {
	Status string
}

// Coordinator creates jobs and drives them to a terminal state.
type Coordinator struct {
	store    *recordstore.Store
	pool     *Pool
	logger   *slog.Logger
	handlers map[string]Handler
	tables   map[string]*recordstore.Table[models.Job]
	events   *recordstore.Table[models.JobEvent]

	now   func() time.Time
	newID func() string
}

// NewCoordinator wires a coordinator to its store and pool. Handlers are
// registered before the coordinator is shared between goroutines.
func NewCoordinator(st *recordstore.Store, pool *Pool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		pool:     pool,
		logger:   logger,
		handlers: make(map[string]Handler),
		tables:   make(map[string]*recordstore.Table[models.Job]),
		events:   recordstore.NewTable(st, EventSchema()).WithLogger(logger),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

// RegisterHandler binds a handler to a job kind.
func (c *Coordinator) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	c.handlers[kind] = handler
	c.tables[kind] = recordstore.NewTable(c.store, JobSchema(kind)).WithLogger(c.logger)
}

// Kinds returns the registered kinds, sorted.
func (c *Coordinator) Kinds() []string {
	kinds := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func (c *Coordinator) table(kind string) (*recordstore.Table[models.Job], error) {
	tbl, ok := c.tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return tbl, nil
}

// Create appends a queued job and submits it for background processing. The
// returned job is the row as created. If the pool refuses the task the job is
// recorded as failed and returned in that state without error; only a storage
// fault on the initial append fails the call.
func (c *Coordinator) Create(ctx context.Context, kind string, input map[string]any) (models.Job, *Handle, error) {
	tbl, err := c.table(kind)
	if err != nil {
		return models.Job{}, nil, err
	}
	if input == nil {
		input = map[string]any{}
	}

	now := c.now()
	job := models.Job{
		ID:        c.newID(),
		Kind:      kind,
		Status:    models.StatusQueued,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tbl.Append(ctx, job); err != nil {
		return models.Job{}, nil, fmt.Errorf("create %s job: %w", kind, err)
	}
	c.audit(ctx, job, "created", "")
	telemetry.JobsCreated.WithLabelValues(kind).Inc()

	handle, err := c.pool.Submit(job.ID, func(taskCtx context.Context) {
		c.process(taskCtx, kind, job.ID)
	})
	if err != nil {
		c.logger.Warn("job not scheduled", "job_id", job.ID, "kind", kind, "error", err)
		c.finish(context.WithoutCancel(ctx), kind, job.ID, Result{}, fmt.Errorf("schedule job: %w", err))
		if failed, err := c.Get(context.WithoutCancel(ctx), kind, job.ID); err == nil {
			job = failed
		}
		return job, completedHandle(job.ID), nil
	}
	return job, handle, nil
}

// Get returns the job with id from the table of kind.
func (c *Coordinator) Get(ctx context.Context, kind, id string) (models.Job, error) {
	tbl, err := c.table(kind)
	if err != nil {
		return models.Job{}, err
	}
	job, found, err := tbl.Find(ctx, func(j models.Job) bool { return j.ID == id })
	if err != nil {
		return models.Job{}, err
	}
	if !found {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// List returns the jobs of kind in insertion order.
func (c *Coordinator) List(ctx context.Context, kind string, f Filter) ([]models.Job, error) {
	tbl, err := c.table(kind)
	if err != nil {
		return nil, err
	}
	all, err := tbl.All(ctx)
	if err != nil {
		return nil, err
	}
	if f.Status == "" {
		return all, nil
	}
	out := make([]models.Job, 0, len(all))
	for _, j := range all {
		if j.Status == f.Status {
			out = append(out, j)
		}
	}
	return out, nil
}

// Events returns the audit trail of one job in the order it was written.
func (c *Coordinator) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	all, err := c.events.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.JobEvent, 0, 4)
	for _, e := range all {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recover fails every job a previous process left queued or running. Jobs
// are never retried automatically, so these would otherwise stay open.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, kind := range c.Kinds() {
		var interrupted []models.Job
		err := c.tables[kind].Update(ctx, func(rows []models.Job) ([]models.Job, error) {
			now := c.now()
			for i := range rows {
				if models.IsTerminal(rows[i].Status) {
					continue
				}
				rows[i].Status = models.StatusFailed
				rows[i].Error = appendError(rows[i].Error, interruptedMessage)
				rows[i].UpdatedAt = now
				rows[i].FinishedAt = now
				interrupted = append(interrupted, rows[i])
			}
			return rows, nil
		})
		if err != nil {
			return total, fmt.Errorf("recover %s jobs: %w", kind, err)
		}
		for _, j := range interrupted {
			c.audit(ctx, j, "failed", interruptedMessage)
		}
		total += len(interrupted)
	}
	return total, nil
}

func (c *Coordinator) process(ctx context.Context, kind, id string) {
	logger := c.logger.With("job_id", id, "kind", kind)

	job, err := c.transition(ctx, kind, id, models.StatusRunning, func(j *models.Job) {
		j.StartedAt = j.UpdatedAt
		j.Progress = 0
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			logger.Warn("job already finished; skipping", "error", err)
			return
		}
		logger.Error("start job", "error", err)
		c.finish(ctx, kind, id, Result{}, fmt.Errorf("start job: %w", err))
		return
	}
	c.audit(ctx, job, "started", "")
	logger.Info("job started")

	telemetry.InFlightGauge.Inc()
	res, runErr := c.run(ctx, job)
	telemetry.InFlightGauge.Dec()

	c.finish(ctx, kind, id, res, runErr)
}

func (c *Coordinator) run(ctx context.Context, job models.Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handlers[job.Kind](ctx, job)
}

// finish writes the terminal state for one job. Errors are logged, not
// returned: the request that created the job has already completed.
func (c *Coordinator) finish(ctx context.Context, kind, id string, res Result, runErr error) {
	logger := c.logger.With("job_id", id, "kind", kind)

	if runErr == nil {
		job, err := c.transition(ctx, kind, id, models.StatusSucceeded, func(j *models.Job) {
			j.Output = res.Output
			j.Detail = res.Detail
			j.Progress = 100
			j.FinishedAt = j.UpdatedAt
		})
		if err != nil {
			logger.Error("record job success", "error", err)
			return
		}
		c.audit(ctx, job, "succeeded", res.Output)
		telemetry.JobsSucceeded.WithLabelValues(kind).Inc()
		logger.Info("job succeeded", "output", res.Output)
		return
	}

	msg := runErr.Error()
	job, err := c.transition(ctx, kind, id, models.StatusFailed, func(j *models.Job) {
		j.Error = appendError(j.Error, msg)
		j.FinishedAt = j.UpdatedAt
	})
	if err != nil {
		logger.Error("record job failure", "error", err, "job_error", msg)
		return
	}
	c.audit(ctx, job, "failed", msg)
	telemetry.JobsFailed.WithLabelValues(kind).Inc()
	logger.Warn("job failed", "error", msg)
}

// transition moves one job to status, applying mutate to its row, through a
// locked read-modify-rewrite of the table. Other rows are written back as read.
func (c *Coordinator) transition(ctx context.Context, kind, id, status string, mutate func(*models.Job)) (models.Job, error) {
	tbl, err := c.table(kind)
	if err != nil {
		return models.Job{}, err
	}
	var updated models.Job
	err = tbl.Update(ctx, func(rows []models.Job) ([]models.Job, error) {
		for i := range rows {
			if rows[i].ID != id {
				continue
			}
			if err := checkTransition(rows[i].Status, status); err != nil {
				return nil, fmt.Errorf("job %s: %w", id, err)
			}
			rows[i].Status = status
			rows[i].UpdatedAt = c.now()
			if mutate != nil {
				mutate(&rows[i])
			}
			updated = rows[i]
			return rows, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	return updated, err
}

func checkTransition(from, to string) error {
	if models.IsTerminal(from) {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	switch {
	case from == models.StatusQueued && to == models.StatusRunning,
		from == models.StatusQueued && to == models.StatusFailed,
		from == models.StatusRunning && to == models.StatusSucceeded,
		from == models.StatusRunning && to == models.StatusFailed:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func appendError(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return existing + "; " + msg
}

func (c *Coordinator) audit(ctx context.Context, job models.Job, event, detail string) {
	err := c.events.Append(ctx, models.JobEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Event:    event,
		Detail:   detail,
		Recorded: c.now(),
	})
	if err != nil {
		c.logger.Error("append job event", "job_id", job.ID, "event", event, "error", err)
	}
}
