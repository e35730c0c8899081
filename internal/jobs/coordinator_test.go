package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"book-pipeline/internal/models"
	"book-pipeline/internal/recordstore"
)

func newTestCoordinator(t *testing.T, workers, depth int) (*Coordinator, *Pool, *recordstore.Store) {
	t.Helper()
	st, err := recordstore.New(t.TempDir())
	require.NoError(t, err)
	pool := NewPool(workers, depth, nil)
	return NewCoordinator(st, pool, nil), pool, st
}

func succeed(output string) Handler {
	return func(context.Context, models.Job) (Result, error) {
		return Result{Output: output, Detail: map[string]any{"sentences": float64(3)}}, nil
	}
}

func TestCreateQueuesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 2, 8)
	c.RegisterHandler(models.KindTranslate, succeed("out/book.de.csv"))

	job, h, err := c.Create(ctx, models.KindTranslate, map[string]any{"source": "book.md"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	stored, err := c.Get(ctx, models.KindTranslate, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Equal(t, "book.md", stored.Input["source"])

	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(ctx) })
	waitDone(t, h)

	done, err := c.Get(ctx, models.KindTranslate, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)
	assert.Equal(t, "out/book.de.csv", done.Output)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, float64(3), done.Detail["sentences"])
	assert.Empty(t, done.Error)
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.FinishedAt.IsZero())

	events, err := c.Events(ctx, job.ID)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{"created", "started", "succeeded"}, names)
}

func TestFailureRecordsErrorAndLeavesOthersUntouched(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 1, 8)
	c.RegisterHandler(models.KindConvertMarkdown, func(_ context.Context, j models.Job) (Result, error) {
		if j.Input["fail"] == true {
			return Result{}, errors.New("conversion service returned 502")
		}
		return Result{Output: "ok.md"}, nil
	})

	other, _, err := c.Create(ctx, models.KindConvertMarkdown, map[string]any{"hold": true})
	require.NoError(t, err)
	before, err := c.Get(ctx, models.KindConvertMarkdown, other.ID)
	require.NoError(t, err)

	// Run only the failing job; the other stays queued.
	bad, _, err := c.Create(ctx, models.KindConvertMarkdown, map[string]any{"fail": true})
	require.NoError(t, err)
	c.process(ctx, models.KindConvertMarkdown, bad.ID)

	failed, err := c.Get(ctx, models.KindConvertMarkdown, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "conversion service returned 502", failed.Error)
	assert.Empty(t, failed.Output)

	after, err := c.Get(ctx, models.KindConvertMarkdown, other.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_ = pool.Shutdown(ctx)
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 1, 4)
	c.RegisterHandler(models.KindMail, func(context.Context, models.Job) (Result, error) {
		panic("nil attachment")
	})
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(ctx) })

	job, h, err := c.Create(ctx, models.KindMail, nil)
	require.NoError(t, err)
	waitDone(t, h)

	got, err := c.Get(ctx, models.KindMail, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "nil attachment")
}

func TestTerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 1, 4)
	c.RegisterHandler(models.KindSearch, succeed("hits.json"))

	job, _, err := c.Create(ctx, models.KindSearch, nil)
	require.NoError(t, err)
	c.process(ctx, models.KindSearch, job.ID)

	_, err = c.transition(ctx, models.KindSearch, job.ID, models.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = c.transition(ctx, models.KindSearch, job.ID, models.StatusRunning, nil)
	assert.ErrorIs(t, err, ErrTerminal)

	// A second worker step is a no-op.
	c.process(ctx, models.KindSearch, job.ID)
	got, err := c.Get(ctx, models.KindSearch, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	_ = pool.Shutdown(ctx)
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, checkTransition(models.StatusQueued, models.StatusRunning))
	assert.NoError(t, checkTransition(models.StatusQueued, models.StatusFailed))
	assert.NoError(t, checkTransition(models.StatusRunning, models.StatusSucceeded))
	assert.NoError(t, checkTransition(models.StatusRunning, models.StatusFailed))
	assert.ErrorIs(t, checkTransition(models.StatusQueued, models.StatusSucceeded), ErrInvalidTransition)
	assert.ErrorIs(t, checkTransition(models.StatusRunning, models.StatusQueued), ErrInvalidTransition)
	assert.ErrorIs(t, checkTransition(models.StatusFailed, models.StatusRunning), ErrTerminal)
	assert.ErrorIs(t, checkTransition(models.StatusSucceeded, models.StatusFailed), ErrTerminal)
}

func TestQueueFullFailsJobButCreateSucceeds(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 1, 1)
	c.RegisterHandler(models.KindEpub, succeed("book.epub"))

	first, _, err := c.Create(ctx, models.KindEpub, nil)
	require.NoError(t, err)
	second, h, err := c.Create(ctx, models.KindEpub, nil)
	require.NoError(t, err)
	waitDone(t, h)
	assert.Equal(t, models.StatusFailed, second.Status)
	assert.Contains(t, second.Error, ErrQueueFull.Error())

	got, err := c.Get(ctx, models.KindEpub, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	still, err := c.Get(ctx, models.KindEpub, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, still.Status)
	_ = pool.Shutdown(ctx)
}

func TestConcurrentCompletionsAllLand(t *testing.T) {
	ctx := context.Background()
	c, pool, _ := newTestCoordinator(t, 8, 64)
	c.RegisterHandler(models.KindCompose, func(_ context.Context, j models.Job) (Result, error) {
		return Result{Output: fmt.Sprintf("%v.md", j.Input["n"])}, nil
	})
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(ctx) })

	var (
		mu      sync.Mutex
		handles []*Handle
	)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, h, err := c.Create(ctx, models.KindCompose, map[string]any{"n": n})
			assert.NoError(t, err)
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		waitDone(t, h)
	}

	all, err := c.List(ctx, models.KindCompose, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 30)
	for _, j := range all {
		assert.Equal(t, models.StatusSucceeded, j.Status, "job %s", j.ID)
	}
}

func TestRecoverFailsInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	st, err := recordstore.New(t.TempDir())
	require.NoError(t, err)

	// A previous process left one job running and one queued.
	tbl := recordstore.NewTable(st, JobSchema(models.KindTranslate))
	require.NoError(t, tbl.Append(ctx, models.Job{ID: "a", Kind: models.KindTranslate, Status: models.StatusRunning}))
	require.NoError(t, tbl.Append(ctx, models.Job{ID: "b", Kind: models.KindTranslate, Status: models.StatusQueued}))
	require.NoError(t, tbl.Append(ctx, models.Job{ID: "c", Kind: models.KindTranslate, Status: models.StatusSucceeded, Output: "x"}))

	c := NewCoordinator(st, NewPool(1, 1, nil), nil)
	c.RegisterHandler(models.KindTranslate, succeed(""))
	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := c.List(ctx, models.KindTranslate, Filter{Status: models.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, j := range failed {
		assert.Contains(t, j.Error, "interrupted")
	}
	done, err := c.Get(ctx, models.KindTranslate, "c")
	require.NoError(t, err)
	assert.Equal(t, "x", done.Output)
}

func TestUndecodableRowDoesNotBlockItsKind(t *testing.T) {
	ctx := context.Background()
	c, pool, st := newTestCoordinator(t, 1, 4)
	c.RegisterHandler(models.KindTranslate, succeed("book.de.csv"))

	cols := JobSchema(models.KindTranslate).Columns()
	table := TableName(models.KindTranslate)
	require.NoError(t, st.Append(ctx, table, cols, recordstore.Record{
		"id": "torn", "kind": models.KindTranslate, "status": models.StatusQueued, "createdAt": "2026-10-16T10:",
	}))
	require.NoError(t, st.Append(ctx, table, cols, recordstore.Record{
		"id": "left", "kind": models.KindTranslate, "status": models.StatusRunning,
	}))

	n, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, h, err := c.Create(ctx, models.KindTranslate, nil)
	require.NoError(t, err)
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Shutdown(ctx) })
	waitDone(t, h)

	done, err := c.Get(ctx, models.KindTranslate, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)

	all, err := c.List(ctx, models.KindTranslate, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "left", all[0].ID)
	assert.Equal(t, models.StatusFailed, all[0].Status)

	_, err = c.Get(ctx, models.KindTranslate, "torn")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := st.ReadAll(ctx, table, cols)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	assert.Equal(t, "torn", raw[0]["id"])
	assert.Equal(t, "2026-10-16T10:", raw[0]["createdAt"])
	assert.Equal(t, models.StatusQueued, raw[0]["status"])
}

func TestUnknownKindAndMissingJob(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t, 1, 1)
	c.RegisterHandler(models.KindSearch, succeed(""))

	_, _, err := c.Create(ctx, "print", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = c.Get(ctx, models.KindSearch, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{models.KindSearch}, c.Kinds())
}

func TestStorageFaultFailsCreate(t *testing.T) {
	ctx := context.Background()
	c, _, st := newTestCoordinator(t, 1, 1)
	c.RegisterHandler(models.KindSearch, succeed(""))
	c.tables[models.KindSearch] = recordstore.NewTable(st, recordstore.NewSchema("bad/name",
		recordstore.String("id", func(j *models.Job) *string { return &j.ID }),
	))

	_, _, err := c.Create(ctx, models.KindSearch, nil)
	assert.ErrorIs(t, err, recordstore.ErrInvalidTable)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "convert_markdown_jobs", TableName(models.KindConvertMarkdown))
	assert.Equal(t, "epub_jobs", TableName(models.KindEpub))
}
