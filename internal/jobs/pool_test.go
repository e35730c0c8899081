package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", h.ID())
	}
}

func TestPoolRunsEachTaskOnce(t *testing.T) {
	p := NewPool(2, 8, nil)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	var runs atomic.Int32
	h, err := p.Submit("job-1", func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	_, err = p.Submit("job-1", func(context.Context) { runs.Add(1) })
	assert.ErrorIs(t, err, ErrDuplicateTask)

	waitDone(t, h)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPoolQueueFullIsNonBlocking(t *testing.T) {
	p := NewPool(1, 1, nil)

	_, err := p.Submit("a", func(context.Context) {})
	require.NoError(t, err)
	_, err = p.Submit("b", func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)

	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.Pending())
}

func TestPoolTaskContextIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 4, nil)
	p.Start(ctx)
	cancel()

	var taskErr atomic.Value
	h, err := p.Submit("job", func(ctx context.Context) {
		taskErr.Store(ctx.Err() == nil)
	})
	require.NoError(t, err)
	waitDone(t, h)
	assert.Equal(t, true, taskErr.Load())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	p := NewPool(1, 16, nil)
	var runs atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Submit(id, func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			runs.Add(1)
		})
		require.NoError(t, err)
	}
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(3), runs.Load())

	_, err := p.Submit("d", func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 4, nil)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	h, err := p.Submit("boom", func(context.Context) { panic("kaboom") })
	require.NoError(t, err)
	waitDone(t, h)

	var ran atomic.Bool
	h, err = p.Submit("after", func(context.Context) { ran.Store(true) })
	require.NoError(t, err)
	waitDone(t, h)
	assert.True(t, ran.Load())
}

func TestPoolShutdownHonorsDeadline(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Start(context.Background())
	release := make(chan struct{})
	_, err := p.Submit("slow", func(context.Context) { <-release })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}
