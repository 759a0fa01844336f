package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/internal/providers"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// parked submits a call that holds its slot until the returned func runs.
func parked(t *testing.T, pool *WorkerPool) (<-chan error, func()) {
	t.Helper()
	entered := make(chan struct{})
	unpark := make(chan struct{})
	done, err := pool.Go(context.Background(), func(context.Context) error {
		close(entered)
		<-unpark
		return nil
	})
	require.NoError(t, err)
	<-entered
	return done, func() { close(unpark) }
}

func TestWorkerPool_Outcomes(t *testing.T) {
	errDown := errors.New("provider down")
	tests := []struct {
		name  string
		fn    func(context.Context) error
		check func(t *testing.T, err error)
		want  PoolMetrics
	}{
		{
			name:  "success",
			fn:    func(context.Context) error { return nil },
			check: func(t *testing.T, err error) { assert.NoError(t, err) },
			want:  PoolMetrics{Completed: 1},
		},
		{
			name:  "error passes through",
			fn:    func(context.Context) error { return errDown },
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, errDown) },
			want:  PoolMetrics{Failed: 1},
		},
		{
			name: "panic becomes PanicError",
			fn:   func(context.Context) error { panic("plugin exploded") },
			check: func(t *testing.T, err error) {
				var p *PanicError
				require.ErrorAs(t, err, &p)
				assert.Equal(t, "plugin exploded", p.Value)
				assert.NotEmpty(t, p.Stack)
				assert.Equal(t, "panic: plugin exploded", p.Error())
			},
			want: PoolMetrics{Failed: 1, Panics: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(2)
			defer pool.Shutdown()

			done, err := pool.Go(context.Background(), tt.fn)
			require.NoError(t, err)
			tt.check(t, <-done)
			assert.Equal(t, tt.want, pool.Metrics())
		})
	}
}

func TestWorkerPool_CapsCallsInFlight(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	results := make([]<-chan error, 0, 12)
	for i := 0; i < 12; i++ {
		done, err := pool.Go(context.Background(), func(context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
		results = append(results, done)
	}
	for _, done := range results {
		assert.NoError(t, <-done)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(size))
	assert.Equal(t, int64(12), pool.Metrics().Completed)
}

func TestWorkerPool_WaitingCallerGivesUp(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()
	first, unpark := parked(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Go(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Metrics().Active)

	unpark()
	assert.NoError(t, <-first)
}

func TestWorkerPool_ShutdownReleasesWaitersAndDrains(t *testing.T) {
	pool := NewWorkerPool(1)
	first, unpark := parked(t, pool)

	waiter := make(chan error, 1)
	go func() {
		_, err := pool.Go(context.Background(), func(context.Context) error { return nil })
		waiter <- err
	}()

	stopped := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(stopped)
	}()

	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, ErrPoolShutdown)
	case <-time.After(time.Second):
		t.Fatal("a caller waiting for a slot was not released by Shutdown")
	}
	select {
	case <-stopped:
		t.Fatal("Shutdown returned with a call still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	unpark()
	<-stopped
	assert.NoError(t, <-first)

	_, err := pool.Go(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	pool.Shutdown()
}

func TestRun_ProviderPanicFailsStep(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.actions.on("test.explode", func(context.Context, providers.UserContext, map[string]any) (any, error) {
		panic("plugin exploded")
	})

	res, err := h.o.Run(context.Background(), plan(act("boom", "explode", nil)), "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Contains(t, res.ErrorMessage, "panic: plugin exploded")
	assert.Equal(t, int64(1), h.o.PoolMetrics().Panics)
	assert.Len(t, h.actions.calls("test.explode"), 1, "a panic is not retried")
}
