package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

func TestCoordinator_CapsConcurrency(t *testing.T) {
	var current, peak int64
	var chunks [][]string

	c := NewCoordinator(3)
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	err := c.RunLevel(context.Background(), ids,
		func(ctx context.Context, id string) StepResult {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return StepResult{StepID: id}
		},
		func(results []StepResult) error {
			var chunk []string
			for _, r := range results {
				chunk = append(chunk, r.StepID)
			}
			chunks = append(chunks, chunk)
			return nil
		})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int64(3))
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e", "f"}, {"g"}}, chunks, "results keep input order")
}

func TestCoordinator_ChunkIsAwaitedBeforeNext(t *testing.T) {
	var mu sync.Mutex
	var log []string

	c := NewCoordinator(2)
	err := c.RunLevel(context.Background(), []string{"slow", "fast", "next"},
		func(ctx context.Context, id string) StepResult {
			if id == "slow" {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			log = append(log, id)
			mu.Unlock()
			return StepResult{StepID: id}
		},
		func([]StepResult) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, "next", log[2], "the second chunk starts after the slow step of the first")
}

func TestCoordinator_AfterErrorStopsLevel(t *testing.T) {
	stop := errors.New("fatal step")
	var ran int64

	c := NewCoordinator(1)
	err := c.RunLevel(context.Background(), []string{"a", "b", "c"},
		func(ctx context.Context, id string) StepResult {
			atomic.AddInt64(&ran, 1)
			return StepResult{StepID: id}
		},
		func(results []StepResult) error {
			if results[0].StepID == "a" {
				return stop
			}
			return nil
		})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, int64(1), ran)
}

func TestCoordinator_RecoversPanics(t *testing.T) {
	var got []StepResult
	c := NewCoordinator(2)
	err := c.RunLevel(context.Background(), []string{"ok", "bad"},
		func(ctx context.Context, id string) StepResult {
			if id == "bad" {
				panic("nil map write")
			}
			return StepResult{StepID: id}
		},
		func(results []StepResult) error {
			got = results
			return nil
		})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NoError(t, got[0].Err)
	require.Error(t, got[1].Err)
	assert.Equal(t, schema.ClassInternal, Classify(got[1].Err))
	var p *PanicError
	assert.True(t, errors.As(got[1].Err, &p))
}

func TestCoordinator_CancelledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(1)
	err := c.RunLevel(ctx, []string{"a", "b"},
		func(ctx context.Context, id string) StepResult { return StepResult{StepID: id} },
		func([]StepResult) error {
			cancel()
			return nil
		})

	oe, ok := schema.AsOrchestratorError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCancelled, oe.Code)
}

func TestNewCoordinator_DefaultsCap(t *testing.T) {
	assert.Equal(t, DefaultMaxConcurrency, NewCoordinator(0).maxConcurrency)
	assert.Equal(t, 5, NewCoordinator(5).maxConcurrency)
}
