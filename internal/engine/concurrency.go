package engine

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/agentspilot/orchestrator/internal/execution"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

// DefaultMaxConcurrency caps the steps launched together within a level.
const DefaultMaxConcurrency = 3

// StepResult is what a step goroutine hands back to the level loop. The loop
// records it into the execution context once the whole chunk is done.
type StepResult struct {
	StepID  string
	Output  *execution.StepOutput // nil when skipped or paused
	Skipped bool
	Reason  string // why the step was skipped
	// Err is set when the failure must stop the run. Output may still carry
	// the failed step's metadata.
	Err   error
	pause *pauseSignal
}

// Coordinator runs the steps of one level in chunks of at most
// maxConcurrency. Each chunk is awaited before the next one starts.
type Coordinator struct {
	maxConcurrency int
}

// NewCoordinator creates a Coordinator. Values below 1 select the default.
func NewCoordinator(maxConcurrency int) *Coordinator {
	if maxConcurrency < 1 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Coordinator{maxConcurrency: maxConcurrency}
}

// RunLevel executes ids. exec runs on its own goroutine per step and must
// not mutate shared state; after runs on the calling goroutine with the
// chunk's results in input order and may stop the level by returning an
// error.
func (c *Coordinator) RunLevel(ctx context.Context, ids []string, exec func(ctx context.Context, id string) StepResult, after func(results []StepResult) error) error {
	for start := 0; start < len(ids); start += c.maxConcurrency {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		end := start + c.maxConcurrency
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		results := make([]StepResult, len(chunk))

		var wg sync.WaitGroup
		for i, id := range chunk {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						results[i] = StepResult{
							StepID: id,
							Err: schema.NewStepError(schema.ClassInternal, "step panicked: %v", r).
								WithStep(id).
								WithCause(&PanicError{Value: r, Stack: debug.Stack()}),
						}
					}
				}()
				results[i] = exec(ctx, id)
			}(i, id)
		}
		wg.Wait()

		if err := after(results); err != nil {
			return err
		}
	}
	return nil
}
