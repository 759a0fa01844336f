// Package tasks runs post-run work (notifications, archiving) off the run's
// critical path. Task outcomes never affect a RunResult.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// ErrQueueClosed is returned when a task is enqueued after Close.
var ErrQueueClosed = errors.New("task queue is closed")

// ErrQueueFull is returned when the buffer has no room.
var ErrQueueFull = errors.New("task queue is full")

// Task is one unit of deferred work.
type Task struct {
	Name  string
	RunID string
	Run   func(ctx context.Context) error
}

// Queue accepts tasks. Enqueue never waits for the task to run.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}

// Config tunes an AsyncQueue.
type Config struct {
	Workers       int           `mapstructure:"workers" json:"workers"`
	Buffer        int           `mapstructure:"buffer" json:"buffer"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" json:"task_timeout"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		Buffer:        256,
		MaxRetries:    3,
		RetryInterval: time.Second,
		TaskTimeout:   30 * time.Second,
	}
}

// Stats counts task outcomes.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// AsyncQueue is a buffered Queue drained by a fixed set of workers. Failed
// tasks are retried on a constant interval.
type AsyncQueue struct {
	cfg    Config
	logger *slog.Logger
	ch     chan Task
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// NewAsyncQueue starts cfg.Workers workers. Close stops them after the buffer
// drains.
func NewAsyncQueue(cfg Config, logger *slog.Logger) *AsyncQueue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &AsyncQueue{
		cfg:    cfg,
		logger: logger,
		ch:     make(chan Task, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Enqueue buffers t without blocking.
func (q *AsyncQueue) Enqueue(_ context.Context, t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no function", t.Name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		q.stats.Enqueued++
		return nil
	default:
		q.stats.Dropped++
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for buffered ones to finish.
func (q *AsyncQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (q *AsyncQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *AsyncQueue) work() {
	defer q.wg.Done()
	for t := range q.ch {
		err := q.execute(t)
		q.mu.Lock()
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Completed++
		}
		q.mu.Unlock()
		if err != nil {
			q.logger.Warn("task failed",
				slog.String("task", t.Name),
				slog.String("run_id", t.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (q *AsyncQueue) execute(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(q.cfg.RetryInterval), uint64(q.cfg.MaxRetries))
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TaskTimeout)
		defer cancel()
		return t.Run(ctx)
	}, b)
}

// Inline runs each task synchronously on Enqueue and logs failures.
type Inline struct {
	Logger *slog.Logger
}

func (i Inline) Enqueue(ctx context.Context, t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no function", t.Name)
	}
	if err := t.Run(ctx); err != nil {
		logger := i.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "task failed", slog.String("task", t.Name), slog.String("error", err.Error()))
	}
	return nil
}

var (
	_ Queue = (*AsyncQueue)(nil)
	_ Queue = Inline{}
)
