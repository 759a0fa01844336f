package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentspilot/orchestrator/internal/lease"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

func leaseKey(runID string) string { return "run:" + runID }

// runLease is the lease on a run this worker drives. It is renewed every
// third of its TTL until released, and again at every chunk boundary.
type runLease struct {
	locker lease.Locker
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	held *lease.Lease
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// acquireLease takes the run lease and starts renewing it. A Conflict error
// means another worker is driving the run.
func (o *Orchestrator) acquireLease(ctx context.Context, runID string) (*runLease, error) {
	l, err := o.locker.Acquire(ctx, leaseKey(runID), o.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	rl := &runLease{
		locker: o.locker,
		ttl:    o.cfg.LeaseTTL,
		logger: o.logger,
		held:   l,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go rl.keepAlive(context.WithoutCancel(ctx))
	return rl, nil
}

func (rl *runLease) keepAlive(ctx context.Context) {
	defer close(rl.done)
	every := rl.ttl / 3
	if every < time.Millisecond {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			if err := rl.renew(ctx); err != nil {
				rl.logger.WarnContext(ctx, "run lease renewal failed", slog.String("error", err.Error()))
				if errors.Is(err, schema.ErrConflict) {
					return
				}
			}
		}
	}
}

// renew extends the lease. A Conflict error means the run was taken over.
func (rl *runLease) renew(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.locker.Renew(ctx, rl.held, rl.ttl)
}

// release stops the renewals and gives the lease up. Later calls are no-ops.
func (rl *runLease) release(ctx context.Context) {
	if rl == nil {
		return
	}
	rl.once.Do(func() {
		close(rl.stop)
		<-rl.done
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if err := rl.locker.Release(context.WithoutCancel(ctx), rl.held); err != nil {
			rl.logger.WarnContext(ctx, "lease release failed", slog.String("error", err.Error()))
		}
	})
}
