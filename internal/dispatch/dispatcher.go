// Package dispatch polls the item store for work belonging to one role and
// drives each item through the lifecycle engine on a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"handoff/internal/domain"
	"handoff/internal/engine"
)

// Lifecycle is the slice of the engine the dispatcher needs.
type Lifecycle interface {
	Candidates(ctx context.Context, role domain.Role, limit int) ([]domain.Item, error)
	Claim(ctx context.Context, id string, role domain.Role) (bool, error)
	RunAttempt(ctx context.Context, id string, role domain.Role) (engine.Outcome, error)
	RecoverInterrupted(ctx context.Context, role domain.Role) (int, error)
}

type Config struct {
	Role         domain.Role
	Workers      int
	PollInterval time.Duration
	BatchSize    int
}

type Dispatcher struct {
	lc      Lifecycle
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	pool     errgroup.Group
	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(lc Lifecycle, cfg Config, log *slog.Logger, metrics *Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		lc:       lc,
		cfg:      cfg,
		log:      log.With("component", "dispatcher", "role", cfg.Role),
		metrics:  metrics,
		inflight: map[string]struct{}{},
	}
	d.pool.SetLimit(cfg.Workers)
	return d
}

// Run recovers interrupted attempts, then scans every poll interval until ctx
// is done. In-flight attempts are allowed to finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	n, err := d.lc.RecoverInterrupted(ctx, d.cfg.Role)
	if err != nil {
		return fmt.Errorf("recover interrupted: %w", err)
	}
	if n > 0 {
		d.log.Warn("recovered interrupted items", "count", n)
	}
	defer d.Wait()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping; waiting for in-flight attempts")
			return nil
		case <-ticker.C:
		}
	}
}

// Scan hands candidates to free worker slots and returns how many it started.
// It stops early once the pool is full; the rest wait for the next scan.
func (d *Dispatcher) Scan(ctx context.Context) (int, error) {
	items, err := d.lc.Candidates(ctx, d.cfg.Role, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	// Attempts outlive a shutdown request so no item is left half-applied.
	workCtx := context.WithoutCancel(ctx)
	started := 0
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if !d.reserve(it.ID) {
			continue
		}
		id, owned := it.ID, it.Location == domain.ClaimedBy(d.cfg.Role)
		if !d.pool.TryGo(func() error {
			d.work(workCtx, id, owned)
			return nil
		}) {
			d.release(id)
			break
		}
		started++
	}
	return started, nil
}

// Wait blocks until every started worker has finished.
func (d *Dispatcher) Wait() {
	_ = d.pool.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id string, owned bool) {
	defer d.release(id)
	d.metrics.workerStarted()
	defer d.metrics.workerDone()
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panicked()
			d.log.Error("worker panic; item left at its last committed transition", "item", id, "panic", r)
		}
	}()

	if !owned {
		ok, err := d.lc.Claim(ctx, id, d.cfg.Role)
		if err != nil {
			d.log.Error("claim failed", "item", id, "err", err)
			return
		}
		d.metrics.claim(ok)
		if !ok {
			d.log.Debug("claim lost", "item", id)
			return
		}
	}
	out, err := d.lc.RunAttempt(ctx, id, d.cfg.Role)
	if err != nil {
		d.log.Error("attempt failed to commit", "item", id, "err", err)
		return
	}
	d.metrics.attempt(out)
	d.log.Debug("attempt concluded", "item", id, "outcome", out)
}

func (d *Dispatcher) reserve(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}
