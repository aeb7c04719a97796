package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"handoff/internal/domain"
	"handoff/internal/faults"
)

// Store is the local side of a reconciliation.
type Store interface {
	Snapshot(ctx context.Context) (map[string]domain.ItemRecord, error)
	ApplyRecord(ctx context.Context, rec domain.ItemRecord, expected *domain.Item) (bool, error)
	Rekey(ctx context.Context, expected domain.Item, newID string, replacement *domain.ItemRecord) (bool, error)
}

// Remote is the replica exchanged with the other agent.
type Remote interface {
	Pull(ctx context.Context) (map[string]domain.ItemRecord, error)
	Push(ctx context.Context, recs []domain.ItemRecord) error
}

type Reconciler struct {
	// Role is the local agent's role; it decides whose claims are live.
	Role     domain.Role
	Store    Store
	Remote   Remote
	Scanner  *Scanner
	Log      *slog.Logger
	Security *slog.Logger
	Metrics  *Metrics
}

// Result summarizes one run.
type Result struct {
	Applied   int
	Skipped   int
	Pushed    int
	Conflicts []Conflict
}

// RunOnce pulls the remote snapshot, merges it with the local store, applies
// local writes and publishes the rest. A secret match aborts the whole push.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	res, err := r.runOnce(ctx)
	r.Metrics.observe(res, err)
	return res, err
}

func (r *Reconciler) runOnce(ctx context.Context) (Result, error) {
	var res Result
	remote, err := r.Remote.Pull(ctx)
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	local, err := r.Store.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}
	plan := Merge(local, remote, r.Role)
	res.Conflicts = plan.Conflicts
	for _, c := range plan.Conflicts {
		r.log().Warn("replication conflict", "item", c.ID, "kind", c.Kind, "detail", c.Detail)
	}

	withheld := map[string]bool{}
	for _, w := range plan.Local {
		ok, err := r.apply(ctx, w)
		if err != nil {
			return res, fmt.Errorf("apply %s: %w", w.Record.Item.ID, err)
		}
		if !ok {
			res.Skipped++
			if w.RekeyTo != "" {
				withheld[w.RekeyTo] = true
			}
			r.log().Debug("local item moved during reconciliation", "item", w.Record.Item.ID)
			continue
		}
		res.Applied++
	}

	out := plan.Remote[:0:0]
	for _, rec := range plan.Remote {
		if !withheld[rec.Item.ID] {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return res, nil
	}
	if r.Scanner != nil {
		if err := r.Scanner.Check(out); err != nil {
			var leak *faults.SecretLeakError
			if errors.As(err, &leak) {
				r.security().Error("push aborted: outgoing item matched secret denylist",
					"item", leak.ItemID, "rule", leak.Rule, "pending", len(out))
			}
			return res, err
		}
	}
	if err := r.Remote.Push(ctx, out); err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	res.Pushed = len(out)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, w LocalWrite) (bool, error) {
	if w.RekeyTo != "" && w.Expected != nil {
		rec := w.Record
		return r.Store.Rekey(ctx, *w.Expected, w.RekeyTo, &rec)
	}
	return r.Store.ApplyRecord(ctx, w.Record, w.Expected)
}

// Run reconciles every interval until ctx is done. Failed runs are logged and
// retried on the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil && !faults.IsSecretLeak(err):
			r.log().Error("reconciliation failed", "err", err)
		case err == nil && (res.Applied > 0 || res.Pushed > 0):
			r.log().Info("reconciled", "applied", res.Applied, "pushed", res.Pushed, "skipped", res.Skipped)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Reconciler) security() *slog.Logger {
	if r.Security == nil {
		return r.log()
	}
	return r.Security
}

// Metrics reports reconciliation runs.
type Metrics struct {
	runs      *prometheus.CounterVec
	records   *prometheus.CounterVec
	conflicts prometheus.Counter
}

func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by result (ok, error, secret_leak).",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "reconcile",
			Name:      "records_total",
			Help:      "Records written by direction (local, remote, skipped).",
		}, []string{"direction"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "reconcile",
			Name:      "conflicts_total",
			Help:      "Replication conflicts reported by merge.",
		}),
	}
	m.runs = register(reg, m.runs)
	m.records = register(reg, m.records)
	m.conflicts = register(reg, m.conflicts)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observe(res Result, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case faults.IsSecretLeak(err):
		result = "secret_leak"
	case err != nil:
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
	m.records.WithLabelValues("local").Add(float64(res.Applied))
	m.records.WithLabelValues("remote").Add(float64(res.Pushed))
	m.records.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.conflicts.Add(float64(len(res.Conflicts)))
}

// Runs returns the run counter for result.
func (m *Metrics) Runs(result string) prometheus.Counter {
	return m.runs.WithLabelValues(result)
}
