package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"handoff/internal/engine"
)

// Metrics exposes Prometheus collectors that report dispatcher activity.
type Metrics struct {
	claims        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	workersActive prometheus.Gauge
	panics        prometheus.Counter
}

// MustNewMetrics constructs Metrics on reg, reusing collectors that are
// already registered under the same names. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "dispatch",
			Name:      "claims_total",
			Help:      "Claim attempts by result (won, lost).",
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Concluded item attempts by outcome.",
		}, []string{"outcome"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "handoff",
			Subsystem: "dispatch",
			Name:      "workers_active",
			Help:      "Workers currently driving an item.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "handoff",
			Subsystem: "dispatch",
			Name:      "worker_panics_total",
			Help:      "Worker panics recovered by the dispatcher.",
		}),
	}
	m.claims = register(reg, m.claims)
	m.attempts = register(reg, m.attempts)
	m.workersActive = register(reg, m.workersActive)
	m.panics = register(reg, m.panics)
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

func (m *Metrics) claim(won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) attempt(out engine.Outcome) {
	if m == nil || out == "" {
		return
	}
	m.attempts.WithLabelValues(string(out)).Inc()
}

func (m *Metrics) workerStarted() {
	if m != nil {
		m.workersActive.Inc()
	}
}

func (m *Metrics) workerDone() {
	if m != nil {
		m.workersActive.Dec()
	}
}

func (m *Metrics) panicked() {
	if m != nil {
		m.panics.Inc()
	}
}
