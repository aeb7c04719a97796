package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/domain"
	"handoff/internal/engine"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	items      []domain.Item
	claimed    map[string]bool
	lose       map[string]bool
	panicOn    string
	hold       chan struct{}
	active     int32
	maxActive  int32
	attempts   map[string]int
	recovered  int
	recoverErr error
}

func newFake(n int) *fakeLifecycle {
	f := &fakeLifecycle{claimed: map[string]bool{}, lose: map[string]bool{}, attempts: map[string]int{}}
	for i := 0; i < n; i++ {
		f.items = append(f.items, domain.Item{ID: fmt.Sprintf("item-%d", i), Location: domain.LocNeedsAction})
	}
	return f
}

func (f *fakeLifecycle) Candidates(ctx context.Context, role domain.Role, limit int) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Item
	for _, it := range f.items {
		if f.attempts[it.ID] == 0 {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeLifecycle) Claim(ctx context.Context, id string, role domain.Role) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lose[id] || f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeLifecycle) RunAttempt(ctx context.Context, id string, role domain.Role) (engine.Outcome, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}
	if id == f.panicOn {
		panic("boom")
	}
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	f.attempts[id]++
	f.mu.Unlock()
	return engine.OutcomeCompleted, nil
}

func (f *fakeLifecycle) RecoverInterrupted(ctx context.Context, role domain.Role) (int, error) {
	f.recovered++
	return 0, f.recoverErr
}

func (f *fakeLifecycle) attemptCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func TestScanRespectsWorkerLimit(t *testing.T) {
	f := newFake(10)
	f.hold = make(chan struct{})
	reg := prometheus.NewRegistry()
	d := New(f, Config{Role: domain.RoleCloud, Workers: 3}, nil, MustNewMetrics(reg))

	started, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, started, "scan should stop once the pool is full")

	again, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again, "no free slot while workers are blocked")

	close(f.hold)
	d.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&f.maxActive), int32(3))

	for {
		n, err := d.Scan(context.Background())
		require.NoError(t, err)
		d.Wait()
		if n == 0 {
			break
		}
	}
	for _, it := range f.items {
		assert.Equal(t, 1, f.attemptCount(it.ID), it.ID)
	}
	assert.Equal(t, float64(10), testutil.ToFloat64(d.metrics.claims.WithLabelValues("won")))
	assert.Equal(t, float64(10), testutil.ToFloat64(d.metrics.attempts.WithLabelValues("completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(d.metrics.workersActive))
}

func TestLostClaimIsSkipped(t *testing.T) {
	f := newFake(2)
	f.lose["item-0"] = true
	d := New(f, Config{Role: domain.RoleLocal, Workers: 2}, nil, MustNewMetrics(prometheus.NewRegistry()))
	_, err := d.Scan(context.Background())
	require.NoError(t, err)
	d.Wait()
	assert.Equal(t, 0, f.attemptCount("item-0"))
	assert.Equal(t, 1, f.attemptCount("item-1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(d.metrics.claims.WithLabelValues("lost")))
}

func TestOwnedItemsSkipClaim(t *testing.T) {
	f := newFake(0)
	f.items = []domain.Item{{ID: "retry", Location: domain.ClaimedBy(domain.RoleLocal)}}
	f.lose["retry"] = true
	d := New(f, Config{Role: domain.RoleLocal, Workers: 1}, nil, nil)
	_, err := d.Scan(context.Background())
	require.NoError(t, err)
	d.Wait()
	assert.Equal(t, 1, f.attemptCount("retry"))
}

func TestWorkerPanicDoesNotAffectOthers(t *testing.T) {
	f := newFake(3)
	f.panicOn = "item-1"
	d := New(f, Config{Role: domain.RoleCloud, Workers: 3}, nil, MustNewMetrics(prometheus.NewRegistry()))
	_, err := d.Scan(context.Background())
	require.NoError(t, err)
	d.Wait()
	assert.Equal(t, 1, f.attemptCount("item-0"))
	assert.Equal(t, 1, f.attemptCount("item-2"))
	assert.Equal(t, float64(1), testutil.ToFloat64(d.metrics.panics))
}

func TestRunWaitsForInFlightOnShutdown(t *testing.T) {
	f := newFake(1)
	f.hold = make(chan struct{})
	d := New(f, Config{Role: domain.RoleCloud, Workers: 1, PollInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&f.active) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while an attempt was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.hold)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.attemptCount("item-0"))
	assert.Equal(t, 1, f.recovered)
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := MustNewMetrics(reg)
	m2 := MustNewMetrics(reg)
	m1.claim(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m2.claims.WithLabelValues("won")))
}
