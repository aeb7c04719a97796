package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/faults"
	"handoff/internal/migrate"
	"handoff/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so history entries are strictly ordered.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scriptedReasoner struct {
	mu        sync.Mutex
	proposal  engine.Proposal
	err       error
	calls     int
	turnLimit int
}

func (r *scriptedReasoner) Reason(ctx context.Context, it domain.Item, turnLimit int) (engine.Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.turnLimit = turnLimit
	return r.proposal, r.err
}

type scriptedExecutor struct {
	mu    sync.Mutex
	fails int
	err   error
	calls []domain.Payload
}

func (x *scriptedExecutor) Execute(ctx context.Context, action domain.Payload) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, action)
	if len(x.calls) <= x.fails {
		return "", x.err
	}
	return "sent", nil
}

func (x *scriptedExecutor) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.calls)
}

type testEnv struct {
	DB    *sql.DB
	Clock *clock
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{DB: conn, Clock: newClock(), Ctx: context.Background()}
}

func (env testEnv) engine(role domain.Role, r engine.Reasoner, x engine.Executor) engine.Engine {
	eng := engine.New(env.DB, config.DefaultFor(role))
	eng.Now = env.Clock.Now
	eng.Reasoner = r
	eng.Actions = x
	return eng
}

func (env testEnv) record(t *testing.T, id string) domain.ItemRecord {
	t.Helper()
	rec, err := repo.Repo{DB: env.DB}.Record(env.Ctx, id)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	if got := domain.ActingCount(rec.History); got != rec.Item.AttemptCount {
		t.Fatalf("attempt_count %d != acting transitions %d", rec.Item.AttemptCount, got)
	}
	return rec
}

func discover(t *testing.T, env testEnv, eng engine.Engine, kind string) domain.Item {
	t.Helper()
	it, err := eng.Discover(env.Ctx, engine.NewItem{Kind: kind, Title: "hello", Body: "Can you confirm the meeting?"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	return it
}

func mustClaim(t *testing.T, env testEnv, eng engine.Engine, id string, role domain.Role) {
	t.Helper()
	ok, err := eng.Claim(env.Ctx, id, role)
	if err != nil || !ok {
		t.Fatalf("claim %s by %s: ok=%v err=%v", id, role, ok, err)
	}
}

func replyProposal() engine.Proposal {
	return engine.Proposal{Action: &domain.Payload{Tool: "reply", Args: []domain.Arg{
		{Name: "to", Value: "client@example.com"},
		{Name: "body", Value: "Confirmed."},
	}}}
}

func TestCloudDraftsReplyForApproval(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: replyProposal()}
	exec := &scriptedExecutor{}
	cloud := env.engine(domain.RoleCloud, reasoner, exec)

	it := discover(t, env, cloud, "correspondence")
	mustClaim(t, env, cloud, it.ID, domain.RoleCloud)
	out, err := cloud.RunAttempt(env.Ctx, it.ID, domain.RoleCloud)
	if err != nil {
		t.Fatalf("run attempt: %v", err)
	}
	if out != engine.OutcomeAwaitingApproval {
		t.Fatalf("expected awaiting approval, got %s", out)
	}
	rec := env.record(t, it.ID)
	if rec.Item.State() != domain.StateAwaitingApproval || rec.Item.Location != domain.LocPendingApproval {
		t.Fatalf("unexpected location %s", rec.Item.Location)
	}
	if rec.Item.Payload == nil || rec.Item.Payload.Tool != "reply" {
		t.Fatalf("payload not persisted: %+v", rec.Item.Payload)
	}
	if rec.Item.Payload.Args[0].Name != "to" || rec.Item.Payload.Args[1].Name != "body" {
		t.Fatalf("argument order lost: %+v", rec.Item.Payload.Args)
	}
	if rec.Item.Owner != "" {
		t.Fatalf("owner should be cleared, got %s", rec.Item.Owner)
	}
	if exec.count() != 0 {
		t.Fatalf("send action executed on draft-only role")
	}
	audit, err := cloud.Repo.ListAudit(env.Ctx, repo.AuditFilters{ItemID: it.ID})
	if err != nil || len(audit) != 1 || audit[0].Result != domain.AuditApprovalRequired {
		t.Fatalf("unexpected audit: %+v err=%v", audit, err)
	}
}

func TestApprovedPayloadReplaysOnLocal(t *testing.T) {
	env := newTestEnv(t)
	cloudReasoner := &scriptedReasoner{proposal: replyProposal()}
	cloud := env.engine(domain.RoleCloud, cloudReasoner, &scriptedExecutor{})
	localReasoner := &scriptedReasoner{err: errors.New("must not be called")}
	localExec := &scriptedExecutor{}
	local := env.engine(domain.RoleLocal, localReasoner, localExec)

	it := discover(t, env, cloud, "correspondence")
	mustClaim(t, env, cloud, it.ID, domain.RoleCloud)
	if _, err := cloud.RunAttempt(env.Ctx, it.ID, domain.RoleCloud); err != nil {
		t.Fatal(err)
	}
	if _, err := cloud.Approve(env.Ctx, it.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, _ := cloud.Claim(env.Ctx, it.ID, domain.RoleCloud); ok {
		t.Fatalf("draft-only role must not claim an approved send action")
	}
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeCompleted {
		t.Fatalf("expected completed, got %s err=%v", out, err)
	}
	if localReasoner.calls != 0 {
		t.Fatalf("reasoner re-invoked for approved payload")
	}
	if len(localExec.calls) != 1 || localExec.calls[0].Tool != "reply" || localExec.calls[0].Args[1].Value != "Confirmed." {
		t.Fatalf("executed action differs from reviewed payload: %+v", localExec.calls)
	}
	rec := env.record(t, it.ID)
	if rec.Item.Location != domain.LocDone {
		t.Fatalf("expected done, got %s", rec.Item.Location)
	}
	var sawApprovedClaim bool
	for _, tr := range rec.History {
		if tr.From == domain.StateAwaitingApproval && tr.To == domain.StateClaimed && tr.Actor == string(domain.RoleLocal) {
			sawApprovedClaim = true
		}
	}
	if !sawApprovedClaim {
		t.Fatalf("history missing awaiting_approval -> claimed: %+v", rec.History)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "label_email", Args: []domain.Arg{{Name: "label", Value: "followup"}}}}}
	exec := &scriptedExecutor{fails: 2, err: faults.Transient(errors.New("smtp timeout"))}
	local := env.engine(domain.RoleLocal, reasoner, exec)

	it := discover(t, env, local, "correspondence")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	want := []engine.Outcome{engine.OutcomeRetry, engine.OutcomeRetry, engine.OutcomeCompleted}
	for i, w := range want {
		out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
		if err != nil || out != w {
			t.Fatalf("attempt %d: got %s err=%v, want %s", i+1, out, err, w)
		}
	}
	rec := env.record(t, it.ID)
	if rec.Item.Location != domain.LocDone || rec.Item.AttemptCount != 3 {
		t.Fatalf("unexpected end state %s attempts=%d", rec.Item.Location, rec.Item.AttemptCount)
	}
	retries := 0
	for _, tr := range rec.History {
		if tr.From == domain.StateFailed && tr.To == domain.StateClaimed {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("expected two failed->claimed cycles, got %d", retries)
	}
	last := rec.History[len(rec.History)-1]
	if last.To != domain.StateCompleted {
		t.Fatalf("last transition %s", last.To)
	}
}

func TestMaxAttemptsExceeded(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "label_email"}}}
	exec := &scriptedExecutor{fails: 4, err: errors.New("connection reset")}
	local := env.engine(domain.RoleLocal, reasoner, exec)

	it := discover(t, env, local, "correspondence")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	want := []engine.Outcome{engine.OutcomeRetry, engine.OutcomeRetry, engine.OutcomeRejected, engine.OutcomeSkipped}
	for i, w := range want {
		out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
		if err != nil || out != w {
			t.Fatalf("attempt %d: got %s err=%v, want %s", i+1, out, err, w)
		}
	}
	if exec.count() != 3 {
		t.Fatalf("expected 3 executions, got %d", exec.count())
	}
	rec := env.record(t, it.ID)
	if rec.Item.Location != domain.LocRejected || rec.Item.Owner != "" {
		t.Fatalf("expected rejected and unowned, got %s owner=%s", rec.Item.Location, rec.Item.Owner)
	}
	last := rec.History[len(rec.History)-1]
	if last.Reason != "max_attempts_exceeded" {
		t.Fatalf("expected max_attempts_exceeded, got %q", last.Reason)
	}
	audit, _ := local.Repo.ListAudit(env.Ctx, repo.AuditFilters{ItemID: it.ID})
	if len(audit) != 3 || !audit[2].Terminal || audit[2].Attempt != 3 {
		t.Fatalf("unexpected audit trail: %+v", audit)
	}
	if ok, err := local.Claim(env.Ctx, it.ID, domain.RoleLocal); ok || err != nil {
		t.Fatalf("rejected item must not be claimable: ok=%v err=%v", ok, err)
	}
}

func TestMonetaryThresholdOverridesRole(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "post_payment", Args: []domain.Arg{
		{Name: "payee", Value: "ACME"},
		{Name: "amount", Value: 750},
	}}}}
	exec := &scriptedExecutor{}
	local := env.engine(domain.RoleLocal, reasoner, exec)

	it := discover(t, env, local, "finance-action")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeAwaitingApproval {
		t.Fatalf("expected awaiting approval, got %s err=%v", out, err)
	}
	if exec.count() != 0 {
		t.Fatalf("payment over threshold executed")
	}
	rec := env.record(t, it.ID)
	if last := rec.History[len(rec.History)-1]; last.Reason != "monetary_limit:amount" {
		t.Fatalf("unexpected reason %q", last.Reason)
	}

	if _, err := local.Approve(env.Ctx, it.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err = local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeCompleted || exec.count() != 1 {
		t.Fatalf("approved payment should execute once: %s err=%v calls=%d", out, err, exec.count())
	}
}

func TestConcurrentClaimsHaveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	cloud := env.engine(domain.RoleCloud, nil, nil)
	local := env.engine(domain.RoleLocal, nil, nil)
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, discover(t, env, cloud, "correspondence").ID)
	}
	for _, id := range ids {
		var wins int32
		var winner atomic.Value
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			eng, role := cloud, domain.RoleCloud
			if i%2 == 1 {
				eng, role = local, domain.RoleLocal
			}
			wg.Add(1)
			go func(eng engine.Engine, role domain.Role) {
				defer wg.Done()
				ok, err := eng.Claim(env.Ctx, id, role)
				if err != nil {
					t.Errorf("claim returned error: %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
					winner.Store(role)
				}
			}(eng, role)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("item %s claimed %d times", id, wins)
		}
		rec := env.record(t, id)
		if rec.Item.Owner != winner.Load().(domain.Role) || rec.Item.Location != domain.ClaimedBy(rec.Item.Owner) {
			t.Fatalf("owner %s location %s winner %v", rec.Item.Owner, rec.Item.Location, winner.Load())
		}
	}
}

func TestClaimMissingOrTakenReturnsFalse(t *testing.T) {
	env := newTestEnv(t)
	cloud := env.engine(domain.RoleCloud, nil, nil)
	local := env.engine(domain.RoleLocal, nil, nil)
	if ok, err := cloud.Claim(env.Ctx, "nope", domain.RoleCloud); ok || err != nil {
		t.Fatalf("missing item: ok=%v err=%v", ok, err)
	}
	it := discover(t, env, cloud, "correspondence")
	mustClaim(t, env, cloud, it.ID, domain.RoleCloud)
	if ok, err := local.Claim(env.Ctx, it.ID, domain.RoleLocal); ok || err != nil {
		t.Fatalf("taken item: ok=%v err=%v", ok, err)
	}
	if ok, err := cloud.Claim(env.Ctx, it.ID, domain.RoleCloud); ok || err != nil {
		t.Fatalf("re-claim: ok=%v err=%v", ok, err)
	}
	wa := discover(t, env, cloud, "whatsapp_chat")
	if ok, _ := cloud.Claim(env.Ctx, wa.ID, domain.RoleCloud); ok {
		t.Fatalf("kind routed to local claimed by cloud")
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "create_invoice", Args: []domain.Arg{{Name: "amount", Value: "12"}}}}}
	exec := &scriptedExecutor{fails: 1, err: faults.Permanent(errors.New("unknown customer"))}
	local := env.engine(domain.RoleLocal, reasoner, exec)
	it := discover(t, env, local, "finance-action")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeRejected {
		t.Fatalf("expected rejected, got %s err=%v", out, err)
	}
	rec := env.record(t, it.ID)
	if last := rec.History[len(rec.History)-1]; last.Reason != "permanent_failure" || rec.Item.AttemptCount != 1 {
		t.Fatalf("unexpected %q attempts=%d", last.Reason, rec.Item.AttemptCount)
	}
}

func TestDeniedActionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "wire_transfer"}}}
	exec := &scriptedExecutor{}
	local := env.engine(domain.RoleLocal, reasoner, exec)
	it := discover(t, env, local, "correspondence")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeRejected || exec.count() != 0 {
		t.Fatalf("expected rejection without execution: %s err=%v", out, err)
	}
	rec := env.record(t, it.ID)
	if last := rec.History[len(rec.History)-1]; last.Reason != "capability_denied" {
		t.Fatalf("unexpected reason %q", last.Reason)
	}
}

func TestTurnLimitIsExplicitAndExceedingFails(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{err: faults.Transient(faults.ErrTurnLimitExceeded)}
	local := env.engine(domain.RoleLocal, reasoner, &scriptedExecutor{})
	local.Config.Lifecycle.TurnLimit = 4
	it := discover(t, env, local, "correspondence")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	out, err := local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	if err != nil || out != engine.OutcomeRetry {
		t.Fatalf("expected retry, got %s err=%v", out, err)
	}
	if reasoner.turnLimit != 4 {
		t.Fatalf("turn limit not passed: %d", reasoner.turnLimit)
	}
	rec := env.record(t, it.ID)
	var sawFailed bool
	for _, tr := range rec.History {
		if tr.To == domain.StateFailed && tr.Reason == "turn_limit_exceeded" {
			sawFailed = true
		}
	}
	if !sawFailed || rec.Item.Location != domain.ClaimedBy(domain.RoleLocal) || rec.Item.Owner != domain.RoleLocal {
		t.Fatalf("unexpected state %s owner=%s history=%+v", rec.Item.Location, rec.Item.Owner, rec.History)
	}
}

func TestCompletedWithoutAction(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Result: "nothing to do"}}
	cloud := env.engine(domain.RoleCloud, reasoner, &scriptedExecutor{})
	it := discover(t, env, cloud, "social-post")
	mustClaim(t, env, cloud, it.ID, domain.RoleCloud)
	if out, err := cloud.RunAttempt(env.Ctx, it.ID, domain.RoleCloud); err != nil || out != engine.OutcomeCompleted {
		t.Fatalf("got %s err=%v", out, err)
	}
}

func TestReviewerRejectsAndTimeoutExpires(t *testing.T) {
	env := newTestEnv(t)
	cloud := env.engine(domain.RoleCloud, &scriptedReasoner{proposal: replyProposal()}, &scriptedExecutor{})
	cloud.Config.Lifecycle.ApprovalTimeout = time.Hour

	draft := func() string {
		it := discover(t, env, cloud, "correspondence")
		mustClaim(t, env, cloud, it.ID, domain.RoleCloud)
		if out, err := cloud.RunAttempt(env.Ctx, it.ID, domain.RoleCloud); err != nil || out != engine.OutcomeAwaitingApproval {
			t.Fatalf("draft: %s %v", out, err)
		}
		return it.ID
	}
	first, second := draft(), draft()

	it, err := cloud.Reject(env.Ctx, first, "alice", "")
	if err != nil || it.Location != domain.LocRejected {
		t.Fatalf("reject: %+v err=%v", it, err)
	}
	if _, err := cloud.Reject(env.Ctx, first, "alice", ""); !errors.Is(err, engine.ErrNotAwaitingApproval) {
		t.Fatalf("expected ErrNotAwaitingApproval, got %v", err)
	}

	if n, err := cloud.ExpireApprovals(env.Ctx); err != nil || n != 0 {
		t.Fatalf("nothing should expire yet: n=%d err=%v", n, err)
	}
	env.Clock.Advance(2 * time.Hour)
	if n, err := cloud.ExpireApprovals(env.Ctx); err != nil || n != 1 {
		t.Fatalf("expected one expiry: n=%d err=%v", n, err)
	}
	rec := env.record(t, second)
	if last := rec.History[len(rec.History)-1]; rec.Item.Location != domain.LocRejected || last.Reason != "approval_timeout" {
		t.Fatalf("unexpected %s %q", rec.Item.Location, last.Reason)
	}
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, domain.Payload) (string, error) {
	panic("integration crashed")
}

func TestRecoverInterruptedAttempt(t *testing.T) {
	env := newTestEnv(t)
	reasoner := &scriptedReasoner{proposal: engine.Proposal{Action: &domain.Payload{Tool: "label_email"}}}
	local := env.engine(domain.RoleLocal, reasoner, panicExecutor{})
	it := discover(t, env, local, "correspondence")
	mustClaim(t, env, local, it.ID, domain.RoleLocal)
	func() {
		defer func() { _ = recover() }()
		_, _ = local.RunAttempt(env.Ctx, it.ID, domain.RoleLocal)
	}()
	if rec := env.record(t, it.ID); rec.Item.Location != domain.ActingBy(domain.RoleLocal) {
		t.Fatalf("expected item left acting, got %s", rec.Item.Location)
	}
	n, err := local.RecoverInterrupted(env.Ctx, domain.RoleLocal)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	rec := env.record(t, it.ID)
	if rec.Item.Location != domain.ClaimedBy(domain.RoleLocal) || rec.Item.AttemptCount != 1 {
		t.Fatalf("unexpected %s attempts=%d", rec.Item.Location, rec.Item.AttemptCount)
	}
}

func TestDiscoverIsIdempotentPerSource(t *testing.T) {
	env := newTestEnv(t)
	cloud := env.engine(domain.RoleCloud, nil, nil)
	a, err := cloud.Discover(env.Ctx, engine.NewItem{Kind: "gmail_message", Source: "msg-123"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := cloud.Discover(env.Ctx, engine.NewItem{Kind: "gmail_message", Source: "msg-123"})
	if err != nil || a.ID != b.ID {
		t.Fatalf("expected same item, got %s vs %s err=%v", a.ID, b.ID, err)
	}
	rec := env.record(t, a.ID)
	if len(rec.History) != 1 || rec.History[0].From != "" || rec.History[0].To != domain.StateDiscovered {
		t.Fatalf("unexpected creation history %+v", rec.History)
	}
	if _, err := cloud.Discover(env.Ctx, engine.NewItem{}); err == nil {
		t.Fatalf("expected kind required error")
	}
}
