package repo_test

import (
	"context"
	"testing"

	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/history"
	"handoff/internal/migrate"
	"handoff/internal/repo"
)

const ts0 = "2024-01-01T00:00:00.000000000Z"

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, ctx
}

func seed(t *testing.T, r repo.Repo, ctx context.Context, id string) domain.Item {
	t.Helper()
	it := domain.Item{
		ID: id, Kind: "correspondence", Title: "t", Location: domain.LocNeedsAction,
		Metadata: map[string]string{"from": "a@example.com"}, CreatedAt: ts0, UpdatedAt: ts0,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertItem(ctx, tx, it); err != nil {
		t.Fatal(err)
	}
	if err := (history.Writer{}).Append(ctx, tx, domain.Transition{ItemID: id, TS: ts0, To: domain.StateDiscovered, Actor: "watcher"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return it
}

func TestMoveIsConditional(t *testing.T) {
	r, ctx := newRepo(t)
	seed(t, r, ctx, "a")
	role := domain.RoleCloud

	tx, _ := r.DB.BeginTx(ctx, nil)
	ok, err := r.Move(ctx, tx, "a", domain.LocNeedsAction, domain.ClaimedBy(role), repo.Change{Owner: &role, UpdatedAt: ts0})
	if err != nil || !ok {
		t.Fatalf("first move: ok=%v err=%v", ok, err)
	}
	ok, err = r.Move(ctx, tx, "a", domain.LocNeedsAction, domain.ClaimedBy(domain.RoleLocal), repo.Change{UpdatedAt: ts0})
	if err != nil || ok {
		t.Fatalf("second move from stale location should lose: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Move(ctx, tx, "missing", domain.LocNeedsAction, domain.LocDone, repo.Change{UpdatedAt: ts0}); ok || err != nil {
		t.Fatalf("missing item: ok=%v err=%v", ok, err)
	}
	if _, err := r.Move(ctx, tx, "a", domain.ClaimedBy(role), domain.ActingBy(role), repo.Change{AttemptDelta: -1, UpdatedAt: ts0}); err == nil {
		t.Fatalf("negative attempt delta must fail")
	}
	payload := &domain.Payload{Tool: "reply", Args: []domain.Arg{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}}
	if ok, err := r.Move(ctx, tx, "a", domain.ClaimedBy(role), domain.ActingBy(role), repo.Change{AttemptDelta: 1, Payload: payload, UpdatedAt: ts0}); !ok || err != nil {
		t.Fatalf("acting move: ok=%v err=%v", ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	it, err := r.GetItem(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if it.Location != domain.ActingBy(role) || it.Owner != role || it.AttemptCount != 1 {
		t.Fatalf("unexpected item %+v", it)
	}
	if it.Payload.Args[0].Name != "b" || it.Metadata["from"] != "a@example.com" {
		t.Fatalf("payload order or metadata lost: %+v %+v", it.Payload, it.Metadata)
	}
}

func TestHistoryAndAuditAreAppendOnly(t *testing.T) {
	r, ctx := newRepo(t)
	seed(t, r, ctx, "a")
	if _, err := r.DB.ExecContext(ctx, `UPDATE item_history SET reason='x'`); err == nil {
		t.Fatalf("history update should be refused")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM item_history`); err == nil {
		t.Fatalf("history delete should be refused")
	}
	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := r.InsertAudit(ctx, tx, domain.AuditRecord{TS: ts0, ItemID: "a", Role: domain.RoleLocal, Action: "reply", Input: []domain.Arg{{Name: "to", Value: "x"}}, Result: domain.AuditSuccess, Attempt: 1, Terminal: true}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM audit_records`); err == nil {
		t.Fatalf("audit delete should be refused")
	}
	recs, err := r.ListAudit(ctx, repo.AuditFilters{ItemID: "a"})
	if err != nil || len(recs) != 1 || !recs[0].Terminal || recs[0].Input[0].Name != "to" {
		t.Fatalf("unexpected audit %+v err=%v", recs, err)
	}
}

func TestListItemsFilters(t *testing.T) {
	r, ctx := newRepo(t)
	seed(t, r, ctx, "a")
	seed(t, r, ctx, "b")
	role := domain.RoleLocal
	tx, _ := r.DB.BeginTx(ctx, nil)
	if ok, err := r.Move(ctx, tx, "b", domain.LocNeedsAction, domain.ClaimedBy(role), repo.Change{Owner: &role, UpdatedAt: ts0}); !ok || err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit()
	items, err := r.ListItems(ctx, repo.ItemFilters{LocationPrefix: "claimed/"})
	if err != nil || len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("prefix filter: %+v err=%v", items, err)
	}
	counts, err := r.CountByLocation(ctx)
	if err != nil || counts[domain.LocNeedsAction] != 1 || counts[domain.ClaimedBy(role)] != 1 {
		t.Fatalf("counts %+v err=%v", counts, err)
	}
	if _, err := r.GetItem(ctx, "zzz"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyRecord(t *testing.T) {
	r, ctx := newRepo(t)
	local := seed(t, r, ctx, "a")

	snap, err := r.Snapshot(ctx)
	if err != nil || len(snap["a"].History) != 1 {
		t.Fatalf("snapshot %+v err=%v", snap, err)
	}

	remote := snap["a"]
	remote.Item.Location = domain.LocDone
	remote.Item.UpdatedAt = "2024-01-01T00:00:05.000000000Z"
	remote.History = append(remote.History, domain.Transition{TS: remote.Item.UpdatedAt, From: domain.StateDiscovered, To: domain.StateCompleted, Actor: "local"})

	stale := local
	stale.Location = domain.LocPendingApproval
	if ok, err := r.ApplyRecord(ctx, remote, &stale); ok || err != nil {
		t.Fatalf("stale expectation should be skipped: ok=%v err=%v", ok, err)
	}
	if ok, err := r.ApplyRecord(ctx, remote, &local); !ok || err != nil {
		t.Fatalf("apply: ok=%v err=%v", ok, err)
	}
	rec, err := r.Record(ctx, "a")
	if err != nil || rec.Item.Location != domain.LocDone || len(rec.History) != 2 {
		t.Fatalf("applied record %+v err=%v", rec, err)
	}
	if ok, err := r.ApplyRecord(ctx, remote, nil); ok || err != nil {
		t.Fatalf("insert over existing id should be skipped: ok=%v err=%v", ok, err)
	}
	fresh := domain.ItemRecord{
		Item:    domain.Item{ID: "b", Kind: "social-post", Location: domain.LocNeedsAction, CreatedAt: ts0, UpdatedAt: ts0},
		History: []domain.Transition{{TS: ts0, To: domain.StateDiscovered, Actor: "watcher"}},
	}
	if ok, err := r.ApplyRecord(ctx, fresh, nil); !ok || err != nil {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
}

func TestRekeyMovesHistoryAndStoresReplacement(t *testing.T) {
	r, ctx := newRepo(t)
	local := seed(t, r, ctx, "a")

	replacement := domain.ItemRecord{
		Item:    domain.Item{ID: "a", Kind: "social-post", Location: domain.LocNeedsAction, CreatedAt: ts0, UpdatedAt: ts0},
		History: []domain.Transition{{TS: "2024-01-01T00:00:01.000000000Z", To: domain.StateDiscovered, Actor: "cloud"}},
	}
	stale := local
	stale.UpdatedAt = "2030-01-01T00:00:00.000000000Z"
	if ok, err := r.Rekey(ctx, stale, "a-dup", &replacement); ok || err != nil {
		t.Fatalf("stale rekey should be skipped: ok=%v err=%v", ok, err)
	}
	if ok, err := r.Rekey(ctx, local, "a-dup", &replacement); !ok || err != nil {
		t.Fatalf("rekey: ok=%v err=%v", ok, err)
	}
	dup, err := r.Record(ctx, "a-dup")
	if err != nil || dup.Item.DuplicateOf != "a" || dup.Item.Kind != "correspondence" || len(dup.History) != 1 || dup.History[0].Actor != "watcher" {
		t.Fatalf("duplicate %+v err=%v", dup, err)
	}
	orig, err := r.Record(ctx, "a")
	if err != nil || orig.Item.Kind != "social-post" || len(orig.History) != 1 || orig.History[0].Actor != "cloud" {
		t.Fatalf("replacement %+v err=%v", orig, err)
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM item_history WHERE item_id='a'`); err == nil {
		t.Fatalf("history must be append-only again after rekey")
	}
}

func TestHistoryAppendAddsOneRowPerCall(t *testing.T) {
	r, ctx := newRepo(t)
	seed(t, r, ctx, "a")
	again := domain.Transition{ItemID: "a", TS: ts0, To: domain.StateDiscovered, Actor: "watcher"}

	tx, _ := r.DB.BeginTx(ctx, nil)
	if err := (history.Writer{}).Append(ctx, tx, again); err == nil {
		t.Fatalf("expected a repeated transition to be refused")
	}
	tx.Rollback()

	tx, _ = r.DB.BeginTx(ctx, nil)
	if err := (history.Writer{}).Union(ctx, tx, again); err != nil {
		t.Fatalf("union: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	hist, err := history.For(ctx, r.DB, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
}

func TestSummarizeAuditCountsSince(t *testing.T) {
	r, ctx := newRepo(t)
	seed(t, r, ctx, "a")
	seed(t, r, ctx, "b")

	tx, _ := r.DB.BeginTx(ctx, nil)
	for _, rec := range []domain.AuditRecord{
		{TS: "2023-12-31T00:00:00.000000000Z", ItemID: "a", Role: domain.RoleCloud, Action: "reply", Result: domain.AuditSuccess, Attempt: 1},
		{TS: "2024-01-02T00:00:00.000000000Z", ItemID: "a", Role: domain.RoleLocal, Action: "reply", Result: domain.AuditSuccess, Attempt: 1},
		{TS: "2024-01-03T00:00:00.000000000Z", ItemID: "b", Role: domain.RoleLocal, Action: "reply", Result: domain.AuditSuccess, Attempt: 1},
		{TS: "2024-01-03T00:00:01.000000000Z", ItemID: "b", Role: domain.RoleCloud, Action: "post_payment", Result: domain.AuditFailure, Attempt: 2},
	} {
		if err := r.InsertAudit(ctx, tx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	sum, err := r.SummarizeAudit(ctx, ts0)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 3 {
		t.Fatalf("total = %d, want 3", sum.Total)
	}
	if len(sum.Actions) != 2 || sum.Actions[0].Action != "reply" || sum.Actions[0].Count != 2 {
		t.Fatalf("actions = %+v", sum.Actions)
	}
	if sum.Actions[1].Result != domain.AuditFailure {
		t.Fatalf("second row = %+v", sum.Actions[1])
	}
	if sum.Locations[domain.LocNeedsAction] != 2 {
		t.Fatalf("locations = %v", sum.Locations)
	}
}
