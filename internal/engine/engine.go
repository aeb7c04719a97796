package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine/gate"
	"handoff/internal/history"
	"handoff/internal/repo"
)

var (
	// ErrNotAwaitingApproval is returned by review operations on items outside pending_approval.
	ErrNotAwaitingApproval = errors.New("item is not awaiting approval")
	// ErrMovedConcurrently is returned when an item left the location an operation expected it at.
	ErrMovedConcurrently = errors.New("item moved concurrently")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	History  history.Writer
	Config   *config.Config
	Policy   *gate.Policy
	Reasoner Reasoner
	Actions  Executor
	Log      *slog.Logger
	Security *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Policy:   gate.New(cfg),
		Log:      slog.Default(),
		Security: slog.Default().With("stream", "security"),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) security() *slog.Logger {
	if e.Security != nil {
		return e.Security
	}
	return slog.Default().With("stream", "security")
}

// NewItem is what a discovery collaborator submits.
type NewItem struct {
	ID       string
	Kind     string
	Source   string
	Title    string
	Body     string
	Metadata map[string]string
	Actor    string
}

// Discover stores a new item at needs_action together with its creation
// transition. Items derived from the same (kind, source) get the same id, so
// resubmitting a source returns the stored item instead of a copy.
func (e Engine) Discover(ctx context.Context, in NewItem) (domain.Item, error) {
	if in.Kind == "" {
		return domain.Item{}, errors.New("kind is required")
	}
	id := in.ID
	if id == "" {
		if in.Source != "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(in.Kind+"|"+in.Source)).String()
		} else {
			id = uuid.NewString()
		}
	}
	actor := in.Actor
	if actor == "" {
		actor = "watcher"
	}
	existing, err := e.Repo.GetItem(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Item{}, err
	}
	ts := domain.FormatTime(e.now())
	it := domain.Item{
		ID:        id,
		Kind:      in.Kind,
		Source:    in.Source,
		Title:     in.Title,
		Body:      in.Body,
		Metadata:  in.Metadata,
		Location:  domain.LocNeedsAction,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.History.Append(ctx, tx, domain.Transition{ItemID: id, TS: ts, To: domain.StateDiscovered, Actor: actor, Reason: "discovered"}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// Claim moves an item from needs_action or approved to claimed/<role>.
// Losing the race, or finding the item not claimable by role, returns false.
// The read only filters candidates; the conditional move is what decides the race.
func (e Engine) Claim(ctx context.Context, id string, role domain.Role) (bool, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.Claimable(it, role) {
		return false, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.relocate(ctx, tx, it, domain.ClaimedBy(role), string(role), "claim", repo.Change{Owner: &role}, domain.FormatTime(e.now()))
	if err != nil || !ok {
		return false, err
	}
	return true, tx.Commit()
}

// Claimable reports whether role may claim it right now.
func (e Engine) Claimable(it domain.Item, role domain.Role) bool {
	switch it.Location {
	case domain.LocNeedsAction:
		return it.Owner == "" && e.Config.Routes(it.Kind, role)
	case domain.LocApproved:
		return it.Payload != nil && e.Policy.AuthorizeApproved(role, it.Payload.Tool, it.Payload.Args) == gate.Allow
	}
	return false
}

// Candidates lists the items the role's dispatcher should work on: its own
// claimed items first, then approved items it may execute, then new items routed to it.
func (e Engine) Candidates(ctx context.Context, role domain.Role, limit int) ([]domain.Item, error) {
	var out []domain.Item
	for _, loc := range []string{domain.ClaimedBy(role), domain.LocApproved, domain.LocNeedsAction} {
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{Location: loc, Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if loc != domain.ClaimedBy(role) && !e.Claimable(it, role) {
				continue
			}
			out = append(out, it)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Approve records a human approval: pending_approval -> approved.
func (e Engine) Approve(ctx context.Context, id, actor string) (domain.Item, error) {
	if actor == "" {
		return domain.Item{}, errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return domain.Item{}, err
	}
	if it.Location != domain.LocPendingApproval {
		return domain.Item{}, fmt.Errorf("%w: %s is at %s", ErrNotAwaitingApproval, id, it.Location)
	}
	if it.Payload == nil {
		return domain.Item{}, fmt.Errorf("item %s has no drafted payload", id)
	}
	ts := domain.FormatTime(e.now())
	ok, err := e.relocate(ctx, tx, it, domain.LocApproved, actor, "approved", repo.Change{ApprovedBy: &actor}, ts)
	if err != nil {
		return domain.Item{}, err
	}
	if !ok {
		return domain.Item{}, ErrMovedConcurrently
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	it.Location, it.ApprovedBy, it.UpdatedAt = domain.LocApproved, actor, ts
	return it, nil
}

// Reject moves an item awaiting approval to rejected.
func (e Engine) Reject(ctx context.Context, id, actor, reason string) (domain.Item, error) {
	if actor == "" {
		return domain.Item{}, errors.New("actor is required")
	}
	if reason == "" {
		reason = "rejected_by_reviewer"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return domain.Item{}, err
	}
	if it.State() != domain.StateAwaitingApproval {
		return domain.Item{}, fmt.Errorf("%w: %s is at %s", ErrNotAwaitingApproval, id, it.Location)
	}
	it, err = e.rejectTx(ctx, tx, it, actor, reason)
	if err != nil {
		return domain.Item{}, err
	}
	return it, tx.Commit()
}

func (e Engine) rejectTx(ctx context.Context, tx *sql.Tx, it domain.Item, actor, reason string) (domain.Item, error) {
	ts := domain.FormatTime(e.now())
	none := domain.Role("")
	ok, err := e.relocate(ctx, tx, it, domain.LocRejected, actor, reason, repo.Change{Owner: &none}, ts)
	if err != nil {
		return it, err
	}
	if !ok {
		return it, ErrMovedConcurrently
	}
	rec := domain.AuditRecord{
		TS:       ts,
		ItemID:   it.ID,
		Role:     e.Config.Agent.Role,
		Result:   domain.AuditDenied,
		Detail:   reason + " by " + actor,
		Attempt:  it.AttemptCount,
		Terminal: true,
	}
	if it.Payload != nil {
		rec.Action, rec.Input = it.Payload.Tool, it.Payload.Args
	}
	if err := e.Repo.InsertAudit(ctx, tx, rec); err != nil {
		return it, err
	}
	it.Location, it.Owner, it.UpdatedAt = domain.LocRejected, "", ts
	return it, nil
}

// ExpireApprovals rejects items that waited in pending_approval longer than
// lifecycle.approval_timeout. A zero timeout disables expiry.
func (e Engine) ExpireApprovals(ctx context.Context) (int, error) {
	timeout := e.Config.Lifecycle.ApprovalTimeout
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := domain.FormatTime(e.now().Add(-timeout))
	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{Location: domain.LocPendingApproval, UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if _, err := e.Reject(ctx, it.ID, "system", "approval_timeout"); err != nil {
			if errors.Is(err, ErrNotAwaitingApproval) || errors.Is(err, ErrMovedConcurrently) {
				continue
			}
			return n, err
		}
		e.log().Info("approval expired", "item", it.ID)
		n++
	}
	return n, nil
}

// RecoverInterrupted drives items a crashed process left in acting/<role> or
// failed/<role> through the failure path, so they are retried or rejected.
func (e Engine) RecoverInterrupted(ctx context.Context, role domain.Role) (int, error) {
	n := 0
	for _, loc := range []string{domain.ActingBy(role), domain.FailedBy(role)} {
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{Location: loc})
		if err != nil {
			return n, err
		}
		for _, it := range items {
			if _, err := e.fail(ctx, it, role, it.AttemptCount, it.Payload, interrupted()); err != nil {
				if errors.Is(err, ErrMovedConcurrently) {
					continue
				}
				return n, err
			}
			e.log().Warn("recovered interrupted attempt", "item", it.ID, "attempt", it.AttemptCount)
			n++
		}
	}
	return n, nil
}

// relocate moves it to the target location and appends the matching history entry.
func (e Engine) relocate(ctx context.Context, tx *sql.Tx, it domain.Item, to, actor, reason string, ch repo.Change, ts string) (bool, error) {
	from, target := it.State(), domain.StateOf(to)
	if err := ensureTransition(from, target); err != nil {
		return false, fmt.Errorf("item %s: %w", it.ID, err)
	}
	ch.UpdatedAt = ts
	ok, err := e.Repo.Move(ctx, tx, it.ID, it.Location, to, ch)
	if err != nil || !ok {
		return false, err
	}
	if err := e.History.Append(ctx, tx, domain.Transition{ItemID: it.ID, TS: ts, From: from, To: target, Actor: actor, Reason: reason}); err != nil {
		return false, err
	}
	return true, nil
}

func ensureTransition(from, to domain.State) error {
	switch from {
	case domain.StateDiscovered:
		if to == domain.StateClaimed {
			return nil
		}
	case domain.StateClaimed:
		if to == domain.StateActing {
			return nil
		}
	case domain.StateActing:
		if to == domain.StateAwaitingApproval || to == domain.StateCompleted || to == domain.StateFailed {
			return nil
		}
	case domain.StateAwaitingApproval:
		if to == domain.StateAwaitingApproval || to == domain.StateClaimed || to == domain.StateRejected {
			return nil
		}
	case domain.StateFailed:
		if to == domain.StateClaimed || to == domain.StateRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
