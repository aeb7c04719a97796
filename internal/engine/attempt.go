package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"handoff/internal/domain"
	"handoff/internal/engine/gate"
	"handoff/internal/faults"
	"handoff/internal/repo"
)

// Proposal is what a reasoning collaborator returns for one item: either a
// finished result, or an action the gate must check before anything runs.
type Proposal struct {
	Action *domain.Payload
	Result string
}

// Reasoner decides what to do with an item within turnLimit reasoning turns.
// Running out of turns is reported as faults.ErrTurnLimitExceeded.
type Reasoner interface {
	Reason(ctx context.Context, it domain.Item, turnLimit int) (Proposal, error)
}

// Executor performs an external action.
type Executor interface {
	Execute(ctx context.Context, action domain.Payload) (string, error)
}

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeRetry            Outcome = "retry"
	OutcomeRejected         Outcome = "rejected"
	// OutcomeSkipped means the item was not at claimed/<role> when the attempt began.
	OutcomeSkipped Outcome = "skipped"
)

// RunAttempt drives one attempt of an item the role has claimed, from Acting to
// exactly one of Completed, AwaitingApproval, or Failed followed by a retry or
// rejection. Action failures are absorbed here; the returned error is only set
// when the store itself fails.
func (e Engine) RunAttempt(ctx context.Context, id string, role domain.Role) (Outcome, error) {
	it, ok, err := e.begin(ctx, id, role)
	if err != nil || !ok {
		return OutcomeSkipped, err
	}
	attempt := it.AttemptCount

	if it.ApprovedBy != "" && it.Payload != nil {
		e.log().Info("replaying approved action", "item", it.ID, "tool", it.Payload.Tool, "approved_by", it.ApprovedBy, "attempt", attempt)
		return e.execute(ctx, it, role, *it.Payload, attempt, true)
	}

	if e.Reasoner == nil {
		return e.fail(ctx, it, role, attempt, nil, faults.Permanent(errors.New("no reasoning collaborator configured")))
	}
	prop, err := e.Reasoner.Reason(ctx, it, e.turnLimit())
	if err != nil {
		return e.fail(ctx, it, role, attempt, nil, err)
	}
	if prop.Action == nil {
		return e.complete(ctx, it, role, attempt, domain.Payload{Tool: "reasoning"}, prop.Result)
	}

	action := *prop.Action
	switch d := e.Policy.Authorize(role, action.Tool, action.Args); d {
	case gate.Deny:
		e.security().Warn("proposed action denied", "item", it.ID, "role", role, "tool", action.Tool)
		return e.fail(ctx, it, role, attempt, &action, faults.Permanent(fmt.Errorf("%w: %s", faults.ErrCapabilityDenied, action.Tool)))
	case gate.Downgrade:
		return e.requestApproval(ctx, it, role, attempt, action)
	}
	return e.execute(ctx, it, role, action, attempt, false)
}

func (e Engine) turnLimit() int {
	if e.Config.Lifecycle.TurnLimit > 0 {
		return e.Config.Lifecycle.TurnLimit
	}
	return 10
}

func (e Engine) maxAttempts() int {
	if e.Config.Lifecycle.MaxAttempts > 0 {
		return e.Config.Lifecycle.MaxAttempts
	}
	return 3
}

// begin moves claimed/<role> to acting/<role> and counts the attempt.
func (e Engine) begin(ctx context.Context, id string, role domain.Role) (domain.Item, bool, error) {
	it, err := e.Repo.GetItem(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return it, false, nil
	}
	if err != nil {
		return it, false, err
	}
	if it.Location != domain.ClaimedBy(role) {
		return it, false, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return it, false, err
	}
	defer tx.Rollback()
	attempt := it.AttemptCount + 1
	ts := domain.FormatTime(e.now())
	ok, err := e.relocate(ctx, tx, it, domain.ActingBy(role), string(role), fmt.Sprintf("attempt %d", attempt), repo.Change{AttemptDelta: 1}, ts)
	if err != nil || !ok {
		return it, false, err
	}
	if err := tx.Commit(); err != nil {
		return it, false, err
	}
	it.Location, it.AttemptCount, it.UpdatedAt = domain.ActingBy(role), attempt, ts
	return it, true, nil
}

// execute re-checks the gate right before the action runs. The check does not
// trust the caller: anything other than Allow fails the attempt as a
// capability violation.
func (e Engine) execute(ctx context.Context, it domain.Item, role domain.Role, action domain.Payload, attempt int, approved bool) (Outcome, error) {
	d := e.Policy.Authorize(role, action.Tool, action.Args)
	if approved {
		d = e.Policy.AuthorizeApproved(role, action.Tool, action.Args)
	}
	if d != gate.Allow {
		cv := &faults.CapabilityViolation{Role: string(role), Action: action.Tool, Decision: d.String()}
		e.security().Error("capability violation", "item", it.ID, "role", role, "tool", action.Tool, "decision", d.String(), "approved", approved)
		return e.fail(ctx, it, role, attempt, &action, cv)
	}
	if e.Actions == nil {
		return e.fail(ctx, it, role, attempt, &action, faults.Permanent(errors.New("no action collaborator configured")))
	}
	result, err := e.Actions.Execute(ctx, action)
	if err != nil {
		return e.fail(ctx, it, role, attempt, &action, err)
	}
	return e.complete(ctx, it, role, attempt, action, result)
}

func (e Engine) complete(ctx context.Context, it domain.Item, role domain.Role, attempt int, action domain.Payload, result string) (Outcome, error) {
	err := e.inTx(ctx, func(tx *sql.Tx, ts string) error {
		none := domain.Role("")
		ok, err := e.relocate(ctx, tx, it, domain.LocDone, string(role), "completed", repo.Change{Owner: &none}, ts)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMovedConcurrently
		}
		return e.Repo.InsertAudit(ctx, tx, domain.AuditRecord{
			TS: ts, ItemID: it.ID, Role: role, Action: action.Tool, Input: action.Args,
			Result: domain.AuditSuccess, Detail: result, Attempt: attempt, Terminal: true,
		})
	})
	if err != nil {
		return "", err
	}
	e.log().Info("item completed", "item", it.ID, "tool", action.Tool, "attempt", attempt)
	return OutcomeCompleted, nil
}

// requestApproval persists the drafted action and parks the item for a human.
func (e Engine) requestApproval(ctx context.Context, it domain.Item, role domain.Role, attempt int, action domain.Payload) (Outcome, error) {
	reason := "send_class"
	if arg, over := e.Policy.OverThreshold(action.Args); over {
		reason = "monetary_limit:" + arg
	}
	err := e.inTx(ctx, func(tx *sql.Tx, ts string) error {
		none, cleared := domain.Role(""), ""
		ok, err := e.relocate(ctx, tx, it, domain.LocPendingApproval, string(role), reason,
			repo.Change{Owner: &none, Payload: &action, ApprovedBy: &cleared}, ts)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMovedConcurrently
		}
		return e.Repo.InsertAudit(ctx, tx, domain.AuditRecord{
			TS: ts, ItemID: it.ID, Role: role, Action: action.Tool, Input: action.Args,
			Result: domain.AuditApprovalRequired, Detail: reason, Attempt: attempt,
		})
	})
	if err != nil {
		return "", err
	}
	e.log().Info("approval requested", "item", it.ID, "tool", action.Tool, "reason", reason)
	return OutcomeAwaitingApproval, nil
}

// fail records Acting -> Failed and, in the same transaction, either returns
// the item to claimed/<role> for another attempt or rejects it.
func (e Engine) fail(ctx context.Context, it domain.Item, role domain.Role, attempt int, action *domain.Payload, cause error) (Outcome, error) {
	reason := faults.Reason(cause)
	next, nextReason, outcome := domain.ClaimedBy(role), "retry", OutcomeRetry
	switch {
	case faults.IsPermanent(cause):
		next, nextReason, outcome = domain.LocRejected, reason, OutcomeRejected
	case attempt >= e.maxAttempts():
		next, nextReason, outcome = domain.LocRejected, "max_attempts_exceeded", OutcomeRejected
	}
	err := e.inTx(ctx, func(tx *sql.Tx, ts string) error {
		if it.State() == domain.StateActing {
			ok, err := e.relocate(ctx, tx, it, domain.FailedBy(role), string(role), reason, repo.Change{}, ts)
			if err != nil {
				return err
			}
			if !ok {
				return ErrMovedConcurrently
			}
			it.Location = domain.FailedBy(role)
			ts = nextStamp(ts)
		}
		ch := repo.Change{}
		if outcome == OutcomeRejected {
			none := domain.Role("")
			ch.Owner = &none
		}
		ok, err := e.relocate(ctx, tx, it, next, string(role), nextReason, ch, ts)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMovedConcurrently
		}
		rec := domain.AuditRecord{
			TS: ts, ItemID: it.ID, Role: role, Result: domain.AuditFailure,
			Detail: cause.Error(), Attempt: attempt, Terminal: outcome == OutcomeRejected,
		}
		if outcome == OutcomeRejected && nextReason != reason {
			rec.Detail = nextReason + ": " + rec.Detail
		}
		if faults.IsCapabilityViolation(cause) || errors.Is(cause, faults.ErrCapabilityDenied) {
			rec.Result = domain.AuditDenied
		}
		if action != nil {
			rec.Action, rec.Input = action.Tool, action.Args
		}
		return e.Repo.InsertAudit(ctx, tx, rec)
	})
	if err != nil {
		return "", err
	}
	e.log().Warn("attempt failed", "item", it.ID, "attempt", attempt, "reason", reason, "next", next, "err", cause)
	return outcome, nil
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx, ts string) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx, domain.FormatTime(e.now())); err != nil {
		return err
	}
	return tx.Commit()
}

// nextStamp orders a second transition committed in the same transaction after the first.
func nextStamp(ts string) string {
	t, err := domain.ParseTime(ts)
	if err != nil {
		return ts
	}
	return domain.FormatTime(t.Add(time.Nanosecond))
}

func interrupted() error {
	return faults.Transient(faults.ErrInterrupted)
}
