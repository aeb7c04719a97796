package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"handoff/internal/domain"
)

// Writer appends lifecycle transitions inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

// Entry is a stored transition with its local sequence id.
type Entry struct {
	ID int64 `json:"id"`
	domain.Transition
}

// Append records one transition. A zero TS is stamped with Now. Every call
// adds exactly one row; an identical entry already stored is an error.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	return w.insert(ctx, tx, t, `INSERT`)
}

// Union records t unless an identical entry is already stored. Replicated
// history goes through here so both sides can exchange overlapping entries.
func (w Writer) Union(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	return w.insert(ctx, tx, t, `INSERT OR IGNORE`)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, t domain.Transition, verb string) error {
	if t.ItemID == "" || t.To == "" {
		return fmt.Errorf("history entry needs item id and target state")
	}
	if t.TS == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		t.TS = domain.FormatTime(now())
	}
	_, err := tx.ExecContext(ctx, verb+` INTO item_history(item_id,ts,from_state,to_state,actor,reason) VALUES (?,?,?,?,?,?)`,
		t.ItemID, t.TS, string(t.From), string(t.To), t.Actor, t.Reason)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// For returns an item's history in order.
func For(ctx context.Context, q querier, itemID string) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, `SELECT item_id,ts,from_state,to_state,actor,reason FROM item_history WHERE item_id=? ORDER BY ts, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to string
		if err := rows.Scan(&t.ItemID, &t.TS, &from, &to, &t.Actor, &t.Reason); err != nil {
			return nil, err
		}
		t.From, t.To = domain.State(from), domain.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Since streams entries with a local id greater than cursor, oldest first.
func Since(ctx context.Context, q querier, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `SELECT id,item_id,ts,from_state,to_state,actor,reason FROM item_history WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var from, to string
		if err := rows.Scan(&e.ID, &e.ItemID, &e.TS, &from, &to, &e.Actor, &e.Reason); err != nil {
			return nil, err
		}
		e.From, e.To = domain.State(from), domain.State(to)
		out = append(out, e)
	}
	return out, rows.Err()
}
