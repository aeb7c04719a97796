package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"handoff/internal/domain"
	"handoff/internal/history"
)

// Record returns one item with its history.
func (r Repo) Record(ctx context.Context, id string) (domain.ItemRecord, error) {
	it, err := r.GetItem(ctx, id)
	if err != nil {
		return domain.ItemRecord{}, err
	}
	h, err := history.For(ctx, r.DB, id)
	if err != nil {
		return domain.ItemRecord{}, err
	}
	return domain.ItemRecord{Item: it, History: h}, nil
}

// Snapshot reads every item and its history in one read transaction.
func (r Repo) Snapshot(ctx context.Context) (map[string]domain.ItemRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM items`)
	if err != nil {
		return nil, err
	}
	out := map[string]domain.ItemRecord{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out[it.ID] = domain.ItemRecord{Item: it}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	hrows, err := tx.QueryContext(ctx, `SELECT item_id,ts,from_state,to_state,actor,reason FROM item_history ORDER BY item_id, ts, id`)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var t domain.Transition
		var from, to string
		if err := hrows.Scan(&t.ItemID, &t.TS, &from, &to, &t.Actor, &t.Reason); err != nil {
			return nil, err
		}
		t.From, t.To = domain.State(from), domain.State(to)
		rec, ok := out[t.ItemID]
		if !ok {
			continue
		}
		rec.History = append(rec.History, t)
		out[t.ItemID] = rec
	}
	return out, hrows.Err()
}

// ApplyRecord writes a record pulled from a replica. With expected nil the item
// must not exist yet; otherwise the local row must still be at the location and
// version observed in expected. It returns false when the local item moved on,
// leaving the record for the next reconciliation.
func (r Repo) ApplyRecord(ctx context.Context, rec domain.ItemRecord, expected *domain.Item) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	it := rec.Item
	if expected == nil {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id=?`, it.ID).Scan(&n); err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
		if err := insertItem(ctx, tx, it); err != nil {
			return false, err
		}
	} else {
		payload, err := marshalPayload(it.Payload)
		if err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `UPDATE items SET location=?,owner=?,attempt_count=?,payload_json=?,approved_by=?,updated_at=? WHERE id=? AND location=? AND updated_at=?`,
			it.Location, nullable(string(it.Owner)), it.AttemptCount, payload, nullable(it.ApprovedBy), it.UpdatedAt,
			it.ID, expected.Location, expected.UpdatedAt)
		if err != nil {
			return false, fmt.Errorf("apply %s: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}
	}
	if err := appendHistory(ctx, tx, it.ID, rec.History); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Rekey moves the local item observed as expected to newID, marking it a
// duplicate of its old id, and then stores replacement under the old id when
// given. History follows the item to its new id. It returns false when the
// local item changed since it was observed.
func (r Repo) Rekey(ctx context.Context, expected domain.Item, newID string, replacement *domain.ItemRecord) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cur, err := r.GetItemTx(ctx, tx, expected.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Location != expected.Location || cur.UpdatedAt != expected.UpdatedAt {
		return false, nil
	}
	h, err := history.For(ctx, tx, cur.ID)
	if err != nil {
		return false, err
	}

	moved := cur
	moved.ID, moved.DuplicateOf = newID, cur.ID
	if err := insertItem(ctx, tx, moved); err != nil {
		return false, err
	}
	if err := appendHistory(ctx, tx, newID, h); err != nil {
		return false, err
	}
	for _, stmt := range []string{
		`INSERT INTO history_unlocks(item_id) VALUES (?)`,
		`DELETE FROM item_history WHERE item_id=?`,
		`DELETE FROM history_unlocks WHERE item_id=?`,
		`DELETE FROM items WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cur.ID); err != nil {
			return false, fmt.Errorf("rekey %s: %w", cur.ID, err)
		}
	}

	if replacement != nil {
		if err := insertItem(ctx, tx, replacement.Item); err != nil {
			return false, err
		}
		if err := appendHistory(ctx, tx, replacement.Item.ID, replacement.History); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, id string, h []domain.Transition) error {
	var w history.Writer
	for _, t := range h {
		t.ItemID = id
		if err := w.Union(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}
