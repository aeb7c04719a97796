package repo

import (
	"context"
	"database/sql"
	"errors"
)

// LatestHistoryID returns the highest local history sequence id, 0 when empty.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM item_history`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// WebhookCursor returns the last history id delivered to hookID. ok is false
// for a hook that never delivered.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (cursor int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT last_history_id FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookID string, cursor int64, ts string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id,last_history_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_history_id=excluded.last_history_id, updated_at=excluded.updated_at`, hookID, cursor, ts)
	return err
}
