package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"handoff/internal/domain"
)

// InsertAudit appends one audit record. Audit rows are never updated.
func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord) error {
	var input any
	if len(rec.Input) > 0 {
		b, err := json.Marshal(rec.Input)
		if err != nil {
			return fmt.Errorf("marshal audit input: %w", err)
		}
		input = string(b)
	}
	terminal := 0
	if rec.Terminal {
		terminal = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_records(ts,item_id,role,action,input_json,result,detail,attempt,terminal) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.TS, rec.ItemID, string(rec.Role), rec.Action, input, string(rec.Result), nullable(rec.Detail), rec.Attempt, terminal)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

type AuditFilters struct {
	ItemID  string
	AfterID int64
	Limit   int
}

// ListAudit returns audit records oldest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, error) {
	var clauses []string
	var args []any
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,item_id,role,action,input_json,result,detail,attempt,terminal FROM audit_records ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var role, result string
		var input, detail sql.NullString
		var terminal int
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.ItemID, &role, &rec.Action, &input, &result, &detail, &rec.Attempt, &terminal); err != nil {
			return nil, err
		}
		rec.Role = domain.Role(role)
		rec.Result = domain.AuditResult(result)
		rec.Detail = detail.String
		rec.Terminal = terminal == 1
		if input.Valid && input.String != "" {
			if err := json.Unmarshal([]byte(input.String), &rec.Input); err != nil {
				return nil, fmt.Errorf("audit %d input: %w", rec.ID, err)
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ActionCount is one row of an audit digest.
type ActionCount struct {
	Action string             `json:"action"`
	Result domain.AuditResult `json:"result"`
	Count  int                `json:"count"`
}

// AuditSummary is a periodic briefing: items per location now, and audit
// activity since Since.
type AuditSummary struct {
	Since     string         `json:"since"`
	Locations map[string]int `json:"locations"`
	Actions   []ActionCount  `json:"actions"`
	Total     int            `json:"total"`
}

// SummarizeAudit counts audit records at or after since by action and
// result, busiest first.
func (r Repo) SummarizeAudit(ctx context.Context, since string) (AuditSummary, error) {
	sum := AuditSummary{Since: since}
	locs, err := r.CountByLocation(ctx)
	if err != nil {
		return sum, err
	}
	sum.Locations = locs
	rows, err := r.DB.QueryContext(ctx, `SELECT action, result, COUNT(*) FROM audit_records WHERE ts >= ?
		GROUP BY action, result ORDER BY COUNT(*) DESC, action, result`, since)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var c ActionCount
		var result string
		if err := rows.Scan(&c.Action, &result, &c.Count); err != nil {
			return sum, err
		}
		c.Result = domain.AuditResult(result)
		sum.Actions = append(sum.Actions, c)
		sum.Total += c.Count
	}
	return sum, rows.Err()
}
