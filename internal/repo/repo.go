package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"handoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const itemColumns = `id,kind,source,title,body,metadata_json,location,owner,attempt_count,payload_json,approved_by,duplicate_of,created_at,updated_at`

func scanItem(row scanner) (domain.Item, error) {
	var it domain.Item
	var source, title, body, metadata, owner, payload, approvedBy, duplicateOf sql.NullString
	err := row.Scan(&it.ID, &it.Kind, &source, &title, &body, &metadata, &it.Location, &owner, &it.AttemptCount, &payload, &approvedBy, &duplicateOf, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Source = source.String
	it.Title = title.String
	it.Body = body.String
	it.Owner = domain.Role(owner.String)
	it.ApprovedBy = approvedBy.String
	it.DuplicateOf = duplicateOf.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &it.Metadata); err != nil {
			return it, fmt.Errorf("item %s metadata: %w", it.ID, err)
		}
	}
	if payload.Valid && payload.String != "" {
		var p domain.Payload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return it, fmt.Errorf("item %s payload: %w", it.ID, err)
		}
		it.Payload = &p
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	return insertItem(ctx, tx, it)
}

func insertItem(ctx context.Context, q querier, it domain.Item) error {
	metadata, err := marshalMetadata(it.Metadata)
	if err != nil {
		return err
	}
	payload, err := marshalPayload(it.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Kind, nullable(it.Source), nullable(it.Title), nullable(it.Body), metadata, it.Location, nullable(string(it.Owner)),
		it.AttemptCount, payload, nullable(it.ApprovedBy), nullable(it.DuplicateOf), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

type ItemFilters struct {
	Location       string
	LocationPrefix string
	Kind           string
	UpdatedBefore  string
	Limit          int
}

// ListItems returns items oldest first.
func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.Item, error) {
	var clauses []string
	var args []any
	if f.Location != "" {
		clauses = append(clauses, "location=?")
		args = append(args, f.Location)
	}
	if f.LocationPrefix != "" {
		clauses = append(clauses, "substr(location,1,?)=?")
		args = append(args, len(f.LocationPrefix), f.LocationPrefix)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.UpdatedBefore != "" {
		clauses = append(clauses, "updated_at<?")
		args = append(args, f.UpdatedBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM items ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// Change lists the fields a move rewrites besides the location. Nil pointers leave a field as is.
type Change struct {
	Owner        *domain.Role
	AttemptDelta int
	Payload      *domain.Payload
	ApprovedBy   *string
	UpdatedAt    string
}

// Move relocates an item from one location to another in a single conditional update.
// It returns false without error when the item is no longer at from.
func (r Repo) Move(ctx context.Context, tx *sql.Tx, id, from, to string, ch Change) (bool, error) {
	if ch.UpdatedAt == "" {
		return false, errors.New("move requires updated_at")
	}
	fields := []string{"location=?", "updated_at=?"}
	args := []any{to, ch.UpdatedAt}
	if ch.Owner != nil {
		fields = append(fields, "owner=?")
		args = append(args, nullable(string(*ch.Owner)))
	}
	if ch.AttemptDelta != 0 {
		if ch.AttemptDelta < 0 {
			return false, errors.New("attempt_count never decreases")
		}
		fields = append(fields, "attempt_count=attempt_count+?")
		args = append(args, ch.AttemptDelta)
	}
	if ch.Payload != nil {
		payload, err := marshalPayload(ch.Payload)
		if err != nil {
			return false, err
		}
		fields = append(fields, "payload_json=?")
		args = append(args, payload)
	}
	if ch.ApprovedBy != nil {
		fields = append(fields, "approved_by=?")
		args = append(args, nullable(*ch.ApprovedBy))
	}
	args = append(args, id, from)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE items SET %s WHERE id=? AND location=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return false, fmt.Errorf("move %s %s->%s: %w", id, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CountByLocation returns the number of items per location.
func (r Repo) CountByLocation(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT location, COUNT(*) FROM items GROUP BY location`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var loc string
		var n int
		if err := rows.Scan(&loc, &n); err != nil {
			return nil, err
		}
		res[loc] = n
	}
	return res, rows.Err()
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func marshalPayload(p *domain.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
