package repo

import (
	"context"
	"database/sql"
	"strings"

	"ledgerbridge/internal/domain"
)

func (r Repo) InsertDeadLetter(ctx context.Context, tx *sql.Tx, dl domain.DeadLetter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dead_letters(id,origin,ref_id,payload_json,reason,created_at) VALUES (?,?,?,?,?,?)`,
		dl.ID, dl.Origin, nullable(dl.RefID), dl.PayloadJSON, dl.Reason, dl.CreatedAt)
	return err
}

func (r Repo) GetDeadLetter(ctx context.Context, id string) (domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var refID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,origin,ref_id,payload_json,reason,created_at FROM dead_letters WHERE id=?`, id).
		Scan(&dl.ID, &dl.Origin, &refID, &dl.PayloadJSON, &dl.Reason, &dl.CreatedAt)
	if err == sql.ErrNoRows {
		return dl, ErrNotFound
	}
	if refID.Valid {
		dl.RefID = refID.String
	}
	return dl, err
}

type DeadLetterFilters struct {
	Origin          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDeadLetters(ctx context.Context, f DeadLetterFilters) ([]domain.DeadLetter, error) {
	var clauses []string
	var args []any
	if f.Origin != "" {
		clauses = append(clauses, "origin=?")
		args = append(args, f.Origin)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,origin,ref_id,payload_json,reason,created_at FROM dead_letters ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var refID sql.NullString
		if err := rows.Scan(&dl.ID, &dl.Origin, &refID, &dl.PayloadJSON, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if refID.Valid {
			dl.RefID = refID.String
		}
		res = append(res, dl)
	}
	return res, rows.Err()
}
