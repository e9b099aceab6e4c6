package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateflow/internal/domain"
)

// InsertEvidence stores a new evidence version for (task, gate) and marks
// the previous head as superseded. History is never overwritten.
func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) (domain.Evidence, error) {
	var prevID sql.NullString
	var prevVersion sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT id, version FROM evidence WHERE task_id=? AND gate_id=? AND superseded_by IS NULL ORDER BY version DESC LIMIT 1`,
		ev.TaskID, ev.GateID).Scan(&prevID, &prevVersion)
	if err != nil && err != sql.ErrNoRows {
		return ev, err
	}
	ev.Version = 1
	if prevVersion.Valid {
		ev.Version = int(prevVersion.Int64) + 1
	}
	kinds, err := json.Marshal(ev.Kinds)
	if err != nil {
		return ev, err
	}
	var fields any
	if len(ev.Fields) > 0 {
		b, err := json.Marshal(ev.Fields)
		if err != nil {
			return ev, fmt.Errorf("marshal evidence fields: %w", err)
		}
		fields = string(b)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO evidence(id,task_id,gate_id,version,kinds_json,fields_json,submitted_by,created_at,superseded_by) VALUES (?,?,?,?,?,?,?,?,NULL)`,
		ev.ID, ev.TaskID, ev.GateID, ev.Version, string(kinds), fields, ev.SubmittedBy, ev.CreatedAt); err != nil {
		return ev, err
	}
	if prevID.Valid {
		if _, err := tx.ExecContext(ctx, `UPDATE evidence SET superseded_by=? WHERE id=?`, ev.ID, prevID.String); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func scanEvidence(scan func(dest ...any) error) (domain.Evidence, error) {
	var ev domain.Evidence
	var kinds string
	var fields, superseded sql.NullString
	err := scan(&ev.ID, &ev.TaskID, &ev.GateID, &ev.Version, &kinds, &fields, &ev.SubmittedBy, &ev.CreatedAt, &superseded)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal([]byte(kinds), &ev.Kinds); err != nil {
		return ev, err
	}
	if fields.Valid {
		if err := json.Unmarshal([]byte(fields.String), &ev.Fields); err != nil {
			return ev, err
		}
	}
	if superseded.Valid {
		ev.SupersededBy = &superseded.String
	}
	return ev, nil
}

const evidenceColumns = `id,task_id,gate_id,version,kinds_json,fields_json,submitted_by,created_at,superseded_by`

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.Evidence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id=?`, id)
	return scanEvidence(row.Scan)
}

// CurrentEvidence returns the live (non-superseded) bundle for (task, gate).
func (r Repo) CurrentEvidence(ctx context.Context, taskID, gateID string) (domain.Evidence, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE task_id=? AND gate_id=? AND superseded_by IS NULL ORDER BY version DESC LIMIT 1`,
		taskID, gateID)
	return scanEvidence(row.Scan)
}

func (r Repo) ListEvidence(ctx context.Context, taskID, gateID string) ([]domain.Evidence, error) {
	clauses := []string{"task_id=?"}
	args := []any{taskID}
	if gateID != "" {
		clauses = append(clauses, "gate_id=?")
		args = append(args, gateID)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence `+buildWhere(clauses)+` ORDER BY gate_id, version`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
