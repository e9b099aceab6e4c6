package repo

import (
	"context"
	"database/sql"

	"gateflow/internal/domain"
)

const taskColumns = `id,status,current_gate,owner_role,forked_from,fork_seq,created_at,updated_at,synced_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var gate, ownerRole, forkedFrom, syncedAt sql.NullString
	var forkSeq sql.NullInt64
	err := scan(&t.ID, &t.Status, &gate, &ownerRole, &forkedFrom, &forkSeq, &t.CreatedAt, &t.UpdatedAt, &syncedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if gate.Valid {
		t.CurrentGate = gate.String
	}
	if ownerRole.Valid {
		t.OwnerRole = ownerRole.String
	}
	if forkedFrom.Valid {
		t.ForkedFrom = &forkedFrom.String
	}
	if forkSeq.Valid {
		t.ForkSeq = &forkSeq.Int64
	}
	if syncedAt.Valid {
		t.SyncedAt = &syncedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, nullable(t.CurrentGate), nullable(t.OwnerRole), nullableStringPtr(t.ForkedFrom), nullableInt64Ptr(t.ForkSeq),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.SyncedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, current_gate=?, owner_role=?, updated_at=?, synced_at=? WHERE id=?`,
		t.Status, nullable(t.CurrentGate), nullable(t.OwnerRole), t.UpdatedAt, nullableStringPtr(t.SyncedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status          string
	Gate            string
	ForkedFrom      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Gate != "" {
		clauses = append(clauses, "current_gate=?")
		args = append(args, f.Gate)
	}
	if f.ForkedFrom != "" {
		clauses = append(clauses, "forked_from=?")
		args = append(args, f.ForkedFrom)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByGate(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(current_gate,''), count(*) FROM tasks GROUP BY current_gate`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var gate string
		var count int
		if err := rows.Scan(&gate, &count); err != nil {
			return nil, err
		}
		res[gate] = count
	}
	return res, rows.Err()
}
