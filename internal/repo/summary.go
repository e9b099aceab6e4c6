package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"gateflow/internal/domain"
)

func (r Repo) UpsertSummary(ctx context.Context, tx *sql.Tx, s domain.RollingSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO summaries(task_id,payload_json,updated_seq,updated_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET payload_json=excluded.payload_json, updated_seq=excluded.updated_seq, updated_at=excluded.updated_at`,
		s.TaskID, string(payload), s.UpdatedSeq, s.UpdatedAt)
	return err
}

func (r Repo) GetSummary(ctx context.Context, taskID string) (domain.RollingSummary, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM summaries WHERE task_id=?`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.RollingSummary{TaskID: taskID}, ErrNotFound
	}
	if err != nil {
		return domain.RollingSummary{}, err
	}
	var s domain.RollingSummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return domain.RollingSummary{}, err
	}
	return s, nil
}

func (r Repo) GetSummaryTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.RollingSummary, error) {
	var payload string
	err := tx.QueryRowContext(ctx, `SELECT payload_json FROM summaries WHERE task_id=?`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.RollingSummary{TaskID: taskID}, ErrNotFound
	}
	if err != nil {
		return domain.RollingSummary{}, err
	}
	var s domain.RollingSummary
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return domain.RollingSummary{}, err
	}
	return s, nil
}

func (r Repo) InsertArchive(ctx context.Context, tx *sql.Tx, a domain.Archive) error {
	entries, err := json.Marshal(a.Entries)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO archives(id,task_id,from_seq,to_seq,rationale,actor_id,created_at,entries_json) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.FromSeq, a.ToSeq, nullable(a.Rationale), a.ActorID, a.CreatedAt, string(entries))
	return err
}

func scanArchive(scan func(dest ...any) error) (domain.Archive, error) {
	var a domain.Archive
	var rationale sql.NullString
	var entries string
	err := scan(&a.ID, &a.TaskID, &a.FromSeq, &a.ToSeq, &rationale, &a.ActorID, &a.CreatedAt, &entries)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if rationale.Valid {
		a.Rationale = rationale.String
	}
	if err := json.Unmarshal([]byte(entries), &a.Entries); err != nil {
		return a, err
	}
	return a, nil
}

const archiveColumns = `id,task_id,from_seq,to_seq,rationale,actor_id,created_at,entries_json`

func (r Repo) GetArchive(ctx context.Context, id string) (domain.Archive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id=?`, id)
	return scanArchive(row.Scan)
}

// FindArchiveTx locates an archive already written for a range, used by the
// compaction retry path to avoid duplicate archive objects.
func (r Repo) FindArchiveTx(ctx context.Context, tx *sql.Tx, taskID string, fromSeq, toSeq int64) (domain.Archive, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE task_id=? AND from_seq=? AND to_seq=?`, taskID, fromSeq, toSeq)
	return scanArchive(row.Scan)
}

func (r Repo) ListArchives(ctx context.Context, taskID string) ([]domain.Archive, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE task_id=? ORDER BY from_seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Archive
	for rows.Next() {
		a, err := scanArchive(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
