package repo

import (
	"context"
	"database/sql"

	"gateflow/internal/domain"
)

const questionColumns = `id,task_id,text,evidence_kind,owner,due_at,status,created_seq,resolved_seq,created_at,resolved_at`

func scanQuestion(scan func(dest ...any) error) (domain.OpenQuestion, error) {
	var q domain.OpenQuestion
	var kind, resolvedAt sql.NullString
	var resolvedSeq sql.NullInt64
	err := scan(&q.ID, &q.TaskID, &q.Text, &kind, &q.Owner, &q.DueAt, &q.Status, &q.CreatedSeq, &resolvedSeq, &q.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if kind.Valid {
		q.EvidenceKind = kind.String
	}
	if resolvedSeq.Valid {
		q.ResolvedSeq = &resolvedSeq.Int64
	}
	if resolvedAt.Valid {
		q.ResolvedAt = &resolvedAt.String
	}
	return q, nil
}

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.OpenQuestion) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO questions(`+questionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.TaskID, q.Text, nullable(q.EvidenceKind), q.Owner, q.DueAt, q.Status, q.CreatedSeq,
		nullableInt64Ptr(q.ResolvedSeq), q.CreatedAt, nullableStringPtr(q.ResolvedAt))
	return err
}

func (r Repo) ResolveQuestion(ctx context.Context, tx *sql.Tx, id string, seq int64, resolvedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE questions SET status='resolved', resolved_seq=?, resolved_at=? WHERE id=? AND status='open'`,
		seq, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.OpenQuestion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=?`, id)
	return scanQuestion(row.Scan)
}

func (r Repo) ListQuestions(ctx context.Context, taskID, status string) ([]domain.OpenQuestion, error) {
	clauses := []string{"task_id=?"}
	args := []any{taskID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions `+buildWhere(clauses)+` ORDER BY created_seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OpenQuestion
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// OpenQuestionsTx is the in-transaction variant used by the validator path.
func (r Repo) OpenQuestionsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.OpenQuestion, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE task_id=? AND status='open' ORDER BY created_seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OpenQuestion
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// MinOpenRefSeq returns the smallest ledger sequence still referenced by an
// unresolved question or an open risk, or 0 when none. Compaction must keep
// that entry live.
func (r Repo) MinOpenRefSeq(ctx context.Context, taskID string) (int64, error) {
	var ref sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MIN(s) FROM (
SELECT MIN(created_seq) AS s FROM questions WHERE task_id=? AND status='open'
UNION ALL
SELECT MIN(created_seq) FROM risks WHERE task_id=? AND status='open')`, taskID, taskID).Scan(&ref); err != nil {
		return 0, err
	}
	if ref.Valid {
		return ref.Int64, nil
	}
	return 0, nil
}

const riskColumns = `id,task_id,description,rag,probability,impact,owner,due_at,mitigation,status,created_seq,created_at,updated_at`

func scanRisk(scan func(dest ...any) error) (domain.Risk, string, string, error) {
	var rk domain.Risk
	var owner, due, mitigation sql.NullString
	var prob, impact sql.NullFloat64
	var createdSeq sql.NullInt64
	var createdAt, updatedAt string
	err := scan(&rk.ID, &rk.TaskID, &rk.Description, &rk.RAG, &prob, &impact, &owner, &due, &mitigation, &rk.Status, &createdSeq, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rk, "", "", ErrNotFound
	}
	if err != nil {
		return rk, "", "", err
	}
	if prob.Valid {
		rk.Probability = prob.Float64
	}
	if impact.Valid {
		rk.Impact = impact.Float64
	}
	if owner.Valid {
		rk.Owner = owner.String
	}
	if due.Valid {
		rk.DueAt = due.String
	}
	if mitigation.Valid {
		rk.Mitigation = mitigation.String
	}
	if createdSeq.Valid {
		rk.CreatedSeq = createdSeq.Int64
	}
	return rk, createdAt, updatedAt, nil
}

// UpsertRisk inserts or updates a risk row. created_seq is written once, on
// insert; updates keep the original ledger anchor.
func (r Repo) UpsertRisk(ctx context.Context, tx *sql.Tx, rk domain.Risk, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO risks(`+riskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, rag=excluded.rag, probability=excluded.probability,
impact=excluded.impact, owner=excluded.owner, due_at=excluded.due_at, mitigation=excluded.mitigation,
status=excluded.status, updated_at=excluded.updated_at`,
		rk.ID, rk.TaskID, rk.Description, rk.RAG, nullableFloat(rk.Probability), nullableFloat(rk.Impact),
		nullable(rk.Owner), nullable(rk.DueAt), nullable(rk.Mitigation), rk.Status, nullableSeq(rk.CreatedSeq), now, now)
	return err
}

func (r Repo) GetRisk(ctx context.Context, id string) (domain.Risk, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id=?`, id)
	rk, _, _, err := scanRisk(row.Scan)
	return rk, err
}

func (r Repo) GetRiskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Risk, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id=?`, id)
	rk, _, _, err := scanRisk(row.Scan)
	return rk, err
}

func (r Repo) ListRisks(ctx context.Context, taskID, status string) ([]domain.Risk, error) {
	clauses := []string{"task_id=?"}
	args := []any{taskID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+riskColumns+` FROM risks `+buildWhere(clauses)+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Risk
	for rows.Next() {
		rk, _, _, err := scanRisk(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}
