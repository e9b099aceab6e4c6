package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gateflow/internal/domain"
)

// Ledger is the append-only activity log. Entries are immutable once
// appended; sequence numbers are strictly increasing per task with no gaps.
// The only whole-log mutation is the archival pointer swap.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrEmpty = errors.New("no entries")

type payload struct {
	Transition *domain.Transition     `json:"transition,omitempty"`
	Annotation *domain.Annotation     `json:"annotation,omitempty"`
	Archive    *domain.ArchivePointer `json:"archive,omitempty"`
	Compaction *domain.CompactionNote `json:"compaction,omitempty"`
}

// Append writes entry under the next sequence number for its task and
// returns it. Must run inside the caller's transaction so the task update
// and its ledger entry commit together. A positive entry.Seq forces that
// sequence number; forked tasks use this so their log continues the
// parent's numbering past the fork point.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, entry domain.ActivityEntry) (int64, error) {
	if entry.TaskID == "" {
		return 0, errors.New("task_id required")
	}
	seq := entry.Seq
	if seq <= 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM activity WHERE task_id=?`, entry.TaskID).Scan(&maxSeq); err != nil {
			return 0, err
		}
		seq = maxSeq.Int64 + 1
	}
	if entry.TS == "" {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		entry.TS = now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(payload{
		Transition: entry.Transition,
		Annotation: entry.Annotation,
		Archive:    entry.Archive,
		Compaction: entry.Compaction,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal activity payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO activity(task_id,seq,kind,ts,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		entry.TaskID, seq, entry.Kind, entry.TS, nullable(entry.ActorID), string(data)); err != nil {
		return 0, err
	}
	return seq, nil
}

func scanEntry(scan func(dest ...any) error) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var actor sql.NullString
	var raw string
	err := scan(&e.TaskID, &e.Seq, &e.Kind, &e.TS, &actor, &raw)
	if err == sql.ErrNoRows {
		return e, ErrEmpty
	}
	if err != nil {
		return e, err
	}
	if actor.Valid {
		e.ActorID = actor.String
	}
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return e, err
	}
	e.Transition = p.Transition
	e.Annotation = p.Annotation
	e.Archive = p.Archive
	e.Compaction = p.Compaction
	return e, nil
}

const entryColumns = `task_id,seq,kind,ts,actor_id,payload_json`

// ReadRange returns live entries with fromSeq <= seq <= toSeq in order.
// toSeq <= 0 means "to the end".
func (l Ledger) ReadRange(ctx context.Context, taskID string, fromSeq, toSeq int64) ([]domain.ActivityEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM activity WHERE task_id=? AND seq>=?`
	args := []any{taskID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq<=?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ReadRangeTx is ReadRange inside a transaction, used by compaction.
func (l Ledger) ReadRangeTx(ctx context.Context, tx *sql.Tx, taskID string, fromSeq, toSeq int64) ([]domain.ActivityEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM activity WHERE task_id=? AND seq>=?`
	args := []any{taskID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq<=?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq`
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Latest returns the most recent live entry for a task.
func (l Ledger) Latest(ctx context.Context, taskID string) (domain.ActivityEntry, error) {
	row := l.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM activity WHERE task_id=? ORDER BY seq DESC LIMIT 1`, taskID)
	return scanEntry(row.Scan)
}

// MaxSeq returns the highest live sequence number for a task, 0 if none.
func (l Ledger) MaxSeq(ctx context.Context, taskID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM activity WHERE task_id=?`, taskID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	return maxSeq.Int64, nil
}

// LiveLen returns the number of live (non-archived) entries for a task.
func (l Ledger) LiveLen(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM activity WHERE task_id=?`, taskID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MinSeqTx returns the lowest live sequence number inside tx, 0 if none.
func (l Ledger) MinSeqTx(ctx context.Context, tx *sql.Tx, taskID string) (int64, error) {
	var minSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MIN(seq) FROM activity WHERE task_id=?`, taskID).Scan(&minSeq); err != nil {
		return 0, err
	}
	return minSeq.Int64, nil
}

// SwapPrefix removes live entries in [fromSeq, toSeq] and installs a single
// archive pointer at toSeq. Remaining entries keep their sequence numbers.
func (l Ledger) SwapPrefix(ctx context.Context, tx *sql.Tx, taskID string, ptr domain.ArchivePointer, ts, actorID string) error {
	if ptr.ToSeq < ptr.FromSeq {
		return fmt.Errorf("invalid archive range [%d,%d]", ptr.FromSeq, ptr.ToSeq)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity WHERE task_id=? AND seq>=? AND seq<=?`,
		taskID, ptr.FromSeq, ptr.ToSeq); err != nil {
		return err
	}
	data, err := json.Marshal(payload{Archive: &ptr})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO activity(task_id,seq,kind,ts,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		taskID, ptr.ToSeq, domain.EntryArchivePointer, ts, nullable(actorID), string(data))
	return err
}

// FeedItem pairs an entry with its global insertion id, used by the
// webhook dispatcher to keep a delivery cursor across tasks.
type FeedItem struct {
	ID    int64
	Entry domain.ActivityEntry
}

// After returns up to limit entries inserted after id, oldest first.
func (l Ledger) After(ctx context.Context, limit int, id int64) ([]FeedItem, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT rowid,`+entryColumns+` FROM activity WHERE rowid>? ORDER BY rowid LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []FeedItem
	for rows.Next() {
		var item FeedItem
		var actor sql.NullString
		var raw string
		if err := rows.Scan(&item.ID, &item.Entry.TaskID, &item.Entry.Seq, &item.Entry.Kind, &item.Entry.TS, &actor, &raw); err != nil {
			return nil, err
		}
		if actor.Valid {
			item.Entry.ActorID = actor.String
		}
		var p payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		item.Entry.Transition = p.Transition
		item.Entry.Annotation = p.Annotation
		item.Entry.Archive = p.Archive
		item.Entry.Compaction = p.Compaction
		res = append(res, item)
	}
	return res, rows.Err()
}

// LatestID returns the newest global insertion id, 0 when the log is empty.
func (l Ledger) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM activity`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
