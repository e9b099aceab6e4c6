// Package compact archives cold ledger prefixes. A run snapshots a
// contiguous range into an immutable archive, swaps the live range for a
// single pointer entry, and records the compaction in the ledger. Archives
// are keyed by (task, from_seq, to_seq) so a crashed run can be retried
// without duplicating the snapshot.
package compact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateflow/internal/config"
	"gateflow/internal/domain"
	"gateflow/internal/ledger"
	"gateflow/internal/lock"
	"gateflow/internal/repo"
	"gateflow/internal/summary"
)

const CodeMustKeep = "must_keep_not_preserved"

// ErrNotNeeded means the live log is below the threshold and no range was
// archived.
var ErrNotNeeded = errors.New("compaction not needed")

// MustKeepError aborts a run when a must-keep item from the range being
// archived is absent from the rolling summary.
type MustKeepError struct {
	Missing []string
}

func (e *MustKeepError) Error() string {
	return fmt.Sprintf("%s: %v not preserved in rolling summary", CodeMustKeep, e.Missing)
}

type Compactor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config *config.Config
	Locks  *lock.TaskLocks
	Now    func() time.Time
}

func (c Compactor) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run compacts taskID's ledger. With force=false the run is a no-op below
// the configured threshold; force=true compacts whatever range is eligible.
// The trailing retain-N entries and any entry still referenced by an open
// question or open risk stay live. mustKeep names items ("risk:R-7",
// "decision:D-1", "fact:<hash>") the caller requires in the rolling summary
// before anything is archived.
func (c Compactor) Run(ctx context.Context, taskID, actorID, rationale string, force bool, mustKeep []string) (domain.Archive, error) {
	wait := 2 * time.Second
	if c.Config != nil && c.Config.Lock.WaitMillis > 0 {
		wait = time.Duration(c.Config.Lock.WaitMillis) * time.Millisecond
	}
	release, err := c.Locks.Acquire(taskID, wait)
	if err != nil {
		return domain.Archive{}, err
	}
	defer release()

	if _, err := c.Repo.GetTask(ctx, taskID); err != nil {
		return domain.Archive{}, err
	}

	liveLen, err := c.Ledger.LiveLen(ctx, taskID)
	if err != nil {
		return domain.Archive{}, err
	}
	if !force {
		threshold := c.Config.CompactionThreshold()
		if threshold <= 0 || liveLen < threshold {
			return domain.Archive{}, ErrNotNeeded
		}
	}

	maxSeq, err := c.Ledger.MaxSeq(ctx, taskID)
	if err != nil {
		return domain.Archive{}, err
	}
	minRef, err := c.Repo.MinOpenRefSeq(ctx, taskID)
	if err != nil {
		return domain.Archive{}, err
	}
	toSeq := maxSeq - int64(c.Config.CompactionRetain())
	if minRef > 0 && minRef <= toSeq {
		toSeq = minRef - 1
	}

	sum, err := c.Repo.GetSummary(ctx, taskID)
	if err != nil && err != repo.ErrNotFound {
		return domain.Archive{}, err
	}
	if missing := absentFromSummary(sum, mustKeep); len(missing) > 0 {
		return domain.Archive{}, &MustKeepError{Missing: missing}
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Archive{}, err
	}
	defer tx.Rollback()

	fromSeq, err := c.Ledger.MinSeqTx(ctx, tx, taskID)
	if err != nil {
		return domain.Archive{}, err
	}
	if fromSeq == 0 || toSeq < fromSeq {
		return domain.Archive{}, ErrNotNeeded
	}

	entries, err := c.Ledger.ReadRangeTx(ctx, tx, taskID, fromSeq, toSeq)
	if err != nil {
		return domain.Archive{}, err
	}
	if missing := unpreserved(entries, sum); len(missing) > 0 {
		return domain.Archive{}, &MustKeepError{Missing: missing}
	}

	now := c.now().UTC().Format(time.RFC3339)

	// Retry path: a previous run may have written the archive and crashed
	// before the pointer swap. Reuse it instead of snapshotting again.
	arch, err := c.Repo.FindArchiveTx(ctx, tx, taskID, fromSeq, toSeq)
	if err == repo.ErrNotFound {
		arch = domain.Archive{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			FromSeq:   fromSeq,
			ToSeq:     toSeq,
			Rationale: rationale,
			ActorID:   actorID,
			CreatedAt: now,
			Entries:   entries,
		}
		if err := c.Repo.InsertArchive(ctx, tx, arch); err != nil {
			return domain.Archive{}, err
		}
	} else if err != nil {
		return domain.Archive{}, err
	}

	ptr := domain.ArchivePointer{ArchiveID: arch.ID, FromSeq: fromSeq, ToSeq: toSeq}
	if err := c.Ledger.SwapPrefix(ctx, tx, taskID, ptr, now, actorID); err != nil {
		return domain.Archive{}, err
	}
	if _, err := c.Ledger.Append(ctx, tx, domain.ActivityEntry{
		TaskID:  taskID,
		Kind:    domain.EntryCompaction,
		TS:      now,
		ActorID: actorID,
		Compaction: &domain.CompactionNote{
			ArchiveID: arch.ID,
			Reason:    rationale,
			FromSeq:   fromSeq,
			ToSeq:     toSeq,
		},
	}); err != nil {
		return domain.Archive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Archive{}, err
	}
	return arch, nil
}

// absentFromSummary checks caller-named must-keep items against the live
// summary. Bare decision and risk ids are accepted alongside the
// prefixed forms.
func absentFromSummary(sum domain.RollingSummary, wanted []string) []string {
	if len(wanted) == 0 {
		return nil
	}
	present := map[string]bool{}
	for _, f := range sum.Facts {
		present["fact:"+f.Hash] = true
		if len(f.Hash) >= 12 {
			present["fact:"+f.Hash[:12]] = true
		}
	}
	for _, d := range sum.Decisions {
		present["decision:"+d.ID] = true
		present[d.ID] = true
	}
	for _, r := range sum.Risks {
		present["risk:"+r.Risk.ID] = true
		present[r.Risk.ID] = true
	}
	var missing []string
	for _, w := range wanted {
		if !present[w] {
			missing = append(missing, w)
		}
	}
	return missing
}

// unpreserved lists must-keep items carried by the archived entries that no
// longer appear in the rolling summary.
func unpreserved(entries []domain.ActivityEntry, sum domain.RollingSummary) []string {
	kept := summary.MustKeepIDs(sum)
	var missing []string
	seen := map[string]bool{}
	note := func(key, label string) {
		if !kept[key] && !seen[label] {
			seen[label] = true
			missing = append(missing, label)
		}
	}
	for _, e := range entries {
		var d *domain.SummaryDelta
		switch {
		case e.Transition != nil:
			d = e.Transition.Summary
		case e.Annotation != nil:
			d = e.Annotation.Summary
		}
		if d == nil {
			continue
		}
		for _, f := range d.Facts {
			if f.MustKeep {
				hash := f.Hash
				if hash == "" {
					hash = summary.FactHash(f.Text)
				}
				note(hash, "fact:"+hash[:12])
			}
		}
		for _, dec := range d.Decisions {
			if dec.MustKeep {
				note(dec.ID, "decision:"+dec.ID)
			}
		}
		for _, rk := range d.Risks {
			if rk.MustKeep {
				note(rk.ID, "risk:"+rk.ID)
			}
		}
	}
	return missing
}
