// Package summary maintains the per-task rolling summary: a single live
// digest with five slots (context, facts, decisions, risks, next actions),
// updated by merging structured deltas carried on ledger entries. Merges are
// idempotent so the summary can be rebuilt by replaying the ledger.
package summary

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateflow/internal/domain"
)

// ErrUncitedFact rejects a fact submitted without a citation. The engine
// aborts the whole transition when this surfaces, so an uncited fact never
// lands in the ledger.
var ErrUncitedFact = errors.New("fact requires a citation")

// FactHash returns the dedup key for a fact: sha256 over the text with
// case and whitespace normalized away.
func FactHash(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// CheckDelta validates a delta before it is appended to the ledger and
// stamps fact hashes in place.
func CheckDelta(d *domain.SummaryDelta) error {
	if d == nil {
		return nil
	}
	for i := range d.Facts {
		if strings.TrimSpace(d.Facts[i].Citation) == "" {
			return fmt.Errorf("%w: %q", ErrUncitedFact, d.Facts[i].Text)
		}
		d.Facts[i].Hash = FactHash(d.Facts[i].Text)
	}
	for _, dec := range d.Decisions {
		if dec.ID == "" {
			return errors.New("decision requires an id")
		}
	}
	for _, rk := range d.Risks {
		if rk.ID == "" {
			return errors.New("risk requires an id")
		}
	}
	return nil
}

func deltaOf(entry domain.ActivityEntry) *domain.SummaryDelta {
	switch {
	case entry.Transition != nil:
		return entry.Transition.Summary
	case entry.Annotation != nil:
		return entry.Annotation.Summary
	}
	return nil
}

// Apply merges the delta carried by entry into s. Entries at or below
// UpdatedSeq are skipped, which makes replay after a crash or a rebuild
// from scratch produce the same summary.
func Apply(s *domain.RollingSummary, entry domain.ActivityEntry) error {
	if entry.Seq <= s.UpdatedSeq {
		return nil
	}
	d := deltaOf(entry)
	if d == nil {
		s.UpdatedSeq = entry.Seq
		return nil
	}
	if err := CheckDelta(d); err != nil {
		return err
	}

	if strings.TrimSpace(d.Context) != "" {
		s.Context = d.Context
	}
	for _, f := range d.Facts {
		mergeFact(s, f)
	}
	for _, dec := range d.Decisions {
		mergeDecision(s, dec)
	}
	for _, rk := range d.Risks {
		mergeRisk(s, rk, entry.TS, entry.Seq)
	}
	for _, n := range d.Next {
		mergeNext(s, n)
	}
	for _, done := range d.Done {
		removeNext(s, done)
	}

	s.UpdatedSeq = entry.Seq
	s.UpdatedAt = entry.TS
	return nil
}

func mergeFact(s *domain.RollingSummary, f domain.Fact) {
	for i := range s.Facts {
		if s.Facts[i].Hash == f.Hash {
			if f.MustKeep {
				s.Facts[i].MustKeep = true
			}
			return
		}
	}
	s.Facts = append(s.Facts, f)
}

func mergeDecision(s *domain.RollingSummary, dec domain.Decision) {
	for i := range s.Decisions {
		if s.Decisions[i].ID == dec.ID {
			mustKeep := s.Decisions[i].MustKeep || dec.MustKeep
			s.Decisions[i] = dec
			s.Decisions[i].MustKeep = mustKeep
			return
		}
	}
	s.Decisions = append(s.Decisions, dec)
}

func mergeRisk(s *domain.RollingSummary, rk domain.Risk, ts string, seq int64) {
	for i := range s.Risks {
		if s.Risks[i].Risk.ID != rk.ID {
			continue
		}
		prev := &s.Risks[i]
		if prev.Risk.RAG != rk.RAG {
			prev.RAGHistory = append(prev.RAGHistory, domain.RAGChange{RAG: rk.RAG, TS: ts, Seq: seq})
		}
		mustKeep := prev.Risk.MustKeep || rk.MustKeep
		prev.Risk = rk
		prev.Risk.MustKeep = mustKeep
		return
	}
	s.Risks = append(s.Risks, domain.RiskState{
		Risk:       rk,
		RAGHistory: []domain.RAGChange{{RAG: rk.RAG, TS: ts, Seq: seq}},
	})
}

func mergeNext(s *domain.RollingSummary, n domain.NextAction) {
	for i := range s.Next {
		if s.Next[i].ID == n.ID {
			s.Next[i] = n
			return
		}
	}
	s.Next = append(s.Next, n)
}

func removeNext(s *domain.RollingSummary, id string) {
	for i := range s.Next {
		if s.Next[i].ID == id {
			s.Next = append(s.Next[:i], s.Next[i+1:]...)
			return
		}
	}
}

// MarkStale flags queued next actions whose due date has passed.
func MarkStale(s *domain.RollingSummary, now time.Time) {
	for i := range s.Next {
		if s.Next[i].DueAt == "" {
			continue
		}
		due, err := time.Parse(time.RFC3339, s.Next[i].DueAt)
		if err != nil {
			continue
		}
		s.Next[i].Stale = now.After(due)
	}
}

// Rebuild replays entries in order and returns the resulting summary.
// Archive pointers contribute nothing; the compacted deltas already live in
// the stored summary, and a full rebuild needs the archived entries inlined
// by the caller.
func Rebuild(taskID string, entries []domain.ActivityEntry) (domain.RollingSummary, error) {
	s := domain.RollingSummary{TaskID: taskID}
	for _, e := range entries {
		if err := Apply(&s, e); err != nil {
			return domain.RollingSummary{}, fmt.Errorf("replay seq %d: %w", e.Seq, err)
		}
	}
	return s, nil
}

// MustKeepIDs collects the identifiers of must-keep facts, decisions, and
// risks. Compaction verifies these survive in the summary before swapping
// out a ledger prefix.
func MustKeepIDs(s domain.RollingSummary) map[string]bool {
	keep := map[string]bool{}
	for _, f := range s.Facts {
		if f.MustKeep {
			keep[f.Hash] = true
		}
	}
	for _, d := range s.Decisions {
		if d.MustKeep {
			keep[d.ID] = true
		}
	}
	for _, r := range s.Risks {
		if r.Risk.MustKeep {
			keep[r.Risk.ID] = true
		}
	}
	return keep
}
