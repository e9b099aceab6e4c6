package compact_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateflow/internal/catalog"
	"gateflow/internal/compact"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/migrate"
)

func newCompactEnv(t *testing.T) (*engine.Engine, compact.Compactor) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	cfg.Compaction.Threshold = 10
	cfg.Compaction.RetainN = 3
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(conn, cfg, cat)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	comp := compact.Compactor{
		DB:     eng.DB,
		Repo:   eng.Repo,
		Ledger: eng.Ledger,
		Config: cfg,
		Locks:  eng.Locks,
		Now:    eng.Now,
	}
	return eng, comp
}

func startTask(t *testing.T, eng *engine.Engine, taskID string, delta *domain.SummaryDelta) {
	t.Helper()
	_, err := eng.Transition(context.Background(), engine.TransitionRequest{
		TaskID:     taskID,
		TargetGate: "product.discovery",
		ActorID:    "product-1",
		ActorRole:  "product",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
		Summary:    delta,
	})
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
}

func annotate(t *testing.T, eng *engine.Engine, taskID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := eng.Annotate(context.Background(), engine.AnnotateRequest{
			TaskID:  taskID,
			ActorID: "product-1",
			Text:    "working note",
		}); err != nil {
			t.Fatalf("annotate: %v", err)
		}
	}
}

func TestNotNeededBelowThreshold(t *testing.T) {
	eng, comp := newCompactEnv(t)
	startTask(t, eng, "T-1", nil)
	annotate(t, eng, "T-1", 3)

	_, err := comp.Run(context.Background(), "T-1", "pm-1", "", false, nil)
	if !errors.Is(err, compact.ErrNotNeeded) {
		t.Fatalf("expected not needed, got %v", err)
	}
}

func TestRunArchivesColdPrefix(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", nil)
	annotate(t, eng, "T-1", 11) // 12 entries, over the threshold of 10

	arch, err := comp.Run(ctx, "T-1", "pm-1", "quarterly cleanup", false, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if arch.FromSeq != 1 || arch.ToSeq != 9 {
		t.Fatalf("archived range [%d,%d]", arch.FromSeq, arch.ToSeq)
	}
	if len(arch.Entries) != 9 {
		t.Fatalf("archive holds %d entries", len(arch.Entries))
	}

	live, err := eng.Ledger.ReadRange(ctx, "T-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// pointer at 9, retained 10..12, compaction note at 13
	if len(live) != 5 {
		t.Fatalf("live log = %d entries", len(live))
	}
	if live[0].Kind != domain.EntryArchivePointer || live[0].Seq != 9 {
		t.Fatalf("first live entry = %+v", live[0])
	}
	if live[0].Archive.ArchiveID != arch.ID {
		t.Fatal("pointer does not reference the archive")
	}
	last := live[len(live)-1]
	if last.Kind != domain.EntryCompaction || last.Compaction.ToSeq != 9 {
		t.Fatalf("last entry = %+v", last)
	}

	stored, err := eng.Repo.GetArchive(ctx, arch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Entries) != 9 || stored.Rationale != "quarterly cleanup" {
		t.Fatalf("stored archive = %+v", stored)
	}
}

func TestOpenQuestionPinsBoundary(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", nil)
	q, err := eng.RaiseQuestion(ctx, engine.QuestionRequest{
		TaskID:  "T-1",
		ActorID: "product-1",
		Text:    "pricing unclear",
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.CreatedSeq != 2 {
		t.Fatalf("question created at seq %d", q.CreatedSeq)
	}
	annotate(t, eng, "T-1", 10) // seqs 3..12

	// retain-3 would archive up to 9, but the open question pins seq 2
	arch, err := comp.Run(ctx, "T-1", "pm-1", "", true, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if arch.ToSeq != 1 {
		t.Fatalf("to_seq = %d, want 1", arch.ToSeq)
	}

	// resolving the question releases the boundary
	if _, err := eng.ResolveQuestion(ctx, "T-1", q.ID, "product-1", "priced"); err != nil {
		t.Fatal(err)
	}
	arch, err = comp.Run(ctx, "T-1", "pm-1", "", true, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// compaction note at 13, resolution at 14, retain-3 keeps the tail
	if arch.ToSeq != 11 {
		t.Fatalf("to_seq = %d", arch.ToSeq)
	}
}

func TestOpenRiskPinsBoundary(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", nil)
	rk, err := eng.UpsertRisk(ctx, "T-1", "qa-1", domain.Risk{
		ID:          "R-1",
		Description: "flaky e2e environment",
		RAG:         domain.RAGAmber,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rk.CreatedSeq != 2 {
		t.Fatalf("risk anchored at seq %d", rk.CreatedSeq)
	}
	annotate(t, eng, "T-1", 10) // seqs 3..12

	// retain-3 would archive up to 9, but the open risk pins seq 2
	arch, err := comp.Run(ctx, "T-1", "pm-1", "", true, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if arch.ToSeq != 1 {
		t.Fatalf("to_seq = %d, want 1", arch.ToSeq)
	}

	// resolving the risk releases the boundary; the anchor survives the
	// update
	rk, err = eng.UpsertRisk(ctx, "T-1", "qa-1", domain.Risk{
		ID:          "R-1",
		Description: "flaky e2e environment",
		RAG:         domain.RAGGreen,
		Status:      "resolved",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rk.CreatedSeq != 2 {
		t.Fatalf("anchor moved to %d", rk.CreatedSeq)
	}
	arch, err = comp.Run(ctx, "T-1", "pm-1", "", true, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// compaction note at 13, resolution note at 14, retain-3 keeps the tail
	if arch.ToSeq != 11 {
		t.Fatalf("to_seq = %d", arch.ToSeq)
	}
}

func TestCallerMustKeepChecked(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", &domain.SummaryDelta{
		Decisions: []domain.Decision{{ID: "D-7", Text: "ship behind a flag", Status: "approved"}},
	})
	annotate(t, eng, "T-1", 11)

	// naming an item the summary does not hold aborts the run
	_, err := comp.Run(ctx, "T-1", "pm-1", "", true, []string{"decision:D-9"})
	var mk *compact.MustKeepError
	if !errors.As(err, &mk) {
		t.Fatalf("expected must-keep error, got %v", err)
	}
	if len(mk.Missing) != 1 || mk.Missing[0] != "decision:D-9" {
		t.Fatalf("missing = %v", mk.Missing)
	}
	live, err := eng.Ledger.LiveLen(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if live != 12 {
		t.Fatalf("live log shrank to %d", live)
	}

	// a present item passes and the run proceeds
	arch, err := comp.Run(ctx, "T-1", "pm-1", "", true, []string{"decision:D-7"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if arch.ToSeq != 9 {
		t.Fatalf("to_seq = %d", arch.ToSeq)
	}
}

func TestMustKeepGuardsArchival(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", &domain.SummaryDelta{
		Decisions: []domain.Decision{{ID: "D-1", Text: "single-tenant only", Status: "approved", MustKeep: true}},
	})
	annotate(t, eng, "T-1", 11)

	// simulate a summary that lost the must-keep decision
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.UpsertSummary(ctx, tx, domain.RollingSummary{TaskID: "T-1", UpdatedSeq: 12}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = comp.Run(ctx, "T-1", "pm-1", "", true, nil)
	var mk *compact.MustKeepError
	if !errors.As(err, &mk) {
		t.Fatalf("expected must-keep error, got %v", err)
	}
	if len(mk.Missing) != 1 || mk.Missing[0] != "decision:D-1" {
		t.Fatalf("missing = %v", mk.Missing)
	}

	// nothing was archived
	live, err := eng.Ledger.LiveLen(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if live != 12 {
		t.Fatalf("live log shrank to %d", live)
	}
}

func TestRetryReusesExistingArchive(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", nil)
	annotate(t, eng, "T-1", 11)

	// a prior run snapshotted [1,9] and crashed before the pointer swap
	entries, err := eng.Ledger.ReadRange(ctx, "T-1", 1, 9)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	prior := domain.Archive{
		ID:        "A-prior",
		TaskID:    "T-1",
		FromSeq:   1,
		ToSeq:     9,
		ActorID:   "pm-1",
		CreatedAt: "2026-03-01T11:00:00Z",
		Entries:   entries,
	}
	if err := eng.Repo.InsertArchive(ctx, tx, prior); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	arch, err := comp.Run(ctx, "T-1", "pm-1", "", false, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if arch.ID != "A-prior" {
		t.Fatalf("archive id = %s, want reuse of A-prior", arch.ID)
	}
}

func TestRebuildSummaryReadsThroughArchive(t *testing.T) {
	eng, comp := newCompactEnv(t)
	ctx := context.Background()
	startTask(t, eng, "T-1", &domain.SummaryDelta{
		Facts: []domain.Fact{{Text: "p95 latency is 120ms", Citation: "evidence:market_research", MustKeep: true}},
	})
	annotate(t, eng, "T-1", 11)

	if _, err := comp.Run(ctx, "T-1", "pm-1", "", false, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	sum, err := eng.RebuildSummary(ctx, "T-1")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(sum.Facts) != 1 || sum.Facts[0].Text != "p95 latency is 120ms" {
		t.Fatalf("rebuilt summary = %+v", sum)
	}
	if !sum.Facts[0].MustKeep {
		t.Fatal("must-keep flag lost across the archive boundary")
	}
}
