package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gateflow/internal/catalog"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/migrate"
	"gateflow/internal/validate"
)

func newTestEngine(t *testing.T) *engine.Engine {
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
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(conn, cfg, cat)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return eng
}

// steps is the canonical walk through all nine gates: gate, acting role,
// evidence kinds the gate requires.
var steps = []struct {
	gate  string
	role  string
	kinds []string
}{
	{"product.discovery", "product", []string{"market_research", "user_interviews"}},
	{"product.prd", "product", []string{"prd_document"}},
	{"agile.planning", "agile", []string{"backlog", "estimates"}},
	{"code.implement", "engineering", []string{"change_set", "unit_tests"}},
	{"code.review", "engineering", []string{"review_notes"}},
	{"qa.ready", "qa", []string{"test_plan"}},
	{"qa.contract", "qa", []string{"api_contracts"}},
	{"qa.e2e", "qa", []string{"e2e_results"}},
	{"pm.sync", "pm", []string{"status_report"}},
}

func advance(t *testing.T, eng *engine.Engine, taskID, gate, role string, kinds []string) engine.Result {
	t.Helper()
	res, err := eng.Transition(context.Background(), engine.TransitionRequest{
		TaskID:     taskID,
		TargetGate: gate,
		ActorID:    role + "-1",
		ActorRole:  role,
		Evidence:   &engine.EvidenceInput{Kinds: kinds},
	})
	if err != nil {
		t.Fatalf("advance %s to %s: %v", taskID, gate, err)
	}
	return res
}

// walkTo advances the task through the canonical sequence up to and
// including the named gate.
func walkTo(t *testing.T, eng *engine.Engine, taskID, gate string) engine.Result {
	t.Helper()
	var res engine.Result
	for _, s := range steps {
		res = advance(t, eng, taskID, s.gate, s.role, s.kinds)
		if s.gate == gate {
			return res
		}
	}
	t.Fatalf("gate %s not in canonical walk", gate)
	return res
}

func asEngineErr(t *testing.T, err error) *engine.Error {
	t.Helper()
	var e *engine.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected engine error, got %v", err)
	}
	return e
}

func TestFirstCommandCreatesTask(t *testing.T) {
	eng := newTestEngine(t)
	res := advance(t, eng, "T-1", "product.discovery", "product", []string{"market_research", "user_interviews"})
	if res.Task.Status != domain.StatusActive || res.Task.CurrentGate != "product.discovery" {
		t.Fatalf("task = %+v", res.Task)
	}
	if res.Seq != 1 {
		t.Fatalf("seq = %d", res.Seq)
	}
	if res.Entry.Transition == nil || res.Entry.Transition.Type != domain.TransitionAdvance || res.Entry.Transition.Outcome != "applied" {
		t.Fatalf("entry = %+v", res.Entry)
	}
}

func TestHappyPathEndsSynced(t *testing.T) {
	eng := newTestEngine(t)
	res := walkTo(t, eng, "T-1", "pm.sync")
	if res.Task.Status != domain.StatusSynced {
		t.Fatalf("status = %s", res.Task.Status)
	}
	if res.Task.SyncedAt == nil {
		t.Fatal("synced_at not set")
	}
	if res.Seq != 9 {
		t.Fatalf("seq = %d", res.Seq)
	}

	// terminal tasks are frozen
	_, err := eng.Transition(context.Background(), engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "pm.sync",
		ActorID:    "pm-1",
		ActorRole:  "pm",
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeOutOfOrder {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestStrictMissingEvidenceBlocksInPlace(t *testing.T) {
	eng := newTestEngine(t)
	walkTo(t, eng, "T-1", "qa.ready")

	ctx := context.Background()
	_, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "qa.contract",
		Mode:       domain.ModeStrict,
		ActorID:    "qa-1",
		ActorRole:  "qa",
	})
	e := asEngineErr(t, err)
	if e.Code != validate.CodeMissingEvidence {
		t.Fatalf("code = %s", e.Code)
	}
	if len(e.Missing) != 1 || e.Missing[0] != "api_contracts" {
		t.Fatalf("missing = %v", e.Missing)
	}

	task, err := eng.Repo.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentGate != "qa.ready" {
		t.Fatalf("gate moved to %s", task.CurrentGate)
	}

	// the blocked attempt is itself a ledger entry
	log, err := eng.Log(ctx, "T-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := log[len(log)-1]
	if last.Transition == nil || last.Transition.Outcome != "blocked" {
		t.Fatalf("last entry = %+v", last)
	}
	if last.Transition.ToGate != "qa.contract" {
		t.Fatalf("blocked to_gate = %s", last.Transition.ToGate)
	}
}

func TestTolerantAdvanceOpensQuestions(t *testing.T) {
	eng := newTestEngine(t)
	walkTo(t, eng, "T-1", "qa.ready")

	res, err := eng.Transition(context.Background(), engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "qa.contract",
		Mode:       domain.ModeTolerant,
		ActorID:    "qa-1",
		ActorRole:  "qa",
	})
	if err != nil {
		t.Fatalf("tolerant advance: %v", err)
	}
	if res.Task.CurrentGate != "qa.contract" {
		t.Fatalf("gate = %s", res.Task.CurrentGate)
	}
	if len(res.Questions) != 1 {
		t.Fatalf("questions = %+v", res.Questions)
	}
	q := res.Questions[0]
	if q.EvidenceKind != "api_contracts" || q.Owner != "qa" || q.Status != "open" {
		t.Fatalf("question = %+v", q)
	}
	if q.CreatedSeq != res.Seq {
		t.Fatalf("created_seq = %d, want %d", q.CreatedSeq, res.Seq)
	}
}

func TestUnresolvedQuestionsBlockFinalSync(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "qa.ready")

	// tolerant advance leaves one open question behind
	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "qa.contract",
		Mode:       domain.ModeTolerant,
		ActorID:    "qa-1",
		ActorRole:  "qa",
	})
	if err != nil {
		t.Fatal(err)
	}
	advance(t, eng, "T-1", "qa.e2e", "qa", []string{"e2e_results"})

	_, err = eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "pm.sync",
		ActorID:    "pm-1",
		ActorRole:  "pm",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"status_report"}},
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeQuestionsUnresolved {
		t.Fatalf("code = %s", e.Code)
	}

	if _, err := eng.ResolveQuestion(ctx, "T-1", res.Questions[0].ID, "qa-1", "contracts attached"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	final := advance(t, eng, "T-1", "pm.sync", "pm", []string{"status_report"})
	if final.Task.Status != domain.StatusSynced {
		t.Fatalf("status = %s", final.Task.Status)
	}
}

func TestRollbackRequiresRegisteredRisk(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "qa.e2e")

	_, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "code.implement",
		Rollback:   true,
		RiskRef:    "R-9",
		ActorID:    "eng-1",
		ActorRole:  "engineering",
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeRiskRefRequired {
		t.Fatalf("code = %s", e.Code)
	}

	if _, err := eng.UpsertRisk(ctx, "T-1", "qa-1", domain.Risk{
		ID:          "R-9",
		Description: "contract drift found in e2e",
		RAG:         domain.RAGRed,
	}); err != nil {
		t.Fatalf("upsert risk: %v", err)
	}

	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "code.implement",
		Rollback:   true,
		RiskRef:    "R-9",
		ActorID:    "eng-1",
		ActorRole:  "engineering",
	})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.Task.Status != domain.StatusBlocked || res.Task.CurrentGate != "code.implement" {
		t.Fatalf("task = %+v", res.Task)
	}
	if res.Entry.Transition.Type != domain.TransitionRollback || res.Entry.Transition.RiskRef != "R-9" {
		t.Fatalf("entry = %+v", res.Entry.Transition)
	}

	// working forward again clears the blocked status
	next := advance(t, eng, "T-1", "code.review", "engineering", []string{"review_notes"})
	if next.Task.Status != domain.StatusActive {
		t.Fatalf("status = %s", next.Task.Status)
	}
}

func TestUncitedFactAbortsWithoutRecording(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "product.discovery")

	before, err := eng.Ledger.MaxSeq(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.prd",
		ActorID:    "product-1",
		ActorRole:  "product",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"prd_document"}},
		Summary:    &domain.SummaryDelta{Facts: []domain.Fact{{Text: "churn is 4%"}}},
	})
	if e := asEngineErr(t, err); e.Code != engine.CodeUncitedFact {
		t.Fatalf("code = %s", e.Code)
	}
	after, err := eng.Ledger.MaxSeq(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("ledger grew from %d to %d", before, after)
	}
	task, err := eng.Repo.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentGate != "product.discovery" {
		t.Fatalf("gate = %s", task.CurrentGate)
	}
}

func TestSummaryFollowsTransitions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.discovery",
		ActorID:    "product-1",
		ActorRole:  "product",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
		Summary: &domain.SummaryDelta{
			Context: "self-serve onboarding revamp",
			Facts:   []domain.Fact{{Text: "churn is 4% monthly", Citation: "evidence:market_research", MustKeep: true}},
			Next:    []domain.NextAction{{ID: "N-1", Text: "draft prd", Owner: "product"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Context != "self-serve onboarding revamp" || len(res.Summary.Facts) != 1 {
		t.Fatalf("summary = %+v", res.Summary)
	}
	if res.Summary.UpdatedSeq != res.Seq {
		t.Fatalf("updated_seq = %d", res.Summary.UpdatedSeq)
	}

	// rebuild from the log converges to the same summary
	rebuilt, err := eng.RebuildSummary(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt.Context != res.Summary.Context || len(rebuilt.Facts) != 1 || rebuilt.UpdatedSeq != res.Seq {
		t.Fatalf("rebuilt = %+v", rebuilt)
	}
}

func TestRefineVersionsEvidence(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "product.discovery")

	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.discovery",
		Refine:     true,
		ActorID:    "product-1",
		ActorRole:  "product",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Entry.Transition.Type != domain.TransitionRefine {
		t.Fatalf("type = %s", res.Entry.Transition.Type)
	}
	cur, err := eng.Repo.CurrentEvidence(ctx, "T-1", "product.discovery")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 2 || cur.SupersededBy != nil {
		t.Fatalf("current evidence = %+v", cur)
	}
	all, err := eng.Repo.ListEvidence(ctx, "T-1", "product.discovery")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].SupersededBy == nil {
		t.Fatalf("history = %+v", all)
	}
}

func TestAdvanceToCurrentGateIsOutOfOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "product.discovery")

	_, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.discovery",
		ActorID:    "product-1",
		ActorRole:  "product",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeOutOfOrder {
		t.Fatalf("code = %s", e.Code)
	}
	task, err := eng.Repo.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentGate != "product.discovery" || task.Status != domain.StatusActive {
		t.Fatalf("task = %+v", task)
	}
}

func TestConcurrentAdvancesAdmitOne(t *testing.T) {
	eng := newTestEngine(t)
	walkTo(t, eng, "T-1", "code.review")

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Transition(context.Background(), engine.TransitionRequest{
				TaskID:     "T-1",
				TargetGate: "qa.ready",
				ActorID:    "qa-1",
				ActorRole:  "qa",
				Evidence:   &engine.EvidenceInput{Kinds: []string{"test_plan"}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		e := asEngineErr(t, err)
		if e.Code != engine.CodeBusy && e.Code != validate.CodeOutOfOrder {
			t.Fatalf("loser code = %s", e.Code)
		}
	}
	if wins != 1 {
		t.Fatalf("successes = %d, want exactly 1", wins)
	}
	task, err := eng.Repo.GetTask(context.Background(), "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentGate != "qa.ready" {
		t.Fatalf("gate = %s", task.CurrentGate)
	}
}

func TestBranchForksAndStitchesLog(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "agile.planning")

	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		ChildID:    "T-1-spike",
		TargetGate: "code.implement",
		Mode:       domain.ModeBranch,
		ActorID:    "eng-1",
		ActorRole:  "engineering",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"change_set", "unit_tests"}},
	})
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	child := res.Task
	if child.ForkedFrom == nil || *child.ForkedFrom != "T-1" {
		t.Fatalf("forked_from = %v", child.ForkedFrom)
	}
	if child.ForkSeq == nil || *child.ForkSeq != 3 {
		t.Fatalf("fork_seq = %v", child.ForkSeq)
	}
	if res.Seq != 4 {
		t.Fatalf("fork entry seq = %d", res.Seq)
	}

	// the child's log reads as one sequence across the fork
	log, err := eng.Log(ctx, "T-1-spike", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 4 {
		t.Fatalf("stitched log = %d entries", len(log))
	}
	for i, entry := range log {
		if entry.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, entry.Seq)
		}
	}
	if log[2].TaskID != "T-1" || log[3].TaskID != "T-1-spike" {
		t.Fatal("stitched log does not cross the fork point")
	}

	// the parent is untouched
	parent, err := eng.Repo.GetTask(ctx, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent.CurrentGate != "agile.planning" || parent.Status != domain.StatusActive {
		t.Fatalf("parent = %+v", parent)
	}

	// a second branch cannot reuse the child id
	_, err = eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		ChildID:    "T-1-spike",
		TargetGate: "code.implement",
		Mode:       domain.ModeBranch,
		ActorID:    "eng-1",
		ActorRole:  "engineering",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"change_set", "unit_tests"}},
	})
	if e := asEngineErr(t, err); e.Code != engine.CodeInvalid {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestAbandonIsTerminal(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	walkTo(t, eng, "T-1", "code.implement")

	res, err := eng.Abandon(ctx, "T-1", "product-1", "product", "descoped for this quarter")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if res.Task.Status != domain.StatusAbandoned {
		t.Fatalf("status = %s", res.Task.Status)
	}
	if res.Entry.Transition.Type != domain.TransitionAbandon {
		t.Fatalf("entry = %+v", res.Entry.Transition)
	}

	if _, err := eng.Abandon(ctx, "T-1", "product-1", "product", "again"); err == nil {
		t.Fatal("expected error abandoning a terminal task")
	}
	_, err = eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "code.review",
		ActorID:    "eng-1",
		ActorRole:  "engineering",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"review_notes"}},
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeOutOfOrder {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestAnnotateUnknownTask(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.Annotate(context.Background(), engine.AnnotateRequest{
		TaskID:  "missing",
		ActorID: "pm-1",
		Text:    "note",
	})
	if e := asEngineErr(t, err); e.Code != engine.CodeNotFound {
		t.Fatalf("code = %s", e.Code)
	}
}

func TestActorRegistryResolvesRole(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// unknown actor with no explicit role is unauthorized
	_, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.discovery",
		ActorID:    "dana",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
	})
	if e := asEngineErr(t, err); e.Code != validate.CodeUnauthorized {
		t.Fatalf("code = %s", e.Code)
	}

	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Repo.EnsureActor(ctx, tx, "dana", "product", "2026-03-01T00:00:00Z"); err != nil {
		t.Fatalf("register actor: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID:     "T-1",
		TargetGate: "product.discovery",
		ActorID:    "dana",
		Evidence:   &engine.EvidenceInput{Kinds: []string{"market_research", "user_interviews"}},
	})
	if err != nil {
		t.Fatalf("advance with registered role: %v", err)
	}
	if res.Entry.Transition.ActorRole != "product" {
		t.Fatalf("actor_role = %s", res.Entry.Transition.ActorRole)
	}
}
