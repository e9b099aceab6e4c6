// Package engine orchestrates gate transitions: per-task locking, the
// validate/apply cycle, evidence versioning, open-question bookkeeping, and
// the rolling summary. All writes for one command happen in one transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateflow/internal/catalog"
	"gateflow/internal/config"
	"gateflow/internal/domain"
	"gateflow/internal/ledger"
	"gateflow/internal/lock"
	"gateflow/internal/repo"
	"gateflow/internal/summary"
	"gateflow/internal/validate"
)

// Error codes beyond the validator's.
const (
	CodeBusy        = "busy"
	CodeUncitedFact = "uncited_fact"
	CodeNotFound    = "not_found"
	CodeInvalid     = "invalid"
)

// Error is a typed failure with a stable code for transport mapping.
type Error struct {
	Code    string
	Message string
	Missing []string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func codeErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Catalog *catalog.Catalog
	Config  *config.Config
	Locks   *lock.TaskLocks
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, cat *catalog.Catalog) *Engine {
	return &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Ledger:  ledger.Ledger{DB: db},
		Catalog: cat,
		Config:  cfg,
		Locks:   lock.NewTaskLocks(),
		Now:     time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) lockWait() time.Duration {
	ms := 2000
	if e.Config != nil && e.Config.Lock.WaitMillis > 0 {
		ms = e.Config.Lock.WaitMillis
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) acquire(taskID string) (func(), error) {
	release, err := e.Locks.Acquire(taskID, e.lockWait())
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, codeErr(CodeBusy, "task %s has a write in flight", taskID)
		}
		return nil, err
	}
	return release, nil
}

// resolveRole fills in the actor's registered role when the request does
// not carry one.
func (e *Engine) resolveRole(ctx context.Context, actorID, role string) (string, error) {
	if role != "" {
		return role, nil
	}
	a, err := e.Repo.GetActor(ctx, actorID)
	if err == repo.ErrNotFound {
		return "", codeErr(validate.CodeUnauthorized, "actor %s has no registered role", actorID)
	}
	if err != nil {
		return "", err
	}
	return a.Role, nil
}

// EvidenceInput is a typed bundle submitted alongside a transition.
type EvidenceInput struct {
	Kinds  []string
	Fields map[string]any
}

// TransitionRequest is one gate-transition command.
type TransitionRequest struct {
	TaskID     string
	TargetGate string
	Mode       string
	Rollback   bool
	Refine     bool
	ActorID    string
	ActorRole  string
	Evidence   *EvidenceInput
	RiskRef    string
	Summary    *domain.SummaryDelta

	// Branch mode only: the id of the forked child task.
	ChildID string
}

// Result is the outcome of an applied command.
type Result struct {
	Task      domain.Task           `json:"task"`
	Seq       int64                 `json:"seq"`
	Entry     domain.ActivityEntry  `json:"entry"`
	Summary   domain.RollingSummary `json:"summary"`
	Questions []domain.OpenQuestion `json:"open_questions,omitempty"`
}

// Transition validates and applies one gate transition. Blocked attempts
// are themselves recorded in the ledger with outcome=blocked; the typed
// error still reports the blocking code to the caller.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (Result, error) {
	if req.TaskID == "" {
		return Result{}, codeErr(CodeInvalid, "task id required")
	}
	if req.Mode == domain.ModeBranch {
		return e.branch(ctx, req)
	}
	release, err := e.acquire(req.TaskID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	role, err := e.resolveRole(ctx, req.ActorID, req.ActorRole)
	if err != nil {
		return Result{}, err
	}
	req.ActorRole = role

	// Evidence kinds in scope: the live bundle for the target gate plus
	// whatever this command submits. Read before the transaction opens;
	// the per-task lock keeps it stable.
	var kinds []string
	if cur, err := e.Repo.CurrentEvidence(ctx, req.TaskID, req.TargetGate); err == nil {
		kinds = append(kinds, cur.Kinds...)
	} else if err != repo.ErrNotFound {
		return Result{}, err
	}
	if req.Evidence != nil {
		kinds = append(kinds, req.Evidence.Kinds...)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	task, created, err := e.loadOrCreateTask(ctx, tx, req.TaskID, role, now)
	if err != nil {
		return Result{}, err
	}
	// The draft row goes in before any ledger write: activity and question
	// rows reference tasks(id). An aborted command rolls it back with the
	// rest of the transaction.
	if created {
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return Result{}, err
		}
	}

	open, err := e.Repo.OpenQuestionsTx(ctx, tx, req.TaskID)
	if err != nil {
		return Result{}, err
	}

	decision := validate.Check(e.Catalog, task, validate.Request{
		TargetGate:          req.TargetGate,
		Mode:                req.Mode,
		ActorID:             req.ActorID,
		ActorRole:           role,
		EvidenceKinds:       kinds,
		RiskRef:             req.RiskRef,
		Rollback:            req.Rollback,
		Refine:              req.Refine,
		UnresolvedQuestions: len(open),
		EscalationBlocks:    e.escalationBlocks(req.TargetGate),
	})

	if decision.Outcome != validate.OutcomeAllow {
		seq, recErr := e.recordBlocked(ctx, tx, task, req, decision, now)
		if recErr != nil {
			return Result{}, recErr
		}
		if err := tx.Commit(); err != nil {
			return Result{}, err
		}
		return Result{Task: task, Seq: seq}, &Error{
			Code:    decision.Code,
			Message: decision.Reason,
			Missing: decision.MissingKinds,
		}
	}

	// An uncited fact aborts the whole command; nothing is recorded.
	if err := summary.CheckDelta(req.Summary); err != nil {
		if errors.Is(err, summary.ErrUncitedFact) {
			return Result{}, &Error{Code: CodeUncitedFact, Message: err.Error()}
		}
		return Result{}, codeErr(CodeInvalid, "%s", err.Error())
	}

	draft := decision.Draft
	if draft.Type == domain.TransitionRollback {
		if _, err := e.Repo.GetRiskTx(ctx, tx, req.RiskRef); err == repo.ErrNotFound {
			return Result{}, codeErr(validate.CodeRiskRefRequired, "risk %s not found", req.RiskRef)
		} else if err != nil {
			return Result{}, err
		}
	}

	if req.Evidence != nil {
		ev, err := e.Repo.InsertEvidence(ctx, tx, domain.Evidence{
			ID:          uuid.NewString(),
			TaskID:      req.TaskID,
			GateID:      req.TargetGate,
			Kinds:       req.Evidence.Kinds,
			Fields:      req.Evidence.Fields,
			SubmittedBy: req.ActorID,
			CreatedAt:   now,
		})
		if err != nil {
			return Result{}, err
		}
		draft.EvidenceRefs = append(draft.EvidenceRefs, ev.ID)
	}
	draft.Summary = req.Summary

	entry := domain.ActivityEntry{
		TaskID:     req.TaskID,
		Kind:       domain.EntryTransition,
		TS:         now,
		ActorID:    req.ActorID,
		Transition: &draft,
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	entry.Seq = seq

	// Tolerant mode: every missing evidence kind becomes an open question
	// owned by the target gate's owner, due after the configured SLA.
	var questions []domain.OpenQuestion
	if len(decision.MissingKinds) > 0 {
		target, _ := e.Catalog.Lookup(req.TargetGate)
		due := e.now().UTC().Add(time.Duration(e.Config.QuestionSLAHours()) * time.Hour).Format(time.RFC3339)
		for _, kind := range decision.MissingKinds {
			q := domain.OpenQuestion{
				ID:           uuid.NewString(),
				TaskID:       req.TaskID,
				Text:         fmt.Sprintf("provide %s evidence for gate %s", kind, req.TargetGate),
				EvidenceKind: kind,
				Owner:        target.OwnerRole,
				DueAt:        due,
				Status:       "open",
				CreatedSeq:   seq,
				CreatedAt:    now,
			}
			if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
				return Result{}, err
			}
			questions = append(questions, q)
		}
	}

	sum, err := e.applySummary(ctx, tx, req.TaskID, entry)
	if err != nil {
		return Result{}, err
	}

	task = e.advanceTask(task, draft, now)
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Task: task, Seq: seq, Entry: entry, Summary: sum, Questions: questions}, nil
}

// loadOrCreateTask returns the task row, or a draft for a new id. The caller
// persists the draft before writing ledger rows that reference it.
func (e *Engine) loadOrCreateTask(ctx context.Context, tx *sql.Tx, taskID, role, now string) (domain.Task, bool, error) {
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err == nil {
		return task, false, nil
	}
	if err != repo.ErrNotFound {
		return domain.Task{}, false, err
	}
	return domain.Task{
		ID:        taskID,
		Status:    domain.StatusDraft,
		OwnerRole: role,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (e *Engine) advanceTask(task domain.Task, tr domain.Transition, now string) domain.Task {
	task.CurrentGate = tr.ToGate
	task.UpdatedAt = now
	switch tr.Type {
	case domain.TransitionRollback:
		task.Status = domain.StatusBlocked
	default:
		task.Status = domain.StatusActive
	}
	if tr.ToGate == e.Catalog.Terminal() && tr.Type == domain.TransitionAdvance {
		task.Status = domain.StatusSynced
		task.SyncedAt = &now
	}
	return task
}

// recordBlocked appends a blocked transition attempt to the ledger.
func (e *Engine) recordBlocked(ctx context.Context, tx *sql.Tx, task domain.Task, req TransitionRequest, d validate.Decision, now string) (int64, error) {
	kind := domain.TransitionAdvance
	if req.Rollback {
		kind = domain.TransitionRollback
	} else if req.Refine {
		kind = domain.TransitionRefine
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeStrict
	}
	tr := domain.Transition{
		FromGate:  task.CurrentGate,
		ToGate:    req.TargetGate,
		Type:      kind,
		Mode:      mode,
		ActorID:   req.ActorID,
		ActorRole: req.ActorRole,
		RiskRef:   req.RiskRef,
		Outcome:   "blocked",
		Reason:    fmt.Sprintf("%s: %s", d.Code, d.Reason),
	}
	return e.Ledger.Append(ctx, tx, domain.ActivityEntry{
		TaskID:     task.ID,
		Kind:       domain.EntryTransition,
		TS:         now,
		ActorID:    req.ActorID,
		Transition: &tr,
	})
}

func (e *Engine) escalationBlocks(targetGate string) bool {
	if e.Config == nil || e.Config.Questions.Escalation != "gate" {
		return false
	}
	blocking := e.Config.Questions.BlockingGate
	if blocking == "" {
		blocking = e.Catalog.Terminal()
	}
	return targetGate == blocking
}

func (e *Engine) applySummary(ctx context.Context, tx *sql.Tx, taskID string, entry domain.ActivityEntry) (domain.RollingSummary, error) {
	sum, err := e.Repo.GetSummaryTx(ctx, tx, taskID)
	if err != nil && err != repo.ErrNotFound {
		return domain.RollingSummary{}, err
	}
	sum.TaskID = taskID
	if err := summary.Apply(&sum, entry); err != nil {
		return domain.RollingSummary{}, err
	}
	if err := e.Repo.UpsertSummary(ctx, tx, sum); err != nil {
		return domain.RollingSummary{}, err
	}
	return sum, nil
}

// branch forks a child task from the parent's current position and applies
// the requested transition to the child. The parent is untouched apart from
// holding its lock while the fork point is read.
func (e *Engine) branch(ctx context.Context, req TransitionRequest) (Result, error) {
	if req.ChildID == "" {
		return Result{}, codeErr(CodeInvalid, "branch requires a child task id")
	}
	if req.ChildID == req.TaskID {
		return Result{}, codeErr(CodeInvalid, "child task id must differ from parent")
	}
	release, err := e.acquire(req.TaskID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	childRelease, err := e.acquire(req.ChildID)
	if err != nil {
		return Result{}, err
	}
	defer childRelease()

	role, err := e.resolveRole(ctx, req.ActorID, req.ActorRole)
	if err != nil {
		return Result{}, err
	}
	req.ActorRole = role

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	parent, err := e.Repo.GetTaskTx(ctx, tx, req.TaskID)
	if err == repo.ErrNotFound {
		return Result{}, codeErr(CodeNotFound, "task %s not found", req.TaskID)
	}
	if err != nil {
		return Result{}, err
	}
	if _, err := e.Repo.GetTaskTx(ctx, tx, req.ChildID); err == nil {
		return Result{}, codeErr(CodeInvalid, "task %s already exists", req.ChildID)
	} else if err != repo.ErrNotFound {
		return Result{}, err
	}

	decision := validate.Check(e.Catalog, parent, validate.Request{
		TargetGate:    req.TargetGate,
		Mode:          domain.ModeBranch,
		ActorID:       req.ActorID,
		ActorRole:     role,
		EvidenceKinds: evidenceKinds(req.Evidence),
	})
	if decision.Outcome != validate.OutcomeAllow {
		return Result{}, &Error{Code: decision.Code, Message: decision.Reason, Missing: decision.MissingKinds}
	}
	if err := summary.CheckDelta(req.Summary); err != nil {
		if errors.Is(err, summary.ErrUncitedFact) {
			return Result{}, &Error{Code: CodeUncitedFact, Message: err.Error()}
		}
		return Result{}, codeErr(CodeInvalid, "%s", err.Error())
	}

	var forkSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM activity WHERE task_id=?`, parent.ID).Scan(&forkSeq); err != nil {
		return Result{}, err
	}
	now := e.nowRFC()
	child := domain.Task{
		ID:          req.ChildID,
		Status:      domain.StatusActive,
		CurrentGate: req.TargetGate,
		OwnerRole:   role,
		ForkedFrom:  &parent.ID,
		ForkSeq:     &forkSeq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, tx, child); err != nil {
		return Result{}, err
	}

	draft := decision.Draft
	draft.Summary = req.Summary
	if req.Evidence != nil {
		ev, err := e.Repo.InsertEvidence(ctx, tx, domain.Evidence{
			ID:          uuid.NewString(),
			TaskID:      child.ID,
			GateID:      req.TargetGate,
			Kinds:       req.Evidence.Kinds,
			Fields:      req.Evidence.Fields,
			SubmittedBy: req.ActorID,
			CreatedAt:   now,
		})
		if err != nil {
			return Result{}, err
		}
		draft.EvidenceRefs = append(draft.EvidenceRefs, ev.ID)
	}

	// The fork entry continues the parent's numbering so the stitched log
	// reads as one ordered sequence.
	entry := domain.ActivityEntry{
		TaskID:     child.ID,
		Seq:        forkSeq + 1,
		Kind:       domain.EntryTransition,
		TS:         now,
		ActorID:    req.ActorID,
		Transition: &draft,
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	entry.Seq = seq

	// The child starts with its own summary built from the parent's, so
	// later compaction and rebuilds stay per-task.
	parentSum, err := e.Repo.GetSummaryTx(ctx, tx, parent.ID)
	if err != nil && err != repo.ErrNotFound {
		return Result{}, err
	}
	parentSum.TaskID = child.ID
	parentSum.UpdatedSeq = forkSeq
	if err := summary.Apply(&parentSum, entry); err != nil {
		return Result{}, err
	}
	if err := e.Repo.UpsertSummary(ctx, tx, parentSum); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Task: child, Seq: seq, Entry: entry, Summary: parentSum}, nil
}

func evidenceKinds(ev *EvidenceInput) []string {
	if ev == nil {
		return nil
	}
	return ev.Kinds
}

// Abandon terminally closes a task. Always available to the task's owner
// role regardless of gate position.
func (e *Engine) Abandon(ctx context.Context, taskID, actorID, actorRole, reason string) (Result, error) {
	release, err := e.acquire(taskID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	role, err := e.resolveRole(ctx, actorID, actorRole)
	if err != nil {
		return Result{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err == repo.ErrNotFound {
		return Result{}, codeErr(CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return Result{}, err
	}
	if task.Status == domain.StatusSynced || task.Status == domain.StatusAbandoned {
		return Result{}, codeErr(validate.CodeOutOfOrder, "task %s is already terminal (%s)", taskID, task.Status)
	}

	now := e.nowRFC()
	tr := domain.Transition{
		FromGate:  task.CurrentGate,
		Type:      domain.TransitionAbandon,
		Mode:      domain.ModeStrict,
		ActorID:   actorID,
		ActorRole: role,
		Outcome:   "applied",
		Reason:    reason,
	}
	entry := domain.ActivityEntry{
		TaskID:     taskID,
		Kind:       domain.EntryTransition,
		TS:         now,
		ActorID:    actorID,
		Transition: &tr,
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	entry.Seq = seq

	task.Status = domain.StatusAbandoned
	task.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return Result{}, err
	}
	sum, err := e.applySummary(ctx, tx, taskID, entry)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Task: task, Seq: seq, Entry: entry, Summary: sum}, nil
}

// AnnotateRequest adds a free-form ledger note, optionally carrying a
// summary delta.
type AnnotateRequest struct {
	TaskID  string
	ActorID string
	Text    string
	Summary *domain.SummaryDelta
}

func (e *Engine) Annotate(ctx context.Context, req AnnotateRequest) (Result, error) {
	release, err := e.acquire(req.TaskID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if err := summary.CheckDelta(req.Summary); err != nil {
		if errors.Is(err, summary.ErrUncitedFact) {
			return Result{}, &Error{Code: CodeUncitedFact, Message: err.Error()}
		}
		return Result{}, codeErr(CodeInvalid, "%s", err.Error())
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, req.TaskID)
	if err == repo.ErrNotFound {
		return Result{}, codeErr(CodeNotFound, "task %s not found", req.TaskID)
	}
	if err != nil {
		return Result{}, err
	}

	now := e.nowRFC()
	entry := domain.ActivityEntry{
		TaskID:  req.TaskID,
		Kind:    domain.EntryAnnotation,
		TS:      now,
		ActorID: req.ActorID,
		Annotation: &domain.Annotation{
			Text:    req.Text,
			Summary: req.Summary,
		},
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	entry.Seq = seq
	sum, err := e.applySummary(ctx, tx, req.TaskID, entry)
	if err != nil {
		return Result{}, err
	}
	task.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Task: task, Seq: seq, Entry: entry, Summary: sum}, nil
}

// QuestionRequest raises an explicit open question on a task.
type QuestionRequest struct {
	TaskID  string
	ActorID string
	Text    string
	Owner   string
	DueAt   string
}

func (e *Engine) RaiseQuestion(ctx context.Context, req QuestionRequest) (domain.OpenQuestion, error) {
	release, err := e.acquire(req.TaskID)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	defer release()
	if req.Text == "" {
		return domain.OpenQuestion{}, codeErr(CodeInvalid, "question text required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, req.TaskID)
	if err == repo.ErrNotFound {
		return domain.OpenQuestion{}, codeErr(CodeNotFound, "task %s not found", req.TaskID)
	}
	if err != nil {
		return domain.OpenQuestion{}, err
	}

	now := e.nowRFC()
	due := req.DueAt
	if due == "" {
		due = e.now().UTC().Add(time.Duration(e.Config.QuestionSLAHours()) * time.Hour).Format(time.RFC3339)
	}
	owner := req.Owner
	if owner == "" {
		owner = task.OwnerRole
	}
	q := domain.OpenQuestion{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		Text:      req.Text,
		Owner:     owner,
		DueAt:     due,
		Status:    "open",
		CreatedAt: now,
	}
	entry := domain.ActivityEntry{
		TaskID:  req.TaskID,
		Kind:    domain.EntryAnnotation,
		TS:      now,
		ActorID: req.ActorID,
		Annotation: &domain.Annotation{
			Text:       req.Text,
			QuestionID: q.ID,
		},
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	q.CreatedSeq = seq
	if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
		return domain.OpenQuestion{}, err
	}
	if _, err := e.applySummary(ctx, tx, req.TaskID, entry); err != nil {
		return domain.OpenQuestion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OpenQuestion{}, err
	}
	return q, nil
}

// ResolveQuestion closes an open question and records the resolution in the
// ledger. A blocked task with no remaining open questions returns to active.
func (e *Engine) ResolveQuestion(ctx context.Context, taskID, questionID, actorID, note string) (domain.OpenQuestion, error) {
	release, err := e.acquire(taskID)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err == repo.ErrNotFound {
		return domain.OpenQuestion{}, codeErr(CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return domain.OpenQuestion{}, err
	}

	now := e.nowRFC()
	entry := domain.ActivityEntry{
		TaskID:  taskID,
		Kind:    domain.EntryAnnotation,
		TS:      now,
		ActorID: actorID,
		Annotation: &domain.Annotation{
			Text:       note,
			QuestionID: questionID,
			Resolved:   true,
		},
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	if err := e.Repo.ResolveQuestion(ctx, tx, questionID, seq, now); err == repo.ErrNotFound {
		return domain.OpenQuestion{}, codeErr(CodeNotFound, "open question %s not found on task %s", questionID, taskID)
	} else if err != nil {
		return domain.OpenQuestion{}, err
	}

	remaining, err := e.Repo.OpenQuestionsTx(ctx, tx, taskID)
	if err != nil {
		return domain.OpenQuestion{}, err
	}
	task.UpdatedAt = now
	if task.Status == domain.StatusBlocked && len(remaining) == 0 {
		task.Status = domain.StatusActive
	}
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.OpenQuestion{}, err
	}
	if _, err := e.applySummary(ctx, tx, taskID, entry); err != nil {
		return domain.OpenQuestion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OpenQuestion{}, err
	}
	return e.Repo.GetQuestion(ctx, questionID)
}

// UpsertRisk records or updates a risk on the register and notes the change
// in the ledger and the rolling summary.
func (e *Engine) UpsertRisk(ctx context.Context, taskID, actorID string, rk domain.Risk) (domain.Risk, error) {
	release, err := e.acquire(taskID)
	if err != nil {
		return domain.Risk{}, err
	}
	defer release()
	if rk.ID == "" {
		return domain.Risk{}, codeErr(CodeInvalid, "risk id required")
	}
	if rk.RAG == "" {
		rk.RAG = domain.RAGAmber
	}
	if rk.Status == "" {
		rk.Status = "open"
	}
	rk.TaskID = taskID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Risk{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err == repo.ErrNotFound {
		return domain.Risk{}, codeErr(CodeNotFound, "task %s not found", taskID)
	} else if err != nil {
		return domain.Risk{}, err
	}

	now := e.nowRFC()
	entry := domain.ActivityEntry{
		TaskID:  taskID,
		Kind:    domain.EntryAnnotation,
		TS:      now,
		ActorID: actorID,
		Annotation: &domain.Annotation{
			Text:    rk.Description,
			RiskID:  rk.ID,
			Summary: &domain.SummaryDelta{Risks: []domain.Risk{rk}},
		},
	}
	seq, err := e.Ledger.Append(ctx, tx, entry)
	if err != nil {
		return domain.Risk{}, err
	}
	entry.Seq = seq
	// The note's seq anchors the risk in the ledger; compaction keeps the
	// anchors of open risks live. An update keeps the original anchor.
	rk.CreatedSeq = seq
	if err := e.Repo.UpsertRisk(ctx, tx, rk, now); err != nil {
		return domain.Risk{}, err
	}
	if _, err := e.applySummary(ctx, tx, taskID, entry); err != nil {
		return domain.Risk{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Risk{}, err
	}
	return e.Repo.GetRisk(ctx, rk.ID)
}

// Log returns the stitched activity range for a task: a forked child's log
// transparently includes its ancestors' entries up to each fork point.
func (e *Engine) Log(ctx context.Context, taskID string, fromSeq, toSeq int64) ([]domain.ActivityEntry, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err == repo.ErrNotFound {
		return nil, codeErr(CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, err
	}
	if fromSeq <= 0 {
		fromSeq = 1
	}
	var prefix []domain.ActivityEntry
	if task.ForkedFrom != nil && task.ForkSeq != nil && *task.ForkSeq >= fromSeq {
		parentTo := *task.ForkSeq
		if toSeq > 0 && toSeq < parentTo {
			parentTo = toSeq
		}
		prefix, err = e.Log(ctx, *task.ForkedFrom, fromSeq, parentTo)
		if err != nil {
			return nil, err
		}
	}
	own, err := e.Ledger.ReadRange(ctx, taskID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	return append(prefix, own...), nil
}

// Record assembles the external view of a task: header, live summary with
// stale flags refreshed, open questions, and the live log tail.
func (e *Engine) Record(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err == repo.ErrNotFound {
		return domain.TaskRecord{}, codeErr(CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec := domain.TaskRecord{Task: task}
	sum, err := e.Repo.GetSummary(ctx, taskID)
	if err == nil {
		summary.MarkStale(&sum, e.now().UTC())
		rec.Summary = &sum
	} else if err != repo.ErrNotFound {
		return domain.TaskRecord{}, err
	}
	log, err := e.Log(ctx, taskID, 0, 0)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.Log = log
	questions, err := e.Repo.ListQuestions(ctx, taskID, "open")
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.Questions = questions
	return rec, nil
}

// RebuildSummary replays the full log, inlining archived ranges, and
// replaces the stored summary. Replay of already-applied entries is a no-op
// by construction, so a rebuild always converges to the live summary.
func (e *Engine) RebuildSummary(ctx context.Context, taskID string) (domain.RollingSummary, error) {
	release, err := e.acquire(taskID)
	if err != nil {
		return domain.RollingSummary{}, err
	}
	defer release()

	entries, err := e.fullLog(ctx, taskID)
	if err != nil {
		return domain.RollingSummary{}, err
	}
	sum, err := summary.Rebuild(taskID, entries)
	if err != nil {
		return domain.RollingSummary{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RollingSummary{}, err
	}
	defer tx.Rollback()
	sum.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpsertSummary(ctx, tx, sum); err != nil {
		return domain.RollingSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RollingSummary{}, err
	}
	return sum, nil
}

// fullLog is the stitched log with archive pointers expanded back into the
// archived entries they replaced.
func (e *Engine) fullLog(ctx context.Context, taskID string) ([]domain.ActivityEntry, error) {
	stitched, err := e.Log(ctx, taskID, 0, 0)
	if err != nil {
		return nil, err
	}
	return e.expandArchives(ctx, stitched)
}

// expandArchives inlines archive pointers recursively: a compacted range can
// itself contain the pointer left by an earlier run.
func (e *Engine) expandArchives(ctx context.Context, entries []domain.ActivityEntry) ([]domain.ActivityEntry, error) {
	var full []domain.ActivityEntry
	for _, entry := range entries {
		if entry.Kind == domain.EntryArchivePointer && entry.Archive != nil {
			arch, err := e.Repo.GetArchive(ctx, entry.Archive.ArchiveID)
			if err != nil {
				return nil, fmt.Errorf("expand archive %s: %w", entry.Archive.ArchiveID, err)
			}
			inner, err := e.expandArchives(ctx, arch.Entries)
			if err != nil {
				return nil, err
			}
			full = append(full, inner...)
			continue
		}
		full = append(full, entry)
	}
	return full, nil
}
