package domain

// Task is a unit of work moving through the gate sequence. Created on the
// first command referencing a new id, never deleted; terminal states are
// synced and abandoned.
type Task struct {
	ID          string  `json:"id"`
	Status      string  `json:"status" enum:"draft,active,blocked,synced,abandoned"`
	CurrentGate string  `json:"current_gate,omitempty"`
	OwnerRole   string  `json:"owner_role,omitempty"`
	ForkedFrom  *string `json:"forked_from,omitempty"`
	ForkSeq     *int64  `json:"fork_seq,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	SyncedAt    *string `json:"synced_at,omitempty" format:"date-time"`
}

const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusBlocked   = "blocked"
	StatusSynced    = "synced"
	StatusAbandoned = "abandoned"
)

// GateDef is an immutable catalog entry.
type GateDef struct {
	ID              string   `json:"id"`
	Ordinal         int      `json:"ordinal"`
	OwnerRole       string   `json:"owner_role"`
	SupportingRoles []string `json:"supporting_roles,omitempty"`
	Prerequisites   []string `json:"prerequisites,omitempty"`
	RequiredKinds   []string `json:"required_kinds,omitempty"`
}

// Evidence is a typed bundle submitted for a (task, gate) pair. Immutable
// once accepted; a resubmission supersedes the prior version.
type Evidence struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	GateID       string         `json:"gate_id"`
	Version      int            `json:"version"`
	Kinds        []string       `json:"kinds"`
	Fields       map[string]any `json:"fields,omitempty"`
	SubmittedBy  string         `json:"submitted_by"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	SupersededBy *string        `json:"superseded_by,omitempty"`
}

// Transition modes and types.
const (
	ModeStrict   = "strict"
	ModeTolerant = "tolerant"
	ModeBranch   = "branch"

	TransitionAdvance  = "advance"
	TransitionRefine   = "refine"
	TransitionRollback = "rollback"
	TransitionAbandon  = "abandon"
)

// Transition records a move (or recorded attempted move) between gates.
type Transition struct {
	FromGate     string        `json:"from_gate,omitempty"`
	ToGate       string        `json:"to_gate,omitempty"`
	Type         string        `json:"type" enum:"advance,refine,rollback,abandon"`
	Mode         string        `json:"mode" enum:"strict,tolerant,branch"`
	ActorID      string        `json:"actor_id"`
	ActorRole    string        `json:"actor_role"`
	EvidenceRefs []string      `json:"evidence_refs,omitempty"`
	RiskRef      string        `json:"risk_ref,omitempty"`
	Outcome      string        `json:"outcome" enum:"applied,blocked"`
	Reason       string        `json:"reason,omitempty"`
	Summary      *SummaryDelta `json:"summary,omitempty"`
}

// Activity entry kinds.
const (
	EntryTransition     = "transition"
	EntryAnnotation     = "annotation"
	EntryArchivePointer = "archive_pointer"
	EntryCompaction     = "compaction"
)

// ActivityEntry is one record in a task's append-only ledger, ordered by a
// per-task monotonic sequence number.
type ActivityEntry struct {
	TaskID     string          `json:"task_id"`
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind" enum:"transition,annotation,archive_pointer,compaction"`
	TS         string          `json:"ts" format:"date-time"`
	ActorID    string          `json:"actor_id,omitempty"`
	Transition *Transition     `json:"transition,omitempty"`
	Annotation *Annotation     `json:"annotation,omitempty"`
	Archive    *ArchivePointer `json:"archive,omitempty"`
	Compaction *CompactionNote `json:"compaction,omitempty"`
}

// Annotation is a free-form ledger note: a raised or resolved open question,
// a risk update, or plain commentary.
type Annotation struct {
	Text       string        `json:"text,omitempty"`
	QuestionID string        `json:"question_id,omitempty"`
	RiskID     string        `json:"risk_id,omitempty"`
	Resolved   bool          `json:"resolved,omitempty"`
	Summary    *SummaryDelta `json:"summary,omitempty"`
}

// ArchivePointer replaces an archived prefix in the live ledger.
type ArchivePointer struct {
	ArchiveID string `json:"archive_id"`
	FromSeq   int64  `json:"from_seq"`
	ToSeq     int64  `json:"to_seq"`
}

// CompactionNote documents a completed compaction run.
type CompactionNote struct {
	ArchiveID string `json:"archive_id"`
	Reason    string `json:"reason,omitempty"`
	FromSeq   int64  `json:"from_seq"`
	ToSeq     int64  `json:"to_seq"`
}

// SummaryDelta carries structured contributions for the rolling summary,
// attached to a transition or annotation at append time.
type SummaryDelta struct {
	Context   string       `json:"context,omitempty"`
	Facts     []Fact       `json:"facts,omitempty"`
	Decisions []Decision   `json:"decisions,omitempty"`
	Risks     []Risk       `json:"risks,omitempty"`
	Next      []NextAction `json:"next,omitempty"`
	Done      []string     `json:"done,omitempty"`
}

// Fact is an atomic cited statement. Hash is assigned by the summary
// manager; facts submitted without a citation are rejected.
type Fact struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
	Hash     string `json:"hash,omitempty"`
	MustKeep bool   `json:"must_keep,omitempty"`
}

// Decision is keyed by id; resubmission updates status rather than
// duplicating.
type Decision struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Status   string `json:"status" enum:"proposed,approved,rejected,superseded"`
	Owner    string `json:"owner,omitempty"`
	DueAt    string `json:"due_at,omitempty" format:"date-time"`
	MustKeep bool   `json:"must_keep,omitempty"`
}

// RAG colors.
const (
	RAGGreen = "green"
	RAGAmber = "amber"
	RAGRed   = "red"
)

// Risk is keyed by id; RAG changes are tracked, not overwritten. CreatedSeq
// is the ledger entry that first recorded the risk; compaction keeps the
// anchors of open risks live.
type Risk struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id,omitempty"`
	Description string  `json:"description"`
	RAG         string  `json:"rag" enum:"green,amber,red"`
	Probability float64 `json:"probability,omitempty"`
	Impact      float64 `json:"impact,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	DueAt       string  `json:"due_at,omitempty" format:"date-time"`
	Mitigation  string  `json:"mitigation,omitempty"`
	Status      string  `json:"status" enum:"open,resolved"`
	CreatedSeq  int64   `json:"created_seq,omitempty"`
	MustKeep    bool    `json:"must_keep,omitempty"`
}

// RAGChange is one step in a risk's audit history.
type RAGChange struct {
	RAG string `json:"rag"`
	TS  string `json:"ts" format:"date-time"`
	Seq int64  `json:"seq"`
}

// RiskState is a risk plus its retained RAG history; current RAG is the head.
type RiskState struct {
	Risk       Risk        `json:"risk"`
	RAGHistory []RAGChange `json:"rag_history,omitempty"`
}

// NextAction is a queued follow-up with owner and due date.
type NextAction struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Owner string `json:"owner,omitempty"`
	DueAt string `json:"due_at,omitempty" format:"date-time"`
	Stale bool   `json:"stale,omitempty"`
}

// RollingSummary is the single live digest per task.
type RollingSummary struct {
	TaskID     string       `json:"task_id"`
	Context    string       `json:"context,omitempty"`
	Facts      []Fact       `json:"facts,omitempty"`
	Decisions  []Decision   `json:"decisions,omitempty"`
	Risks      []RiskState  `json:"risks,omitempty"`
	Next       []NextAction `json:"next,omitempty"`
	UpdatedSeq int64        `json:"updated_seq"`
	UpdatedAt  string       `json:"updated_at,omitempty" format:"date-time"`
}

// Archive is an immutable snapshot of a contiguous ledger range.
type Archive struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	FromSeq   int64           `json:"from_seq"`
	ToSeq     int64           `json:"to_seq"`
	Rationale string          `json:"rationale,omitempty"`
	ActorID   string          `json:"actor_id"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	Entries   []ActivityEntry `json:"entries"`
}

// OpenQuestion is an explicitly tracked unresolved gap. Auto-created
// questions carry the evidence kind they stand in for.
type OpenQuestion struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Text         string  `json:"text"`
	EvidenceKind string  `json:"evidence_kind,omitempty"`
	Owner        string  `json:"owner"`
	DueAt        string  `json:"due_at" format:"date-time"`
	Status       string  `json:"status" enum:"open,resolved"`
	CreatedSeq   int64   `json:"created_seq"`
	ResolvedSeq  *int64  `json:"resolved_seq,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

// APIKey maps a hashed key to an actor for HTTP auth. The actor registry is
// the single source for the role.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is a registered principal with a workflow role.
type Actor struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskRecord is the external representation of a task: header, live
// summary, open questions, and the live (non-archived) ledger tail.
type TaskRecord struct {
	Task      Task            `json:"task"`
	Summary   *RollingSummary `json:"summary,omitempty"`
	Log       []ActivityEntry `json:"log,omitempty"`
	Questions []OpenQuestion  `json:"open_questions,omitempty"`
}
