package server

import (
	"gateflow/internal/domain"
	"gateflow/internal/engine"
)

// Request payloads

type EvidenceRequest struct {
	Kinds  []string       `json:"kinds"`
	Fields map[string]any `json:"fields,omitempty"`
}

type TransitionRequest struct {
	TargetGate string               `json:"target_gate"`
	Mode       string               `json:"mode,omitempty" enum:"strict,tolerant,branch"`
	Rollback   bool                 `json:"rollback,omitempty"`
	Refine     bool                 `json:"refine,omitempty"`
	RiskRef    string               `json:"risk_ref,omitempty"`
	Evidence   *EvidenceRequest     `json:"evidence,omitempty"`
	Summary    *domain.SummaryDelta `json:"summary,omitempty"`
}

type BranchRequest struct {
	ChildID    string               `json:"child_id"`
	TargetGate string               `json:"target_gate"`
	Evidence   *EvidenceRequest     `json:"evidence,omitempty"`
	Summary    *domain.SummaryDelta `json:"summary,omitempty"`
}

type AbandonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AnnotationRequest struct {
	Text    string               `json:"text,omitempty"`
	Summary *domain.SummaryDelta `json:"summary,omitempty"`
}

type QuestionRequest struct {
	Text  string `json:"text"`
	Owner string `json:"owner,omitempty"`
	DueAt string `json:"due_at,omitempty" format:"date-time"`
}

type ResolveQuestionRequest struct {
	Note string `json:"note,omitempty"`
}

type RiskRequest struct {
	Description string  `json:"description"`
	RAG         string  `json:"rag,omitempty" enum:"green,amber,red"`
	Probability float64 `json:"probability,omitempty"`
	Impact      float64 `json:"impact,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	DueAt       string  `json:"due_at,omitempty" format:"date-time"`
	Mitigation  string  `json:"mitigation,omitempty"`
	Status      string  `json:"status,omitempty" enum:"open,resolved"`
	MustKeep    bool    `json:"must_keep,omitempty"`
}

type CompactRequest struct {
	Rationale string   `json:"rationale,omitempty"`
	Force     bool     `json:"force,omitempty"`
	MustKeep  []string `json:"must_keep,omitempty"`
}

// Response envelopes

type TransitionResponse struct {
	Body engine.Result
}

type TaskResponse struct {
	Body domain.Task
}

type RecordResponse struct {
	Body domain.TaskRecord
}

type TaskListResponse struct {
	Body struct {
		Tasks []domain.Task `json:"tasks"`
	}
}

type LogResponse struct {
	Body struct {
		TaskID  string                 `json:"task_id"`
		Entries []domain.ActivityEntry `json:"entries"`
	}
}

type SummaryResponse struct {
	Body domain.RollingSummary
}

type QuestionResponse struct {
	Body domain.OpenQuestion
}

type QuestionListResponse struct {
	Body struct {
		Questions []domain.OpenQuestion `json:"questions"`
	}
}

type RiskResponse struct {
	Body domain.Risk
}

type RiskListResponse struct {
	Body struct {
		Risks []domain.Risk `json:"risks"`
	}
}

type EvidenceListResponse struct {
	Body struct {
		Evidence []domain.Evidence `json:"evidence"`
	}
}

type ArchiveResponse struct {
	Body domain.Archive
}

type ArchiveListResponse struct {
	Body struct {
		Archives []domain.Archive `json:"archives"`
	}
}

type CatalogResponse struct {
	Body struct {
		Entry    string           `json:"entry"`
		Terminal string           `json:"terminal"`
		Gates    []domain.GateDef `json:"gates"`
	}
}

type StatusResponse struct {
	Body struct {
		TasksByGate map[string]int `json:"tasks_by_gate"`
	}
}
