// Package validate decides whether a proposed gate transition is allowed.
// It is pure: all state arrives in the request and no I/O happens here,
// which keeps the gate-ordering rules independently testable.
package validate

import (
	"fmt"

	"gateflow/internal/catalog"
	"gateflow/internal/domain"
)

// Outcomes.
const (
	OutcomeAllow     = "allow"
	OutcomeBlock     = "block"
	OutcomeNeedsInfo = "needs_info"
)

// Reason codes surfaced to callers.
const (
	CodeOutOfOrder          = "out_of_order"
	CodeUnauthorized        = "unauthorized"
	CodeMissingEvidence     = "missing_evidence"
	CodeRiskRefRequired     = "risk_ref_required"
	CodeQuestionsUnresolved = "questions_unresolved"
)

// Request is a proposed transition plus the context the rules need.
type Request struct {
	TargetGate    string
	Mode          string
	ActorID       string
	ActorRole     string
	EvidenceKinds []string
	EvidenceRefs  []string
	RiskRef       string
	Rollback      bool

	// Refine resubmits to the task's current gate. The intent is explicit:
	// without it, a transition targeting the current gate is out of order,
	// so a raced advance cannot silently pass as a refinement.
	Refine bool

	// Escalation policy input, resolved by the engine from config: the
	// number of unresolved auto-created questions, and whether the target
	// gate is the configured blocking gate.
	UnresolvedQuestions int
	EscalationBlocks    bool
}

// Decision is the validator's verdict. On allow, Draft holds the transition
// the engine should apply; MissingKinds lists evidence kinds a tolerant-mode
// caller must cover with open questions.
type Decision struct {
	Outcome      string
	Code         string
	Reason       string
	MissingKinds []string
	Draft        domain.Transition
}

func block(code, reason string) Decision {
	return Decision{Outcome: OutcomeBlock, Code: code, Reason: reason}
}

func needsInfo(code, reason string, missing []string) Decision {
	return Decision{Outcome: OutcomeNeedsInfo, Code: code, Reason: reason, MissingKinds: missing}
}

// Check validates a proposed transition for task against the catalog.
func Check(cat *catalog.Catalog, task domain.Task, req Request) Decision {
	if task.Status == domain.StatusSynced || task.Status == domain.StatusAbandoned {
		return block(CodeOutOfOrder, fmt.Sprintf("task %s is terminal (%s)", task.ID, task.Status))
	}
	target, err := cat.Lookup(req.TargetGate)
	if err != nil {
		return block(CodeOutOfOrder, err.Error())
	}

	transitionType := domain.TransitionAdvance
	switch {
	case req.Rollback:
		transitionType = domain.TransitionRollback
	case req.Refine:
		transitionType = domain.TransitionRefine
	}

	// 1. ordering
	switch transitionType {
	case domain.TransitionRefine:
		if task.CurrentGate != target.ID {
			return block(CodeOutOfOrder, fmt.Sprintf("refine targets the current gate %s, not %s", task.CurrentGate, target.ID))
		}
	case domain.TransitionRollback:
		current, err := cat.Lookup(task.CurrentGate)
		if err != nil {
			return block(CodeOutOfOrder, fmt.Sprintf("task %s has no gate to roll back from", task.ID))
		}
		if target.Ordinal >= current.Ordinal {
			return block(CodeOutOfOrder, fmt.Sprintf("rollback target %s is not behind %s", target.ID, current.ID))
		}
		if req.RiskRef == "" {
			return block(CodeRiskRefRequired, "rollback requires a risk reference explaining the blocker")
		}
	default:
		if req.Mode != domain.ModeBranch {
			if task.CurrentGate == "" {
				if target.ID != cat.Entry() {
					return block(CodeOutOfOrder, fmt.Sprintf("new task must enter at %s, not %s", cat.Entry(), target.ID))
				}
			} else if task.CurrentGate == target.ID {
				return block(CodeOutOfOrder, fmt.Sprintf("task is already at %s; refine to resubmit", target.ID))
			} else if !contains(target.Prerequisites, task.CurrentGate) {
				return block(CodeOutOfOrder, fmt.Sprintf("gate %s does not follow %s", target.ID, task.CurrentGate))
			}
		}
	}

	// 2. authorization
	if req.ActorRole != target.OwnerRole && !contains(target.SupportingRoles, req.ActorRole) {
		return block(CodeUnauthorized, fmt.Sprintf("role %s cannot act on gate %s (owner %s)", req.ActorRole, target.ID, target.OwnerRole))
	}

	// 3. escalation policy for auto-created open questions
	if req.EscalationBlocks && req.UnresolvedQuestions > 0 && transitionType == domain.TransitionAdvance {
		return block(CodeQuestionsUnresolved, fmt.Sprintf("%d unresolved open questions block entry to %s", req.UnresolvedQuestions, target.ID))
	}

	// 4. evidence
	var missing []string
	for _, kind := range target.RequiredKinds {
		if !contains(req.EvidenceKinds, kind) {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 && req.Mode != domain.ModeTolerant {
		return needsInfo(CodeMissingEvidence, fmt.Sprintf("gate %s requires evidence kinds %v", target.ID, missing), missing)
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.ModeStrict
	}
	return Decision{
		Outcome:      OutcomeAllow,
		MissingKinds: missing,
		Draft: domain.Transition{
			FromGate:     task.CurrentGate,
			ToGate:       target.ID,
			Type:         transitionType,
			Mode:         mode,
			ActorID:      req.ActorID,
			ActorRole:    req.ActorRole,
			EvidenceRefs: req.EvidenceRefs,
			RiskRef:      req.RiskRef,
			Outcome:      "applied",
		},
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
