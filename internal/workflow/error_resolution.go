package workflow

import "github.com/apc-daemon/apcd/internal/domain"

const (
	phaseDiagnose = "diagnose"
	phasePatch    = "patch"
	phaseVerify   = "verify"
)

func advanceErrorResolution(s *State, signal *Signal) StepResult {
	switch s.Workflow.Phase {
	case phaseDiagnose:
		return runSingleAgent(&s.agent, &s.sub, "engineer", signal,
			func() (string, string, domain.ModelTier) {
				reason, _ := s.Workflow.Input["reason"].(string)
				return "diagnose the root cause of: " + reason, "logs/diagnose.log", domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.lastIssue = result.OutputText
				s.Workflow.Phase = phasePatch
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phasePatch})
			})

	case phasePatch:
		return runSingleAgent(&s.agent, &s.sub, "engineer", signal,
			func() (string, string, domain.ModelTier) {
				return "apply a fix for: " + s.lastIssue, "logs/patch.log", domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.Workflow.Phase = phaseVerify
				s.sub = subAdvance
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseVerify})
			})

	case phaseVerify:
		// Non-code root cause (e.g. missing context): route a question
		// back to the parent task rather than re-running implementation.
		if nonCodeCause(s.lastIssue) {
			s.Workflow.Status = domain.WorkflowCompleted
			parentID, _ := s.Workflow.Input["parentTaskId"].(string)
			return complete(map[string]any{
				"routeQuestion": true,
				"parentTaskId":  parentID,
				"question":      "unable to resolve automatically: " + s.lastIssue,
			})
		}
		s.Workflow.Status = domain.WorkflowCompleted
		parentID, _ := s.Workflow.Input["parentTaskId"].(string)
		return complete(map[string]any{
			"resumeTaskImplementation": true,
			"fromPhase":                phaseSelfReview,
			"parentTaskId":             parentID,
		})

	default:
		return fail("unknown phase " + s.Workflow.Phase)
	}
}

// nonCodeCause is a heuristic over the diagnose agent's free-text output.
func nonCodeCause(diagnosis string) bool {
	for _, marker := range []string{"missing context", "ambiguous requirement", "needs clarification"} {
		if containsFold(diagnosis, marker) {
			return true
		}
	}
	return false
}
