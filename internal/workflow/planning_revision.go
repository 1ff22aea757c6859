package workflow

import "github.com/apc-daemon/apcd/internal/domain"

const (
	phaseLoadExisting  = "load_existing"
	phasePlanRevise    = "plan_revise"
	phaseAnalystReview = "analyst_review"
	// reuses phaseFinalize for its last phase
)

func advancePlanningRevision(s *State, signal *Signal) StepResult {
	switch s.Workflow.Phase {
	case phaseLoadExisting:
		// The previous plan file is backed up by the State Store when the
		// facade calls WritePlan after this workflow completes; this phase
		// does no I/O and hands off to plan_revise directly.
		s.Workflow.Phase = phasePlanRevise
		s.sub = subAwaitingAgents
		return emit(eventWorkflowProgress, map[string]any{"phase": phasePlanRevise})

	case phasePlanRevise:
		return runSingleAgent(&s.agent, &s.sub, "planner", signal,
			func() (string, string, domain.ModelTier) {
				feedback, _ := s.Workflow.Input["feedback"].(string)
				return "revise the plan per feedback: " + feedback +
					"\n\nend the plan with a checklist section, one line per task: `- [ ] T1: description (deps: T0,T2) (priority: 0)`, deps `none` if there are none", "logs/revise_plan.log", domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.planPath = "plan.md"
				s.draftText = result.OutputText
				if v, ok := s.Workflow.Input["previousVersion"].(int); ok {
					s.planVersion = v + 1
				} else {
					s.planVersion = 1
				}
				s.Workflow.Phase = phaseAnalystReview
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseAnalystReview})
			})

	case phaseAnalystReview:
		return runSingleAgent(&s.agent, &s.sub, "analyst", signal,
			func() (string, string, domain.ModelTier) {
				return "review the revised plan", "logs/revise_review.log", domain.TierMid
			},
			func(result domain.AgentRunResult) StepResult {
				s.Workflow.Phase = phaseFinalize
				s.sub = subAdvance
				return emit(eventSessionUpdated, map[string]any{"sessionId": s.Workflow.SessionID, "status": "reviewing"})
			})

	case phaseFinalize:
		s.Workflow.Status = domain.WorkflowCompleted
		return complete(map[string]any{"planPath": s.planPath, "planText": s.draftText, "version": s.planVersion})

	default:
		return fail("unknown phase " + s.Workflow.Phase)
	}
}
