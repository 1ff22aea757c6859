package workflow

import (
	"fmt"

	"github.com/apc-daemon/apcd/internal/domain"
)

const (
	phasePrepare    = "prepare"
	phaseImplement  = "implement"
	phaseSelfReview = "self_review"
	phaseErrorFix   = "error_fix"
	phaseDone       = "done"
)

func taskID(s *State) string {
	id, _ := s.Workflow.Input["taskId"].(string)
	return id
}

func advanceTaskImplementation(s *State, signal *Signal) StepResult {
	switch s.Workflow.Phase {
	case phasePrepare:
		// Prepare is pure computation — role, task description, history,
		// and plan excerpt are already available on Workflow.Input; no
		// agent reservation happens in this phase.
		s.Workflow.Phase = phaseImplement
		s.sub = subAwaitingAgents
		return emit(eventWorkflowProgress, map[string]any{"phase": phaseImplement, "taskId": taskID(s)})

	case phaseImplement:
		return runSingleAgent(&s.agent, &s.sub, "engineer", signal,
			func() (string, string, domain.ModelTier) {
				desc, _ := s.Workflow.Input["description"].(string)
				plan, _ := s.Workflow.Input["planExcerpt"].(string)
				return buildImplementPrompt(desc, plan, s.lastIssue), "logs/implement.log", domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.Workflow.Phase = phaseSelfReview
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseSelfReview, "taskId": taskID(s)})
			})

	case phaseSelfReview:
		return runSingleAgent(&s.agent, &s.sub, "reviewer", signal,
			func() (string, string, domain.ModelTier) {
				return "review the engineer's output for correctness", "logs/self_review.log", domain.TierMid
			},
			func(result domain.AgentRunResult) StepResult {
				if reviewReportsIssues(result.OutputText) {
					s.lastIssue = result.OutputText
					s.Workflow.Phase = phaseErrorFix
					s.sub = subAwaitingAgents
					s.agent = agentSlot{}
					return emit(eventWorkflowProgress, map[string]any{"phase": phaseErrorFix, "taskId": taskID(s)})
				}
				s.Workflow.Phase = phaseDone
				s.sub = subAdvance
				return emit(eventTaskCompleted, map[string]any{"taskId": taskID(s)})
			})

	case phaseErrorFix:
		if s.errorFixAttempts >= s.maxErrorFixAttempts {
			s.Workflow.Status = domain.WorkflowCompleted
			return complete(map[string]any{
				"taskId":                taskID(s),
				"spawnErrorResolution":  true,
				"parentTaskId":          taskID(s),
				"reason":                s.lastIssue,
			})
		}
		return runSingleAgent(&s.agent, &s.sub, "engineer", signal,
			func() (string, string, domain.ModelTier) {
				return buildFixPrompt(s.lastIssue), fmt.Sprintf("logs/error_fix_%d.log", s.errorFixAttempts+1), domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.errorFixAttempts++
				s.Workflow.Phase = phaseSelfReview
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseSelfReview, "taskId": taskID(s)})
			})

	case phaseDone:
		s.Workflow.Status = domain.WorkflowCompleted
		return complete(map[string]any{"taskId": taskID(s), "summary": s.lastIssue})

	default:
		return fail("unknown phase " + s.Workflow.Phase)
	}
}

func buildImplementPrompt(description, planExcerpt, priorIssue string) string {
	prompt := "implement: " + description
	if planExcerpt != "" {
		prompt += "\n\nplan excerpt:\n" + planExcerpt
	}
	if priorIssue != "" {
		prompt += "\n\nprior review feedback to address:\n" + priorIssue
	}
	return prompt
}

func buildFixPrompt(issue string) string {
	return "address the reviewer's feedback:\n" + issue
}

// reviewReportsIssues is a simple heuristic over the reviewer's free-text
// output; a production backend integration would parse a structured
// verdict instead.
func reviewReportsIssues(reviewText string) bool {
	for _, marker := range []string{"ISSUE:", "FAIL", "needs changes", "incorrect"} {
		if containsFold(reviewText, marker) {
			return true
		}
	}
	return false
}
