package workflow

import (
	"fmt"

	"github.com/apc-daemon/apcd/internal/domain"
)

const (
	phaseGatherContext    = "gather_context"
	phaseDraftPlan        = "draft_plan"
	phaseParallelAnalysts = "parallel_analysts"
	phaseFinalize         = "finalize"
)

const defaultAnalystCount = 2

func advancePlanningNew(s *State, signal *Signal) StepResult {
	switch s.Workflow.Phase {
	case phaseGatherContext:
		return runSingleAgent(&s.agent, &s.sub, "context gatherer", signal,
			func() (string, string, domain.ModelTier) {
				req, _ := s.Workflow.Input["requirement"].(string)
				return "gather relevant context for: " + req, "logs/plan_context.md", domain.TierMid
			},
			func(result domain.AgentRunResult) StepResult {
				s.contextText = result.OutputText
				s.Workflow.Phase = phaseDraftPlan
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseDraftPlan})
			})

	case phaseDraftPlan:
		return runSingleAgent(&s.agent, &s.sub, "planner", signal,
			func() (string, string, domain.ModelTier) {
				req, _ := s.Workflow.Input["requirement"].(string)
				return "draft an implementation plan for: " + req + "\n\ncontext:\n" + s.contextText +
					"\n\nend the plan with a checklist section, one line per task: `- [ ] T1: description (deps: T0,T2) (priority: 0)`, deps `none` if there are none", "logs/draft_plan.log", domain.TierHigh
			},
			func(result domain.AgentRunResult) StepResult {
				s.planPath = "plan.md"
				s.draftText = result.OutputText
				s.iterations++
				s.Workflow.Phase = phaseParallelAnalysts
				s.sub = subAwaitingAgents
				s.agent = agentSlot{}
				return emit(eventWorkflowProgress, map[string]any{"phase": phaseParallelAnalysts})
			})

	case phaseParallelAnalysts:
		return advanceParallelAnalysts(s, signal)

	case phaseFinalize:
		s.Workflow.Status = domain.WorkflowCompleted
		return complete(map[string]any{"planPath": s.planPath, "planText": s.draftText, "iterations": s.iterations})

	default:
		return fail("unknown phase " + s.Workflow.Phase)
	}
}

func advanceParallelAnalysts(s *State, signal *Signal) StepResult {
	count := defaultAnalystCount
	if n, ok := s.Workflow.Input["analystCount"].(int); ok && n > 0 {
		count = n
	}

	switch s.sub {
	case subAwaitingAgents:
		if signal == nil || signal.Kind != "agents_reserved" {
			return needAgents("analyst", count)
		}
		s.analysts = make([]agentSlot, len(signal.AgentNames))
		for i, name := range signal.AgentNames {
			s.analysts[i] = agentSlot{RoleID: "analyst", AgentName: name}
		}
		s.sub = subRunning
		return advanceParallelAnalysts(s, nil)

	case subRunning:
		// All K reserved analysts start together (spec §4.7.1 "reserves
		// K analyst agents in parallel") rather than one per Advance
		// call — a single StepRunAgents batch, not a loop of StepRunAgent.
		runs := make([]AgentRunRequest, len(s.analysts))
		for i := range s.analysts {
			s.analysts[i].Prompt = fmt.Sprintf("review the plan and append notes (analyst %d)", i+1)
			s.analysts[i].LogPath = "logs/analyst_" + s.analysts[i].AgentName + ".log"
			s.analysts[i].ModelTier = domain.TierMid
			runs[i] = AgentRunRequest{
				AgentName: s.analysts[i].AgentName,
				Prompt:    s.analysts[i].Prompt,
				ModelTier: s.analysts[i].ModelTier,
				LogPath:   s.analysts[i].LogPath,
			}
		}
		s.sub = subAwaitingResult
		return runAgents(runs)

	case subAwaitingResult:
		if signal == nil || signal.Kind != "agent_completed" {
			return waitForSignal("agent_completed", "")
		}
		for i := range s.analysts {
			if s.analysts[i].AgentName == signal.AgentName {
				s.analysts[i].Done = true
				s.analysts[i].Result = signal.Result
				// Failure policy (§4.7.1): an analyst failure is logged,
				// not fatal — finalize proceeds with whatever notes exist.
			}
		}
		allDone := true
		for _, a := range s.analysts {
			if !a.Done {
				allDone = false
				break
			}
		}
		if !allDone {
			return waitForSignal("agent_completed", "")
		}
		s.Workflow.Phase = phaseFinalize
		s.sub = subAdvance
		return emit(eventSessionUpdated, map[string]any{"sessionId": s.Workflow.SessionID, "status": "reviewing"})

	default:
		return fail("invalid sub-phase")
	}
}
