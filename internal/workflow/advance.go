package workflow

import "github.com/apc-daemon/apcd/internal/domain"

// Advance drives one step of a workflow instance. Called with signal=nil
// to kick off or resume a phase that isn't waiting on anything; called
// with a non-nil signal to deliver the outcome of a previously requested
// step (spec §4.7).
func Advance(s *State, signal *Signal) StepResult {
	if signal != nil && signal.Cancelled {
		return fail("cancelled")
	}
	switch s.Workflow.Kind {
	case domain.KindPlanningNew:
		return advancePlanningNew(s, signal)
	case domain.KindPlanningRevision:
		return advancePlanningRevision(s, signal)
	case domain.KindTaskImplementation:
		return advanceTaskImplementation(s, signal)
	case domain.KindErrorResolution:
		return advanceErrorResolution(s, signal)
	default:
		return fail("unknown workflow kind")
	}
}

// FirstPhase returns the entry phase for a workflow kind, for callers
// that construct a State via NewState before the first Advance.
func FirstPhase(kind domain.WorkflowKind) string {
	switch kind {
	case domain.KindPlanningNew:
		return phaseGatherContext
	case domain.KindPlanningRevision:
		return phaseLoadExisting
	case domain.KindTaskImplementation:
		return phasePrepare
	case domain.KindErrorResolution:
		return phaseDiagnose
	default:
		return ""
	}
}

// runSingleAgent drives the common request-agent -> run-agent ->
// await-result sequence shared by every single-agent phase. makePrompt is
// called once the agent slot has a reserved AgentName to produce the
// prompt, log path and model tier; onDone is called once the agent's
// result has arrived and returns the step to take next.
func runSingleAgent(
	slot *agentSlot, sub *subPhase, roleID string,
	signal *Signal,
	makePrompt func() (prompt, logPath string, tier domain.ModelTier),
	onDone func(domain.AgentRunResult) StepResult,
) StepResult {
	switch *sub {
	case subAwaitingAgents:
		if signal == nil || signal.Kind != "agent_reserved" {
			return needAgents(roleID, 1)
		}
		slot.RoleID = roleID
		slot.AgentName = signal.AgentName
		prompt, logPath, tier := makePrompt()
		slot.Prompt = prompt
		slot.LogPath = logPath
		slot.ModelTier = tier
		*sub = subRunning
		return runAgent(roleID, slot.AgentName, prompt, tier, logPath)
	case subRunning:
		*sub = subAwaitingResult
		return waitForSignal("agent_completed", slot.AgentName)
	case subAwaitingResult:
		if signal == nil || signal.Kind != "agent_completed" || signal.AgentName != slot.AgentName {
			return waitForSignal("agent_completed", slot.AgentName)
		}
		slot.Done = true
		slot.Result = signal.Result
		return onDone(signal.Result)
	default:
		return fail("invalid sub-phase")
	}
}
