// Package workflow implements the Workflow Runtime (component C7): the
// four workflow kinds as pure, step-yielding state machines. A workflow
// never runs its own I/O loop — Advance only ever returns a StepResult
// describing what the Coordinator should do next (spec §4.7).
//
// Grounded on the teacher's internal/workflow state-machine package for
// phase naming conventions, generalized to the step-driven model of
// other_examples/tombee-conductor's Run/RunSnapshot pattern: external
// callers only ever see an immutable Snapshot, never the live *State.
package workflow

import "github.com/apc-daemon/apcd/internal/domain"

// StepKind is the closed set of step results a workflow can yield.
type StepKind string

const (
	StepNeedAgents  StepKind = "need_agents"
	StepRunAgent    StepKind = "run_agent"
	StepRunAgents   StepKind = "run_agents"
	StepWaitSignal  StepKind = "wait_signal"
	StepEmit        StepKind = "emit"
	StepComplete    StepKind = "complete"
	StepFail        StepKind = "fail"
)

// AgentRunRequest is one member of a StepRunAgents batch: everything the
// Coordinator needs to start a single reserved agent's subprocess.
type AgentRunRequest struct {
	AgentName string
	Prompt    string
	ModelTier domain.ModelTier
	LogPath   string
}

// StepResult is the sum type a workflow's Advance yields (spec §4.7).
type StepResult struct {
	Kind StepKind

	// StepNeedAgents
	RoleID string
	Count  int

	// StepRunAgent
	AgentName string
	Prompt    string
	ModelTier domain.ModelTier
	LogPath   string

	// StepRunAgents — concurrent sibling of StepRunAgent, for phases
	// (parallel_analysts) whose K reserved agents all start together
	// rather than one at a time.
	Runs []AgentRunRequest

	// StepWaitSignal
	SignalKind string
	Filter     string

	// StepEmit
	EventType string
	Payload   map[string]any

	// StepComplete
	Output map[string]any

	// StepFail
	Reason string
}

// Signal is the input Advance consumes to resume a workflow waiting on
// StepWaitSignal — an agent run completing, a cancellation, or an
// externally answered question.
type Signal struct {
	Kind       string
	AgentName  string
	AgentNames []string // bulk reservation, e.g. parallel_analysts
	Result     domain.AgentRunResult
	OutputText string
	Cancelled  bool
	Answer     string // answer to an outstanding task question
}

func needAgents(roleID string, count int) StepResult {
	return StepResult{Kind: StepNeedAgents, RoleID: roleID, Count: count}
}

func runAgent(roleID, agentName, prompt string, tier domain.ModelTier, logPath string) StepResult {
	return StepResult{Kind: StepRunAgent, RoleID: roleID, AgentName: agentName, Prompt: prompt, ModelTier: tier, LogPath: logPath}
}

func runAgents(runs []AgentRunRequest) StepResult {
	return StepResult{Kind: StepRunAgents, Runs: runs}
}

func waitForSignal(kind, filter string) StepResult {
	return StepResult{Kind: StepWaitSignal, SignalKind: kind, Filter: filter}
}

func emit(eventType string, payload map[string]any) StepResult {
	return StepResult{Kind: StepEmit, EventType: eventType, Payload: payload}
}

func complete(output map[string]any) StepResult {
	return StepResult{Kind: StepComplete, Output: output}
}

func fail(reason string) StepResult {
	return StepResult{Kind: StepFail, Reason: reason}
}

// Emit payload event-type labels. These are plain strings rather than
// events.Type to avoid an import cycle (the Coordinator imports both
// internal/events and internal/workflow); the Coordinator maps each label
// to its corresponding events.Type constant when it consumes a StepEmit.
const (
	eventWorkflowProgress = "workflow.progress"
	eventSessionUpdated   = "session.updated"
	eventTaskCompleted    = "task.completed"
)
