package workflow

import "github.com/apc-daemon/apcd/internal/domain"

// subPhase is the fine-grained step within a coarse Workflow.Phase: a
// workflow kind's phase (e.g. "gather_context") spans several Advance
// calls — request agents, run them, wait for completion — and subPhase
// tracks which of those the workflow is currently waiting on.
type subPhase string

const (
	subAwaitingAgents subPhase = "awaiting_agents"
	subRunning        subPhase = "running"
	subAwaitingResult subPhase = "awaiting_result"
	subAdvance        subPhase = "advance"
)

// agentSlot is one agent reservation/run tracked within a phase.
type agentSlot struct {
	RoleID    string
	AgentName string
	Prompt    string
	ModelTier domain.ModelTier
	LogPath   string
	Done      bool
	Result    domain.AgentRunResult
}

// State is the mutable scratch state a workflow instance carries between
// Advance calls. It is never persisted directly — domain.Workflow.Phase,
// Input, and Output are the durable projection the State Store snapshots;
// State only lives for the duration the workflow is active in memory.
type State struct {
	Workflow *domain.Workflow

	sub subPhase

	// single-agent phases (gather_context, draft_plan, plan_revise,
	// analyst_review, implement, self_review, error_fix, diagnose, patch)
	agent agentSlot

	// parallel_analysts
	analysts []agentSlot

	contextText  string
	draftText    string
	planPath     string
	planVersion  int
	iterations   int
	finalizeErr  string

	errorFixAttempts    int
	maxErrorFixAttempts int
	lastIssue           string
}

// NewState creates the scratch state for a freshly created workflow
// instance, positioned at its first phase.
func NewState(wf *domain.Workflow, firstPhase string) *State {
	wf.Phase = firstPhase
	return &State{Workflow: wf, sub: subAwaitingAgents, maxErrorFixAttempts: 2}
}

// Snapshot is an immutable view of a workflow's progress for external
// callers (Session Facade reads, event payloads), grounded on
// other_examples/tombee-conductor's Run/RunSnapshot split: no aliasing of
// internal mutable state.
type Snapshot struct {
	ID         string
	SessionID  string
	Kind       domain.WorkflowKind
	Phase      string
	Status     domain.WorkflowStatus
	Iterations int
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.Workflow.ID,
		SessionID:  s.Workflow.SessionID,
		Kind:       s.Workflow.Kind,
		Phase:      s.Workflow.Phase,
		Status:     s.Workflow.Status,
		Iterations: s.iterations,
	}
}
