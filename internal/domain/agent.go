package domain

import "time"

// AgentLifecycle is the agent slot's lifecycle enum (spec §3, §4.3).
type AgentLifecycle string

const (
	AgentAvailable AgentLifecycle = "available"
	AgentAllocated AgentLifecycle = "allocated"
	AgentBusy      AgentLifecycle = "busy"
	AgentResting   AgentLifecycle = "resting"
)

// Agent is a named slot in the pool (spec §3).
type Agent struct {
	Name       string         `json:"name"`
	RoleID     string         `json:"roleId,omitempty"`
	Lifecycle  AgentLifecycle `json:"lifecycle"`
	WorkflowID string         `json:"workflowId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	TaskSummary string        `json:"taskSummary,omitempty"`
	LogFile    string         `json:"logFile,omitempty"`
	RestUntil  *time.Time     `json:"restUntil,omitempty"`
	// Generation invalidates stale reservations held by workflows (§9):
	// a workflow's hold on an agent name is only valid while its recorded
	// generation matches the agent's current generation.
	Generation uint64 `json:"generation"`
}

// Clone returns a deep copy.
func (a Agent) Clone() Agent {
	if a.RestUntil != nil {
		until := *a.RestUntil
		a.RestUntil = &until
	}
	return a
}
