package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is one entry of the closed event-type set (spec §6.5). Every event
// the daemon emits is one of these; there is no open extension point.
type Type string

const (
	SessionUpdated    Type = "session.updated"
	SessionCompleted  Type = "session.completed"
	WorkflowStarted   Type = "workflow.started"
	WorkflowProgress  Type = "workflow.progress"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowCancelled Type = "workflow.cancelled"
	AgentAllocated    Type = "agent.allocated"
	AgentWorkStarted  Type = "agent.workStarted"
	AgentCompleted    Type = "agent.completed"
	PoolChanged       Type = "pool.changed"
	CoordinatorStatus Type = "coordinator.status"
	TaskCreated       Type = "task.created"
	TaskReady         Type = "task.ready"
	TaskStageChanged  Type = "task.stageChanged"
	TaskCompleted     Type = "task.completed"
	TaskDeleted       Type = "task.deleted"
	DepsList          Type = "deps.list"
	DepsProgress      Type = "deps.progress"
	DaemonProgress    Type = "daemon.progress"
	DaemonError       Type = "daemon.error"
)

// AllTypes enumerates the closed set; subscribers asking for "everything"
// pass this as their filter set.
func AllTypes() []Type {
	return []Type{
		SessionUpdated, SessionCompleted,
		WorkflowStarted, WorkflowProgress, WorkflowCompleted, WorkflowCancelled,
		AgentAllocated, AgentWorkStarted, AgentCompleted,
		PoolChanged, CoordinatorStatus,
		TaskCreated, TaskReady, TaskStageChanged, TaskCompleted, TaskDeleted,
		DepsList, DepsProgress,
		DaemonProgress, DaemonError,
	}
}

// Envelope is the EventEnvelope from the data model: {type, payload, timestamp}.
type Envelope struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`

	// Pipeline marks envelopes originating from a task carrying the
	// pipeline flag (glossary); internal/bridge uses it to decide what
	// to republish to the external Unity-sidecar work queue.
	Pipeline bool `json:"pipeline,omitempty"`
}

// New builds an envelope with a fresh id and the current timestamp.
func New(t Type, sessionID string, payload interface{}) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
