package domain

import "time"

// SessionStatus is the session's status enum (spec §3). Transitions are
// monotonic along the edges named in §4.9.
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionReviewing SessionStatus = "reviewing"
	SessionRevising  SessionStatus = "revising"
	SessionVerifying SessionStatus = "verifying"
	SessionApproved  SessionStatus = "approved"
	SessionNoPlan    SessionStatus = "no_plan"
	SessionCompleted SessionStatus = "completed"
)

// PlanVersion is one entry in a session's append-only plan history.
type PlanVersion struct {
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// RevisionFeedback is one entry in a session's append-only revision history.
type RevisionFeedback struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState tracks progress counters for a session's execution phase.
type ExecutionState struct {
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	TasksTotal     int        `json:"tasksTotal"`
	TasksCompleted int        `json:"tasksCompleted"`
	TasksBlocked   int        `json:"tasksBlocked"`
}

// Session is one planning/execution unit (spec §3). Id is immutable once
// assigned; PlanHistory and RevisionHistory are append-only.
type Session struct {
	ID                string             `json:"id"`
	Requirement       string             `json:"requirement"`
	Status            SessionStatus      `json:"status"`
	PlanHistory       []PlanVersion      `json:"planHistory"`
	RevisionHistory   []RevisionFeedback `json:"revisionHistory"`
	CurrentPlanPath   string             `json:"currentPlanPath,omitempty"`
	RecommendedAgents int                `json:"recommendedAgents"`
	Execution         ExecutionState     `json:"execution"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	// StoppedDuring records which lifecycle phase stopSession interrupted,
	// consulted by restartPlanning (spec §4.9).
	StoppedDuring string `json:"stoppedDuring,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to external callers without
// aliasing the store's internal mutable state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.PlanHistory = append([]PlanVersion(nil), s.PlanHistory...)
	cp.RevisionHistory = append([]RevisionFeedback(nil), s.RevisionHistory...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// CurrentPlanVersion returns the most recent plan-history entry, or nil if
// no plan has ever been written (exactly-one-current invariant, §3).
func (s *Session) CurrentPlanVersion() *PlanVersion {
	if len(s.PlanHistory) == 0 {
		return nil
	}
	return &s.PlanHistory[len(s.PlanHistory)-1]
}
