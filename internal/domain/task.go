package domain

import "time"

// TaskStage is the task's stage machine (spec §3, §4.5).
type TaskStage string

const (
	TaskPending         TaskStage = "pending"
	TaskReady           TaskStage = "ready"
	TaskInProgress      TaskStage = "in_progress"
	TaskCompleted       TaskStage = "completed"
	TaskBlockedQuestion TaskStage = "blocked_question"
	TaskDeleted         TaskStage = "deleted"
)

// validTaskEdges enumerates the monotonic edges of §4.5 point 4.
var validTaskEdges = map[TaskStage][]TaskStage{
	TaskPending:         {TaskReady, TaskDeleted},
	TaskReady:           {TaskInProgress, TaskDeleted},
	TaskInProgress:      {TaskCompleted, TaskBlockedQuestion, TaskDeleted},
	TaskBlockedQuestion: {TaskInProgress, TaskDeleted},
	TaskCompleted:       {TaskDeleted},
	TaskDeleted:         {},
}

// CanTransition reports whether from->to is one of the monotonic edges.
func CanTransition(from, to TaskStage) bool {
	if from == to {
		return true
	}
	for _, s := range validTaskEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Question is one entry in a task's question queue (spec §4.5).
type Question struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Answer *string `json:"answer,omitempty"`
}

// Task is a unit of engineering work (spec §3).
type Task struct {
	ID           string     `json:"id"` // global id {sessionId}_{localPart}
	SessionID    string     `json:"sessionId"`
	Description  string     `json:"description"`
	Dependencies []string   `json:"dependencies"`
	Stage        TaskStage  `json:"stage"`
	Priority     int        `json:"priority"`
	Pipeline     bool       `json:"pipeline,omitempty"`
	Questions    []Question `json:"questions,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to external callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Questions = append([]Question(nil), t.Questions...)
	return &cp
}

// HasUnansweredQuestion reports whether the task has any question without
// an answer; blocked_question is set iff this is true (spec §4.5).
func (t *Task) HasUnansweredQuestion() bool {
	for _, q := range t.Questions {
		if q.Answer == nil {
			return true
		}
	}
	return false
}
