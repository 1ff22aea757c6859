package domain

import "time"

// AgentRun is one subprocess invocation (spec §3, §4.6).
type AgentRun struct {
	ID          string        `json:"id"`
	WorkflowID  string        `json:"workflowId"`
	AgentName   string        `json:"agentName"`
	RoleID      string        `json:"roleId"`
	ModelTier   ModelTier     `json:"modelTier"`
	Prompt      string        `json:"prompt"`
	WorkingDir  string        `json:"workingDir"`
	Timeout     time.Duration `json:"timeout"`
	LogPath     string        `json:"logPath"`
	StartedAt   time.Time     `json:"startedAt"`
}

// AgentRunResult is the final outcome of an AgentRun (spec §4.6).
type AgentRunResult struct {
	Success              bool          `json:"success"`
	OutputText           string        `json:"outputText"`
	ExitCode             int           `json:"exitCode"`
	DurationMs           int64         `json:"durationMs"`
	Error                string        `json:"error,omitempty"`
	StoppedIntentionally bool          `json:"stoppedIntentionally,omitempty"`
}
