package coordinator

import "github.com/apc-daemon/apcd/internal/domain"

// SignalKind is the closed set of signal kinds the evaluator consumes
// (spec §4.8).
type SignalKind string

const (
	SignalWorkflowStepReady SignalKind = "workflow.step.ready"
	SignalAgentCompleted    SignalKind = "agent.completed"
	SignalTaskCompleted     SignalKind = "task.completed"
	SignalTaskReady         SignalKind = "task.ready"
	SignalExternalDispatch  SignalKind = "external.dispatch"
	SignalExternalCancel    SignalKind = "external.cancel"
	SignalExternalCancelAll SignalKind = "external.cancelAll"
	SignalExternalAnswer    SignalKind = "external.answer"
	SignalEvaluationResume  SignalKind = "evaluation.resume"
)

// Signal is one entry of the single event queue the evaluator pops FIFO.
type Signal struct {
	SessionID  string
	Kind       SignalKind
	WorkflowID string
	AgentName  string
	Result     domain.AgentRunResult
	Workflow   *domain.Workflow // carried by external.dispatch
	Reason     string           // carried by external.cancel / pause
	Answer     string           // carried by external.answer
}
