// Package coordinator implements the Coordinator (component C8): the
// single point of scheduling within the daemon. One evaluator goroutine
// owns every mutation of session scheduling state; all other goroutines
// communicate with it only by pushing onto its signal queue.
//
// Grounded on other_examples/zjrosen-perles's internal/orchestration
// coordinator.go (atomic status, embedded broker, context+cancel+
// waitgroup lifecycle, a single owning goroutine), adapted from an
// interactive-session orchestrator to a workflow-step evaluator.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apc-daemon/apcd/internal/agentpool"
	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/runner"
	"github.com/apc-daemon/apcd/internal/store"
	"github.com/apc-daemon/apcd/internal/tasks"
	"github.com/apc-daemon/apcd/internal/workflow"
)

// Status is the Coordinator's own lifecycle status, distinct from any
// workflow or session status.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

// TaskManagerFor resolves the Task Manager owning a session's task set.
// The Coordinator never constructs task managers itself — the Session
// Facade owns that lifecycle — it only needs a lookup.
type TaskManagerFor func(sessionID string) *tasks.Manager

// AgentRunner is the subset of *runner.Runner the evaluator depends on.
// Narrowed to an interface so tests can substitute a fake invocation
// without spawning real subprocesses.
type AgentRunner interface {
	Run(ctx context.Context, opts runner.Options) runner.Result
}

// Deps are the collaborators the evaluator drives. Pool, Runner and Store
// are required; with a nil Bus no events are published, and with a nil
// TaskManagers no task stage changes or questions are applied.
type Deps struct {
	Pool         *agentpool.Pool
	Runner       AgentRunner
	Store        *store.Store
	Bus          *events.Bus
	TaskManagers TaskManagerFor

	BackendCommand string
	ModelForTier   map[domain.ModelTier]string
	AgentTimeout   time.Duration
	MaxRetries     int
	RetryDelayMs   int64
}

// Coordinator is the single point of scheduling (spec §4.8).
type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	// cancellation hooks for in-flight Agent Runner invocations, keyed by
	// agent name (one invocation at a time per agent slot).
	cancelFuncs map[string]context.CancelFunc
	cancelOwner map[string]string // agentName -> owning workflowID
	stopped     map[string]bool

	queue  chan Signal
	status atomic.Int32

	wfSeq  int
	logSeq map[string]int // workflowID -> next log sequence number

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator; call Start to begin its evaluator goroutine.
func New(deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:        deps,
		sessions:    make(map[string]*sessionEntry),
		cancelFuncs: make(map[string]context.CancelFunc),
		cancelOwner: make(map[string]string),
		stopped:     make(map[string]bool),
		queue:       make(chan Signal, 256),
		logSeq:      make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Coordinator) Status() Status { return Status(c.status.Load()) }

// Start launches the single evaluator goroutine. Safe to call once.
func (c *Coordinator) Start() {
	c.status.Store(int32(StatusRunning))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.evaluatorLoop()
	}()
}

// Stop signals the evaluator to exit and waits for it to drain.
func (c *Coordinator) Stop() {
	c.status.Store(int32(StatusStopping))
	c.cancel()
	close(c.queue)
	c.wg.Wait()
	c.status.Store(int32(StatusStopped))
}

func (c *Coordinator) evaluatorLoop() {
	for {
		select {
		case sig, ok := <-c.queue:
			if !ok {
				return
			}
			c.handleSignal(sig)
		case <-c.ctx.Done():
			return
		}
	}
}

// Enqueue pushes a signal onto the evaluator's queue. Safe for concurrent
// callers; the evaluator itself is the only consumer.
func (c *Coordinator) Enqueue(sig Signal) {
	select {
	case c.queue <- sig:
	case <-c.ctx.Done():
	}
}

// DispatchWorkflow instantiates wf and enqueues it for evaluation (spec
// §4.8, §4.9 — every Session Facade operation that starts a workflow
// funnels through here).
func (c *Coordinator) DispatchWorkflow(sessionID string, wf *domain.Workflow) {
	c.Enqueue(Signal{SessionID: sessionID, Kind: SignalExternalDispatch, WorkflowID: wf.ID, Workflow: wf})
}

// CancelWorkflow requests cancellation of an in-flight workflow (spec §5
// Cancellation).
func (c *Coordinator) CancelWorkflow(sessionID, workflowID string) {
	c.Enqueue(Signal{SessionID: sessionID, Kind: SignalExternalCancel, WorkflowID: workflowID})
}

// CancelSession cancels every pending and active workflow belonging to a
// session in one sweep (Session Facade cancelPlan/stopSession/
// removeSession, spec §4.9).
func (c *Coordinator) CancelSession(sessionID string) {
	c.Enqueue(Signal{SessionID: sessionID, Kind: SignalExternalCancelAll})
}

// DispatchPlanningRevision dispatches a planning_revision workflow under a
// pause/resume bracket: evaluations for the session are held from just
// before dispatch until just after, so no other signal can be evaluated
// in between and reorder ahead of the revision's admission (spec §4.8,
// Open Question: planning_revision always pairs a pause with a
// defer-guaranteed resume).
func (c *Coordinator) DispatchPlanningRevision(sessionID string, wf *domain.Workflow) {
	c.PauseEvaluations(sessionID, "planning_revision")
	defer c.ResumeEvaluations(sessionID)
	c.DispatchWorkflow(sessionID, wf)
}

// Recover performs startup recovery (spec §4.2, §4.8): the State Store
// only ever persists archived (terminal) workflows, so there is nothing
// mid-flight to reconstruct — activeWorkflows starts empty for every
// rehydrated session, same as for a session nobody has dispatched work to
// yet. Any agent reservation surviving from a previous process can never
// again match a real workflow id, so it is reclaimed unconditionally.
func (c *Coordinator) Recover(sessionIDs []string) {
	c.mu.Lock()
	for _, id := range sessionIDs {
		c.sessionLocked(id)
	}
	c.mu.Unlock()
	c.deps.Pool.ReleaseOrphansNotIn(map[string]bool{})
}

// PauseEvaluations sets evaluationsPaused for a session; buffered signals
// are held until ResumeEvaluations (spec §4.8).
func (c *Coordinator) PauseEvaluations(sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessionLocked(sessionID)
	s.evaluationsPaused = true
	s.pauseReason = reason
}

// ResumeEvaluations enqueues an evaluation.resume signal; when the
// evaluator handles it, it clears the pause flag and processes the
// buffered signals in arrival order.
func (c *Coordinator) ResumeEvaluations(sessionID string) {
	c.Enqueue(Signal{SessionID: sessionID, Kind: SignalEvaluationResume})
}

func (c *Coordinator) sessionLocked(sessionID string) *sessionEntry {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = newSessionEntry()
		c.sessions[sessionID] = s
	}
	return s
}

// PoolCounts exposes the pool's conserved partition for callers (P3
// observability, metrics, the /healthz surface).
func (c *Coordinator) PoolCounts() agentpool.Counts { return c.deps.Pool.Counts() }

// SessionSnapshot reports whether a session has active or pending work and
// whether any archived workflow completed. The Session Facade does not
// call it, and no session.completable event is published.
type SessionSnapshot struct {
	ActiveCount  int
	PendingCount int
	AnyCompleted bool
}

func (c *Coordinator) SessionSnapshot(sessionID string) SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}
	}
	anyCompleted := false
	for _, h := range s.completedHistory {
		if h.Workflow.Status == domain.WorkflowCompleted {
			anyCompleted = true
			break
		}
	}
	return SessionSnapshot{ActiveCount: len(s.activeWorkflows), PendingCount: len(s.pendingQueue), AnyCompleted: anyCompleted}
}

// WorkflowStatus reports a workflow's last known status, whether it is
// still active or already archived into session history. Used by tests
// and by the Session Facade's own status surface.
func (c *Coordinator) WorkflowStatus(sessionID, workflowID string) (domain.WorkflowStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	if st, ok := s.activeWorkflows[workflowID]; ok {
		return st.Workflow.Status, true
	}
	for _, h := range s.completedHistory {
		if h.Workflow.ID == workflowID {
			return h.Workflow.Status, true
		}
	}
	return "", false
}

func (c *Coordinator) nextWorkflowLogSeq(workflowID string) int {
	c.logSeq[workflowID]++
	return c.logSeq[workflowID]
}

func (c *Coordinator) resolveModel(tier domain.ModelTier) string {
	if m, ok := c.deps.ModelForTier[tier]; ok {
		return m
	}
	return string(tier)
}

func (c *Coordinator) publish(t events.Type, sessionID string, payload interface{}) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(events.New(t, sessionID, payload))
}

func labelToEventType(label string) events.Type {
	switch label {
	case "workflow.progress":
		return events.WorkflowProgress
	case "session.updated":
		return events.SessionUpdated
	case "task.completed":
		return events.TaskCompleted
	default:
		return events.DaemonProgress
	}
}
