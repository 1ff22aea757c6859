// Package session implements the Session Facade (component C9): the
// single entry point for every session lifecycle mutation in spec §4.9.
// It is the only component that writes domain.Session, owns the registry
// of per-session tasks.Manager instances, and is the sole caller of
// coordinator.Coordinator.DispatchWorkflow for planning and execution
// work.
//
// Grounded on other_examples/zjrosen-perles's orchestration facade (a
// Manager owning live in-memory state plus a background goroutine
// reacting to its own event bus) and the teacher's captain package's
// status-driven dispatch style, adapted from driving tmux panes to
// driving workflow.State machines through the Coordinator.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/coordinator"
	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/store"
	"github.com/apc-daemon/apcd/internal/tasks"
	"github.com/google/uuid"
)

// Manager is the Session Facade.
type Manager struct {
	mu           sync.Mutex
	store        *store.Store
	coord        *coordinator.Coordinator
	bus          *events.Bus
	sessions     map[string]*domain.Session
	taskManagers map[string]*tasks.Manager
	nextSeq      int

	subHandle events.Handle
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Session Facade bound to the daemon's State Store and
// Event Bus. Call AttachCoordinator before dispatching any session
// operation, then Recover to rehydrate persisted sessions.
func New(st *store.Store, bus *events.Bus) *Manager {
	return &Manager{
		store:        st,
		bus:          bus,
		sessions:     make(map[string]*domain.Session),
		taskManagers: make(map[string]*tasks.Manager),
		done:         make(chan struct{}),
	}
}

// AttachCoordinator wires the Coordinator this facade dispatches
// workflows through and starts the background goroutine that turns a
// completed planning_new/planning_revision workflow into a written plan
// file and a session.status transition (spec §4.9's "facade calls
// WritePlan" contract referenced from internal/workflow/planning_revision.go).
func (m *Manager) AttachCoordinator(c *coordinator.Coordinator) {
	m.coord = c
	ch, handle := m.bus.Subscribe([]events.Type{events.WorkflowCompleted, events.WorkflowCancelled})
	m.subHandle = handle
	go m.eventLoop(ch)
}

// TaskManagerFor resolves the Task Manager owning a session's task set.
// Shaped to satisfy coordinator.TaskManagerFor directly.
func (m *Manager) TaskManagerFor(sessionID string) *tasks.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskManagers[sessionID]
}

// Recover rehydrates every persisted session and its task set on daemon
// startup, then hands the Coordinator the resulting session id set so it
// can reclaim any orphaned agent reservations (spec §4.2, §4.8).
func (m *Manager) Recover() error {
	sessions, taskSets, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	m.mu.Lock()
	ids := make([]string, 0, len(sessions))
	for id, sess := range sessions {
		m.sessions[id] = sess
		tm := m.newTaskManagerLocked(id)
		tm.LoadSnapshot(taskSets[id])
		m.taskManagers[id] = tm
		ids = append(ids, id)
		if n := seqOf(id); n > m.nextSeq {
			m.nextSeq = n
		}
	}
	m.mu.Unlock()

	if m.coord != nil {
		m.coord.Recover(ids)
	}
	return nil
}

func seqOf(sessionID string) int {
	var n int
	fmt.Sscanf(sessionID, "PS_%d", &n)
	return n
}

// newTaskManagerLocked constructs a tasks.Manager whose readiness hook
// auto-dispatches a task_implementation workflow the instant a task
// becomes ready during an approved session's execution window (spec
// §4.9 startExecution point 2, §4.5 "task.ready once per edge").
// Caller must hold m.mu.
func (m *Manager) newTaskManagerLocked(sessionID string) *tasks.Manager {
	return tasks.NewManager(sessionID, func(t *domain.Task) {
		m.handleTaskReady(sessionID, t)
	})
}

func (m *Manager) handleTaskReady(sessionID string, t *domain.Task) {
	m.publish(events.TaskReady, sessionID, map[string]any{"taskId": t.ID})

	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess == nil || sess.Status != domain.SessionApproved {
		// Not in the execution window yet (or any more) — readiness is
		// recorded on the task, but auto-dispatch waits for
		// startExecution / resumes only while approved.
		return
	}
	m.dispatchTaskWorkflow(sessionID, t)
}

// dispatchTaskWorkflow hands a ready task to the Coordinator as a
// task_implementation workflow. It transitions the task to in_progress
// first: task_implementation never does this itself, and the task must
// already be in_progress for handleWorkflowOutputLocked's eventual
// TransitionTo(..., TaskCompleted) (and a mid-flight AskQuestion's
// in_progress -> blocked_question edge) to succeed.
func (m *Manager) dispatchTaskWorkflow(sessionID string, t *domain.Task) {
	tm := m.taskManagerFor(sessionID)
	if err := tm.TransitionTo(t.ID, domain.TaskInProgress); err != nil {
		// Already dispatched (e.g. a duplicate task.ready) — do not
		// hand a second workflow to the Coordinator for the same task.
		return
	}

	wf := &domain.Workflow{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Kind:         domain.KindTaskImplementation,
		Priority:     t.Priority,
		Blocking:     t.Pipeline,
		ParentTaskID: t.ID,
		Input:        map[string]any{"taskId": t.ID, "description": t.Description},
	}
	m.coord.DispatchWorkflow(sessionID, wf)
}

// eventLoop reacts to workflow lifecycle events published by the
// Coordinator. Only planning_new/planning_revision completions are
// handled here; task_implementation and error_resolution follow-through
// (task transitions, error-resolution spawning, question routing) is the
// Coordinator's own output-flag protocol (internal/coordinator/evaluate.go).
func (m *Manager) eventLoop(ch <-chan events.Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.handleWorkflowEvent(env)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handleWorkflowEvent(env events.Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	kind, _ := payload["kind"].(domain.WorkflowKind)
	if kind != domain.KindPlanningNew && kind != domain.KindPlanningRevision {
		return
	}
	if env.Type == events.WorkflowCancelled {
		// A cancelled planning workflow leaves status exactly where
		// cancelPlan/stopSession already put it; nothing further to do.
		return
	}
	output, _ := payload["output"].(map[string]any)
	m.finalizePlan(env.SessionID, output)
}

// Stop unsubscribes from the Event Bus. Safe to call more than once, and
// safe to call even if AttachCoordinator was never called.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.coord != nil {
			m.subHandle.Close()
		}
	})
}

func (m *Manager) publish(t events.Type, sessionID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(t, sessionID, payload))
}

// requireSession looks up a live session by id, normalizing the id first
// (spec §6.3 — callers may pass any case).
func (m *Manager) requireSession(id string) (*domain.Session, error) {
	norm, err := domain.NormalizeSessionID(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[norm]
	if !ok {
		return nil, apcerrors.New(apcerrors.KindInvalidID, "Session Facade.requireSession", fmt.Errorf("unknown session %s", norm))
	}
	return sess, nil
}

func (m *Manager) saveSession(sess *domain.Session) error {
	sess.UpdatedAt = time.Now()
	return m.store.SaveSession(sess)
}

func (m *Manager) taskManagerFor(id string) *tasks.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskManagers[id]
}

func currentPlanVersion(sess *domain.Session) int {
	if v := sess.CurrentPlanVersion(); v != nil {
		return v.Version
	}
	return 0
}

// finalizePlan is invoked once a planning_new or planning_revision
// workflow completes: it writes the agent-authored plan text to disk
// (the State Store handles the previous-version backup, spec §9) and
// transitions the session into reviewing.
func (m *Manager) finalizePlan(sessionID string, output map[string]any) {
	sess, err := m.requireSession(sessionID)
	if err != nil {
		return
	}
	text, _ := output["planText"].(string)
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("# Plan for %s\n\n%s\n\n## Tasks\n\n- [ ] T1: %s (deps: none) (priority: 0)\n",
			sessionID, sess.Requirement, sess.Requirement)
	}

	pv, err := m.store.WritePlan(sess, text)
	if err != nil {
		return
	}
	pv.Timestamp = time.Now()
	sess.PlanHistory = append(sess.PlanHistory, pv)
	sess.CurrentPlanPath = pv.Path
	sess.Status = domain.SessionReviewing
	m.saveSession(sess)
	m.publish(events.SessionUpdated, sessionID, map[string]any{"status": sess.Status})
}
