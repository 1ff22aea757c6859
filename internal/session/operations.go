package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/tasks"
	"github.com/google/uuid"
)

// invalidState builds the closed InvalidStateError for a precondition
// violation (spec §4.9's per-operation precondition column).
func invalidState(op string, sess *domain.Session, want ...domain.SessionStatus) error {
	parts := make([]string, len(want))
	for i, w := range want {
		parts[i] = string(w)
	}
	return apcerrors.New(apcerrors.KindInvalidState, "Session Facade."+op,
		fmt.Errorf("session %s has status %s, want one of [%s]", sess.ID, sess.Status, strings.Join(parts, ", ")))
}

func wantsStatus(sess *domain.Session, want ...domain.SessionStatus) bool {
	for _, w := range want {
		if sess.Status == w {
			return true
		}
	}
	return false
}

// StartPlanning creates a new session and dispatches its planning_new
// workflow (spec §4.9: precondition none, effect status=planning).
func (m *Manager) StartPlanning(requirement string, docs []string, complexity string) (*domain.Session, error) {
	m.mu.Lock()
	m.nextSeq++
	id := domain.SessionIDForSeq(m.nextSeq)
	now := time.Now()
	sess := &domain.Session{
		ID: id, Requirement: requirement, Status: domain.SessionPlanning,
		CreatedAt: now, UpdatedAt: now,
	}
	if complexity != "" || len(docs) > 0 {
		sess.Metadata = map[string]any{}
		if complexity != "" {
			sess.Metadata["complexity"] = complexity
		}
		if len(docs) > 0 {
			sess.Metadata["docs"] = docs
		}
	}
	m.sessions[id] = sess
	m.taskManagers[id] = m.newTaskManagerLocked(id)
	m.mu.Unlock()

	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}
	if err := m.store.SaveTasks(id, nil); err != nil {
		return nil, err
	}

	wf := &domain.Workflow{
		ID: uuid.New().String(), SessionID: id, Kind: domain.KindPlanningNew,
		Input: map[string]any{"requirement": requirement},
	}
	m.coord.DispatchWorkflow(id, wf)
	m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})
	return sess.Clone(), nil
}

// RevisePlan appends feedback and dispatches a planning_revision workflow
// (spec §4.9: precondition status in {reviewing, approved}, effect
// status=revising).
func (m *Manager) RevisePlan(id, feedback string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	if !wantsStatus(sess, domain.SessionReviewing, domain.SessionApproved) {
		return invalidState("revisePlan", sess, domain.SessionReviewing, domain.SessionApproved)
	}

	sess.RevisionHistory = append(sess.RevisionHistory, domain.RevisionFeedback{Text: feedback, Timestamp: time.Now()})
	sess.Status = domain.SessionRevising
	if err := m.saveSession(sess); err != nil {
		return err
	}
	m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})

	wf := &domain.Workflow{
		ID: uuid.New().String(), SessionID: id, Kind: domain.KindPlanningRevision,
		Input: map[string]any{"feedback": feedback, "previousVersion": currentPlanVersion(sess)},
	}
	m.coord.DispatchPlanningRevision(id, wf)
	return nil
}

// ApprovePlan validates and imports the current plan's checklist into the
// Task Manager, then transitions to approved (spec §4.9: precondition
// status=reviewing, effect status=verifying -> approved, a rejected
// import reverts to reviewing and returns the rejection error).
func (m *Manager) ApprovePlan(id string, autoStart bool) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionReviewing {
		return invalidState("approvePlan", sess, domain.SessionReviewing)
	}

	sess.Status = domain.SessionVerifying
	if err := m.saveSession(sess); err != nil {
		return err
	}
	m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})

	planText, err := m.store.ReadPlan(id)
	if err != nil {
		return err
	}
	specs, err := parsePlan(planText)
	if err != nil {
		return m.rejectApproval(sess, fmt.Errorf("approvePlan: %w", err))
	}
	specs, err = topoSortSpecs(specs)
	if err != nil {
		return m.rejectApproval(sess, apcerrors.New(apcerrors.KindCycle, "Session Facade.approvePlan", err))
	}

	tm := m.taskManagerFor(id)
	added := make([]*domain.Task, 0, len(specs))
	for _, sp := range specs {
		global, err := domain.TaskGlobalID(id, sp.localPart)
		if err != nil {
			return m.rollbackAndReject(tm, added, sess, fmt.Errorf("approvePlan: %w", err))
		}
		if tm.Get(global) != nil {
			// Already committed by an earlier approval; re-approving a
			// revised plan only imports tasks that are genuinely new.
			continue
		}
		deps := make([]string, 0, len(sp.deps))
		for _, d := range sp.deps {
			globalDep, err := domain.TaskGlobalID(id, d)
			if err != nil {
				return m.rollbackAndReject(tm, added, sess, fmt.Errorf("approvePlan: %w", err))
			}
			deps = append(deps, globalDep)
		}
		t, err := tm.Add(id, sp.localPart, sp.description, deps, sp.priority, tasks.AddOptions{Strict: true})
		if err != nil {
			return m.rollbackAndReject(tm, added, sess, fmt.Errorf("approvePlan: rejecting plan import: %w", err))
		}
		added = append(added, t)
	}
	if err := m.store.SaveTasks(id, tm.Snapshot()); err != nil {
		return err
	}

	sess.Status = domain.SessionApproved
	if err := m.saveSession(sess); err != nil {
		return err
	}
	m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})

	if autoStart {
		return m.StartExecution(id)
	}
	return nil
}

func (m *Manager) rollbackAndReject(tm *tasks.Manager, added []*domain.Task, sess *domain.Session, cause error) error {
	for _, a := range added {
		tm.Delete(a.ID)
	}
	return m.rejectApproval(sess, cause)
}

func (m *Manager) rejectApproval(sess *domain.Session, cause error) error {
	sess.Status = domain.SessionReviewing
	m.saveSession(sess)
	m.publish(events.SessionUpdated, sess.ID, map[string]any{"status": sess.Status})
	return cause
}

// StartExecution dispatches one task_implementation workflow per
// already-ready task (spec §4.9: precondition status=approved).
func (m *Manager) StartExecution(id string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionApproved {
		return invalidState("startExecution", sess, domain.SessionApproved)
	}

	tm := m.taskManagerFor(id)
	now := time.Now()
	if sess.Execution.StartedAt == nil {
		sess.Execution.StartedAt = &now
	}
	sess.Execution.LastActivityAt = &now

	snapshot := tm.Snapshot()
	sess.Execution.TasksTotal = len(snapshot)
	for _, t := range snapshot {
		if t.Stage == domain.TaskReady {
			m.dispatchTaskWorkflow(id, t)
		}
	}
	return m.saveSession(sess)
}

// CancelPlan cancels every in-flight workflow for a session and reverts
// status along the two documented edges (spec §4.9): planning with no
// plan yet reverts to no_plan; revising with a prior plan reverts to
// reviewing. Any other status is left unchanged (cancelling execution
// work does not revert an approved session's status).
func (m *Manager) CancelPlan(id string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	m.coord.CancelSession(id)
	m.revertAfterCancel(sess)
	return m.saveSession(sess)
}

// StopSession cancels every in-flight workflow and records which phase it
// interrupted, for restartPlanning to resume correctly (spec §4.9).
func (m *Manager) StopSession(id string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	m.coord.CancelSession(id)
	sess.StoppedDuring = string(sess.Status)
	m.revertAfterCancel(sess)
	return m.saveSession(sess)
}

func (m *Manager) revertAfterCancel(sess *domain.Session) {
	hasPlan := sess.CurrentPlanVersion() != nil
	switch {
	case sess.Status == domain.SessionPlanning && !hasPlan:
		sess.Status = domain.SessionNoPlan
	case sess.Status == domain.SessionRevising && hasPlan:
		sess.Status = domain.SessionReviewing
	}
	m.publish(events.SessionUpdated, sess.ID, map[string]any{"status": sess.Status})
}

// RestartPlanning re-dispatches planning work for a session stopSession
// interrupted (spec §4.9: precondition status in {no_plan, reviewing}).
// If the interruption happened mid-revision and a prior plan exists, the
// last feedback is replayed through planning_revision; otherwise a fresh
// planning_new run starts from the session's original requirement.
func (m *Manager) RestartPlanning(id string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	if !wantsStatus(sess, domain.SessionNoPlan, domain.SessionReviewing) {
		return invalidState("restartPlanning", sess, domain.SessionNoPlan, domain.SessionReviewing)
	}

	if sess.StoppedDuring == string(domain.SessionRevising) && len(sess.RevisionHistory) > 0 && sess.CurrentPlanVersion() != nil {
		feedback := sess.RevisionHistory[len(sess.RevisionHistory)-1].Text
		sess.Status = domain.SessionRevising
		if err := m.saveSession(sess); err != nil {
			return err
		}
		m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})
		wf := &domain.Workflow{
			ID: uuid.New().String(), SessionID: id, Kind: domain.KindPlanningRevision,
			Input: map[string]any{"feedback": feedback, "previousVersion": currentPlanVersion(sess)},
		}
		m.coord.DispatchPlanningRevision(id, wf)
		return nil
	}

	sess.Status = domain.SessionPlanning
	if err := m.saveSession(sess); err != nil {
		return err
	}
	m.publish(events.SessionUpdated, id, map[string]any{"status": sess.Status})
	wf := &domain.Workflow{
		ID: uuid.New().String(), SessionID: id, Kind: domain.KindPlanningNew,
		Input: map[string]any{"requirement": sess.Requirement},
	}
	m.coord.DispatchWorkflow(id, wf)
	return nil
}

// RemoveSession cancels any in-flight work, drops the session from
// memory, and deletes its on-disk directory entirely (spec §4.9).
func (m *Manager) RemoveSession(id string) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	m.coord.CancelSession(id)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	delete(m.taskManagers, sess.ID)
	m.mu.Unlock()

	return m.store.DeleteSession(sess.ID)
}

// AddTaskSpec is one manually-added task request (spec §4.9 addTaskToPlan).
type AddTaskSpec struct {
	Description string
	Deps        []string
	Priority    int
}

// AddTaskToPlan appends a single task outside the normal planning flow by
// folding it into a synthetic revision feedback and dispatching the usual
// planning_revision path (spec §4.9: precondition a plan exists).
func (m *Manager) AddTaskToPlan(id string, spec AddTaskSpec) error {
	sess, err := m.requireSession(id)
	if err != nil {
		return err
	}
	if sess.CurrentPlanVersion() == nil {
		return apcerrors.New(apcerrors.KindInvalidState, "Session Facade.addTaskToPlan",
			fmt.Errorf("session %s has no plan to add a task to", id))
	}
	deps := "none"
	if len(spec.Deps) > 0 {
		deps = strings.Join(spec.Deps, ",")
	}
	feedback := fmt.Sprintf("ADD TASK: %s (deps: %s) (priority: %d)", spec.Description, deps, spec.Priority)
	return m.RevisePlan(id, feedback)
}
