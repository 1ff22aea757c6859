// Package tasks implements the Task Manager (component C5): the
// dependency DAG over domain.Task, its stage machine, and readiness
// propagation. The manager is the sole owner of the task set; sessions
// reference tasks only by id (spec §3 ownership).
package tasks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/domain"
)

// ReadyHook is invoked once per edge the instant a task becomes ready
// (spec §4.5: "the manager emits task.ready once per edge").
type ReadyHook func(task *domain.Task)

// Manager owns one session's task set.
type Manager struct {
	mu       sync.Mutex
	sessionID string
	tasks    map[string]*domain.Task // id -> task
	onReady  ReadyHook
}

// NewManager creates an empty manager for a session.
func NewManager(sessionID string, onReady ReadyHook) *Manager {
	if onReady == nil {
		onReady = func(*domain.Task) {}
	}
	return &Manager{sessionID: sessionID, tasks: make(map[string]*domain.Task), onReady: onReady}
}

// LoadSnapshot replaces the manager's task set with previously persisted
// tasks (used on State Store rehydration). It does not run readiness
// propagation or id validation — the snapshot is assumed already valid.
func (m *Manager) LoadSnapshot(tasks []*domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		m.tasks[t.ID] = t.Clone()
	}
}

// Snapshot returns a deep copy of every task, deleted ones included,
// suitable for the State Store to persist or the facade to hand to a caller.
func (m *Manager) Snapshot() []*domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one task, or nil if unknown.
func (m *Manager) Get(id string) *domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Clone()
}

// AddOptions controls dependency-existence strictness for Add (spec §4.5
// point 3: strict on plan import, lenient on manual CLI entry).
type AddOptions struct {
	Strict bool
}

// Add inserts a new task. Id grammar, duplicate, dependency-existence
// (mode-dependent) and acyclicity are all enforced here; a rejected
// mutation leaves the task set untouched.
func (m *Manager) Add(sessionID, localPart, description string, deps []string, priority int, opts AddOptions) (*domain.Task, error) {
	id, err := domain.TaskGlobalID(sessionID, localPart)
	if err != nil {
		return nil, apcerrors.New(apcerrors.KindInvalidID, "Task Manager.Add", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[id]; exists {
		return nil, apcerrors.New(apcerrors.KindDuplicateID, "Task Manager.Add", fmt.Errorf("task %s already exists", id))
	}

	var phantoms []string
	for _, dep := range deps {
		if _, ok := m.tasks[dep]; !ok {
			if opts.Strict {
				return nil, apcerrors.New(apcerrors.KindUnknownDependency, "Task Manager.Add", fmt.Errorf("unknown dependency %s", dep))
			}
			phantoms = append(phantoms, dep)
		}
	}

	task := &domain.Task{
		ID:           id,
		SessionID:    sessionID,
		Description:  description,
		Dependencies: append([]string(nil), deps...),
		Stage:        domain.TaskPending,
		Priority:     priority,
	}

	m.tasks[id] = task
	if path, cyclic := m.findCycleLocked(); cyclic {
		delete(m.tasks, id)
		return nil, apcerrors.New(apcerrors.KindCycle, "Task Manager.Add", &apcerrors.CycleError{Path: path})
	}

	_ = phantoms // phantom deps are accepted as lenient-mode warnings, not errors
	m.recomputeReadinessLocked(task)
	return task.Clone(), nil
}

// Delete marks a task deleted (terminal except via this explicit op).
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return apcerrors.New(apcerrors.KindInvalidID, "Task Manager.Delete", fmt.Errorf("unknown task %s", id))
	}
	t.Stage = domain.TaskDeleted
	m.propagateFromLocked(id)
	return nil
}

// TransitionTo drives the stage machine for one task. Only edges allowed
// by domain.CanTransition succeed.
func (m *Manager) TransitionTo(id string, to domain.TaskStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return apcerrors.New(apcerrors.KindInvalidID, "Task Manager.TransitionTo", fmt.Errorf("unknown task %s", id))
	}
	if !domain.CanTransition(t.Stage, to) {
		return fmt.Errorf("invalid stage transition %s -> %s for task %s", t.Stage, to, id)
	}
	t.Stage = to
	if to == domain.TaskCompleted || to == domain.TaskDeleted {
		m.propagateFromLocked(id)
	}
	return nil
}

// AskQuestion appends a question to a task's queue and, if the task was
// in_progress, moves it to blocked_question.
func (m *Manager) AskQuestion(id, questionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return apcerrors.New(apcerrors.KindInvalidID, "Task Manager.AskQuestion", fmt.Errorf("unknown task %s", id))
	}
	t.Questions = append(t.Questions, domain.Question{ID: questionID, Text: text})
	if t.Stage == domain.TaskInProgress {
		t.Stage = domain.TaskBlockedQuestion
	}
	return nil
}

// AnswerQuestion answers the oldest unanswered question. If that was the
// last unanswered question, the task returns to in_progress (spec §4.5).
func (m *Manager) AnswerQuestion(id, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return apcerrors.New(apcerrors.KindInvalidID, "Task Manager.AnswerQuestion", fmt.Errorf("unknown task %s", id))
	}
	for i := range t.Questions {
		if t.Questions[i].Answer == nil {
			t.Questions[i].Answer = &answer
			break
		}
	}
	if t.Stage == domain.TaskBlockedQuestion && !t.HasUnansweredQuestion() {
		t.Stage = domain.TaskInProgress
	}
	return nil
}

// recomputeReadinessLocked evaluates a single newly-added task for
// immediate readiness (all deps already satisfied at insert time).
func (m *Manager) recomputeReadinessLocked(t *domain.Task) {
	if t.Stage != domain.TaskPending {
		return
	}
	if m.depsSatisfiedLocked(t) {
		t.Stage = domain.TaskReady
		m.onReady(t.Clone())
	}
}

func (m *Manager) depsSatisfiedLocked(t *domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok {
			return false // phantom dependency: never completed, so not satisfied
		}
		if d.Stage != domain.TaskCompleted && d.Stage != domain.TaskDeleted {
			return false
		}
	}
	return true
}

// propagateFromLocked recomputes readiness only for the direct dependents
// of id (bounded fan-out, spec §4.5), emitting task.ready once per edge
// that newly becomes ready.
func (m *Manager) propagateFromLocked(id string) {
	for _, t := range m.tasks {
		if t.Stage != domain.TaskPending {
			continue
		}
		dependsOnID := false
		for _, dep := range t.Dependencies {
			if dep == id {
				dependsOnID = true
				break
			}
		}
		if !dependsOnID {
			continue
		}
		if m.depsSatisfiedLocked(t) {
			t.Stage = domain.TaskReady
			m.onReady(t.Clone())
		}
	}
}

// findCycleLocked runs a DFS over the live (non-deleted) task subgraph and
// returns the first cycle path found, if any (spec §4.5 point 2).
func (m *Manager) findCycleLocked() ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(m.tasks))
	var path []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		t, ok := m.tasks[id]
		if !ok || t.Stage == domain.TaskDeleted {
			return nil, false
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range t.Dependencies {
			switch color[dep] {
			case gray:
				// Found the back-edge; trim path to the cycle itself.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep), true
			case black:
				continue
			default:
				if cyc, found := visit(dep); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil, false
	}

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if cyc, found := visit(id); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// TopologicalOrder returns the live tasks in Kahn's-algorithm order. Plan
// import does not call it (the Session Facade orders specs itself). An
// error here indicates a cycle slipped past validation (spec §4.5).
func (m *Manager) TopologicalOrder() ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	indegree := make(map[string]int)
	adj := make(map[string][]string)
	for id, t := range m.tasks {
		if t.Stage == domain.TaskDeleted {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range t.Dependencies {
			if dt, ok := m.tasks[dep]; !ok || dt.Stage == domain.TaskDeleted {
				continue
			}
			adj[dep] = append(adj[dep], id)
			indegree[id]++
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []*domain.Task
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, m.tasks[id].Clone())
		next := append([]string(nil), adj[id]...)
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
			}
		}
	}

	if len(order) != len(indegree) {
		return nil, apcerrors.New(apcerrors.KindCycle, "Task Manager.TopologicalOrder", fmt.Errorf("cycle present in validated graph"))
	}
	return order, nil
}

// TransitiveDependents returns every task (transitively) depending on id.
func (m *Manager) TransitiveDependents(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dependents := make(map[string][]string) // dep -> dependents
	for tid, t := range m.tasks {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], tid)
		}
	}

	seen := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				walk(dep)
			}
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// CriticalPathLength returns the longest dependency chain length ending at id.
func (m *Manager) CriticalPathLength(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	memo := map[string]int{}
	var length func(string) int
	length = func(cur string) int {
		if v, ok := memo[cur]; ok {
			return v
		}
		t, ok := m.tasks[cur]
		if !ok {
			return 0
		}
		best := 0
		for _, dep := range t.Dependencies {
			if l := length(dep) + 1; l > best {
				best = l
			}
		}
		memo[cur] = best
		return best
	}
	return length(id)
}
