// Package store implements the State Store (component C2): atomic,
// per-path-locked persistence of sessions, tasks, and archived workflow
// history under the workspace-local layout of spec §6.1.
//
// Grounded on the teacher's internal/persistence JSONStore (marshal a
// known struct, guard with a mutex) combined with the write-temp-then-
// rename discipline from other_examples' aetherflow daemon pool.go, since
// the teacher's own JSONStore writes directly with os.WriteFile and does
// not satisfy the spec's atomicity requirement (§4.2, P8) on its own.
package store

import (
	"os"
	"sort"

	"github.com/apc-daemon/apcd/internal/apcerrors"
	"github.com/apc-daemon/apcd/internal/domain"
)

// Store is the State Store.
type Store struct {
	layout Layout
	locks  *pathLocks
}

// New opens a Store rooted at the given layout, creating directories as
// needed.
func New(layout Layout) (*Store, error) {
	s := &Store{layout: layout, locks: newPathLocks()}
	for _, dir := range []string{layout.ConfigDir(), layout.RolesDir(), layout.SystemPromptsDir(), layout.PlansDir(), layout.HistoryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apcerrors.New(apcerrors.KindStorage, "State Store.New", err)
		}
	}
	return s, nil
}

func (s *Store) Layout() Layout { return s.layout }

// SaveSession persists session.json atomically.
func (s *Store) SaveSession(session *domain.Session) error {
	path := s.layout.SessionFile(session.ID)
	unlock := s.locks.lock(path)
	defer unlock()
	if err := writeJSONAtomic(path, session); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.saveSession", err)
	}
	return nil
}

// LoadSession reads session.json, or returns (nil, nil) if it doesn't exist.
func (s *Store) LoadSession(id string) (*domain.Session, error) {
	path := s.layout.SessionFile(id)
	unlock := s.locks.lock(path)
	defer unlock()
	var session domain.Session
	if err := readJSON(path, &session); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apcerrors.New(apcerrors.KindStorage, "State Store.loadSession", err)
	}
	return &session, nil
}

// DeleteSession removes a session's entire directory (removeSession, §4.9).
func (s *Store) DeleteSession(id string) error {
	dir := s.layout.SessionDir(id)
	unlock := s.locks.lock(dir)
	defer unlock()
	if err := os.RemoveAll(dir); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.deleteSession", err)
	}
	return nil
}

// SaveTasks persists tasks.json atomically.
func (s *Store) SaveTasks(sessionID string, tasks []*domain.Task) error {
	path := s.layout.TasksFile(sessionID)
	unlock := s.locks.lock(path)
	defer unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	if err := writeJSONAtomic(path, tasks); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.saveTasks", err)
	}
	return nil
}

// LoadTasks reads tasks.json, or returns (nil, nil) if absent.
func (s *Store) LoadTasks(sessionID string) ([]*domain.Task, error) {
	path := s.layout.TasksFile(sessionID)
	unlock := s.locks.lock(path)
	defer unlock()
	var tasks []*domain.Task
	if err := readJSON(path, &tasks); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apcerrors.New(apcerrors.KindStorage, "State Store.loadTasks", err)
	}
	return tasks, nil
}

const historyCap = 1000

// ArchiveWorkflow appends to the per-session history ring buffer,
// newest-first, capped at historyCap entries (spec §6.1).
func (s *Store) ArchiveWorkflow(entry domain.HistoryEntry) error {
	path := s.layout.HistoryFile(entry.Workflow.SessionID)
	unlock := s.locks.lock(path)
	defer unlock()

	var existing []domain.HistoryEntry
	if err := readJSON(path, &existing); err != nil && !os.IsNotExist(err) {
		return apcerrors.New(apcerrors.KindStorage, "State Store.archiveWorkflow", err)
	}
	existing = append([]domain.HistoryEntry{entry}, existing...)
	if len(existing) > historyCap {
		existing = existing[:historyCap]
	}
	if err := writeJSONAtomic(path, existing); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.archiveWorkflow", err)
	}
	return nil
}

// LoadHistory returns the archived workflow ring buffer for a session.
func (s *Store) LoadHistory(sessionID string) ([]domain.HistoryEntry, error) {
	path := s.layout.HistoryFile(sessionID)
	unlock := s.locks.lock(path)
	defer unlock()
	var entries []domain.HistoryEntry
	if err := readJSON(path, &entries); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apcerrors.New(apcerrors.KindStorage, "State Store.loadHistory", err)
	}
	return entries, nil
}

// LoadAll enumerates every session directory under Plans/ and loads each
// session plus its task set, for startup recovery (spec §4.2, §4.8).
func (s *Store) LoadAll() (map[string]*domain.Session, map[string][]*domain.Task, error) {
	entries, err := os.ReadDir(s.layout.PlansDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*domain.Session{}, map[string][]*domain.Task{}, nil
		}
		return nil, nil, apcerrors.New(apcerrors.KindStorage, "State Store.loadAll", err)
	}

	sessions := make(map[string]*domain.Session)
	tasks := make(map[string][]*domain.Task)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		session, err := s.LoadSession(id)
		if err != nil {
			return nil, nil, err
		}
		if session == nil {
			continue
		}
		sessions[id] = session
		ts, err := s.LoadTasks(id)
		if err != nil {
			return nil, nil, err
		}
		tasks[id] = ts
	}
	return sessions, tasks, nil
}

// WritePlan writes the session's current plan file, backing up the
// previous version first when a previous version exists (versioned-backup
// revision semantics, the only form the spec permits per §9).
func (s *Store) WritePlan(session *domain.Session, text string) (domain.PlanVersion, error) {
	path := s.layout.PlanFile(session.ID)
	unlock := s.locks.lock(path)
	defer unlock()

	if prev := session.CurrentPlanVersion(); prev != nil {
		backup := s.layout.PlanBackup(session.ID, prev.Version)
		if data, err := os.ReadFile(path); err == nil {
			if err := os.WriteFile(backup, data, 0o644); err != nil {
				return domain.PlanVersion{}, apcerrors.New(apcerrors.KindStorage, "State Store.writePlan", err)
			}
		}
	}

	if err := os.MkdirAll(s.layout.SessionDir(session.ID), 0o755); err != nil {
		return domain.PlanVersion{}, apcerrors.New(apcerrors.KindStorage, "State Store.writePlan", err)
	}
	tmp, err := os.CreateTemp(s.layout.SessionDir(session.ID), ".tmp-plan-*")
	if err != nil {
		return domain.PlanVersion{}, apcerrors.New(apcerrors.KindStorage, "State Store.writePlan", err)
	}
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return domain.PlanVersion{}, apcerrors.New(apcerrors.KindStorage, "State Store.writePlan", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return domain.PlanVersion{}, apcerrors.New(apcerrors.KindStorage, "State Store.writePlan", err)
	}

	next := 1
	if prev := session.CurrentPlanVersion(); prev != nil {
		next = prev.Version + 1
	}
	return domain.PlanVersion{Version: next, Path: path}, nil
}

// ReadPlan returns the current plan file's text.
func (s *Store) ReadPlan(sessionID string) (string, error) {
	path := s.layout.PlanFile(sessionID)
	unlock := s.locks.lock(path)
	defer unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apcerrors.New(apcerrors.KindStorage, "State Store.readPlan", err)
	}
	return string(data), nil
}

// WritePlanContext writes the planning_new context-gather scratch file.
func (s *Store) WritePlanContext(sessionID, text string) error {
	path := s.layout.PlanContextFile(sessionID)
	unlock := s.locks.lock(path)
	defer unlock()
	if err := os.MkdirAll(s.layout.LogsDir(sessionID), 0o755); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.writePlanContext", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return apcerrors.New(apcerrors.KindStorage, "State Store.writePlanContext", err)
	}
	return nil
}
