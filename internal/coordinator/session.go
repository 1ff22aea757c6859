package coordinator

import (
	"sort"

	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/workflow"
)

// sessionEntry is the Coordinator's exclusively-owned per-session
// scheduling state (spec §4.8 — "sessions[sessionId] = {...}").
type sessionEntry struct {
	activeWorkflows   map[string]*workflow.State
	pendingQueue      []*domain.Workflow
	completedHistory  []domain.HistoryEntry
	evaluationsPaused bool
	pauseReason       string
	buffered          []Signal
}

func newSessionEntry() *sessionEntry {
	return &sessionEntry{activeWorkflows: make(map[string]*workflow.State)}
}

// hasBlockingActive reports whether any active, non-terminal workflow in
// the session is marked blocking:true (spec P10).
func (s *sessionEntry) hasBlockingActive() bool {
	for _, st := range s.activeWorkflows {
		if st.Workflow.Blocking && !st.Workflow.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// highestBlockingPriority returns the priority of the highest-priority
// (lowest number) active blocking workflow, if any.
func (s *sessionEntry) highestBlockingPriority() (int, bool) {
	best := 0
	found := false
	for _, st := range s.activeWorkflows {
		if st.Workflow.Blocking && !st.Workflow.Status.IsTerminal() {
			if !found || st.Workflow.Priority < best {
				best = st.Workflow.Priority
				found = true
			}
		}
	}
	return best, found
}

// enqueuePending inserts wf into the pending queue ordered by priority
// (lower number first), then enqueue order (stable sort preserves
// insertion order for equal priorities).
func (s *sessionEntry) enqueuePending(wf *domain.Workflow) {
	s.pendingQueue = append(s.pendingQueue, wf)
	sort.SliceStable(s.pendingQueue, func(i, j int) bool {
		return s.pendingQueue[i].Priority < s.pendingQueue[j].Priority
	})
}

// popPending removes and returns the head of the pending queue, or nil.
func (s *sessionEntry) popPending() *domain.Workflow {
	if len(s.pendingQueue) == 0 {
		return nil
	}
	wf := s.pendingQueue[0]
	s.pendingQueue = s.pendingQueue[1:]
	return wf
}

func (s *sessionEntry) isIdle() bool {
	return len(s.activeWorkflows) == 0 && len(s.pendingQueue) == 0
}
