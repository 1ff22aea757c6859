// Package agentpool implements the Agent Pool (component C3): a
// fixed-size named set of agent slots with transactional allocation,
// busy/resting transitions, and orphan reclamation on boot.
//
// Grounded on the pool-of-named-slots shape of
// other_examples' aetherflow daemon (internal/daemon pool.go), adapted
// from a task-claiming worker pool to the spec's allocate/release/resize
// reservation model.
package agentpool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apc-daemon/apcd/internal/domain"
)

// ResizeResult reports what resize(n) actually did (spec §4.3).
type ResizeResult struct {
	Added   []string
	Removed []string
	Refused []string
}

// Pool is the fixed-size named agent set.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent // name -> agent
	order  []string                 // stable slot-index order for round robin
	rrNext int
}

// New creates a pool with n slots named agent_1..agent_n.
func New(n int) *Pool {
	p := &Pool{agents: make(map[string]*domain.Agent, n)}
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("agent_%d", i)
		p.agents[name] = &domain.Agent{Name: name, Lifecycle: domain.AgentAvailable}
		p.order = append(p.order, name)
	}
	return p
}

// Size returns the configured pool size (available+allocated+busy+resting).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Snapshot returns a deep copy of every agent, for persistence or display.
func (p *Pool) Snapshot() []domain.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Agent, 0, len(p.agents))
	for _, name := range p.order {
		out = append(out, p.agents[name].Clone())
	}
	return out
}

// Resize grows by adding slots at the next available index, or shrinks by
// removing only currently-available slots (spec §4.3).
func (p *Pool) Resize(n int) ResizeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res ResizeResult
	cur := len(p.agents)
	if n > cur {
		idx := 0
		for added := 0; added < n-cur; added++ {
			// A partial shrink can leave gaps in the agent_<i> numbering;
			// skip indices whose slot still exists.
			name := ""
			for {
				idx++
				name = fmt.Sprintf("agent_%d", idx)
				if _, exists := p.agents[name]; !exists {
					break
				}
			}
			p.agents[name] = &domain.Agent{Name: name, Lifecycle: domain.AgentAvailable}
			p.order = append(p.order, name)
			res.Added = append(res.Added, name)
		}
		return res
	}
	if n < cur {
		// Remove from the tail; only available slots can actually go.
		var keep []string
		toRemove := cur - n
		for i := len(p.order) - 1; i >= 0 && toRemove > 0; i-- {
			name := p.order[i]
			a := p.agents[name]
			if a.Lifecycle == domain.AgentAvailable {
				delete(p.agents, name)
				res.Removed = append(res.Removed, name)
				toRemove--
			} else {
				res.Refused = append(res.Refused, name)
			}
		}
		for _, name := range p.order {
			if _, ok := p.agents[name]; ok {
				keep = append(keep, name)
			}
		}
		p.order = keep
	}
	return res
}

// ErrInsufficientAgents is returned by Allocate when fewer than count
// matching slots are available.
var ErrInsufficientAgents = fmt.Errorf("insufficient available agents")

// Allocate selects the fewest available slots matching roleID by a stable
// round-robin policy over slot index, skipping resting slots whose expiry
// has not passed. Transactional: all-or-nothing (spec §4.3).
func (p *Pool) Allocate(workflowID, roleID, sessionID string, count int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var candidates []string
	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.rrNext + i) % n
		name := p.order[idx]
		a := p.agents[name]
		if a.Lifecycle != domain.AgentAvailable {
			continue
		}
		if a.RestUntil != nil && now.Before(*a.RestUntil) {
			continue
		}
		candidates = append(candidates, name)
		if len(candidates) == count {
			break
		}
	}
	if len(candidates) < count {
		return nil, ErrInsufficientAgents
	}

	for _, name := range candidates {
		a := p.agents[name]
		a.Lifecycle = domain.AgentAllocated
		a.RoleID = roleID
		a.WorkflowID = workflowID
		a.SessionID = sessionID
		a.RestUntil = nil
		a.Generation++
	}
	p.rrNext = (p.rrNext + count) % n
	sort.Strings(candidates)
	return candidates, nil
}

// BeginBusy transitions allocated->busy for name.
func (p *Pool) BeginBusy(name, taskSummary, logFile string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return fmt.Errorf("unknown agent %s", name)
	}
	if a.Lifecycle != domain.AgentAllocated {
		return fmt.Errorf("agent %s is not allocated (state=%s)", name, a.Lifecycle)
	}
	a.Lifecycle = domain.AgentBusy
	a.TaskSummary = taskSummary
	a.LogFile = logFile
	return nil
}

// EndBusy transitions busy->allocated regardless of outcome; the caller
// decides separately whether to Release afterward.
func (p *Pool) EndBusy(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return fmt.Errorf("unknown agent %s", name)
	}
	if a.Lifecycle != domain.AgentBusy {
		return fmt.Errorf("agent %s is not busy (state=%s)", name, a.Lifecycle)
	}
	a.Lifecycle = domain.AgentAllocated
	a.TaskSummary = ""
	return nil
}

// Release transitions the named agents (allocated or busy) back to
// available.
func (p *Pool) Release(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		a, ok := p.agents[name]
		if !ok {
			continue
		}
		p.releaseLocked(a)
	}
}

// ReleaseWorkflow releases every agent reserved by workflowID.
func (p *Pool) ReleaseWorkflow(workflowID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var released []string
	for _, a := range p.agents {
		if a.WorkflowID == workflowID && (a.Lifecycle == domain.AgentAllocated || a.Lifecycle == domain.AgentBusy) {
			p.releaseLocked(a)
			released = append(released, a.Name)
		}
	}
	sort.Strings(released)
	return released
}

func (p *Pool) releaseLocked(a *domain.Agent) {
	a.Lifecycle = domain.AgentAvailable
	a.RoleID = ""
	a.WorkflowID = ""
	a.SessionID = ""
	a.TaskSummary = ""
	a.LogFile = ""
}

// ReleaseOrphansNotIn reclaims stale reservations on boot: any
// allocated/busy agent whose workflowId is not in activeWorkflowIds is
// released (spec §4.3, §4.8 startup recovery, P4).
func (p *Pool) ReleaseOrphansNotIn(activeWorkflowIDs map[string]bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var released []string
	for _, a := range p.agents {
		if a.Lifecycle == domain.AgentAvailable || a.Lifecycle == domain.AgentResting {
			continue
		}
		if activeWorkflowIDs[a.WorkflowID] {
			continue
		}
		p.releaseLocked(a)
		released = append(released, a.Name)
	}
	sort.Strings(released)
	return released
}

// Rest transitions available->resting for duration.
func (p *Pool) Rest(name string, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		return fmt.Errorf("unknown agent %s", name)
	}
	if a.Lifecycle != domain.AgentAvailable {
		return fmt.Errorf("agent %s is not available (state=%s)", name, a.Lifecycle)
	}
	until := time.Now().Add(duration)
	a.Lifecycle = domain.AgentResting
	a.RestUntil = &until
	return nil
}

// Tick transitions any resting agent whose expiry has passed back to
// available. Callers invoke it opportunistically, since rest is advisory (no background goroutine is required for
// correctness: Allocate already skips non-expired resting slots, but
// pool-count introspection should reflect reality promptly).
func (p *Pool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, a := range p.agents {
		if a.Lifecycle == domain.AgentResting && a.RestUntil != nil && !now.Before(*a.RestUntil) {
			a.Lifecycle = domain.AgentAvailable
			a.RestUntil = nil
		}
	}
}

// Counts reports the conserved partition (P3): available+allocated+busy+resting == Size().
type Counts struct {
	Available, Allocated, Busy, Resting int
}

func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Counts
	for _, a := range p.agents {
		switch a.Lifecycle {
		case domain.AgentAvailable:
			c.Available++
		case domain.AgentAllocated:
			c.Allocated++
		case domain.AgentBusy:
			c.Busy++
		case domain.AgentResting:
			c.Resting++
		}
	}
	return c
}
