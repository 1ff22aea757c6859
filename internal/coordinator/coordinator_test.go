package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apc-daemon/apcd/internal/agentpool"
	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/runner"
	"github.com/apc-daemon/apcd/internal/store"
)

// controlledRunner is a fake AgentRunner whose invocations block until the
// test calls release, so tests can observe an in-flight-run snapshot
// deterministically before letting it resolve.
type controlledRunner struct {
	mu   sync.Mutex
	hold chan struct{}
}

func newControlledRunner() *controlledRunner {
	return &controlledRunner{hold: make(chan struct{})}
}

func (r *controlledRunner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.hold:
	default:
		close(r.hold)
	}
}

func (r *controlledRunner) Run(ctx context.Context, opts runner.Options) runner.Result {
	r.mu.Lock()
	hold := r.hold
	r.mu.Unlock()
	select {
	case <-hold:
	case <-ctx.Done():
		return runner.Result{Success: true, StoppedIntentionally: true, Error: "cancelled"}
	}
	if strings.Contains(opts.Prompt, "review") {
		return runner.Result{Success: true, OutputText: "approved, looks correct"}
	}
	return runner.Result{Success: true, OutputText: "implemented successfully"}
}

func newTestCoordinator(t *testing.T, poolSize int, r AgentRunner) *Coordinator {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), "")
	st, err := store.New(layout)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	deps := Deps{
		Pool:           agentpool.New(poolSize),
		Runner:         r,
		Store:          st,
		Bus:            events.NewBus(nil),
		BackendCommand: "fake-backend",
		AgentTimeout:   5 * time.Second,
	}
	c := New(deps)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func taskWF(id, sessionID, taskID string, priority int) *domain.Workflow {
	return &domain.Workflow{
		ID: id, SessionID: sessionID, Kind: domain.KindTaskImplementation, Priority: priority,
		Input: map[string]any{"taskId": taskID, "description": "fix the bug"},
	}
}

func TestCoordinator_TaskImplementationHappyPath(t *testing.T) {
	r := newControlledRunner()
	c := newTestCoordinator(t, 2, r)
	r.release() // let every agent run resolve immediately

	c.DispatchWorkflow("PS_000001", taskWF("wf-1", "PS_000001", "PS_000001_T1", 0))

	waitFor(t, 2*time.Second, func() bool {
		status, ok := c.WorkflowStatus("PS_000001", "wf-1")
		return ok && status == domain.WorkflowCompleted
	})

	counts := c.PoolCounts()
	if counts.Available != 2 || counts.Busy != 0 || counts.Allocated != 0 {
		t.Fatalf("expected pool fully released, got %+v", counts)
	}
}

func TestCoordinator_PoolExhaustionBlocksThenUnblocks(t *testing.T) {
	r := newControlledRunner()
	c := newTestCoordinator(t, 2, r)

	c.DispatchWorkflow("PS_000002", taskWF("wf-1", "PS_000002", "PS_000002_T1", 0))
	c.DispatchWorkflow("PS_000002", taskWF("wf-2", "PS_000002", "PS_000002_T2", 0))
	c.DispatchWorkflow("PS_000002", taskWF("wf-3", "PS_000002", "PS_000002_T3", 0))

	waitFor(t, 2*time.Second, func() bool {
		status, ok := c.WorkflowStatus("PS_000002", "wf-3")
		return ok && status == domain.WorkflowBlocked
	})

	counts := c.PoolCounts()
	if counts.Busy != 2 || counts.Available != 0 {
		t.Fatalf("expected both slots busy with the third blocked, got %+v", counts)
	}
	for _, id := range []string{"wf-1", "wf-2"} {
		status, ok := c.WorkflowStatus("PS_000002", id)
		if !ok || status != domain.WorkflowRunning {
			t.Fatalf("expected %s running, got %v ok=%v", id, status, ok)
		}
	}

	r.release()

	waitFor(t, 2*time.Second, func() bool {
		snap := c.SessionSnapshot("PS_000002")
		return snap.ActiveCount == 0 && snap.PendingCount == 0
	})

	final := c.PoolCounts()
	if final.Available != 2 {
		t.Fatalf("expected pool fully conserved after settling, got %+v", final)
	}
	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		status, ok := c.WorkflowStatus("PS_000002", id)
		if !ok || status != domain.WorkflowCompleted {
			t.Fatalf("expected %s completed, got %v ok=%v", id, status, ok)
		}
	}
}

func TestCoordinator_CancelWorkflowDuringExecutionStopsWithoutRetry(t *testing.T) {
	r := newControlledRunner()
	c := newTestCoordinator(t, 1, r)

	ch, handle := c.deps.Bus.Subscribe([]events.Type{events.AgentWorkStarted, events.WorkflowCancelled})
	defer handle.Close()

	c.DispatchWorkflow("PS_000003", taskWF("wf-1", "PS_000003", "PS_000003_T1", 0))

	select {
	case env := <-ch:
		if env.Type != events.AgentWorkStarted {
			t.Fatalf("expected AgentWorkStarted first, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent run to start")
	}

	c.CancelWorkflow("PS_000003", "wf-1")

	select {
	case env := <-ch:
		if env.Type != events.WorkflowCancelled {
			t.Fatalf("expected WorkflowCancelled, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	waitFor(t, 2*time.Second, func() bool {
		status, ok := c.WorkflowStatus("PS_000003", "wf-1")
		return ok && status == domain.WorkflowCancelled
	})

	counts := c.PoolCounts()
	if counts.Available != 1 {
		t.Fatalf("expected the reserved agent released back to available, got %+v", counts)
	}
}
