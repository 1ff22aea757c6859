package tasks

import (
	"testing"

	"github.com/apc-daemon/apcd/internal/domain"
)

func TestManager_ReadinessCascade(t *testing.T) {
	var ready []string
	m := NewManager("PS_000001", func(tk *domain.Task) { ready = append(ready, tk.ID) })

	if _, err := m.Add("PS_000001", "T1", "first", nil, 5, AddOptions{Strict: true}); err != nil {
		t.Fatalf("add T1: %v", err)
	}
	if _, err := m.Add("PS_000001", "T2", "second", []string{"PS_000001_T1"}, 5, AddOptions{Strict: true}); err != nil {
		t.Fatalf("add T2: %v", err)
	}
	if _, err := m.Add("PS_000001", "T3", "third", []string{"PS_000001_T2"}, 5, AddOptions{Strict: true}); err != nil {
		t.Fatalf("add T3: %v", err)
	}

	if got := m.Get("PS_000001_T1").Stage; got != domain.TaskReady {
		t.Fatalf("T1 should start ready (no deps), got %s", got)
	}

	ready = nil
	if err := m.TransitionTo("PS_000001_T1", domain.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.TransitionTo("PS_000001_T1", domain.TaskCompleted); err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0] != "PS_000001_T2" {
		t.Fatalf("expected exactly one task.ready for T2, got %v", ready)
	}

	ready = nil
	if err := m.TransitionTo("PS_000001_T2", domain.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.TransitionTo("PS_000001_T2", domain.TaskCompleted); err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0] != "PS_000001_T3" {
		t.Fatalf("expected exactly one task.ready for T3, got %v", ready)
	}
}

func TestManager_CycleRejected(t *testing.T) {
	m := NewManager("PS_000001", nil)
	if _, err := m.Add("PS_000001", "T1", "a", []string{"PS_000001_T2"}, 5, AddOptions{Strict: false}); err != nil {
		t.Fatalf("lenient add with forward ref should succeed: %v", err)
	}
	_, err := m.Add("PS_000001", "T2", "b", []string{"PS_000001_T1"}, 5, AddOptions{Strict: false})
	if err == nil {
		t.Fatal("expected CycleError, got nil")
	}
	if m.Get("PS_000001_T2") != nil {
		t.Fatal("rejected task must not have been inserted")
	}
}

func TestManager_DuplicateIDRejected(t *testing.T) {
	m := NewManager("PS_000001", nil)
	if _, err := m.Add("PS_000001", "T1", "a", nil, 5, AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add("PS_000001", "T1", "b", nil, 5, AddOptions{}); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

func TestManager_StrictModeRejectsUnknownDependency(t *testing.T) {
	m := NewManager("PS_000001", nil)
	_, err := m.Add("PS_000001", "T1", "a", []string{"PS_000001_T99"}, 5, AddOptions{Strict: true})
	if err == nil {
		t.Fatal("expected unknown dependency rejection in strict mode")
	}
}

func TestManager_LenientModeAllowsPhantomDependency(t *testing.T) {
	m := NewManager("PS_000001", nil)
	tk, err := m.Add("PS_000001", "T1", "a", []string{"PS_000001_T99"}, 5, AddOptions{Strict: false})
	if err != nil {
		t.Fatalf("lenient mode should accept phantom dep: %v", err)
	}
	if tk.Stage != domain.TaskPending {
		t.Errorf("task with a phantom (unsatisfied) dep should stay pending, got %s", tk.Stage)
	}
}

func TestManager_QuestionBlocksAndUnblocks(t *testing.T) {
	m := NewManager("PS_000001", nil)
	m.Add("PS_000001", "T1", "a", nil, 5, AddOptions{})
	m.TransitionTo("PS_000001_T1", domain.TaskInProgress)

	if err := m.AskQuestion("PS_000001_T1", "q1", "what backend?"); err != nil {
		t.Fatal(err)
	}
	if got := m.Get("PS_000001_T1").Stage; got != domain.TaskBlockedQuestion {
		t.Fatalf("expected blocked_question, got %s", got)
	}

	if err := m.AnswerQuestion("PS_000001_T1", "cursor"); err != nil {
		t.Fatal(err)
	}
	if got := m.Get("PS_000001_T1").Stage; got != domain.TaskInProgress {
		t.Fatalf("expected in_progress after answering last question, got %s", got)
	}
}

func TestManager_TopologicalOrder(t *testing.T) {
	m := NewManager("PS_000001", nil)
	m.Add("PS_000001", "T1", "a", nil, 5, AddOptions{})
	m.Add("PS_000001", "T2", "b", []string{"PS_000001_T1"}, 5, AddOptions{})
	m.Add("PS_000001", "T3", "c", []string{"PS_000001_T2"}, 5, AddOptions{})

	order, err := m.TopologicalOrder()
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, tk := range order {
		pos[tk.ID] = i
	}
	if pos["PS_000001_T1"] > pos["PS_000001_T2"] || pos["PS_000001_T2"] > pos["PS_000001_T3"] {
		t.Fatalf("topological order violated: %v", pos)
	}
}

func TestManager_PoolInvariantStageTransitionsRejectInvalidEdges(t *testing.T) {
	m := NewManager("PS_000001", nil)
	m.Add("PS_000001", "T1", "a", nil, 5, AddOptions{})
	if err := m.TransitionTo("PS_000001_T1", domain.TaskCompleted); err == nil {
		t.Fatal("expected rejection of ready -> completed (must pass through in_progress)")
	}
}
