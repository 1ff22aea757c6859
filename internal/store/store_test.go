package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apc-daemon/apcd/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(NewLayout(root, ""))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_SaveLoadSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	session := &domain.Session{ID: "PS_000001", Requirement: "add feature X", Status: domain.SessionPlanning, CreatedAt: time.Now()}

	if err := s.SaveSession(session); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSession("PS_000001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Requirement != session.Requirement || got.Status != session.Status {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestStore_LoadSessionMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadSession("PS_000099")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for missing session, got (%v, %v)", got, err)
	}
}

func TestStore_TasksRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tasks := []*domain.Task{
		{ID: "PS_000001_T1", SessionID: "PS_000001", Description: "a", Stage: domain.TaskReady},
		{ID: "PS_000001_T2", SessionID: "PS_000001", Description: "b", Stage: domain.TaskPending, Dependencies: []string{"PS_000001_T1"}},
	}
	if err := s.SaveTasks("PS_000001", tasks); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadTasks("PS_000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
}

func TestStore_ArchiveWorkflowRingBufferNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		entry := domain.HistoryEntry{
			Workflow:   domain.Workflow{ID: "wf-" + string(rune('a'+i)), SessionID: "PS_000001"},
			ArchivedAt: time.Now(),
		}
		if err := s.ArchiveWorkflow(entry); err != nil {
			t.Fatal(err)
		}
	}
	history, err := s.LoadHistory("PS_000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[0].Workflow.ID != "wf-c" {
		t.Errorf("expected newest-first ordering, got %s first", history[0].Workflow.ID)
	}
}

func TestStore_WritePlanVersionsBackup(t *testing.T) {
	s := newTestStore(t)
	session := &domain.Session{ID: "PS_000001"}

	v1, err := s.WritePlan(session, "# plan v1")
	if err != nil {
		t.Fatal(err)
	}
	session.PlanHistory = append(session.PlanHistory, v1)

	v2, err := s.WritePlan(session, "# plan v2")
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	backup := s.Layout().PlanBackup("PS_000001", 1)
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
	if string(data) != "# plan v1" {
		t.Errorf("backup content mismatch: %q", data)
	}

	current, err := s.ReadPlan("PS_000001")
	if err != nil {
		t.Fatal(err)
	}
	if current != "# plan v2" {
		t.Errorf("expected current plan to be v2, got %q", current)
	}
}

// TestStore_ConcurrentSavesNeverTornRead exercises P8: a reader opening
// session.json during concurrent saves sees exactly one of the complete
// JSON versions, never a torn write.
func TestStore_ConcurrentSavesNeverTornRead(t *testing.T) {
	s := newTestStore(t)
	session := &domain.Session{ID: "PS_000002", Status: domain.SessionPlanning}
	if err := s.SaveSession(session); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	statuses := []domain.SessionStatus{domain.SessionReviewing, domain.SessionRevising, domain.SessionApproved, domain.SessionCompleted}
	for _, st := range statuses {
		wg.Add(1)
		go func(status domain.SessionStatus) {
			defer wg.Done()
			cp := *session
			cp.Status = status
			_ = s.SaveSession(&cp)
		}(st)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	path := s.Layout().SessionFile("PS_000002")
	valid := map[domain.SessionStatus]bool{
		domain.SessionPlanning: true, domain.SessionReviewing: true, domain.SessionRevising: true,
		domain.SessionApproved: true, domain.SessionCompleted: true,
	}
	for {
		select {
		case <-done:
			return
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var got domain.Session
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("read of %s observed a torn/invalid write: %v", filepath.Base(path), err)
		}
		if !valid[got.Status] {
			t.Fatalf("observed unexpected status %q", got.Status)
		}
	}
}
