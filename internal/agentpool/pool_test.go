package agentpool

import "testing"

func TestPool_AllocateIsTransactional(t *testing.T) {
	p := New(2)
	if _, err := p.Allocate("wf-1", "engineer", "PS_000001", 3); err == nil {
		t.Fatal("expected ErrInsufficientAgents")
	}
	c := p.Counts()
	if c.Available != 2 {
		t.Fatalf("failed allocation must not partially reserve slots, got %+v", c)
	}
}

func TestPool_ConservationAcrossAllocateReleaseResize(t *testing.T) {
	p := New(5)
	names, err := p.Allocate("wf-1", "engineer", "PS_000001", 3)
	if err != nil {
		t.Fatal(err)
	}
	assertConserved(t, p)

	if err := p.BeginBusy(names[0], "implementing T1", "log.txt"); err != nil {
		t.Fatal(err)
	}
	assertConserved(t, p)

	p.Release(names)
	assertConserved(t, p)

	res := p.Resize(8)
	if len(res.Added) != 3 {
		t.Fatalf("expected 3 added slots, got %+v", res)
	}
	assertConserved(t, p)
}

func assertConserved(t *testing.T, p *Pool) {
	t.Helper()
	c := p.Counts()
	if sum := c.Available + c.Allocated + c.Busy + c.Resting; sum != p.Size() {
		t.Fatalf("pool conservation violated: counts=%+v size=%d", c, p.Size())
	}
}

func TestPool_ResizeShrinkRefusesNonAvailable(t *testing.T) {
	p := New(3)
	names, err := p.Allocate("wf-1", "engineer", "PS_000001", 1)
	if err != nil {
		t.Fatal(err)
	}
	// Shrinking to zero must visit every slot: the two available ones go,
	// the allocated one is refused.
	res := p.Resize(0)
	found := false
	for _, n := range res.Refused {
		if n == names[0] {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected allocated agent %s to be refused removal, got %+v", names[0], res)
	}
}

func TestPool_ReleaseOrphansNotIn(t *testing.T) {
	p := New(3)
	names, err := p.Allocate("wf-stale", "engineer", "PS_000001", 2)
	if err != nil {
		t.Fatal(err)
	}
	_ = names
	released := p.ReleaseOrphansNotIn(map[string]bool{"wf-live": true})
	if len(released) != 2 {
		t.Fatalf("expected both stale reservations released, got %v", released)
	}
	assertConserved(t, p)
}

func TestPool_NoDoubleReservationOfSameSlot(t *testing.T) {
	p := New(2)
	a, err := p.Allocate("wf-1", "engineer", "PS_000001", 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate("wf-2", "engineer", "PS_000001", 1); err == nil {
		t.Fatalf("expected insufficient agents since both slots held by wf-1 (%v)", a)
	}
}
