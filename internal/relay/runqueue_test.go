package relay

import (
	"testing"
	"time"
)

func TestRunQueueFIFOOnEqualDeadlines(t *testing.T) {
	rq := NewRunQueue[string, int]()
	base := time.Unix(1000, 0)
	rq.Schedule(base, "a", 1)
	rq.Schedule(base, "b", 2)
	rq.Schedule(base, "c", 3)

	fired := rq.Fired(base)
	if len(fired) != 3 {
		t.Fatalf("expected 3 fired entries, got %d", len(fired))
	}
	want := []string{"a", "b", "c"}
	for i, e := range fired {
		if e.Tag != want[i] {
			t.Errorf("entry %d: got tag %s, want %s", i, e.Tag, want[i])
		}
	}
}

func TestRunQueueCancel(t *testing.T) {
	rq := NewRunQueue[string, int]()
	base := time.Unix(1000, 0)
	rq.Schedule(base, "a", 1)

	if !rq.Cancel("a", 1) {
		t.Fatal("expected cancel to find the entry")
	}
	if rq.Cancel("a", 1) {
		t.Fatal("expected second cancel to report not-found")
	}
	if len(rq.Fired(base.Add(time.Hour))) != 0 {
		t.Fatal("cancelled entry should never fire")
	}
}

func TestRunQueueRescheduleReplaces(t *testing.T) {
	rq := NewRunQueue[string, int]()
	base := time.Unix(1000, 0)
	rq.Schedule(base, "a", 1)
	rq.Schedule(base.Add(time.Minute), "a", 1)

	if rq.Len() != 1 {
		t.Fatalf("expected exactly one pending entry for (a,1), got %d", rq.Len())
	}
	if fired := rq.Fired(base); len(fired) != 0 {
		t.Fatal("rescheduled entry should not fire at the old deadline")
	}
	if fired := rq.Fired(base.Add(time.Minute)); len(fired) != 1 {
		t.Fatal("rescheduled entry should fire at the new deadline")
	}
}

func TestRunQueuePendingAndNextDeadline(t *testing.T) {
	rq := NewRunQueue[string, int]()
	if _, ok := rq.Pending("x", 1); ok {
		t.Fatal("expected no pending entry")
	}
	d := time.Unix(2000, 0)
	rq.Schedule(d, "x", 1)
	got, ok := rq.Pending("x", 1)
	if !ok || !got.Equal(d) {
		t.Fatalf("Pending returned (%v, %v), want (%v, true)", got, ok, d)
	}
	next, ok := rq.NextDeadline()
	if !ok || !next.Equal(d) {
		t.Fatalf("NextDeadline returned (%v, %v), want (%v, true)", next, ok, d)
	}
}

func TestRunQueueOrdersByDeadlineThenArrival(t *testing.T) {
	rq := NewRunQueue[int, int]()
	t3 := time.Unix(3000, 0)
	t1 := time.Unix(1000, 0)
	t2 := time.Unix(2000, 0)
	rq.Schedule(t3, 3, 0)
	rq.Schedule(t1, 1, 0)
	rq.Schedule(t2, 2, 0)

	fired := rq.Fired(t3)
	if len(fired) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(fired))
	}
	wantOrder := []int{1, 2, 3}
	for i, e := range fired {
		if e.Tag != wantOrder[i] {
			t.Errorf("position %d: got tag %d, want %d", i, e.Tag, wantOrder[i])
		}
	}
}
