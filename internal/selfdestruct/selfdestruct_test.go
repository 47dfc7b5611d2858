package selfdestruct

import (
	"testing"
	"time"
)

func TestDueHonorsDeadline(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	t0 := time.Now()
	s.Schedule(1, 100, 5*time.Minute, t0)

	if got := s.Due(t0.Add(4 * time.Minute)); len(got) != 0 {
		t.Fatalf("Due() before deadline = %+v, want empty", got)
	}
	got := s.Due(t0.Add(5 * time.Minute))
	if len(got) != 1 || got[0].ChatID != 1 || got[0].MessageID != 100 {
		t.Fatalf("Due() at deadline = %+v, want message 100", got)
	}
}

func TestDueReturnsEntriesOnce(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	t0 := time.Now()
	s.Schedule(1, 100, time.Minute, t0)

	if got := s.Due(t0.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("Due() = %d entries, want 1", len(got))
	}
	if got := s.Due(t0.Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("second Due() = %+v, want empty", got)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestDueOrdersByDeletionTime(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	t0 := time.Now()
	s.Schedule(1, 102, 3*time.Minute, t0)
	s.Schedule(1, 100, time.Minute, t0)
	s.Schedule(1, 101, 2*time.Minute, t0)

	got := s.Due(t0.Add(3 * time.Minute))
	if len(got) != 3 {
		t.Fatalf("Due() = %d entries, want 3", len(got))
	}
	for i, want := range []int64{100, 101, 102} {
		if got[i].MessageID != want {
			t.Fatalf("Due()[%d] = message %d, want %d", i, got[i].MessageID, want)
		}
	}
}

func TestDueLeavesFutureEntries(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	t0 := time.Now()
	s.Schedule(1, 100, time.Minute, t0)
	s.Schedule(1, 101, 10*time.Minute, t0)

	if got := s.Due(t0.Add(time.Minute)); len(got) != 1 || got[0].MessageID != 100 {
		t.Fatalf("Due() = %+v, want only message 100", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}
