package challenge

import (
	"testing"
	"time"
)

func fixedPolicy(timeout time.Duration, maxRetries int) Policy {
	return Policy{
		Timeout:    func(int64) time.Duration { return timeout },
		MaxRetries: func(int64) int { return maxRetries },
	}
}

func TestIssueReplacesAndKeepsRetries(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	now := time.Now()

	first := r.Issue(1, 10, "alice", "AB12", now)
	if first.JoinRetries != 1 {
		t.Fatalf("Issue() JoinRetries = %d, want 1", first.JoinRetries)
	}

	// Simulate a failed round so retries advance.
	reaped := r.Reap(now.Add(6 * time.Minute))
	if len(reaped) != 1 || reaped[0].Action != ActionKick {
		t.Fatalf("Reap() = %+v, want one kick", reaped)
	}

	second := r.Issue(1, 10, "alice", "CD34", now.Add(10*time.Minute))
	if second.JoinRetries != 2 {
		t.Fatalf("Issue() after kick JoinRetries = %d, want 2", second.JoinRetries)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (replaced, not duplicated)", r.Len())
	}
}

func TestTrySolveSubstringCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	now := time.Now()
	r.Issue(1, 10, "alice", "aB3d", now)

	if got := r.TrySolve(1, 10, "i think it is ab3D, right?", now); got != Solved {
		t.Fatalf("TrySolve() = %v, want Solved", got)
	}
	if _, ok := r.Lookup(1, 10); ok {
		t.Fatalf("Lookup() after solve found entry, want removed")
	}
}

func TestTrySolveNoMatchKeepsEntry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	now := time.Now()
	r.Issue(1, 10, "alice", "AB12", now)

	if got := r.TrySolve(1, 10, "9999", now); got != NoMatch {
		t.Fatalf("TrySolve() = %v, want NoMatch", got)
	}
	if _, ok := r.Lookup(1, 10); !ok {
		t.Fatalf("Lookup() after NoMatch lost entry")
	}
	if got := r.TrySolve(1, 11, "AB12", now); got != NotFound {
		t.Fatalf("TrySolve() for unknown user = %v, want NotFound", got)
	}
}

func TestRefreshKeepsIssueTimeAndRetries(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	now := time.Now()
	r.Issue(1, 10, "alice", "AB12", now)

	if !r.Refresh(1, 10, "ZZ99") {
		t.Fatalf("Refresh() = false, want true")
	}
	entry, ok := r.Lookup(1, 10)
	if !ok {
		t.Fatalf("Lookup() lost entry after Refresh")
	}
	if entry.Solution != "ZZ99" {
		t.Fatalf("Refresh() solution = %q, want %q", entry.Solution, "ZZ99")
	}
	if !entry.IssuedAt.Equal(now) {
		t.Fatalf("Refresh() IssuedAt = %v, want unchanged %v", entry.IssuedAt, now)
	}
	if entry.JoinRetries != 1 {
		t.Fatalf("Refresh() JoinRetries = %d, want 1", entry.JoinRetries)
	}
}

func TestReapKickIncrementsExactlyOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	t0 := time.Now()
	r.Issue(1, 10, "alice", "AB12", t0)

	if due := r.Reap(t0.Add(4 * time.Minute)); len(due) != 0 {
		t.Fatalf("Reap() before deadline = %+v, want empty", due)
	}

	due := r.Reap(t0.Add(5 * time.Minute))
	if len(due) != 1 {
		t.Fatalf("Reap() = %d escalations, want 1", len(due))
	}
	if due[0].Action != ActionKick {
		t.Fatalf("Reap() action = %v, want ActionKick", due[0].Action)
	}
	if due[0].Entry.JoinRetries != 2 {
		t.Fatalf("Reap() JoinRetries = %d, want 2", due[0].Entry.JoinRetries)
	}

	// A kicked entry must not fire again on the next tick.
	if due := r.Reap(t0.Add(6 * time.Minute)); len(due) != 0 {
		t.Fatalf("Reap() second tick = %+v, want empty", due)
	}
}

func TestReapEscalatesToBanAfterMaxRetries(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(5*time.Minute, 5))
	now := time.Now()

	// Five failed joins: four kicks, then a ban on the fifth timeout.
	for round := 0; round < 5; round++ {
		r.Issue(1, 10, "alice", "AB12", now)
		now = now.Add(5 * time.Minute)
		due := r.Reap(now)
		if len(due) != 1 {
			t.Fatalf("round %d: Reap() = %d escalations, want 1", round, len(due))
		}
		want := ActionKick
		if round == 4 {
			want = ActionBan
		}
		if due[0].Action != want {
			t.Fatalf("round %d: Reap() action = %v, want %v", round, due[0].Action, want)
		}
	}

	// The banned entry survives for the grace period, then disappears.
	entry, ok := r.Lookup(1, 10)
	if !ok || entry.State != StateBanned {
		t.Fatalf("Lookup() after ban = %+v, %v; want banned entry", entry, ok)
	}
	r.Reap(now.Add(DefaultGracePeriod))
	if r.Len() != 0 {
		t.Fatalf("Len() after grace period = %d, want 0", r.Len())
	}
}

func TestReapPurgesKickedEntriesAfterGrace(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fixedPolicy(time.Minute, 5))
	t0 := time.Now()
	r.Issue(1, 10, "alice", "AB12", t0)
	r.Reap(t0.Add(time.Minute))

	if r.Len() != 1 {
		t.Fatalf("Len() after kick = %d, want 1 (grace period)", r.Len())
	}
	r.Reap(t0.Add(time.Minute + DefaultGracePeriod))
	if r.Len() != 0 {
		t.Fatalf("Len() after grace = %d, want 0", r.Len())
	}
}

func TestTimeoutChangeAppliesToInFlightChallenges(t *testing.T) {
	t.Parallel()

	timeout := 10 * time.Minute
	r := NewRegistry(Policy{
		Timeout:    func(int64) time.Duration { return timeout },
		MaxRetries: func(int64) int { return 5 },
	})
	t0 := time.Now()
	r.Issue(1, 10, "alice", "AB12", t0)

	if due := r.Reap(t0.Add(5 * time.Minute)); len(due) != 0 {
		t.Fatalf("Reap() = %+v, want empty under 10m timeout", due)
	}
	timeout = 2 * time.Minute
	if due := r.Reap(t0.Add(5 * time.Minute)); len(due) != 1 {
		t.Fatalf("Reap() = %d escalations after timeout shortened, want 1", len(due))
	}
}
