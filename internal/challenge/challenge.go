// Package challenge tracks the captcha each newly joined member still has
// to solve, and owns the kick-then-ban escalation policy for members that
// never answer. At most one entry exists per (chat, user); a re-join
// replaces the entry in place but keeps the retry count, so leaving and
// re-joining never resets the escalation ladder.
package challenge

import (
	"strings"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a kicked or banned entry lingers so the
// handlers can still answer "already escalated" before memory is freed.
const DefaultGracePeriod = time.Hour

type State string

const (
	StatePending State = "pending"
	StateKicked  State = "kicked"
	StateBanned  State = "banned"
)

type SolveResult int

const (
	Solved SolveResult = iota
	NoMatch
	NotFound
)

type Action int

const (
	ActionKick Action = iota
	ActionBan
)

type Pending struct {
	ChatID      int64
	UserID      int64
	DisplayName string
	Solution    string
	IssuedAt    time.Time
	JoinRetries int
	State       State
	PurgeAt     time.Time
}

// Escalation is one due decision produced by Reap. Entry is a snapshot
// taken after the registry transition was applied.
type Escalation struct {
	Entry  Pending
	Action Action
}

// Policy resolves the per-chat knobs at reap time, so an admin changing
// the timeout applies to challenges already in flight.
type Policy struct {
	Timeout    func(chatID int64) time.Duration
	MaxRetries func(chatID int64) int
}

type key struct {
	chatID int64
	userID int64
}

type Registry struct {
	policy Policy
	grace  time.Duration

	mu      sync.Mutex
	entries map[key]*Pending
}

func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:  policy,
		grace:   DefaultGracePeriod,
		entries: make(map[key]*Pending),
	}
}

func (r *Registry) timeoutFor(chatID int64) time.Duration {
	if r.policy.Timeout != nil {
		if d := r.policy.Timeout(chatID); d > 0 {
			return d
		}
	}
	return 5 * time.Minute
}

func (r *Registry) maxRetriesFor(chatID int64) int {
	if r.policy.MaxRetries != nil {
		if n := r.policy.MaxRetries(chatID); n > 0 {
			return n
		}
	}
	return 5
}

// Issue inserts or replaces the entry for (chatID, userID). A prior entry
// in any state hands its retry count to the replacement.
func (r *Registry) Issue(chatID, userID int64, displayName, solution string, now time.Time) Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{chatID, userID}
	retries := 1
	if prev, ok := r.entries[k]; ok {
		retries = prev.JoinRetries
	}
	entry := &Pending{
		ChatID:      chatID,
		UserID:      userID,
		DisplayName: displayName,
		Solution:    solution,
		IssuedAt:    now,
		JoinRetries: retries,
		State:       StatePending,
	}
	r.entries[k] = entry
	return *entry
}

// Lookup returns a snapshot of the entry for (chatID, userID), if any.
func (r *Registry) Lookup(chatID, userID int64) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key{chatID, userID}]
	if !ok {
		return Pending{}, false
	}
	return *entry, true
}

// TrySolve checks whether text contains the expected solution as a
// case-insensitive substring; users tend to reply with surrounding words,
// so exact equality would punish honest answers. On success the entry is
// removed.
func (r *Registry) TrySolve(chatID, userID int64, text string, now time.Time) SolveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{chatID, userID}
	entry, ok := r.entries[k]
	if !ok || entry.State != StatePending {
		return NotFound
	}
	if !strings.Contains(strings.ToLower(text), strings.ToLower(entry.Solution)) {
		return NoMatch
	}
	delete(r.entries, k)
	return Solved
}

// Refresh swaps the expected solution in place, keeping the issue time and
// retry count, for "give me another captcha" requests.
func (r *Registry) Refresh(chatID, userID int64, newSolution string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key{chatID, userID}]
	if !ok || entry.State != StatePending {
		return false
	}
	entry.Solution = newSolution
	return true
}

// Remove drops the entry regardless of state.
func (r *Registry) Remove(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key{chatID, userID})
}

// Reap applies the escalation policy to every entry whose deadline has
// passed and returns the due decisions. The state transition happens here,
// before any gateway call is attempted, so a failing kick or ban can never
// leave an entry stuck in the pending state forever. Kicked and banned
// entries are silently purged once their grace period ends.
func (r *Registry) Reap(now time.Time) []Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Escalation
	for k, entry := range r.entries {
		switch entry.State {
		case StateKicked, StateBanned:
			if !entry.PurgeAt.After(now) {
				delete(r.entries, k)
			}
			continue
		case StatePending:
			deadline := entry.IssuedAt.Add(r.timeoutFor(entry.ChatID))
			if deadline.After(now) {
				continue
			}
			if entry.JoinRetries < r.maxRetriesFor(entry.ChatID) {
				entry.JoinRetries++
				entry.State = StateKicked
				entry.PurgeAt = now.Add(r.grace)
				due = append(due, Escalation{Entry: *entry, Action: ActionKick})
			} else {
				entry.State = StateBanned
				entry.PurgeAt = now.Add(r.grace)
				due = append(due, Escalation{Entry: *entry, Action: ActionBan})
			}
		}
	}
	return due
}

// Len reports the number of live entries, including those in their grace
// period.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
