// Package selfdestruct queues "delete this message at time T" obligations.
// The queue is a min-heap on the deletion time; the sweeper drains due
// entries every tick. Deletion attempts are strictly one-shot: whatever
// the gateway answers, the entry is gone, so an undeletable message can
// never wedge the queue.
package selfdestruct

import (
	"container/heap"
	"sync"
	"time"
)

type Entry struct {
	ChatID    int64
	MessageID int64
	DeleteAt  time.Time
}

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].DeleteAt.Before(h[j].DeleteAt) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type Scheduler struct {
	mu      sync.Mutex
	entries entryHeap
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule enqueues a deletion for now+delay.
func (s *Scheduler) Schedule(chatID, messageID int64, delay time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.entries, Entry{
		ChatID:    chatID,
		MessageID: messageID,
		DeleteAt:  now.Add(delay),
	})
}

// Due removes and returns every entry whose deletion time has arrived, in
// deletion-time order. An entry is returned exactly once.
func (s *Scheduler) Due(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for len(s.entries) > 0 && !s.entries[0].DeleteAt.After(now) {
		due = append(due, heap.Pop(&s.entries).(Entry))
	}
	return due
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
