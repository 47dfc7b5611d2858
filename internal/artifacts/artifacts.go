// Package artifacts remembers the messages tied to one join event (the
// join service notice, the captcha image, the latest wrong-answer reply)
// so they can be deleted in one sweep when the challenge resolves or the
// user is removed.
package artifacts

import "sync"

type Kind int

const (
	KindJoinNotice Kind = iota
	KindCaptchaImage
	KindErrorReply
)

type Ref struct {
	ChatID    int64
	MessageID int64
	Kind      Kind
}

type key struct {
	chatID int64
	userID int64
}

type Tracker struct {
	mu      sync.Mutex
	entries map[key]map[Kind]Ref
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[key]map[Kind]Ref)}
}

// Record stores a message reference for the join event. Each kind holds at
// most one reference; recording over an existing one returns the
// superseded ref so the caller can delete the stale message.
func (t *Tracker) Record(chatID, userID int64, kind Kind, messageID int64) (Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{chatID, userID}
	kinds, ok := t.entries[k]
	if !ok {
		kinds = make(map[Kind]Ref)
		t.entries[k] = kinds
	}
	prev, replaced := kinds[kind]
	kinds[kind] = Ref{ChatID: chatID, MessageID: messageID, Kind: kind}
	return prev, replaced
}

// Purge removes and returns every reference for (chatID, userID). Calling
// it again returns nothing; purging is idempotent.
func (t *Tracker) Purge(chatID, userID int64) []Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{chatID, userID}
	kinds, ok := t.entries[k]
	if !ok {
		return nil
	}
	delete(t.entries, k)
	refs := make([]Ref, 0, len(kinds))
	for _, kind := range []Kind{KindJoinNotice, KindCaptchaImage, KindErrorReply} {
		if ref, ok := kinds[kind]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
