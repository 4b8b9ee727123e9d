// Package presence tracks which users currently have a live connection
// actively viewing which conversation. The dispatcher consults it to decide
// whether an actively-viewing client should get a mark-read hint instead of
// only the popup alert.
//
// Presence is inherently best-effort: a read can race a disconnect, and the
// defined failure mode is one redundant popup, never a lost message.
package presence

import (
	"sync"
)

type pair struct {
	userID         int
	conversationID int
}

// Tracker coalesces presence per (user, conversation) pair: the pair is
// active while at least one connection holds it. A reverse index from
// connection to pairs makes disconnect cleanup O(pairs held).
type Tracker struct {
	mu    sync.RWMutex
	pairs map[pair]map[string]struct{} // pair -> contributing connection IDs
	conns map[string][]pair            // connection ID -> pairs it holds
}

func NewTracker() *Tracker {
	return &Tracker{
		pairs: make(map[pair]map[string]struct{}),
		conns: make(map[string][]pair),
	}
}

// MarkActive records that the connection signals active viewing of the
// conversation. Idempotent per (connection, pair).
func (t *Tracker) MarkActive(userID, conversationID int, connID string) {
	p := pair{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	holders, ok := t.pairs[p]
	if !ok {
		holders = make(map[string]struct{})
		t.pairs[p] = holders
	}
	if _, held := holders[connID]; held {
		return
	}
	holders[connID] = struct{}{}
	t.conns[connID] = append(t.conns[connID], p)
}

// MarkInactive withdraws every pair this connection contributed to. A pair
// goes inactive only when no other connection for that user still holds it.
// Safe to call for unknown connections and safe to call twice.
func (t *Tracker) MarkInactive(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.conns[connID] {
		holders := t.pairs[p]
		delete(holders, connID)
		if len(holders) == 0 {
			delete(t.pairs, p)
		}
	}
	delete(t.conns, connID)
}

// IsActive is a point-in-time read. A stale true is an acceptable false
// negative for popup suppression, not a correctness violation.
func (t *Tracker) IsActive(userID, conversationID int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pairs[pair{userID: userID, conversationID: conversationID}]) > 0
}
