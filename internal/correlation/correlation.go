// Package correlation implements the two pending-correlation tables: one
// for ordinary request/reply pairs that die with their peer, and one whose
// entries survive a peer disconnect because the reply is expected to arrive
// after an editor domain reload, possibly on a different peer.
package correlation

import "sync"

// Result is what a pending correlation resolves or rejects with.
type Result struct {
	Body map[string]any
	Err  error
}

type waiter struct {
	ch     chan Result
	peerID string // the peer the request was sent to; "" for reload-surviving entries not yet bound, or entries not peer-scoped
	once   sync.Once
}

func newWaiter(peerID string) *waiter {
	return &waiter{ch: make(chan Result, 1), peerID: peerID}
}

func (w *waiter) settle(r Result) bool {
	settled := false
	w.once.Do(func() {
		w.ch <- r
		settled = true
	})
	return settled
}

// Table is one pending-correlation table: envelope id -> waiter. All
// per-id operations are atomic test-and-remove, so double-resolution is
// structurally impossible.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewTable returns an empty correlation table.
func NewTable() *Table {
	return &Table{waiters: make(map[string]*waiter)}
}

// Register inserts a new pending entry for id, bound to peerID (the peer the
// outbound request was sent on; may be empty if the table doesn't track
// peer binding). Returns a channel that receives exactly one Result.
func (t *Table) Register(id, peerID string) <-chan Result {
	w := newWaiter(peerID)
	t.mu.Lock()
	t.waiters[id] = w
	t.mu.Unlock()
	return w.ch
}

// Resolve settles the pending entry for id with a successful body, removing
// it from the table. Returns false if there was no such pending entry (the
// caller should then treat the envelope as a domain event).
func (t *Table) Resolve(id string, body map[string]any) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.settle(Result{Body: body})
	return true
}

// Reject settles the pending entry for id with err, removing it from the
// table. Returns false if there was no such pending entry.
func (t *Table) Reject(id string, err error) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.settle(Result{Err: err})
	return true
}

// Remove deletes the pending entry for id without settling it (used when the
// caller side is tearing down its own wait, e.g. context cancellation).
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// Has reports whether id currently has a pending entry.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[id]
	return ok
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// RejectForPeer rejects every pending entry bound to peerID with err. Used
// on peer disconnect and on compile-started, both of which only drain the
// normal table (the reload-surviving table is never drained this way).
func (t *Table) RejectForPeer(peerID string, err error) {
	t.mu.Lock()
	var toReject []*waiter
	for id, w := range t.waiters {
		if w.peerID == peerID {
			toReject = append(toReject, w)
			delete(t.waiters, id)
		}
	}
	t.mu.Unlock()
	for _, w := range toReject {
		w.settle(Result{Err: err})
	}
}

// RejectAll rejects every pending entry with err, used on hub shutdown.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	all := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()
	for _, w := range all {
		w.settle(Result{Err: err})
	}
}
