// Package registry implements the Session Registry: the map from session id
// to current live peer, monotonic takeover arbitration, and the secondary
// project-path index.
package registry

import (
	"sync"

	"echohub/internal/pathnorm"
	"echohub/internal/peer"
)

// Decision is the result of Accept.
type Decision int

const (
	// DecisionReject means the new connection loses; the caller must close
	// its transport with CloseDuplicateSession.
	DecisionReject Decision = iota
	// DecisionAccept means the new connection is the first for its session.
	DecisionAccept
	// DecisionAcceptSupersede means the new connection wins and the caller
	// must close Superseded (the previously-registered peer).
	DecisionAcceptSupersede
)

// RejectReason explains a DecisionReject outcome.
type RejectReason struct {
	ExistingSeq int64
	AttemptSeq  int64
}

type entry struct {
	sessionID string
	seq       int64
	p         *peer.Peer
}

// Registry maps session id -> current live peer, enforcing monotonic
// takeover, plus a project-path -> session-id secondary index. Writers
// (Accept, ClearIfMatch, CloseAll) are mutually exclusive; reads may run
// concurrently with each other but not with a writer.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	byProject map[string]string // normalized path -> session id
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessions:  make(map[string]*entry),
		byProject: make(map[string]string),
	}
}

// Accept applies the monotonic-takeover rule for a newly handshaked
// connection. It never performs I/O; on DecisionAcceptSupersede, the
// returned Peer is the one the Acceptor must close (see spec.md §5
// no-deadlock rule).
func (r *Registry) Accept(sessionID string, seq int64, p *peer.Peer, projectPath string) (Decision, *peer.Peer, RejectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[sessionID]
	if !ok {
		r.sessions[sessionID] = &entry{sessionID: sessionID, seq: seq, p: p}
		r.indexProjectLocked(sessionID, projectPath)
		return DecisionAccept, nil, RejectReason{}
	}

	if seq <= existing.seq {
		return DecisionReject, nil, RejectReason{ExistingSeq: existing.seq, AttemptSeq: seq}
	}

	superseded := existing.p
	r.sessions[sessionID] = &entry{sessionID: sessionID, seq: seq, p: p}
	for path, sid := range r.byProject {
		if sid == sessionID {
			delete(r.byProject, path)
		}
	}
	r.indexProjectLocked(sessionID, projectPath)
	return DecisionAcceptSupersede, superseded, RejectReason{}
}

func (r *Registry) indexProjectLocked(sessionID, projectPath string) {
	if projectPath == "" {
		return
	}
	norm := pathnorm.Normalize(projectPath)
	r.byProject[norm] = sessionID
}

// ClearIfMatch deletes the session entry only if it still points at the
// given peer, guarding against a late close event from an
// already-superseded peer erasing a newer entry. Returns true if it
// deleted anything.
func (r *Registry) ClearIfMatch(sessionID string, p *peer.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[sessionID]
	if !ok || existing.p != p {
		return false
	}
	delete(r.sessions, sessionID)
	for path, sid := range r.byProject {
		if sid == sessionID {
			delete(r.byProject, path)
		}
	}
	return true
}

// SessionForProject resolves a normalized project path to its current peer,
// in O(1) via the secondary index. Returns nil if no session is bound to
// that path. The returned peer is not guaranteed to be open; callers that
// need open-only semantics check IsOpen() themselves.
func (r *Registry) SessionForProject(pathNormalized string) *peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sid, ok := r.byProject[pathNormalized]
	if !ok {
		return nil
	}
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	return e.p
}

// Snapshot returns a stable slice view of all registry entries' peers for
// sweeping. Readers must tolerate a peer vanishing from the registry after
// the snapshot is taken (they check per-entry validity themselves).
func (r *Registry) Snapshot() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*peer.Peer, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.p)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Projects returns the normalized project paths of every currently
// registered session (regardless of the bound peer's live state; callers
// that need "open" semantics should filter via the peer).
func (r *Registry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byProject))
	for path := range r.byProject {
		out = append(out, path)
	}
	return out
}

// CloseAll removes every entry from the registry and returns the peers that
// were registered, so the caller can close their transports outside the
// registry's lock.
func (r *Registry) CloseAll() []*peer.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*peer.Peer, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.p)
	}
	r.sessions = make(map[string]*entry)
	r.byProject = make(map[string]string)
	return out
}
