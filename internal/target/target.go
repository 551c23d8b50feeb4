// Package target implements the Target Selector: the single current project
// path that External Surface calls resolve against, with a notification
// callback fired when which peer that path resolves to changes. Grounded on
// site_config.go's mutex-guarded current-value-plus-reload shape, generalized
// from "reload from disk" to "resolution changed because a peer connected or
// disconnected".
package target

import (
	"sync"

	"echohub/internal/pathnorm"
)

// Selector holds the current target project path (spec.md §3, §4.7).
// resolves reports whether a peer is currently bound to a given normalized
// path; notify receives the resolution state reported by SetTargetProject
// and NotifyResolutionChanged, which may repeat the previous state.
type Selector struct {
	mu       sync.RWMutex
	current  string
	resolves func(normalizedPath string) bool
	notify   func(connected bool)
}

// New returns a Selector with no current target.
func New(resolves func(string) bool, notify func(bool)) *Selector {
	return &Selector{
		resolves: resolves,
		notify:   notify,
	}
}

// Current returns the normalized current target path, or "" if none is set.
func (s *Selector) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Matches reports whether normalizedPath equals the current target.
func (s *Selector) Matches(normalizedPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != "" && s.current == normalizedPath
}

// SetTargetProject normalizes path and makes it the current target (spec.md
// §4.7). If a peer currently exists for that path, emits connection-change
// (true); otherwise, if the target actually changed, emits
// connection-change(false).
func (s *Selector) SetTargetProject(path string) {
	norm := pathnorm.Normalize(path)

	s.mu.Lock()
	prev := s.current
	s.current = norm
	s.mu.Unlock()

	if s.resolves(norm) {
		s.notify(true)
	} else if prev != norm {
		s.notify(false)
	}
}

// NotifyResolutionChanged is called by the Acceptor (on peer accept) and the
// Peer Runtime cleanup path (on peer close) when a peer matching the current
// target has just become available or unavailable.
func (s *Selector) NotifyResolutionChanged(connected bool) {
	s.notify(connected)
}
