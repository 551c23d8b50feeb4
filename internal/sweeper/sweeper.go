// Package sweeper implements the Liveness Sweeper: a single background task
// that periodically probes idle peers and kills stalled or unresponsive
// ones, while tolerating long adversarial pauses (editor compilation).
package sweeper

import (
	"log/slog"
	"sync"
	"time"

	"echohub/internal/config"
	"echohub/internal/envelope"
	"echohub/internal/peer"
	"echohub/internal/registry"
)

// IDGenerator produces fresh envelope ids for outbound probes.
type IDGenerator func() string

// Sweeper periodically scans the registry and probes/kills peers per
// spec.md §4.6. Suspension never shortens: successive Suspend calls result
// in suspended-until = max of the computed deadlines.
type Sweeper struct {
	reg    *registry.Registry
	timing config.Timing
	nextID IDGenerator

	mu             sync.Mutex
	suspendedUntil time.Time
	running        bool
	stop           chan struct{}
	done           chan struct{}

	// nowFunc is overridable in tests.
	nowFunc func() time.Time
}

// New constructs a Sweeper bound to reg.
func New(reg *registry.Registry, timing config.Timing, nextID IDGenerator) *Sweeper {
	return &Sweeper{
		reg:     reg,
		timing:  timing,
		nextID:  nextID,
		nowFunc: time.Now,
	}
}

// Start launches the sweeper's background loop if not already running.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the sweeper's background loop. Safe to call when not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stop
	doneCh := s.done
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether the sweeper's background loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Suspend extends suspended-until to at least now+duration. It never
// shortens the suspension window (monotonicity, spec.md §4.6/§8 property 6).
func (s *Sweeper) Suspend(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := s.nowFunc().Add(duration)
	if candidate.After(s.suspendedUntil) {
		s.suspendedUntil = candidate
	}
}

// SuspendedUntil returns the current suspension deadline.
func (s *Sweeper) SuspendedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendedUntil
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.timing.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one sweep pass. Exported so tests can drive it deterministically
// instead of waiting on the real ticker.
func (s *Sweeper) Tick() {
	now := s.nowFunc()

	s.mu.Lock()
	suspended := now.Before(s.suspendedUntil)
	s.mu.Unlock()
	if suspended {
		return
	}

	for _, p := range s.reg.Snapshot() {
		s.sweepOne(p, now)
	}
}

func (s *Sweeper) sweepOne(p *peer.Peer, now time.Time) {
	state := p.State()

	if state == peer.StateClosing {
		if !p.ClosingSince().IsZero() && now.Sub(p.ClosingSince()) > s.timing.ForceKillClosing {
			slog.Info("sweeper: force-terminating stuck closing peer", "conn_id", p.ConnID)
			p.Terminate()
		}
		return
	}

	if state != peer.StateOpen {
		return
	}

	idle := now.Sub(p.LastActivity())

	if idle > s.timing.MaxIdle {
		slog.Info("sweeper: idle timeout", "conn_id", p.ConnID, "idle", idle)
		p.Close(peer.CloseGoingAway, "idle timeout")
		return
	}

	if idle <= s.timing.ProbeAfterIdle {
		return
	}

	// Probing window.
	if !p.Alive() {
		missed := p.IncrementMissedProbes()
		if missed >= s.timing.MaxMissedProbes {
			slog.Warn("sweeper: max missed probes, terminating", "conn_id", p.ConnID, "missed", missed)
			p.Close(peer.CloseInternalError, "max missed probes")
			return
		}
	}

	p.MarkProbeSent()
	id := ""
	if s.nextID != nil {
		id = s.nextID()
	}
	probe := envelope.New(envelope.SourceAux, envelope.TypeHeartbeat, id, p.SessionID, nil)
	if err := p.Send(probe); err != nil {
		slog.Debug("sweeper: failed to send probe", "conn_id", p.ConnID, "error", err)
	}
}
