// Package peer implements the per-connection runtime: a Peer is one live
// connection from an external editor process, driven by its own receive
// loop and send serializer. The Registry holds a read-only view plus a close
// capability; the Sweeper additionally updates the probe bookkeeping (alive
// bit, missed-probe counter, last-probe time) through the accessor methods.
package peer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"echohub/internal/envelope"
)

// State is the peer's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes used by the hub (spec.md §6).
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseInternalError    = 1011
	CloseSuperseded       = 4001
	CloseDuplicateSession = 4002
	CloseProjectMismatch  = 4006
)

// Conn is the duplex transport a Peer drives. *websocket.Conn satisfies it
// structurally; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handlers are the callbacks a Peer's runtime invokes. They must not block
// for long, and must not call back into the Peer while holding locks the
// Peer itself needs (no-deadlock rule, spec.md §5).
type Handlers struct {
	// OnEnvelope is invoked once per successfully parsed inbound envelope,
	// serially per peer.
	OnEnvelope func(*Peer, envelope.Envelope)
	// OnClose is invoked exactly once when the peer's runtime stops, for
	// any reason (transport error, orderly close, forced termination).
	OnClose func(*Peer)
}

// Peer is one live connection. All mutable fields are guarded by mu; the
// Registry and Sweeper must go through the accessor methods below rather
// than touching fields directly.
type Peer struct {
	ConnID      string
	SessionID   string
	Seq         int64
	ConnectedAt time.Time

	transport Conn
	handlers  Handlers

	mu            sync.Mutex
	projectPath   string
	state         State
	isCompiling   bool
	alive         bool
	missedProbes  int
	lastActivity  time.Time
	lastProbeSent time.Time
	closingSince  time.Time
	latency       time.Duration

	sendCh    chan []byte
	closeOnce sync.Once
	stopped   chan struct{}
}

// New constructs a Peer in state connecting. The caller must call Start to
// begin its receive loop and send serializer.
func New(connID, sessionID string, seq int64, projectPath string, transport Conn, h Handlers) *Peer {
	return &Peer{
		ConnID:       connID,
		SessionID:    sessionID,
		Seq:          seq,
		ConnectedAt:  time.Now(),
		transport:    transport,
		handlers:     h,
		state:        StateConnecting,
		alive:        true,
		projectPath:  projectPath,
		lastActivity: time.Now(),
		sendCh:       make(chan []byte, 64),
		stopped:      make(chan struct{}),
	}
}

// Start transitions the peer to open and launches the receive loop and send
// serializer goroutines.
func (p *Peer) Start() {
	p.mu.Lock()
	p.state = StateOpen
	p.mu.Unlock()

	go p.sendLoop()
	go p.receiveLoop()
}

// ProjectPath returns the peer's bound project path (read-only view).
func (p *Peer) ProjectPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projectPath
}

// SetProjectPath sets the peer's project path. The acceptor passes the path
// to New instead, so the hub itself does not call this.
func (p *Peer) SetProjectPath(path string) {
	p.mu.Lock()
	p.projectPath = path
	p.mu.Unlock()
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsOpen reports whether the peer is currently in state open.
func (p *Peer) IsOpen() bool {
	return p.State() == StateOpen
}

// IsCompiling reports the peer's is-compiling flag.
func (p *Peer) IsCompiling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isCompiling
}

// SetCompiling sets the is-compiling flag.
func (p *Peer) SetCompiling(v bool) {
	p.mu.Lock()
	p.isCompiling = v
	p.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// ClosingSince returns when the peer entered state closing (zero if not).
func (p *Peer) ClosingSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closingSince
}

// Touch records inbound activity: updates last-activity, raises the alive
// bit, and resets the missed-probe counter. Called by the receive loop on
// every inbound frame.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.alive = true
	p.missedProbes = 0
	p.mu.Unlock()
}

// MarkProbeSent records that a liveness probe was just emitted.
func (p *Peer) MarkProbeSent() {
	p.mu.Lock()
	p.lastProbeSent = time.Now()
	p.alive = false
	p.mu.Unlock()
}

// RecordPong computes latency from the last probe and raises the alive bit.
func (p *Peer) RecordPong() {
	p.mu.Lock()
	if !p.lastProbeSent.IsZero() {
		p.latency = time.Since(p.lastProbeSent)
	}
	p.alive = true
	p.missedProbes = 0
	p.mu.Unlock()
}

// Alive reports the current alive bit.
func (p *Peer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// IncrementMissedProbes increments and returns the missed-probe counter.
func (p *Peer) IncrementMissedProbes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missedProbes++
	return p.missedProbes
}

// Latency returns the most recently measured round-trip latency.
func (p *Peer) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// MarkClosing transitions the peer to state closing and records the time,
// used by the sweeper's force-kill-after-grace rule.
func (p *Peer) MarkClosing() {
	p.mu.Lock()
	if p.state == StateOpen || p.state == StateConnecting {
		p.state = StateClosing
		p.closingSince = time.Now()
	}
	p.mu.Unlock()
}

// Send enqueues an envelope for delivery. Concurrent Send calls on one peer
// never interleave at the frame level: a single-writer queue per peer
// serializes them.
func (p *Peer) Send(e envelope.Envelope) error {
	raw, err := envelope.Emit(e)
	if err != nil {
		return err
	}
	select {
	case p.sendCh <- raw:
		return nil
	case <-p.stopped:
		return errPeerClosed
	}
}

func (p *Peer) sendLoop() {
	for {
		select {
		case raw := <-p.sendCh:
			if err := p.transport.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-p.stopped:
			return
		}
	}
}

func (p *Peer) receiveLoop() {
	defer p.cleanup()

	for {
		_, raw, err := p.transport.ReadMessage()
		if err != nil {
			return
		}
		p.Touch()

		e, perr := envelope.Parse(raw)
		if perr != nil {
			slog.Warn("peer: dropping malformed envelope", "conn_id", p.ConnID, "error", perr)
			continue
		}

		if e.Session != "" && p.SessionID == "" {
			p.SessionID = e.Session
		}
		if p.handlers.OnEnvelope != nil {
			p.handlers.OnEnvelope(p, e)
		}
	}
}

// Close closes the underlying transport with the given close code and
// reason, then stops the peer's goroutines. Idempotent.
func (p *Peer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		p.transport.WriteMessage(websocket.CloseMessage, msg)
		p.transport.Close()
		close(p.stopped)
	})
}

// Terminate force-closes the transport without a graceful close frame.
func (p *Peer) Terminate() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()
		p.transport.Close()
		close(p.stopped)
	})
}

func (p *Peer) cleanup() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()
		p.transport.Close()
		close(p.stopped)
	})
	if p.handlers.OnClose != nil {
		p.handlers.OnClose(p)
	}
}

type peerClosedError struct{}

func (peerClosedError) Error() string { return "peer: closed" }

var errPeerClosed = peerClosedError{}
