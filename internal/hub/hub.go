// Package hub assembles the Session Registry, Peer Runtime, Router,
// Correlation Store, Target Selector, and Liveness Sweeper into the
// External Surface and Connection Acceptor described in spec.md §4.
package hub

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"echohub/internal/config"
	"echohub/internal/correlation"
	"echohub/internal/envelope"
	"echohub/internal/errkind"
	"echohub/internal/fanout"
	"echohub/internal/ids"
	"echohub/internal/pathnorm"
	"echohub/internal/peer"
	"echohub/internal/registry"
	"echohub/internal/router"
	"echohub/internal/sweeper"
	"echohub/internal/target"
)

// ServerVersion is reported in the welcome envelope.
const ServerVersion = "1"

// Hub wires every component into the public contract: the Connection
// Acceptor (ServeUpgrade) plus the External Surface consumed by the agent
// layer (SendAndWait, SendRefreshAndWait, ...).
type Hub struct {
	reg           *registry.Registry
	normal        *correlation.Table
	reloadSurvive *correlation.Table
	sweep         *sweeper.Sweeper
	target        *target.Selector
	route         *router.Router
	timing        config.Timing

	upgrader websocket.Upgrader

	connChange  *fanout.Registry[bool]
	domainEvent *fanout.Registry[router.DomainEvent]

	snapshotGroup singleflight.Group

	takeoversTotal  atomic.Int64
	rejectionsTotal atomic.Int64
}

// New assembles a Hub from its timing configuration. The sweeper is started
// lazily on first accepted peer and stopped when the registry empties.
func New(timing config.Timing) *Hub {
	h := &Hub{
		reg:           registry.New(),
		normal:        correlation.NewTable(),
		reloadSurvive: correlation.NewTable(),
		timing:        timing,
		connChange:    fanout.New[bool](8),
		domainEvent:   fanout.New[router.DomainEvent](64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	h.target = target.New(h.resolves, h.connChange.Publish)
	h.sweep = sweeper.New(h.reg, timing, ids.New)
	h.route = router.New(h.normal, h.reloadSurvive, h.sweep, timing, h.domainEvent.Publish)
	return h
}

func (h *Hub) resolves(normalizedPath string) bool {
	p := h.reg.SessionForProject(normalizedPath)
	return p != nil && p.IsOpen()
}

// ServeUpgrade is the Connection Acceptor's HTTP handler: upgrades the
// request to a duplex connection, parses session/conn_seq/project, and
// arbitrates monotonic takeover via the Session Registry.
func (h *Hub) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" {
		sessionID = ids.New()
	}
	seq := parseSeq(q.Get("conn_seq"))
	projectPath := q.Get("project")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("acceptor: upgrade failed", "error", err)
		return
	}

	connID := ids.New()
	p := peer.New(connID, sessionID, seq, projectPath, conn, peer.Handlers{
		OnEnvelope: h.route.Handle,
		OnClose:    h.onPeerClose,
	})

	decision, other, reason := h.reg.Accept(sessionID, seq, p, projectPath)
	switch decision {
	case registry.DecisionReject:
		h.rejectionsTotal.Add(1)
		slog.Info("acceptor: rejecting stale connection attempt",
			"session", sessionID, "existing_seq", reason.ExistingSeq, "attempt_seq", reason.AttemptSeq)
		p.Close(peer.CloseDuplicateSession, "stale connection sequence")
		return

	case registry.DecisionAcceptSupersede:
		h.takeoversTotal.Add(1)
		slog.Info("acceptor: superseding existing connection", "session", sessionID, "seq", seq)
		other.Close(peer.CloseSuperseded, "replaced by newer connection")
	}

	if !h.sweep.Running() {
		h.sweep.Start()
	}

	p.Start()

	welcome := envelope.New(envelope.SourceAux, envelope.TypeWelcome, ids.New(), sessionID, map[string]any{
		"conn_id":        connID,
		"session":        sessionID,
		"server_version": ServerVersion,
	})
	if err := p.Send(welcome); err != nil {
		slog.Debug("acceptor: failed to send welcome", "conn_id", connID, "error", err)
	}

	if projectPath != "" && h.target.Matches(pathnorm.Normalize(projectPath)) {
		h.target.NotifyResolutionChanged(true)
	}
}

func parseSeq(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// onPeerClose is the Peer Runtime's cleanup callback (spec.md §4.3):
// deregister, fail this peer's normal correlations, and notify the target
// selector if this peer was the current target.
func (h *Hub) onPeerClose(p *peer.Peer) {
	h.reg.ClearIfMatch(p.SessionID, p)
	h.normal.RejectForPeer(p.ConnID, errkind.New(errkind.ConnectionClosed, "peer disconnected"))

	if p.ProjectPath() != "" && h.target.Matches(pathnorm.Normalize(p.ProjectPath())) {
		h.target.NotifyResolutionChanged(false)
	}
	if h.reg.Len() == 0 {
		h.sweep.Stop()
	}
}

// SendAndWait resolves the current target peer, sends a typed command, and
// awaits its reply on the normal correlation table.
func (h *Hub) SendAndWait(typ string, body map[string]any, timeoutSeconds int) (map[string]any, error) {
	return h.sendAndWait(h.normal, typ, body, h.commandTimeout(timeoutSeconds))
}

// SendRefreshAndWait is identical to SendAndWait except the correlation is
// registered in the reload-surviving table and uses the refresh/interrupt
// timeout budget: the reply may arrive on a different peer, after a domain
// reload cancels the original connection.
func (h *Hub) SendRefreshAndWait(typ string, body map[string]any) (map[string]any, error) {
	return h.sendAndWait(h.reloadSurvive, typ, body, h.timing.RefreshTimeout)
}

func (h *Hub) commandTimeout(timeoutSeconds int) time.Duration {
	if timeoutSeconds <= 0 {
		return h.timing.DefaultCommandTimeout
	}
	return time.Duration(timeoutSeconds) * time.Second
}

func (h *Hub) sendAndWait(table *correlation.Table, typ string, body map[string]any, timeout time.Duration) (map[string]any, error) {
	path := h.target.Current()
	if path == "" {
		return nil, newError(ErrNoConnection, "no target project set")
	}
	p := h.reg.SessionForProject(path)
	if p == nil || !p.IsOpen() {
		return nil, newError(ErrNoConnection, "no peer bound to target project")
	}

	id := ids.New()
	e := envelope.New(envelope.SourceCaller, typ, id, p.SessionID, body)
	ch := table.Register(id, p.ConnID)

	if err := p.Send(e); err != nil {
		table.Remove(id)
		return nil, newError(ErrConnectionClosed, "failed to deliver envelope to peer")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Body, nil
	case <-timer.C:
		table.Remove(id)
		return nil, newError(ErrTimeout, "no reply within deadline")
	}
}

// SetTargetProject normalizes path and makes it the current send target.
func (h *Hub) SetTargetProject(path string) {
	h.target.SetTargetProject(path)
}

// TargetProject returns the normalized path of the current send target, or
// "" if none has been set.
func (h *Hub) TargetProject() string {
	return h.target.Current()
}

// ConnectedProjects returns the project paths of every peer currently in
// state open. Concurrent callers within the same instant share one registry
// walk via singleflight, matching the teacher's request-coalescing pattern.
func (h *Hub) ConnectedProjects() []string {
	v, _, _ := h.snapshotGroup.Do("connected-projects", func() (any, error) {
		var paths []string
		for _, p := range h.reg.Snapshot() {
			if p.IsOpen() && p.ProjectPath() != "" {
				paths = append(paths, p.ProjectPath())
			}
		}
		return paths, nil
	})
	return v.([]string)
}

// SubscribeConnectionChange returns a channel of target-resolution change
// events plus an unsubscribe function.
func (h *Hub) SubscribeConnectionChange() (<-chan bool, func()) {
	return h.connChange.Subscribe()
}

// SubscribeDomainEvent returns a channel of forwarded domain events plus an
// unsubscribe function.
func (h *Hub) SubscribeDomainEvent() (<-chan router.DomainEvent, func()) {
	return h.domainEvent.Subscribe()
}

// CloseAll stops the sweeper, fails every pending correlation in both
// tables, and closes every registered peer's transport. Used on hub
// shutdown.
func (h *Hub) CloseAll() {
	h.sweep.Stop()
	shutdownErr := newError(ErrShutdown, "hub shutting down")
	h.reloadSurvive.RejectAll(shutdownErr)
	h.normal.RejectAll(shutdownErr)

	for _, p := range h.reg.CloseAll() {
		p.Close(peer.CloseGoingAway, "hub shutdown")
	}
}

// Registry exposes the underlying Session Registry for read-only status
// reporting (the debug/status HTTP surface).
func (h *Hub) Registry() *registry.Registry { return h.reg }

// Timing returns the hub's effective timing configuration.
func (h *Hub) Timing() config.Timing { return h.timing }

// PendingCounts returns the number of outstanding entries in the normal and
// reload-surviving correlation tables, for metrics.
func (h *Hub) PendingCounts() (normal, reloadSurviving int) {
	return h.normal.Len(), h.reloadSurvive.Len()
}

// SweeperSuspended reports whether the Liveness Sweeper is currently inside
// a suspension window.
func (h *Hub) SweeperSuspended() bool {
	return time.Now().Before(h.sweep.SuspendedUntil())
}

// TakeoversTotal returns the number of accepted connections that superseded
// an existing peer on the same session.
func (h *Hub) TakeoversTotal() int64 { return h.takeoversTotal.Load() }

// RejectionsTotal returns the number of connection attempts rejected for
// carrying a stale connection sequence.
func (h *Hub) RejectionsTotal() int64 { return h.rejectionsTotal.Load() }
