// Package router implements per-envelope dispatch: control frames, lifecycle
// frames, correlation replies, and everything else treated as a domain
// event.
package router

import (
	"log/slog"

	"echohub/internal/config"
	"echohub/internal/correlation"
	"echohub/internal/envelope"
	"echohub/internal/errkind"
	"echohub/internal/peer"
	"echohub/internal/sweeper"
)

// DomainEvent is an envelope forwarded to the upstream subscriber because it
// is neither a control frame nor a match for any pending correlation.
type DomainEvent struct {
	Peer     *peer.Peer
	Envelope envelope.Envelope
}

// Router dispatches inbound envelopes per spec.md §4.5.
type Router struct {
	normal        *correlation.Table
	reloadSurvive *correlation.Table
	sweep         *sweeper.Sweeper
	timing        config.Timing
	onDomainEvent func(DomainEvent)
}

// New constructs a Router.
func New(normal, reloadSurvive *correlation.Table, sweep *sweeper.Sweeper, timing config.Timing, onDomainEvent func(DomainEvent)) *Router {
	return &Router{
		normal:        normal,
		reloadSurvive: reloadSurvive,
		sweep:         sweep,
		timing:        timing,
		onDomainEvent: onDomainEvent,
	}
}

// Handle is the Peer's OnEnvelope callback: classify and dispatch one
// inbound envelope. Liveness (Touch) and session-binding adoption happen in
// the peer package before this is invoked (spec.md §4.3/§4.5 steps 1-2).
func (r *Router) Handle(p *peer.Peer, e envelope.Envelope) {
	switch e.Type {
	case envelope.TypeHeartbeat:
		pong := envelope.New(envelope.SourceAux, envelope.TypePong, e.ID, p.SessionID, nil)
		if err := p.Send(pong); err != nil {
			slog.Debug("router: failed to send pong", "conn_id", p.ConnID, "error", err)
		}
		return

	case envelope.TypePong:
		p.RecordPong()
		return

	case envelope.TypeAck:
		// Delivery acknowledgement for an optional reliable-send layer;
		// nothing to reconcile against in this hub.
		return

	case envelope.TypeCompileStarted:
		r.ackIfRequired(p, e)
		p.SetCompiling(true)
		if r.sweep != nil {
			r.sweep.Suspend(r.timing.CompileStartedGrace)
		}
		r.normal.RejectForPeer(p.ConnID, errkind.New(errkind.CompileStarted, ""))
		r.forwardAsDomainEvent(p, e)
		return

	case envelope.TypeCompileDone:
		r.ackIfRequired(p, e)
		p.SetCompiling(false)
		if r.sweep != nil {
			r.sweep.Suspend(r.timing.CompileFinishedGrace)
		}
		r.forwardAsDomainEvent(p, e)
		return

	default:
		r.handleReplyOrDomainEvent(p, e)
	}
}

func (r *Router) handleReplyOrDomainEvent(p *peer.Peer, e envelope.Envelope) {
	// Reload-surviving table first: a refresh/compile reply may arrive on
	// any peer, long after the original request's peer is gone.
	if r.reloadSurvive.Resolve(e.ID, e.Body) {
		return
	}
	if r.normal.Resolve(e.ID, e.Body) {
		return
	}

	// No pending correlation: this is a domain event. An envelope whose id
	// matches a pending correlation never reaches here (replies are
	// self-acknowledging), so the ack-required check below only fires for
	// genuine unsolicited domain events.
	r.ackIfRequired(p, e)
	r.forwardAsDomainEvent(p, e)
}

func (r *Router) ackIfRequired(p *peer.Peer, e envelope.Envelope) {
	if !envelope.AckRequired[e.Type] {
		return
	}
	ack := envelope.New(envelope.SourceAux, envelope.TypeAck, e.ID, p.SessionID, nil)
	if err := p.Send(ack); err != nil {
		slog.Debug("router: failed to send ack", "conn_id", p.ConnID, "type", e.Type, "error", err)
	}
}

func (r *Router) forwardAsDomainEvent(p *peer.Peer, e envelope.Envelope) {
	if r.onDomainEvent != nil {
		r.onDomainEvent(DomainEvent{Peer: p, Envelope: e})
	}
}
