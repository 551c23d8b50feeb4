// Package envelope implements the wire unit exchanged between the hub and
// its peers: parsing (lenient, coercing malformed-but-recoverable fields)
// and canonical emission.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Source identifies who originated an envelope.
type Source string

const (
	SourceEditor Source = "editor"
	SourceCaller Source = "caller"
	SourceAux    Source = "aux"
)

// Control and lifecycle message types the Router treats specially.
const (
	TypeHeartbeat      = "hb"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeCompileStarted = "compile_started"
	TypeCompileDone    = "compile_finished"
	TypeWelcome        = "welcome"
)

// AckRequired is the fixed set of domain-event types the hub acknowledges
// to signal durable receipt upstream.
var AckRequired = map[string]bool{
	"hello":             true,
	"assets_imported":   true,
	"assets_deleted":    true,
	"assets_moved":      true,
	"scene_saved":       true,
	"project_changed":   true,
	"compile_started":   true,
	"compile_finished":  true,
	"will_save_assets":  true,
	"hierarchy_changed": true,
	"selection_changed": true,
}

// Envelope is the wire unit. Body defaults to an empty map when absent on
// the wire; Version defaults to 1; an unrecognized Source coerces to
// SourceEditor on inbound parse.
type Envelope struct {
	Version   int            `json:"v"`
	Source    Source         `json:"source"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"ts"`
	ID        string         `json:"id"`
	Body      map[string]any `json:"body"`
	Session   string         `json:"session,omitempty"`
}

// ErrMissingField is returned by Parse when a required header field is absent.
var ErrMissingField = errors.New("envelope: missing required field")

// wireEnvelope mirrors Envelope but keeps header fields as pointers so
// Parse can distinguish "absent" from "present but empty".
type wireEnvelope struct {
	Version   *int            `json:"v"`
	Source    *string         `json:"source"`
	Type      *string         `json:"type"`
	Timestamp *int64          `json:"ts"`
	ID        *string         `json:"id"`
	Body      map[string]any  `json:"body"`
	Session   *string         `json:"session"`
}

// Parse decodes raw wire bytes into an Envelope. It validates that source,
// type, timestamp, and id are present; everything else is defaulted.
func Parse(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, err
	}

	if w.Source == nil || w.Type == nil || w.Timestamp == nil || w.ID == nil {
		return Envelope{}, ErrMissingField
	}

	e := Envelope{
		Version:   1,
		Type:      *w.Type,
		Timestamp: *w.Timestamp,
		ID:        *w.ID,
		Body:      w.Body,
	}
	if w.Version != nil {
		e.Version = *w.Version
	}
	switch Source(*w.Source) {
	case SourceCaller:
		e.Source = SourceCaller
	case SourceAux:
		e.Source = SourceAux
	case SourceEditor:
		e.Source = SourceEditor
	default:
		e.Source = SourceEditor
	}
	if e.Body == nil {
		e.Body = map[string]any{}
	}
	if w.Session != nil {
		e.Session = *w.Session
	}
	return e, nil
}

// Emit serializes an Envelope to canonical wire JSON with keys
// v,source,type,ts,id,body plus an optional session.
func Emit(e Envelope) ([]byte, error) {
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Body == nil {
		e.Body = map[string]any{}
	}
	return json.Marshal(e)
}

// New builds an outbound Envelope of the given type with a fresh timestamp.
// The caller supplies the id (typically via an id generator) and session.
func New(source Source, typ, id, session string, body map[string]any) Envelope {
	if body == nil {
		body = map[string]any{}
	}
	return Envelope{
		Version:   1,
		Source:    source,
		Type:      typ,
		Timestamp: time.Now().Unix(),
		ID:        id,
		Body:      body,
		Session:   session,
	}
}
