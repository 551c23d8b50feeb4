package envelope

import (
	"encoding/json"
	"testing"
)

func TestParseRequiredFields(t *testing.T) {
	_, err := Parse([]byte(`{"source":"editor","ts":1,"id":"x"}`))
	if err != ErrMissingField {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestParseDefaults(t *testing.T) {
	e, err := Parse([]byte(`{"source":"editor","type":"hb","ts":100,"id":"abc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Version != 1 {
		t.Errorf("version default = %d, want 1", e.Version)
	}
	if e.Body == nil || len(e.Body) != 0 {
		t.Errorf("body default = %#v, want empty map", e.Body)
	}
}

func TestParseCoercesUnknownSource(t *testing.T) {
	e, err := Parse([]byte(`{"source":"bogus","type":"hb","ts":100,"id":"abc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Source != SourceEditor {
		t.Errorf("source = %q, want editor", e.Source)
	}
}

func TestEmitRoundTrip(t *testing.T) {
	e := New(SourceCaller, "query", "id-1", "sess-1", map[string]any{"q": float64(1)})
	raw, err := Emit(e)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal emitted: %v", err)
	}
	for _, key := range []string{"v", "source", "type", "ts", "id", "body", "session"} {
		if _, ok := m[key]; !ok {
			t.Errorf("emitted envelope missing key %q: %s", key, raw)
		}
	}

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse emitted: %v", err)
	}
	if parsed.ID != e.ID || parsed.Type != e.Type || parsed.Session != e.Session {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, e)
	}
}

func TestAckRequiredSet(t *testing.T) {
	if !AckRequired["compile_started"] {
		t.Error("compile_started should be ack-required")
	}
	if AckRequired["query"] {
		t.Error("query should not be ack-required")
	}
}
