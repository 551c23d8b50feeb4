package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"echohub/internal/config"
	"echohub/internal/envelope"
	"echohub/internal/errkind"
)

func testTiming() config.Timing {
	t := config.DefaultTiming()
	t.DefaultCommandTimeout = 3 * time.Second
	t.RefreshTimeout = 3 * time.Second
	return t
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(testTiming())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeUpgrade))
	return h, srv
}

func dialURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect?" + query
}

func mustReadEnvelope(t *testing.T, c *websocket.Conn) envelope.Envelope {
	t.Helper()
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	e, err := envelope.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return e
}

func mustSendEnvelope(t *testing.T, c *websocket.Conn, e envelope.Envelope) {
	t.Helper()
	raw, err := envelope.Emit(e)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func closeCodeOf(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

func TestBasicRoundTrip(t *testing.T) {
	h, srv := newTestHub(t)
	defer srv.Close()
	defer h.CloseAll()


	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=0&project=/p"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	welcome := mustReadEnvelope(t, conn)
	if welcome.Type != envelope.TypeWelcome {
		t.Fatalf("expected welcome, got %+v", welcome)
	}

	h.SetTargetProject("/p")

	type result struct {
		body map[string]any
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := h.SendAndWait("query", map[string]any{"q": 1.0}, 30)
		resCh <- result{body, err}
	}()

	cmd := mustReadEnvelope(t, conn)
	if cmd.Type != "query" || cmd.Body["q"] != 1.0 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	mustSendEnvelope(t, conn, envelope.New(envelope.SourceEditor, "result", cmd.ID, "s1", map[string]any{"ok": true}))

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("unexpected error: %v", r.err)
		}
		if r.body["ok"] != true {
			t.Fatalf("unexpected body: %+v", r.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SendAndWait")
	}
}

func TestMonotonicTakeoverEndToEnd(t *testing.T) {
	h, srv := newTestHub(t)
	defer srv.Close()
	defer h.CloseAll()

	a, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=0"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	mustReadEnvelope(t, a)

	b, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=1"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()
	mustReadEnvelope(t, b)

	// A should observe a close frame with code 4001 (superseded).
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = a.ReadMessage()
	if closeCodeOf(err) != 4001 {
		t.Fatalf("expected close code 4001 on superseded peer, got %v", err)
	}

	c, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=0"), nil)
	if err != nil {
		t.Fatalf("dial c: %v", err)
	}
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	if closeCodeOf(err) != 4002 {
		t.Fatalf("expected close code 4002 on stale-sequence reject, got %v", err)
	}
}

func TestReloadSurvivalAcrossReconnect(t *testing.T) {
	h, srv := newTestHub(t)
	defer srv.Close()
	defer h.CloseAll()

	a, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=0&project=/p"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	mustReadEnvelope(t, a)
	h.SetTargetProject("/p")

	type result struct {
		body map[string]any
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := h.SendRefreshAndWait("refresh_assets", map[string]any{})
		resCh <- result{body, err}
	}()

	cmd := mustReadEnvelope(t, a)
	if cmd.Type != "refresh_assets" {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	mustSendEnvelope(t, a, envelope.New(envelope.SourceEditor, envelope.TypeCompileStarted, "cs-1", "s1", nil))
	a.Close()

	time.Sleep(50 * time.Millisecond)

	aPrime, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=1&project=/p"), nil)
	if err != nil {
		t.Fatalf("dial a': %v", err)
	}
	defer aPrime.Close()
	mustReadEnvelope(t, aPrime)

	mustSendEnvelope(t, aPrime, envelope.New(envelope.SourceEditor, "compilation_complete", cmd.ID, "s1", map[string]any{"success": true}))

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("refresh call should survive disconnect, got error: %v", r.err)
		}
		if r.body["success"] != true {
			t.Fatalf("unexpected body: %+v", r.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for SendRefreshAndWait")
	}
}

func TestNormalCorrelationCancelledByCompileStarted(t *testing.T) {
	h, srv := newTestHub(t)
	defer srv.Close()
	defer h.CloseAll()

	a, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=s1&conn_seq=0&project=/p"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer a.Close()
	mustReadEnvelope(t, a)
	h.SetTargetProject("/p")

	type result struct {
		body map[string]any
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := h.SendAndWait("slow_op", map[string]any{}, 30)
		resCh <- result{body, err}
	}()

	mustReadEnvelope(t, a) // the slow_op command itself

	mustSendEnvelope(t, a, envelope.New(envelope.SourceEditor, envelope.TypeCompileStarted, "cs-1", "s1", nil))

	select {
	case r := <-resCh:
		ek, ok := r.err.(*errkind.Error)
		if !ok || ek.Kind != errkind.CompileStarted {
			t.Fatalf("expected compile-started error, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	if h.ConnectedProjects() == nil {
		t.Fatal("peer should remain connected after compile-started cancellation")
	}
}

func TestTargetSwitchRoutesToNewTarget(t *testing.T) {
	h, srv := newTestHub(t)
	defer srv.Close()
	defer h.CloseAll()

	a, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=sa&conn_seq=0&project=/x"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	mustReadEnvelope(t, a)

	b, _, err := websocket.DefaultDialer.Dial(dialURL(srv, "session=sb&conn_seq=0&project=/y"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()
	mustReadEnvelope(t, b)

	h.SetTargetProject("/x")
	go h.SendAndWait("ping", nil, 30)
	cmd := mustReadEnvelope(t, a)
	if cmd.Type != "ping" {
		t.Fatalf("expected ping on A, got %+v", cmd)
	}
	mustSendEnvelope(t, a, envelope.New(envelope.SourceEditor, "result", cmd.ID, "sa", map[string]any{}))

	h.SetTargetProject("/y")
	go h.SendAndWait("ping", nil, 30)
	cmd2 := mustReadEnvelope(t, b)
	if cmd2.Type != "ping" {
		t.Fatalf("expected ping on B, got %+v", cmd2)
	}
	mustSendEnvelope(t, b, envelope.New(envelope.SourceEditor, "result", cmd2.ID, "sb", map[string]any{}))

	projects := h.ConnectedProjects()
	if len(projects) != 2 {
		t.Fatalf("expected both peers still connected, got %v", projects)
	}
}
