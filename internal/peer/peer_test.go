package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"echohub/internal/envelope"
)

// fakeConn is an in-memory Conn for testing the receive/send loops without
// a real network socket.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	inboundI int
	outbound [][]byte
	closed   bool
	readWait chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{readWait: make(chan struct{})}
}

func (f *fakeConn) pushInbound(raw []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, raw)
	f.mu.Unlock()
	select {
	case f.readWait <- struct{}{}:
	default:
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, nil, errClosedConn
		}
		if f.inboundI < len(f.inbound) {
			raw := f.inbound[f.inboundI]
			f.inboundI++
			f.mu.Unlock()
			return websocket.TextMessage, raw, nil
		}
		f.mu.Unlock()
		<-f.readWait
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosedConn
	}
	cp := append([]byte(nil), data...)
	f.outbound = append(f.outbound, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readWait)
	}
	return nil
}

func (f *fakeConn) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.outbound...)
}

type closedConnError struct{}

func (closedConnError) Error() string { return "fake: closed" }

var errClosedConn = closedConnError{}

func TestPeerReceiveInvokesHandler(t *testing.T) {
	conn := newFakeConn()
	var got []envelope.Envelope
	var mu sync.Mutex
	closed := make(chan struct{})

	p := New("c1", "s1", 0, "/p", conn, Handlers{
		OnEnvelope: func(_ *Peer, e envelope.Envelope) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		},
		OnClose: func(_ *Peer) { close(closed) },
	})
	p.Start()

	raw, _ := json.Marshal(envelope.New(envelope.SourceEditor, "hb", "id-1", "s1", nil))
	conn.pushInbound(raw)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("handler was not invoked in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Close(CloseNormal, "done")
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not invoked")
	}
}

func TestPeerMalformedFrameDoesNotClose(t *testing.T) {
	conn := newFakeConn()
	closed := make(chan struct{})
	p := New("c1", "s1", 0, "", conn, Handlers{
		OnClose: func(_ *Peer) { close(closed) },
	})
	p.Start()

	conn.pushInbound([]byte(`not json`))
	conn.pushInbound([]byte(`{"source":"editor","type":"hb","ts":1,"id":"x"}`))

	select {
	case <-closed:
		t.Fatal("peer closed on malformed frame")
	case <-time.After(50 * time.Millisecond):
	}
	p.Close(CloseNormal, "done")
}

func TestPeerSendSerializesFrames(t *testing.T) {
	conn := newFakeConn()
	p := New("c1", "s1", 0, "", conn, Handlers{})
	p.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Send(envelope.New(envelope.SourceCaller, "query", "id", "s1", nil))
		}(i)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		if len(conn.sent()) == 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 20 sent frames, got %d", len(conn.sent()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Close(CloseNormal, "done")
}

func TestPeerLivenessTracking(t *testing.T) {
	conn := newFakeConn()
	p := New("c1", "s1", 0, "", conn, Handlers{})
	p.Start()
	defer p.Close(CloseNormal, "done")

	p.MarkProbeSent()
	if p.Alive() {
		t.Error("alive should be false right after a probe is sent")
	}
	time.Sleep(2 * time.Millisecond)
	p.RecordPong()
	if !p.Alive() {
		t.Error("alive should be true after a pong")
	}
	if p.Latency() <= 0 {
		t.Error("expected positive latency after pong")
	}
}
