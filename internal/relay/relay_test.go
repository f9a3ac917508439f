package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/hookd/internal/protocol"
)

func TestOutboxDropsOldest(t *testing.T) {
	o := NewOutbox(2)
	assert.False(t, o.Push(Message{Seq: 1}))
	assert.False(t, o.Push(Message{Seq: 2}))
	assert.True(t, o.Push(Message{Seq: 3}))

	got := o.Unacked()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
	assert.Equal(t, 1, o.Dropped())
}

func TestOutboxAckUpto(t *testing.T) {
	o := NewOutbox(10)
	for seq := int64(1); seq <= 4; seq++ {
		o.Push(Message{Seq: seq})
	}
	assert.Equal(t, 0, o.AckUpto(0))
	assert.Equal(t, 3, o.AckUpto(3))
	assert.Equal(t, 1, o.Len())
	assert.Equal(t, 1, o.AckUpto(100))
	assert.Equal(t, 0, o.Len())
}

type call struct {
	kind    string
	target  string
	verdict protocol.Verdict
	opts    protocol.Options
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeCommander) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeCommander) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeCommander) Respond(id string, v protocol.Verdict, o protocol.Options) bool {
	f.record(call{"respond", id, v, o})
	return true
}

func (f *fakeCommander) RespondBySession(id string, v protocol.Verdict, o protocol.Options) bool {
	f.record(call{"respond_session", id, v, o})
	return true
}

func (f *fakeCommander) Cancel(id string) bool {
	f.record(call{kind: "cancel", target: id})
	return true
}

func (f *fakeCommander) CancelAllForSession(id string) int {
	f.record(call{kind: "cancel_session", target: id})
	return 1
}

func (f *fakeCommander) AllowTool(session, tool string) error {
	f.record(call{kind: "allow", target: session + "/" + tool})
	return nil
}

// dashboard is a websocket endpoint that records what the relay sends.
type dashboard struct {
	t        *testing.T
	srv      *httptest.Server
	received chan Envelope
	conns    chan *websocket.Conn
	headers  chan http.Header
}

func newDashboard(t *testing.T) *dashboard {
	d := &dashboard{
		t:        t,
		received: make(chan Envelope, 64),
		conns:    make(chan *websocket.Conn, 4),
		headers:  make(chan http.Header, 4),
	}
	upgrader := websocket.Upgrader{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d.headers <- r.Header.Clone()
		d.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				d.received <- env
			}
		}
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *dashboard) url() string {
	return "ws" + strings.TrimPrefix(d.srv.URL, "http")
}

func (d *dashboard) next() Envelope {
	d.t.Helper()
	select {
	case env := <-d.received:
		return env
	case <-time.After(3 * time.Second):
		d.t.Fatal("timed out waiting for relay message")
	}
	return Envelope{}
}

func (d *dashboard) conn() *websocket.Conn {
	d.t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(3 * time.Second):
		d.t.Fatal("relay never connected")
	}
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{V: 1, Type: msgType, Payload: data}))
}

func runClient(t *testing.T, c *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("relay did not stop")
		}
	})
}

func TestQueuedMessagesFlushOnConnect(t *testing.T) {
	d := newDashboard(t)
	c := New(Config{URL: d.url(), Token: "secret", HostID: "box1", OutboxMax: 10}, &fakeCommander{})

	c.HandleEvent(protocol.Event{SessionID: "s1", Name: protocol.EventSessionStart})
	c.PermissionFailed("s1", "t1")
	assert.Equal(t, 2, c.Outbox().Len())

	runClient(t, c)
	conn := d.conn()

	h := <-d.headers
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, "box1", h.Get("X-Host-Id"))

	hello := d.next()
	assert.Equal(t, TypeHello, hello.Type)
	var hp HelloPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &hp))
	assert.Equal(t, "box1", hp.HostID)
	assert.Equal(t, 2, hp.Unacked)

	ev := d.next()
	assert.Equal(t, TypeHookEvent, ev.Type)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, 1, ev.V)
	var decoded protocol.Event
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	assert.Equal(t, "s1", decoded.SessionID)

	failed := d.next()
	assert.Equal(t, TypePermissionFailed, failed.Type)
	assert.Equal(t, int64(2), failed.Seq)
	assert.JSONEq(t, `{"session_id":"s1","tool_use_id":"t1"}`, string(failed.Payload))

	send(t, conn, TypeAck, AckPayload{AckSeq: 2})
	require.Eventually(t, func() bool { return c.Outbox().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)
	c.HandleEvent(protocol.Event{SessionID: "s1", Name: protocol.EventStop})
	live := d.next()
	assert.Equal(t, int64(3), live.Seq)
}

func TestInboundCommands(t *testing.T) {
	d := newDashboard(t)
	cmd := &fakeCommander{}
	c := New(Config{URL: d.url()}, cmd)
	runClient(t, c)
	conn := d.conn()
	d.next()

	send(t, conn, TypePermissionRespond, RespondPayload{ToolUseID: "t1", Decision: "deny", Reason: "no", Interrupt: true})
	send(t, conn, TypePermissionRespond, RespondPayload{SessionID: "s1", Decision: "allow", UpdatedInput: map[string]any{"a": "b"}})
	send(t, conn, TypePermissionRespond, RespondPayload{ToolUseID: "t2", Decision: "maybe"})
	send(t, conn, TypePermissionCancel, CancelPayload{ToolUseID: "t3"})
	send(t, conn, TypePermissionCancel, CancelPayload{SessionID: "s2"})
	send(t, conn, TypeAutoAllowSet, AutoAllowPayload{SessionID: "s1", Tool: "Read"})
	send(t, conn, "something.else", map[string]any{})

	require.Eventually(t, func() bool { return len(cmd.snapshot()) == 5 }, 2*time.Second, 10*time.Millisecond)
	calls := cmd.snapshot()
	assert.Equal(t, call{"respond", "t1", protocol.VerdictDeny, protocol.Options{Reason: "no", Interrupt: true}}, calls[0])
	assert.Equal(t, call{"respond_session", "s1", protocol.VerdictAllow, protocol.Options{UpdatedInput: map[string]any{"a": "b"}}}, calls[1])
	assert.Equal(t, call{kind: "cancel", target: "t3"}, calls[2])
	assert.Equal(t, call{kind: "cancel_session", target: "s2"}, calls[3])
	assert.Equal(t, call{kind: "allow", target: "s1/Read"}, calls[4])
}

func TestReconnectResendsUnacked(t *testing.T) {
	d := newDashboard(t)
	c := New(Config{URL: d.url(), ReconnectMax: 50 * time.Millisecond}, &fakeCommander{})
	runClient(t, c)

	first := d.conn()
	assert.Equal(t, TypeHello, d.next().Type)
	require.Eventually(t, c.Connected, time.Second, 10*time.Millisecond)

	c.HandleEvent(protocol.Event{SessionID: "s1", Name: protocol.EventSessionStart})
	assert.Equal(t, int64(1), d.next().Seq)
	require.NoError(t, first.Close())

	d.conn()
	assert.Equal(t, TypeHello, d.next().Type)
	resent := d.next()
	assert.Equal(t, TypeHookEvent, resent.Type)
	assert.Equal(t, int64(1), resent.Seq)
}

func TestRunStopsWhileServerUnreachable(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/relay", ReconnectMax: 20 * time.Millisecond}, &fakeCommander{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.Run(ctx))
	assert.False(t, c.Connected())
}
