package hookclient

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/hookd/internal/hookserver"
	"github.com/agent-command/hookd/internal/protocol"
)

func startServer(t *testing.T) (*hookserver.Server, chan protocol.Event) {
	t.Helper()
	dir, err := os.MkdirTemp("", "hookc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	events := make(chan protocol.Event, 16)
	srv := hookserver.New(hookserver.Config{
		SocketPath:    filepath.Join(dir, "hookd.sock"),
		DebounceQuiet: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, srv.Start(func(ev protocol.Event) { events <- ev }, nil))
	t.Cleanup(func() { srv.Stop() })
	return srv, events
}

func TestSendWaitsForDecision(t *testing.T) {
	srv, events := startServer(t)

	type result struct {
		dec *protocol.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		dec, err := Send(context.Background(), srv.SocketPath(), protocol.Event{
			SessionID: "s1",
			Name:      protocol.EventPermissionRequest,
			Status:    protocol.StatusWaitingForApproval,
			Tool:      &protocol.ToolUse{Name: "Bash", ID: "t1", Input: map[string]any{"command": "ls"}},
		})
		done <- result{dec, err}
	}()

	select {
	case ev := <-events:
		assert.Equal(t, "t1", ev.ToolUseID())
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request")
	}
	require.True(t, srv.Respond("t1", protocol.VerdictDeny, protocol.Options{Reason: "nope"}))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, protocol.VerdictDeny, r.dec.Decision)
	assert.Equal(t, "nope", r.dec.Reason)
}

func TestSendFireAndForget(t *testing.T) {
	srv, events := startServer(t)
	_, err := Send(context.Background(), srv.SocketPath(), protocol.Event{SessionID: "s1", Name: protocol.EventSessionStart})
	assert.ErrorIs(t, err, ErrNoDecision)
	assert.Equal(t, "s1", (<-events).SessionID)
}

func TestSendContextCancelled(t *testing.T) {
	srv, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Send(ctx, srv.SocketPath(), protocol.Event{
		SessionID: "s1", Name: protocol.EventPermissionRequest, Status: protocol.StatusWaitingForApproval,
		Tool: &protocol.ToolUse{Name: "Bash", ID: "t2"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendNoServer(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "none.sock"), protocol.Event{SessionID: "s", Name: protocol.EventStop})
	assert.Error(t, err)
}
