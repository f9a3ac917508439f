// Package hookclient is the agent-side half of the socket protocol: it sends
// one hook event and waits for the server to answer or hang up.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/agent-command/hookd/internal/protocol"
)

// ErrNoDecision is returned when the server closed the connection without
// writing a decision. Hook clients fall back to the agent's own prompt.
var ErrNoDecision = errors.New("hookd closed the connection without a decision")

func Send(ctx context.Context, socketPath string, ev protocol.Event) (*protocol.Decision, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode hook event: %w", err)
	}
	return SendRaw(ctx, socketPath, data)
}

// SendRaw writes msg as is. The connection is not half-closed after writing
// because the server treats EOF on a waiting permission as a disconnect.
func SendRaw(ctx context.Context, socketPath string, msg []byte) (*protocol.Decision, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial hookd: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("write hook event: %w", err)
	}

	reply, err := io.ReadAll(conn)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("read decision: %w", err)
	}
	reply = bytes.TrimSpace(reply)
	if len(reply) == 0 {
		return nil, ErrNoDecision
	}

	var dec protocol.Decision
	if err := json.Unmarshal(reply, &dec); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if _, err := protocol.ParseVerdict(string(dec.Decision)); err != nil {
		return nil, err
	}
	return &dec, nil
}
