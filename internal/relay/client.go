// Package relay mirrors hook events to a remote dashboard over a websocket
// and applies the permission decisions it sends back.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/hookd/internal/metrics"
	"github.com/agent-command/hookd/internal/protocol"
)

// Outbound message types.
const (
	TypeHello            = "relay.hello"
	TypeHookEvent        = "hook.event"
	TypePermissionFailed = "permission.failed"
)

// Inbound message types.
const (
	TypeAck               = "agent.ack"
	TypePermissionRespond = "permission.respond"
	TypePermissionCancel  = "permission.cancel"
	TypeAutoAllowSet      = "autoallow.set"
)

const (
	protocolVersion = 1
	writeWait       = 5 * time.Second
	initialBackoff  = 250 * time.Millisecond
)

var ErrNotConnected = errors.New("relay: not connected")

// Commander applies the commands a dashboard sends.
type Commander interface {
	Respond(toolUseID string, verdict protocol.Verdict, opts protocol.Options) bool
	RespondBySession(sessionID string, verdict protocol.Verdict, opts protocol.Options) bool
	Cancel(toolUseID string) bool
	CancelAllForSession(sessionID string) int
	AllowTool(sessionID, tool string) error
}

type Config struct {
	URL          string
	Token        string
	HostID       string
	OutboxMax    int
	ReconnectMax time.Duration
	// Version is reported in the hello message.
	Version string
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HelloPayload struct {
	HostID  string `json:"host_id"`
	Version string `json:"version,omitempty"`
	Unacked int    `json:"unacked"`
}

type FailurePayload struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
}

type AckPayload struct {
	AckSeq int64  `json:"ack_seq"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RespondPayload struct {
	ToolUseID    string         `json:"tool_use_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Decision     string         `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

type CancelPayload struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type AutoAllowPayload struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
}

type Client struct {
	cfg     Config
	cmd     Commander
	log     zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
	outbox  *Outbox

	// mu serialises writes and guards conn and seq.
	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(cfg Config, cmd Commander, opts ...Option) *Client {
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		cmd:    cmd,
		log:    zerolog.Nop(),
		dialer: websocket.DefaultDialer,
		outbox: NewOutbox(cfg.OutboxMax),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Outbox() *Outbox {
	return c.outbox
}

// Connected reports whether a websocket is currently attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// HandleEvent queues ev for the dashboard. It matches the event bus handler
// signature.
func (c *Client) HandleEvent(ev protocol.Event) {
	if err := c.Publish(TypeHookEvent, ev); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Str("session", ev.SessionID).Msg("relaying hook event failed")
	}
}

func (c *Client) PermissionFailed(sessionID, toolUseID string) {
	err := c.Publish(TypePermissionFailed, FailurePayload{SessionID: sessionID, ToolUseID: toolUseID})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Str("session", sessionID).Msg("relaying permission failure failed")
	}
}

// Publish assigns the next seq to the message, keeps it until acked and
// writes it right away when connected. ErrNotConnected means the message is
// queued for the next connection.
func (c *Client) Publish(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	msg := Message{Seq: c.seq, Type: msgType, Payload: data}
	if c.outbox.Push(msg) {
		c.log.Debug().Int64("seq", msg.Seq).Msg("relay outbox full, dropped oldest message")
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.writeLocked(msg)
}

func (c *Client) writeLocked(msg Message) error {
	env := Envelope{
		V:       protocolVersion,
		Type:    msg.Type,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     msg.Seq,
		Payload: msg.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.Relayed("out", msg.Type)
	return nil
}

// Run keeps a connection to the dashboard until ctx is done, reconnecting
// with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	retry := backoff.WithContext(b, ctx)

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			retry.Reset()
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.log.Info().Msg("relay connection lost")
		} else {
			c.log.Debug().Err(err).Msg("relay dial failed")
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.HostID != "" {
		headers.Set("X-Host-Id", c.cfg.HostID)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// serve attaches conn, says hello, flushes the outbox and reads commands
// until the connection breaks or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	if err := c.attach(conn); err != nil {
		c.log.Warn().Err(err).Msg("relay handshake failed")
		c.detach(conn)
		return
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("relay connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer c.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("relay read failed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed relay message")
			continue
		}
		c.metrics.Relayed("in", env.Type)
		if err := c.handle(env); err != nil {
			c.log.Warn().Err(err).Str("type", env.Type).Msg("relay command failed")
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn

	hello, err := json.Marshal(HelloPayload{
		HostID:  c.cfg.HostID,
		Version: c.cfg.Version,
		Unacked: c.outbox.Len(),
	})
	if err != nil {
		return err
	}
	if err := c.writeLocked(Message{Type: TypeHello, Payload: hello}); err != nil {
		return err
	}
	for _, msg := range c.outbox.Unacked() {
		if err := c.writeLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) handle(env Envelope) error {
	switch env.Type {
	case TypeAck:
		var p AckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		if p.Status == "error" {
			c.log.Warn().Int64("ack_seq", p.AckSeq).Str("error", p.Error).Msg("dashboard reported an error")
		}
		c.outbox.AckUpto(p.AckSeq)
		return nil

	case TypePermissionRespond:
		var p RespondPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode respond: %w", err)
		}
		verdict, err := protocol.ParseVerdict(p.Decision)
		if err != nil {
			return err
		}
		opts := protocol.Options{Reason: p.Reason, UpdatedInput: p.UpdatedInput, Interrupt: p.Interrupt}
		var ok bool
		switch {
		case p.ToolUseID != "":
			ok = c.cmd.Respond(p.ToolUseID, verdict, opts)
		case p.SessionID != "":
			ok = c.cmd.RespondBySession(p.SessionID, verdict, opts)
		default:
			return errors.New("respond needs tool_use_id or session_id")
		}
		if !ok {
			c.log.Info().Str("tool_use_id", p.ToolUseID).Str("session", p.SessionID).Msg("no pending permission for decision")
		}
		return nil

	case TypePermissionCancel:
		var p CancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode cancel: %w", err)
		}
		switch {
		case p.ToolUseID != "":
			c.cmd.Cancel(p.ToolUseID)
		case p.SessionID != "":
			c.cmd.CancelAllForSession(p.SessionID)
		default:
			return errors.New("cancel needs tool_use_id or session_id")
		}
		return nil

	case TypeAutoAllowSet:
		var p AutoAllowPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode autoallow: %w", err)
		}
		return c.cmd.AllowTool(p.SessionID, p.Tool)
	}

	c.log.Debug().Str("type", env.Type).Msg("ignoring unknown relay message")
	return nil
}
