package hookserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-command/hookd/internal/protocol"
)

// conn is one hook client connection. destroy may be called any number of
// times from any goroutine.
type conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration
	onClose      func(*conn)

	closeOnce sync.Once
	closed    atomic.Bool

	// toolUseID is set under Server.mu once the connection owns a pending entry.
	toolUseID string
}

func newConn(nc net.Conn, writeTimeout time.Duration, onClose func(*conn)) *conn {
	return &conn{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

func (c *conn) isClosed() bool {
	return c.closed.Load()
}

func (c *conn) destroy() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.nc.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *conn) reply(d protocol.Decision) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	data, err := d.Encode()
	if err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	_, err = c.nc.Write(data)
	return err
}

const readChunk = 4096

// serveConn reads until the accumulated bytes form one JSON value, then
// dispatches it. Connections holding a pending permission keep being read so
// a client disconnect is noticed.
func (s *Server) serveConn(c *conn) {
	defer s.wg.Done()

	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > s.cfg.MaxMessageBytes {
				s.log.Warn().Int("bytes", len(buf)).Msg("hook message too large, dropping connection")
				c.destroy()
				return
			}
			if json.Valid(buf) {
				if s.dispatch(c, buf) {
					s.watch(c, chunk)
				}
				return
			}
		}
		if err != nil {
			// the peer may half-close right after writing; a held request
			// whose client is already gone fails the same way watch reports it
			if len(buf) > 0 && json.Valid(buf) {
				if s.dispatch(c, buf) {
					c.destroy()
					s.connLost(c)
				}
				return
			}
			if len(buf) > 0 && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Int("bytes", len(buf)).Msg("discarding incomplete hook message")
			}
			c.destroy()
			return
		}
	}
}

// watch blocks until the held connection is closed by either side.
func (s *Server) watch(c *conn, chunk []byte) {
	for {
		if _, err := c.nc.Read(chunk); err != nil {
			if !c.isClosed() && errors.Is(err, io.EOF) {
				s.log.Debug().Str("conn", c.id).Msg("hook client disconnected while waiting")
			}
			c.destroy()
			s.connLost(c)
			return
		}
	}
}

// connLost reports the failure of a pending permission whose client went
// away. The entry stays in the table until the sweeper or a dispatcher call
// removes it; failureReported keeps the report single.
func (s *Server) connLost(c *conn) {
	s.mu.Lock()
	if s.stopped || c.toolUseID == "" {
		s.mu.Unlock()
		return
	}
	e, ok := s.pending.Get(c.toolUseID)
	if !ok || e.Conn != c {
		s.mu.Unlock()
		return
	}
	report := e.MarkFailureReported()
	s.mu.Unlock()

	if report {
		s.reportFailure(e.SessionID, e.ToolUseID)
	}
}

// dispatch classifies one decoded message and reports whether the connection
// is now held open for a decision.
func (s *Server) dispatch(c *conn, raw []byte) bool {
	ev, err := protocol.Decode(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping undecodable hook message")
		c.destroy()
		return false
	}
	s.metrics.Event(string(ev.Name), string(ev.Agent))

	if ev.Name == protocol.EventPreToolUse && ev.ToolUseID() != "" {
		s.mu.Lock()
		s.cache.Push(ev.SessionID, ev.ToolName(), ev.ToolInput(), ev.ToolUseID())
		s.mu.Unlock()
	}

	if ev.Name == protocol.EventSessionEnd {
		s.endSession(ev.SessionID)
	}

	if ev.IsPermissionRequest() {
		return s.resolvePermission(c, ev)
	}

	c.destroy()
	if ev.Name.Critical() {
		s.emit(ev)
		return false
	}

	s.mu.Lock()
	if !s.stopped && s.debounce.Submit(debounceKey(ev.SessionID, ev.Status), ev) {
		s.metrics.Debounced()
	}
	s.mu.Unlock()
	return false
}

func debounceKey(sessionID string, status protocol.Status) string {
	return sessionID + "\x00" + string(status)
}

// endSession drops everything the server still holds for a finished session.
// Debounced events still waiting are delivered first so they reach handlers
// ahead of the SessionEnd event.
func (s *Server) endSession(sessionID string) {
	s.mu.Lock()
	purged := s.cache.PurgeSession(sessionID)
	prefix := sessionID + "\x00"
	flushed := s.debounce.FlushWhere(func(key string) bool { return strings.HasPrefix(key, prefix) })
	s.mu.Unlock()

	for _, ev := range flushed {
		s.emit(ev)
	}

	cancelled := s.CancelAllForSession(sessionID)
	if s.policy != nil {
		s.policy.ClearSession(sessionID)
	}
	s.log.Debug().
		Str("session", sessionID).
		Int("cache_keys", purged).
		Int("cancelled", cancelled).
		Int("flushed", len(flushed)).
		Msg("session ended")
}
