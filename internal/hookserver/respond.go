package hookserver

import (
	"time"

	"github.com/agent-command/hookd/internal/pending"
	"github.com/agent-command/hookd/internal/protocol"
)

// Pending is a read-only view of one waiting permission request.
type Pending struct {
	SessionID  string
	ToolUseID  string
	ConnID     string
	Event      protocol.Event
	ReceivedAt time.Time
}

// Respond writes a decision to the client waiting on toolUseID and closes
// the connection. It returns false when there was nothing to resolve or the
// decision could not be delivered; in the latter case the failure callback
// fires unless the failure was already reported.
func (s *Server) Respond(toolUseID string, verdict protocol.Verdict, opts protocol.Options) bool {
	s.mu.Lock()
	e, ok := s.pending.Remove(toolUseID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.metrics.SetPending(s.pending.Len())
	closed := e.Conn.isClosed()
	report := closed && e.MarkFailureReported()
	s.mu.Unlock()

	logger := s.log.With().Str("session", e.SessionID).Str("tool_use_id", toolUseID).Logger()
	if closed {
		logger.Info().Msg("client gone before decision could be written")
		if report {
			s.reportFailure(e.SessionID, e.ToolUseID)
		}
		return false
	}

	err := e.Conn.reply(protocol.NewDecision(verdict, opts))
	e.Conn.destroy()
	if err != nil {
		logger.Warn().Err(err).Msg("writing decision failed")
		s.mu.Lock()
		report = e.MarkFailureReported()
		s.mu.Unlock()
		if report {
			s.reportFailure(e.SessionID, e.ToolUseID)
		}
		return false
	}

	s.metrics.Decision(string(verdict))
	logger.Info().Str("decision", string(verdict)).Msg("permission resolved")
	return true
}

// RespondBySession resolves the most recently received pending request of
// the session.
func (s *Server) RespondBySession(sessionID string, verdict protocol.Verdict, opts protocol.Options) bool {
	s.mu.Lock()
	e, ok := s.pending.LatestForSession(sessionID)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.Respond(e.ToolUseID, verdict, opts)
}

// Cancel closes the connection waiting on toolUseID without writing a
// decision.
func (s *Server) Cancel(toolUseID string) bool {
	s.mu.Lock()
	e, ok := s.pending.Remove(toolUseID)
	s.metrics.SetPending(s.pending.Len())
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.Conn.destroy()
	s.log.Debug().Str("session", e.SessionID).Str("tool_use_id", toolUseID).Msg("permission cancelled")
	return true
}

// CancelAllForSession closes every connection the session has waiting and
// returns how many were closed.
func (s *Server) CancelAllForSession(sessionID string) int {
	s.mu.Lock()
	removed := s.pending.RemoveWhere(func(e *pending.Entry[*conn]) bool {
		return e.SessionID == sessionID
	})
	s.metrics.SetPending(s.pending.Len())
	s.mu.Unlock()

	for _, e := range removed {
		e.Conn.destroy()
	}
	return len(removed)
}

// HasPending reports whether the session has a request whose client is still
// connected.
func (s *Server) HasPending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.pending.ForSession(sessionID) {
		if !e.Conn.isClosed() {
			return true
		}
	}
	return false
}

// GetPending lists the session's live requests, newest first.
func (s *Server) GetPending(sessionID string) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Pending
	for _, e := range s.pending.ForSession(sessionID) {
		if e.Conn.isClosed() {
			continue
		}
		out = append(out, Pending{
			SessionID:  e.SessionID,
			ToolUseID:  e.ToolUseID,
			ConnID:     e.Conn.id,
			Event:      e.Event,
			ReceivedAt: e.ReceivedAt,
		})
	}
	return out
}

// PendingCount returns the number of entries in the pending table.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}
