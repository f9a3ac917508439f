package hookserver

import (
	"context"
	"time"

	"github.com/agent-command/hookd/internal/metrics"
	"github.com/agent-command/hookd/internal/pending"
	"github.com/agent-command/hookd/internal/protocol"
)

// resolvePermission runs a permission request through auto-allow, tool-use
// id resolution and duplicate arbitration. It reports whether c is now held
// as a pending entry.
func (s *Server) resolvePermission(c *conn, ev protocol.Event) bool {
	tool := ev.ToolName()
	logger := s.log.With().Str("session", ev.SessionID).Str("tool", tool).Logger()
	now := s.now()
	allowed := s.policy != nil && s.policy.IsAutoAllowed(ev.SessionID, tool)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.destroy()
		return false
	}
	ev = s.withToolUseID(ev, tool, now)
	id := ev.ToolUseID()
	logger = logger.With().Str("tool_use_id", id).Logger()

	if allowed {
		s.mu.Unlock()
		s.metrics.PermissionRequest(metrics.OutcomeAutoAllowed)
		err := c.reply(protocol.NewDecision(protocol.VerdictAllow, protocol.Options{}))
		c.destroy()
		if err != nil {
			logger.Warn().Err(err).Msg("auto-allow reply failed")
			s.reportFailure(ev.SessionID, id)
		} else {
			s.metrics.Decision(string(protocol.VerdictAllow))
			logger.Debug().Msg("permission auto-allowed")
		}
		s.emit(ev)
		return false
	}

	c.toolUseID = id
	prev := s.pending.Put(&pending.Entry[*conn]{
		SessionID:  ev.SessionID,
		ToolUseID:  id,
		Conn:       c,
		Event:      ev,
		ReceivedAt: now,
	})
	s.metrics.SetPending(s.pending.Len())
	s.mu.Unlock()

	if prev != nil {
		// second writer wins: the earlier connection defers to the agent's own prompt
		s.metrics.PermissionRequest(metrics.OutcomeDuplicate)
		err := prev.Conn.reply(protocol.NewDecision(protocol.VerdictAsk, protocol.Options{}))
		prev.Conn.destroy()
		if err != nil {
			logger.Debug().Err(err).Msg("ask reply to superseded request failed")
			s.supersededFailed(prev)
		} else {
			s.metrics.Decision(string(protocol.VerdictAsk))
		}
		logger.Info().Str("superseded_conn", prev.Conn.id).Msg("duplicate permission request, earlier client told to ask")
		return true
	}

	s.metrics.PermissionRequest(metrics.OutcomePending)
	logger.Info().Msg("permission pending")
	s.emit(ev)
	return true
}

// withToolUseID fills in a missing tool-use id from the correlation cache, or
// a synthetic one when nothing was cached. Callers hold s.mu.
func (s *Server) withToolUseID(ev protocol.Event, tool string, now time.Time) protocol.Event {
	if ev.ToolUseID() != "" {
		return ev
	}
	cached, hit := s.cache.Pop(ev.SessionID, tool, ev.ToolInput())
	s.metrics.CorrelationLookup(hit)
	if hit {
		return ev.WithToolUseID(cached)
	}
	return ev.WithToolUseID(protocol.SyntheticToolUseID(ev.Agent, ev.SessionID, tool, now))
}

// supersededFailed reports a superseded entry whose ask reply could not be
// written, unless its own disconnect already did.
func (s *Server) supersededFailed(prev *pending.Entry[*conn]) {
	s.mu.Lock()
	report := prev.MarkFailureReported()
	s.mu.Unlock()
	if report {
		s.reportFailure(prev.SessionID, prev.ToolUseID)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

type failure struct {
	sessionID string
	toolUseID string
}

// sweep expires entries older than the permission timeout and reaps entries
// whose client already disconnected. A failure is reported only for entries
// that have not reported one yet.
func (s *Server) sweep() {
	now := s.now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var (
		victims []*conn
		reports []failure
	)
	for _, e := range s.pending.Expired(now, s.cfg.PermissionTimeout) {
		if e.MarkFailureReported() {
			reports = append(reports, failure{e.SessionID, e.ToolUseID})
		}
		victims = append(victims, e.Conn)
		s.pending.RemoveEntry(e)
	}
	s.pending.RemoveWhere(func(e *pending.Entry[*conn]) bool {
		return e.Conn.isClosed() && e.FailureReported()
	})
	s.metrics.SetPending(s.pending.Len())
	s.mu.Unlock()

	for _, c := range victims {
		c.destroy()
	}
	for _, f := range reports {
		s.log.Info().Str("session", f.sessionID).Str("tool_use_id", f.toolUseID).Msg("permission request timed out")
		s.reportFailure(f.sessionID, f.toolUseID)
	}
}
