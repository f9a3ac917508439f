// Package session keeps a per-session view of what each agent is doing,
// built from the hook events the server forwards.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/hookd/internal/proc"
	"github.com/agent-command/hookd/internal/protocol"
)

// DefaultLivenessInterval is used when RunLiveness gets a non-positive interval.
const DefaultLivenessInterval = 10 * time.Second

type Phase string

const (
	PhaseStarting           Phase = "starting"
	PhaseProcessing         Phase = "processing"
	PhaseRunningTool        Phase = "running_tool"
	PhaseWaitingForApproval Phase = "waiting_for_approval"
	PhaseWaitingForInput    Phase = "waiting_for_input"
	PhaseCompacting         Phase = "compacting"
	PhaseIdle               Phase = "idle"
	PhaseEnded              Phase = "ended"
)

type Session struct {
	ID           string
	Agent        protocol.Agent
	Cwd          string
	PID          int
	TTY          string
	Phase        Phase
	LastEvent    protocol.EventName
	StartedAt    time.Time
	LastActivity time.Time

	// PendingTool and PendingToolUseID are set while the session waits on a
	// permission decision.
	PendingTool      string
	PendingToolUseID string
}

// PhaseFor maps an event to the phase it puts its session in. An empty
// result leaves the phase unchanged.
func PhaseFor(ev protocol.Event) Phase {
	if ev.IsPermissionRequest() {
		return PhaseWaitingForApproval
	}
	switch ev.Name {
	case protocol.EventSessionStart:
		return PhaseStarting
	case protocol.EventUserPromptSubmit, protocol.EventPostToolUse:
		return PhaseProcessing
	case protocol.EventPreToolUse:
		return PhaseRunningTool
	case protocol.EventPermissionRequest:
		return PhaseWaitingForApproval
	case protocol.EventPreCompact:
		return PhaseCompacting
	case protocol.EventStop:
		return PhaseIdle
	case protocol.EventSessionEnd:
		return PhaseEnded
	case protocol.EventNotification:
		if p := noticePhase(ev.Notice); p != "" {
			return p
		}
	}
	return statusPhase(ev.Status)
}

func noticePhase(n *protocol.Notice) Phase {
	if n == nil {
		return ""
	}
	switch n.Type {
	case "idle_prompt":
		return PhaseWaitingForInput
	case "permission_prompt":
		return PhaseWaitingForApproval
	}
	lower := strings.ToLower(n.Type)
	if strings.Contains(lower, "approval") || strings.Contains(lower, "permission") {
		return PhaseWaitingForApproval
	}
	return ""
}

func statusPhase(s protocol.Status) Phase {
	switch s {
	case protocol.StatusWaitingForApproval:
		return PhaseWaitingForApproval
	case protocol.StatusWaitingForInput:
		return PhaseWaitingForInput
	case protocol.StatusProcessing:
		return PhaseProcessing
	case protocol.StatusRunningTool:
		return PhaseRunningTool
	case protocol.StatusCompacting:
		return PhaseCompacting
	case protocol.StatusIdle:
		return PhaseIdle
	case protocol.StatusEnded:
		return PhaseEnded
	}
	return ""
}

type Tracker struct {
	log   zerolog.Logger
	now   func() time.Time
	alive func(pid int) bool

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLiveness replaces the process check used by RunLiveness.
func WithLiveness(alive func(pid int) bool) Option {
	return func(t *Tracker) { t.alive = alive }
}

func NewTracker(logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		log:      logger,
		now:      time.Now,
		alive:    proc.Alive,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle folds one event into its session, creating the session on first
// sight.
func (t *Tracker) Handle(ev protocol.Event) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[ev.SessionID]
	if !ok {
		s = &Session{ID: ev.SessionID, StartedAt: now, Phase: PhaseStarting}
		t.sessions[ev.SessionID] = s
		if ev.Name != protocol.EventSessionStart {
			t.log.Debug().Str("session", ev.SessionID).Str("event", string(ev.Name)).Msg("session discovered mid-flight")
		}
	}

	if ev.Agent != "" {
		s.Agent = ev.Agent
	}
	if ev.Cwd != "" {
		s.Cwd = ev.Cwd
	}
	if ev.PID > 0 {
		s.PID = ev.PID
	}
	if ev.TTY != "" {
		s.TTY = ev.TTY
	}
	s.LastEvent = ev.Name
	s.LastActivity = now

	phase := PhaseFor(ev)
	if phase == "" {
		return
	}
	s.Phase = phase
	if phase == PhaseWaitingForApproval && ev.ToolName() != "" {
		s.PendingTool = ev.ToolName()
		s.PendingToolUseID = ev.ToolUseID()
	} else if phase != PhaseWaitingForApproval {
		s.PendingTool = ""
		s.PendingToolUseID = ""
	}
}

func (t *Tracker) Lookup(id string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns every tracked session, most recently active first.
func (t *Tracker) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkPermissionFailed returns a session stuck on a dead permission request
// to processing. It ignores failures for requests the session has moved past.
func (t *Tracker) MarkPermissionFailed(sessionID, toolUseID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok || s.Phase != PhaseWaitingForApproval {
		return false
	}
	if s.PendingToolUseID != "" && s.PendingToolUseID != toolUseID {
		return false
	}
	s.Phase = PhaseProcessing
	s.PendingTool = ""
	s.PendingToolUseID = ""
	s.LastActivity = t.now()
	return true
}

// Prune drops ended sessions and ends sessions whose agent process is gone.
// It returns the ids of the sessions ended by the check.
func (t *Tracker) Prune(alive func(pid int) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dead []string
	for id, s := range t.sessions {
		switch {
		case s.Phase == PhaseEnded:
			delete(t.sessions, id)
		case s.PID > 0 && !alive(s.PID):
			dead = append(dead, id)
			delete(t.sessions, id)
		}
	}
	sort.Strings(dead)
	return dead
}

// RunLiveness prunes on every tick until ctx is done. onDead, when set, is
// called with the sessions whose process disappeared.
func (t *Tracker) RunLiveness(ctx context.Context, interval time.Duration, onDead func(ids []string)) error {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dead := t.Prune(t.alive)
			if len(dead) == 0 {
				continue
			}
			t.log.Info().Strs("sessions", dead).Msg("agent processes exited")
			if onDead != nil {
				onDead(dead)
			}
		}
	}
}
