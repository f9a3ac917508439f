package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventName string

const (
	EventSessionStart      EventName = "SessionStart"
	EventSessionEnd        EventName = "SessionEnd"
	EventUserPromptSubmit  EventName = "UserPromptSubmit"
	EventPreToolUse        EventName = "PreToolUse"
	EventPostToolUse       EventName = "PostToolUse"
	EventPermissionRequest EventName = "PermissionRequest"
	EventNotification      EventName = "Notification"
	EventStop              EventName = "Stop"
	EventSubagentStop      EventName = "SubagentStop"
	EventPreCompact        EventName = "PreCompact"
)

// Critical reports whether the event bypasses debouncing.
func (n EventName) Critical() bool {
	switch n {
	case EventSessionStart, EventSessionEnd, EventPreToolUse, EventPermissionRequest:
		return true
	}
	return false
}

type Status string

const (
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusProcessing         Status = "processing"
	StatusRunningTool        Status = "running_tool"
	StatusCompacting         Status = "compacting"
	StatusIdle               Status = "idle"
	StatusEnded              Status = "ended"
)

type Agent string

const (
	AgentClaude Agent = "claude"
	AgentGemini Agent = "gemini"
	AgentCursor Agent = "cursor"
)

// ToolUse is present on tool events and permission requests.
type ToolUse struct {
	Name  string
	Input map[string]any
	ID    string
}

// Notice carries the notification fields some agents attach to status events.
type Notice struct {
	Type    string
	Message string
}

// Event is one decoded hook message. SessionID and Name are always set;
// Tool and Notice are nil when the client sent none of their fields.
type Event struct {
	SessionID string
	Name      EventName
	Cwd       string
	Status    Status
	Agent     Agent
	PID       int
	TTY       string
	Tool      *ToolUse
	Notice    *Notice
}

var (
	ErrMissingSession = errors.New("hook event has no sessionId")
	ErrMissingEvent   = errors.New("hook event has no event name")
)

type wireEvent struct {
	SessionID        string         `json:"sessionId"`
	Cwd              string         `json:"cwd,omitempty"`
	Event            EventName      `json:"event"`
	Status           Status         `json:"status,omitempty"`
	Agent            Agent          `json:"agent,omitempty"`
	PID              int            `json:"pid,omitempty"`
	TTY              string         `json:"tty,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	ToolInput        map[string]any `json:"toolInput,omitempty"`
	ToolUseID        string         `json:"toolUseId,omitempty"`
	NotificationType string         `json:"notificationType,omitempty"`
	Message          string         `json:"message,omitempty"`
}

// Decode parses one wire message. It fails on invalid JSON and on objects
// missing either required field.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.SessionID == "" {
		return Event{}, ErrMissingSession
	}
	if ev.Name == "" {
		return Event{}, ErrMissingEvent
	}
	return ev, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		SessionID: e.SessionID,
		Cwd:       e.Cwd,
		Event:     e.Name,
		Status:    e.Status,
		Agent:     e.Agent,
		PID:       e.PID,
		TTY:       e.TTY,
	}
	if e.Tool != nil {
		w.Tool = e.Tool.Name
		w.ToolInput = e.Tool.Input
		w.ToolUseID = e.Tool.ID
	}
	if e.Notice != nil {
		w.NotificationType = e.Notice.Type
		w.Message = e.Notice.Message
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode hook event: %w", err)
	}
	*e = Event{
		SessionID: w.SessionID,
		Name:      w.Event,
		Cwd:       w.Cwd,
		Status:    w.Status,
		Agent:     w.Agent,
		PID:       w.PID,
		TTY:       w.TTY,
	}
	if w.Tool != "" || w.ToolUseID != "" || len(w.ToolInput) > 0 {
		e.Tool = &ToolUse{Name: w.Tool, Input: w.ToolInput, ID: w.ToolUseID}
	}
	if w.NotificationType != "" || w.Message != "" {
		e.Notice = &Notice{Type: w.NotificationType, Message: w.Message}
	}
	return nil
}

// IsPermissionRequest reports whether the event needs a human decision.
func (e Event) IsPermissionRequest() bool {
	return e.Status == StatusWaitingForApproval
}

func (e Event) ToolName() string {
	if e.Tool == nil {
		return ""
	}
	return e.Tool.Name
}

func (e Event) ToolInput() map[string]any {
	if e.Tool == nil {
		return nil
	}
	return e.Tool.Input
}

func (e Event) ToolUseID() string {
	if e.Tool == nil {
		return ""
	}
	return e.Tool.ID
}

// WithToolUseID returns a copy of e carrying id. The input map is shared.
func (e Event) WithToolUseID(id string) Event {
	var tool ToolUse
	if e.Tool != nil {
		tool = *e.Tool
	}
	tool.ID = id
	e.Tool = &tool
	return e
}
