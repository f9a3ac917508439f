package pending

import (
	"sort"
	"time"

	"github.com/agent-command/hookd/internal/protocol"
)

// Entry is one outstanding permission request. C is the owning connection.
type Entry[C any] struct {
	SessionID  string
	ToolUseID  string
	Conn       C
	Event      protocol.Event
	ReceivedAt time.Time

	seq             uint64
	failureReported bool
}

// MarkFailureReported flips the failure flag and reports whether this call
// was the one that flipped it.
func (e *Entry[C]) MarkFailureReported() bool {
	if e.failureReported {
		return false
	}
	e.failureReported = true
	return true
}

func (e *Entry[C]) FailureReported() bool {
	return e.failureReported
}

// Table holds pending permissions keyed by tool-use id. It is not safe for
// concurrent use.
type Table[C any] struct {
	entries map[string]*Entry[C]
	seq     uint64
}

func NewTable[C any]() *Table[C] {
	return &Table[C]{entries: make(map[string]*Entry[C])}
}

// Put stores e under its ToolUseID and returns the entry it replaced, if any.
func (t *Table[C]) Put(e *Entry[C]) *Entry[C] {
	t.seq++
	e.seq = t.seq
	prev := t.entries[e.ToolUseID]
	t.entries[e.ToolUseID] = e
	return prev
}

func (t *Table[C]) Get(toolUseID string) (*Entry[C], bool) {
	e, ok := t.entries[toolUseID]
	return e, ok
}

func (t *Table[C]) Remove(toolUseID string) (*Entry[C], bool) {
	e, ok := t.entries[toolUseID]
	if ok {
		delete(t.entries, toolUseID)
	}
	return e, ok
}

// RemoveEntry deletes e only if it is still the entry stored under its id.
func (t *Table[C]) RemoveEntry(e *Entry[C]) bool {
	if cur, ok := t.entries[e.ToolUseID]; ok && cur == e {
		delete(t.entries, e.ToolUseID)
		return true
	}
	return false
}

// ForSession returns the session's entries, newest first.
func (t *Table[C]) ForSession(sessionID string) []*Entry[C] {
	var out []*Entry[C]
	for _, e := range t.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

// LatestForSession returns the most recently received entry of the session.
func (t *Table[C]) LatestForSession(sessionID string) (*Entry[C], bool) {
	var latest *Entry[C]
	for _, e := range t.entries {
		if e.SessionID != sessionID {
			continue
		}
		if latest == nil || newer(e, latest) {
			latest = e
		}
	}
	return latest, latest != nil
}

// Expired returns entries received more than timeout before now.
func (t *Table[C]) Expired(now time.Time, timeout time.Duration) []*Entry[C] {
	var out []*Entry[C]
	for _, e := range t.entries {
		if now.Sub(e.ReceivedAt) > timeout {
			out = append(out, e)
		}
	}
	return out
}

// RemoveWhere removes and returns the entries matching pred.
func (t *Table[C]) RemoveWhere(pred func(*Entry[C]) bool) []*Entry[C] {
	var out []*Entry[C]
	for id, e := range t.entries {
		if pred(e) {
			out = append(out, e)
			delete(t.entries, id)
		}
	}
	return out
}

// Drain removes and returns every entry.
func (t *Table[C]) Drain() []*Entry[C] {
	out := make([]*Entry[C], 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, e)
		delete(t.entries, id)
	}
	return out
}

func (t *Table[C]) Len() int {
	return len(t.entries)
}

func newer[C any](a, b *Entry[C]) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	return a.seq > b.seq
}
