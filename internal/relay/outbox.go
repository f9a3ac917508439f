package relay

import (
	"encoding/json"
	"sync"
)

// Message is one outbound envelope waiting for an ack.
type Message struct {
	Seq     int64
	Type    string
	Payload json.RawMessage
}

// Outbox keeps sent-but-unacked messages in seq order, dropping the oldest
// once max is reached.
type Outbox struct {
	mu       sync.Mutex
	max      int
	messages []Message
	dropped  int
}

func NewOutbox(max int) *Outbox {
	if max <= 0 {
		max = 1
	}
	return &Outbox{max: max}
}

// Push appends msg and reports whether the oldest message was dropped to
// make room.
func (o *Outbox) Push(msg Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := false
	if len(o.messages) >= o.max {
		o.messages = o.messages[1:]
		o.dropped++
		dropped = true
	}
	o.messages = append(o.messages, msg)
	return dropped
}

// AckUpto removes every message with Seq <= seq and returns how many went.
func (o *Outbox) AckUpto(seq int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := 0
	for i < len(o.messages) && o.messages[i].Seq <= seq {
		i++
	}
	if i == 0 {
		return 0
	}
	o.messages = append([]Message(nil), o.messages[i:]...)
	return i
}

func (o *Outbox) Unacked() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// Dropped counts messages discarded because the outbox was full.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
