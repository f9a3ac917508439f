package correlation

import (
	"container/list"
	"encoding/json"
)

const DefaultCapacity = 1000

// Cache maps (session, tool, input) keys to the FIFO of tool-use ids seen on
// PreToolUse events, so a later permission request without an id can be
// matched back to its invocation.
//
// Cache is not safe for concurrent use.
type Cache struct {
	capacity int
	order    *list.List // oldest key at the front
	keys     map[string]*list.Element
}

type entry struct {
	key       string
	sessionID string
	ids       []string
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		keys:     make(map[string]*list.Element),
	}
}

// Key derives the correlation key. encoding/json sorts map keys at every
// level, so equal inputs give equal keys regardless of field order.
func Key(sessionID, tool string, input map[string]any) string {
	canon := "{}"
	if len(input) > 0 {
		if data, err := json.Marshal(input); err == nil {
			canon = string(data)
		}
	}
	return sessionID + "\x00" + tool + "\x00" + canon
}

// Push appends id to the queue for the key of (sessionID, tool, input).
// A new key at capacity evicts the oldest key with its whole queue.
func (c *Cache) Push(sessionID, tool string, input map[string]any, id string) {
	key := Key(sessionID, tool, input)
	if el, ok := c.keys[key]; ok {
		e := el.Value.(*entry)
		e.ids = append(e.ids, id)
		return
	}
	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
	}
	c.keys[key] = c.order.PushBack(&entry{key: key, sessionID: sessionID, ids: []string{id}})
}

// Pop removes and returns the oldest id queued under the key.
func (c *Cache) Pop(sessionID, tool string, input map[string]any) (string, bool) {
	el, ok := c.keys[Key(sessionID, tool, input)]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	id := e.ids[0]
	e.ids = e.ids[1:]
	if len(e.ids) == 0 {
		c.removeElement(el)
	}
	return id, true
}

// PurgeSession drops every key belonging to sessionID and returns how many
// keys were removed.
func (c *Cache) PurgeSession(sessionID string) int {
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).sessionID == sessionID {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of distinct keys.
func (c *Cache) Len() int {
	return c.order.Len()
}

func (c *Cache) Clear() {
	c.order.Init()
	c.keys = make(map[string]*list.Element)
}

func (c *Cache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.keys, e.key)
}
