package debounce

import (
	"sort"
	"sync"
	"time"
)

// Coalescer keeps one timer per key and delivers only the latest value
// submitted for that key once the key has been quiet for the configured
// period.
//
// Every method must be called with the locker held. Timer callbacks take the
// same locker themselves and call deliver after releasing it.
type Coalescer[T any] struct {
	locker  sync.Locker
	quiet   time.Duration
	deliver func(T)
	slots   map[string]*slot[T]
	gen     uint64
}

type slot[T any] struct {
	value T
	timer *time.Timer
	gen   uint64
}

func New[T any](locker sync.Locker, quiet time.Duration, deliver func(T)) *Coalescer[T] {
	return &Coalescer[T]{
		locker:  locker,
		quiet:   quiet,
		deliver: deliver,
		slots:   make(map[string]*slot[T]),
	}
}

// Submit replaces any pending value for key and restarts its quiet period.
// It reports whether an earlier pending value was superseded.
func (c *Coalescer[T]) Submit(key string, value T) bool {
	superseded := false
	if s, ok := c.slots[key]; ok {
		s.timer.Stop()
		superseded = true
	}
	c.gen++
	gen := c.gen
	s := &slot[T]{value: value, gen: gen}
	s.timer = time.AfterFunc(c.quiet, func() { c.fire(key, gen) })
	c.slots[key] = s
	return superseded
}

func (c *Coalescer[T]) fire(key string, gen uint64) {
	c.locker.Lock()
	s, ok := c.slots[key]
	if !ok || s.gen != gen {
		// superseded or cancelled after the timer already started running
		c.locker.Unlock()
		return
	}
	delete(c.slots, key)
	c.locker.Unlock()

	c.deliver(s.value)
}

// FlushWhere stops the timers of every matching key and returns their
// pending values in submission order without calling deliver.
func (c *Coalescer[T]) FlushWhere(match func(key string) bool) []T {
	var hits []*slot[T]
	for key, s := range c.slots {
		if match(key) {
			s.timer.Stop()
			delete(c.slots, key)
			hits = append(hits, s)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].gen < hits[j].gen })
	out := make([]T, len(hits))
	for i, s := range hits {
		out[i] = s.value
	}
	return out
}

// Stop cancels every timer and clears the table.
func (c *Coalescer[T]) Stop() {
	for key, s := range c.slots {
		s.timer.Stop()
		delete(c.slots, key)
	}
}

func (c *Coalescer[T]) Len() int {
	return len(c.slots)
}
