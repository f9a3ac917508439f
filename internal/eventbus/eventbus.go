// Package eventbus fans hook events out to the daemon's consumers.
package eventbus

import (
	"sort"
	"sync"
)

type Handler[T any] func(T)

// Bus delivers each published value to every subscriber, in subscription
// order, on the publisher's goroutine.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers map[int]Handler[T]
	nextID   int
}

func New[T any]() *Bus[T] {
	return &Bus[T]{handlers: make(map[int]Handler[T])}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus[T]) Subscribe(handler Handler[T]) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]Handler[T], len(ids))
	for i, id := range ids {
		snapshot[i] = b.handlers[id]
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(v)
	}
}

func (b *Bus[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
