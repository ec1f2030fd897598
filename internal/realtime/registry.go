// ABOUTME: Keyed callback registry backing event subscriptions and state watchers
// ABOUTME: Subscriptions are identified by UUID so func values never need comparing

package realtime

import (
	"sync"

	"github.com/google/uuid"
)

type subscription[T any] struct {
	id string
	fn T
}

// registry maps a key (event name) to its callbacks in registration order.
type registry[T any] struct {
	mu   sync.RWMutex
	subs map[string][]subscription[T]
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[string][]subscription[T])}
}

// add registers fn under key and returns its subscription ID.
func (r *registry[T]) add(key string, fn T) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.subs[key] = append(r.subs[key], subscription[T]{id: id, fn: fn})
	r.mu.Unlock()

	return id
}

// remove deletes the subscription and reports whether it existed.
func (r *registry[T]) remove(key, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[key]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]subscription[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.subs, key)
		} else {
			r.subs[key] = next
		}
		return true
	}
	return false
}

// snapshot copies the callbacks for key so they can run without the lock held.
func (r *registry[T]) snapshot(key string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subs[key]
	fns := make([]T, len(list))
	for i, s := range list {
		fns[i] = s.fn
	}
	return fns
}

func (r *registry[T]) count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}
