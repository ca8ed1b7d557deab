package workflow

import (
	"errors"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/chat"
)

// ErrInstanceExists is returned by Add when the key already has an instance.
var ErrInstanceExists = errors.New("workflow instance already exists")

// Repository holds the live instances of one feature, keyed by conversation
// and user. It is memory resident only.
type Repository[T any] struct {
	mu        sync.RWMutex
	instances map[chat.Key]T
}

// NewRepository creates an empty Repository.
func NewRepository[T any]() *Repository[T] {
	return &Repository[T]{instances: make(map[chat.Key]T)}
}

// Contains reports whether key has an instance.
func (r *Repository[T]) Contains(key chat.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[key]
	return ok
}

// Add stores v for key. It fails with ErrInstanceExists if key is taken.
func (r *Repository[T]) Add(key chat.Key, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[key]; ok {
		return ErrInstanceExists
	}
	r.instances[key] = v
	return nil
}

// TryGet returns the instance for key.
func (r *Repository[T]) TryGet(key chat.Key) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.instances[key]
	return v, ok
}

// Replace overwrites the instance for key. It reports false if there was none.
func (r *Repository[T]) Replace(key chat.Key, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[key]; !ok {
		return false
	}
	r.instances[key] = v
	return true
}

// Remove deletes the instance for key and reports whether one existed.
func (r *Repository[T]) Remove(key chat.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[key]; !ok {
		return false
	}
	delete(r.instances, key)
	return true
}

// Len returns the number of live instances.
func (r *Repository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
