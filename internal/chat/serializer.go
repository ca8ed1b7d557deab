package chat

import (
	"context"
	"sync"
)

type slot struct {
	token chan struct{}
	refs  int
}

// Serializer hands out one lock per Key. Waiters on the same Key are served
// in the order they asked; different Keys never wait on each other.
type Serializer struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

// NewSerializer creates a Serializer.
func NewSerializer() *Serializer {
	return &Serializer{slots: make(map[Key]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases it.
func (s *Serializer) Lock(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{token: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.token <- struct{}{}:
	case <-ctx.Done():
		s.release(key, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.token
			s.release(key, sl)
		})
	}, nil
}

func (s *Serializer) release(key Key, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}

// Len returns the number of keys currently locked or waited on.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
