package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Snapshot is the diagnostic view of one history.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Depth          int       `json:"depth"`
	LastSeen       time.Time `json:"last_seen"`
}

type stack struct {
	states   []State
	lastSeen time.Time
}

func (s *stack) top() State {
	return s.states[len(s.states)-1]
}

// History stores a stack of states per Key. The stack is never empty once
// touched and its bottom is always Waiting.
type History struct {
	mu     sync.Mutex
	stacks map[Key]*stack
	now    func() time.Time
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{
		stacks: make(map[Key]*stack),
		now:    time.Now,
	}
}

// lookup returns the stack for key, creating it as [Waiting]. Callers hold h.mu.
func (h *History) lookup(key Key) *stack {
	s, ok := h.stacks[key]
	if !ok {
		s = &stack{states: []State{Waiting}}
		h.stacks[key] = s
		slog.Debug("History.lookup: initialized history", "conversationID", key.ConversationID, "userID", key.UserID)
	}
	s.lastSeen = h.now()
	return s
}

// GetCurrentState returns the top of the key's history, initializing it to Waiting.
func (h *History) GetCurrentState(conversationID, userID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookup(NewKey(conversationID, userID)).top()
}

// PushState enters state. Pushing Waiting resets the history first, so there
// is nothing to return to from it.
func (h *History) PushState(conversationID, userID string, state State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.lookup(NewKey(conversationID, userID))
	if state == Waiting {
		s.states = []State{Waiting}
		slog.Debug("History.PushState: reset to waiting", "conversationID", conversationID, "userID", userID)
		return
	}
	s.states = append(s.states, state)
	slog.Debug("History.PushState", "conversationID", conversationID, "userID", userID, "state", state, "depth", len(s.states))
}

// RevertState pops the current state and returns the new top. At Waiting it
// does nothing and returns Waiting, however often it is called.
func (h *History) RevertState(conversationID, userID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.lookup(NewKey(conversationID, userID))
	if s.top() == Waiting {
		slog.Debug("History.RevertState: already waiting", "conversationID", conversationID, "userID", userID)
		return Waiting
	}
	s.states = s.states[:len(s.states)-1]
	current := s.top()
	slog.Debug("History.RevertState", "conversationID", conversationID, "userID", userID, "state", current, "depth", len(s.states))
	return current
}

// Depth returns the number of entries in the key's history.
func (h *History) Depth(conversationID, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lookup(NewKey(conversationID, userID)).states)
}

// ListAll returns every known history ordered by conversation and user.
func (h *History) ListAll() []Snapshot {
	h.mu.Lock()
	out := make([]Snapshot, 0, len(h.stacks))
	for key, s := range h.stacks {
		out = append(out, Snapshot{
			ConversationID: key.ConversationID,
			UserID:         key.UserID,
			State:          s.top(),
			Depth:          len(s.states),
			LastSeen:       s.lastSeen,
		})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// EvictIdle drops histories that sit at Waiting and were not touched for
// olderThan. Histories inside a dialog are kept. It returns the number evicted.
func (h *History) EvictIdle(olderThan time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-olderThan)
	evicted := 0
	for key, s := range h.stacks {
		if len(s.states) == 1 && s.top() == Waiting && s.lastSeen.Before(cutoff) {
			delete(h.stacks, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("History.EvictIdle: evicted idle histories", "count", evicted, "remaining", len(h.stacks))
	}
	return evicted
}
