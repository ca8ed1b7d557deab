// Package workflow drives multi-turn dialogs.
//
// Each feature describes its dialog as a Feature: a transition function over
// named States plus per-state prompts, input handlers and silent defaults.
// A Manager runs one Feature for every conversation, keeping at most one
// Machine per conversation and user, and announces dialog starts and ends
// on a Hub so the chat history can follow along.
package workflow

import (
	"github.com/BTreeMap/TaskPipe/internal/chat"
)

// State names a step inside one feature's dialog.
type State string

const (
	// Start is the state every machine is created in.
	Start State = "start"
	// End is the terminal state; reaching it commits the dialog.
	End State = "end"
)

func (s State) String() string {
	return string(s)
}

// TransitionFunc computes the state after current. It may read flags on the
// draft to skip optional steps.
type TransitionFunc[D any] func(current State, draft D) State

// Machine is one live dialog: where it is and what it has collected so far.
type Machine[D any] struct {
	ConversationID string
	UserID         string
	Current        State
	Draft          D

	transition TransitionFunc[D]
}

// NewMachine creates a machine in the Start state.
func NewMachine[D any](conversationID, userID string, draft D, transition TransitionFunc[D]) *Machine[D] {
	return &Machine[D]{
		ConversationID: conversationID,
		UserID:         userID,
		Current:        Start,
		Draft:          draft,
		transition:     transition,
	}
}

// GoToNext moves to the next state and returns it.
func (m *Machine[D]) GoToNext() State {
	if m.Current == End {
		Invariant("GoToNext called on a finished machine for %s", m.Key())
	}
	m.Current = m.transition(m.Current, m.Draft)
	return m.Current
}

// Key returns the conversation and user the machine belongs to.
func (m *Machine[D]) Key() chat.Key {
	return chat.NewKey(m.ConversationID, m.UserID)
}

// Done reports whether the machine reached End.
func (m *Machine[D]) Done() bool {
	return m.Current == End
}

func (m *Machine[D]) copyWith(draft D) *Machine[D] {
	c := *m
	c.Draft = draft
	return &c
}
