package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/chat"
)

// Error variables for composition errors
var (
	ErrDuplicateBinding = errors.New("binding already registered")
	ErrDuplicateCommand = errors.New("command already registered")
	ErrInvalidBinding   = errors.New("invalid binding")
)

// Binding ties a feature's chat state to its start command and to the
// continuation key plain text is routed to while the state is current.
type Binding struct {
	Feature      string
	State        chat.State
	Command      string
	Continuation string
}

// Registry maps chat states to commands and back. Bind is called while the
// application is composed; lookups are safe from any goroutine.
type Registry struct {
	mu             sync.RWMutex
	byState        map[chat.State]Binding
	byCommand      map[string]Binding
	byContinuation map[string]Binding
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byState:        make(map[chat.State]Binding),
		byCommand:      make(map[string]Binding),
		byContinuation: make(map[string]Binding),
	}
}

// Bind registers b. It fails if the state, the command or the continuation
// is already taken.
func (r *Registry) Bind(b Binding) error {
	b.Command = strings.ToLower(b.Command)
	if b.Feature == "" || b.State == "" || b.Continuation == "" {
		return fmt.Errorf("%w: feature, state and continuation are required", ErrInvalidBinding)
	}
	if b.State == chat.Waiting {
		return fmt.Errorf("%w: %s cannot own the %q state", ErrInvalidBinding, b.Feature, chat.Waiting)
	}
	if !strings.HasPrefix(b.Command, Marker) {
		return fmt.Errorf("%w: command %q must start with %q", ErrInvalidBinding, b.Command, Marker)
	}
	if strings.HasPrefix(b.Continuation, Marker) {
		return fmt.Errorf("%w: continuation %q must not start with %q", ErrInvalidBinding, b.Continuation, Marker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byState[b.State]; ok {
		return fmt.Errorf("%w: state %q is owned by %s", ErrDuplicateBinding, b.State, prev.Feature)
	}
	if prev, ok := r.byCommand[b.Command]; ok {
		return fmt.Errorf("%w: command %q is owned by %s", ErrDuplicateBinding, b.Command, prev.Feature)
	}
	if prev, ok := r.byContinuation[b.Continuation]; ok {
		return fmt.Errorf("%w: continuation %q is owned by %s", ErrDuplicateBinding, b.Continuation, prev.Feature)
	}
	r.byState[b.State] = b
	r.byCommand[b.Command] = b
	r.byContinuation[b.Continuation] = b
	return nil
}

// ContinuationFor returns the continuation key bound to state.
func (r *Registry) ContinuationFor(state chat.State) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byState[state]
	return b.Continuation, ok
}

// StateFor returns the chat state owned by the feature started by command.
func (r *Registry) StateFor(command string) (chat.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byCommand[strings.ToLower(command)]
	return b.State, ok
}

// CommandFor returns the start command of the feature owning state.
func (r *Registry) CommandFor(state chat.State) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byState[state]
	return b.Command, ok
}

// FeatureFor returns the whole binding for state.
func (r *Registry) FeatureFor(state chat.State) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byState[state]
	return b, ok
}

// Bindings lists every binding ordered by command.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byCommand))
	for _, b := range r.byCommand {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}
