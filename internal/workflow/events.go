package workflow

import (
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
)

// EventKind is the type of a lifecycle event.
type EventKind string

const (
	// Started is published when a dialog begins.
	Started EventKind = "workflow-started"
	// Completed is published when a dialog commits or is abandoned.
	Completed EventKind = "workflow-completed"
)

// Event announces a dialog lifecycle change. Command is the feature's start
// command, which the command registry maps to the feature's chat state.
type Event struct {
	Kind      EventKind `json:"kind"`
	Key       chat.Key  `json:"key"`
	Command   string    `json:"command"`
	Abandoned bool      `json:"abandoned,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher accepts lifecycle events.
type Publisher interface {
	Publish(evt Event)
}

// Subscriber handles one event.
type Subscriber func(evt Event)

// Hub is a synchronous in-process event hub. Publish returns once every
// subscriber has run, so state changes are visible to the next turn.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventKind][]Subscriber
	all  []Subscriber
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[EventKind][]Subscriber)}
}

// Publish dispatches evt to the subscribers of its kind, then to global subscribers.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	h.mu.RLock()
	typed := h.subs[evt.Kind]
	all := h.all
	h.mu.RUnlock()

	for _, fn := range typed {
		fn(evt)
	}
	for _, fn := range all {
		fn(evt)
	}
}

// Subscribe registers fn for events of kind.
func (h *Hub) Subscribe(kind EventKind, fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[kind] = append(h.subs[kind], fn)
}

// SubscribeAll registers fn for every event.
func (h *Hub) SubscribeAll(fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = append(h.all, fn)
}

var _ Publisher = (*Hub)(nil)
