package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Handler answers one routed message.
type Handler func(ctx context.Context, c Context) models.CommandResult

// HelpEntry is one line of /help.
type HelpEntry struct {
	Command string
	Text    string
}

type entry struct {
	help    string
	handler Handler
}

// Table maps command keys to handlers.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Register adds a handler. Keys are case-insensitive. help is shown by
// Help for marker commands and may be empty to hide the command.
func (t *Table) Register(key, help string, h Handler) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || h == nil {
		return fmt.Errorf("%w: empty key or nil handler", ErrInvalidBinding)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, key)
	}
	t.entries[key] = entry{help: help, handler: h}
	return nil
}

// Lookup returns the handler for key.
func (t *Table) Lookup(key string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[strings.ToLower(key)]
	return e.handler, ok
}

// Has reports whether key is registered.
func (t *Table) Has(key string) bool {
	_, ok := t.Lookup(key)
	return ok
}

// Help lists the documented marker commands in alphabetical order.
func (t *Table) Help() []HelpEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []HelpEntry
	for key, e := range t.entries {
		if e.help == "" || !strings.HasPrefix(key, Marker) {
			continue
		}
		out = append(out, HelpEntry{Command: key, Text: e.help})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

var _ Lookup = (*Table)(nil)
