// Package command turns inbound text into a command key plus arguments and
// routes it to a handler.
//
// Text starting with the Marker is always a command, so a command can
// interrupt any dialog. Plain text is routed to the continuation bound to
// the conversation's current chat state, or, when the conversation is idle,
// to KeyConfirm (the text looks like a command without the marker) or
// KeyChitChat.
package command

import (
	"strings"

	"github.com/BTreeMap/TaskPipe/internal/chat"
)

// Marker starts every command.
const Marker = "/"

// Synthetic keys for plain text outside a dialog.
const (
	// KeyConfirm receives text whose first word names a command. Args are
	// the suggested command and the original text.
	KeyConfirm = "confirm-command"
	// KeyChitChat receives any other idle text. Args holds the whole text.
	KeyChitChat = "chit-chat"
)

// Context describes one inbound message after routing.
type Context struct {
	ConversationID string
	UserID         string
	State          chat.State
	Key            string
	Args           []string
}

// Arg returns the i-th argument or "".
func (c Context) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Rest joins all arguments with single spaces.
func (c Context) Rest() string {
	return strings.Join(c.Args, " ")
}

// ChatKey returns the conversation and user the message came from.
func (c Context) ChatKey() chat.Key {
	return chat.NewKey(c.ConversationID, c.UserID)
}

// Lookup reports whether a command key has a handler.
type Lookup interface {
	Has(key string) bool
}

// Builder builds a Context from raw text.
type Builder struct {
	registry *Registry
	commands Lookup
}

// NewBuilder creates a Builder.
func NewBuilder(registry *Registry, commands Lookup) *Builder {
	return &Builder{registry: registry, commands: commands}
}

// IsCommand reports whether text starts with the Marker.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), Marker)
}

// Build routes text received while the key is in current.
func (b *Builder) Build(conversationID, userID string, current chat.State, text string) Context {
	c := Context{ConversationID: conversationID, UserID: userID, State: current}

	trimmed := strings.TrimSpace(text)
	if IsCommand(trimmed) {
		fields := strings.Fields(trimmed)
		c.Key = strings.ToLower(fields[0])
		c.Args = fields[1:]
		return c
	}

	if cont, ok := b.registry.ContinuationFor(current); ok {
		c.Key = cont
		c.Args = []string{trimmed}
		return c
	}

	if fields := strings.Fields(trimmed); len(fields) > 0 {
		suggested := Marker + strings.ToLower(fields[0])
		if b.commands != nil && b.commands.Has(suggested) {
			c.Key = KeyConfirm
			c.Args = []string{suggested, trimmed}
			return c
		}
	}
	c.Key = KeyChitChat
	c.Args = []string{trimmed}
	return c
}
