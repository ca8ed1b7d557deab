package command

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// Replies produced by the dispatcher itself.
const (
	MsgApology        = "Sorry, something went wrong while handling that. Please try again."
	MsgUnknownCommand = "I don't know the command %s. Send /help to see what I can do."
)

// Dispatcher runs one message at a time per conversation and user.
type Dispatcher struct {
	builder *Builder
	table   *Table
	history *chat.History
	locks   *chat.Serializer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(builder *Builder, table *Table, history *chat.History, locks *chat.Serializer) *Dispatcher {
	return &Dispatcher{builder: builder, table: table, history: history, locks: locks}
}

// Dispatch routes msg and returns the reply. The only error is a context
// cancellation while waiting for an earlier message of the same key.
//
// A handler panic becomes an apology reply, except invariant violations,
// which are logged and re-raised.
func (d *Dispatcher) Dispatch(ctx context.Context, msg models.Message) (models.CommandResult, error) {
	key := chat.NewKey(msg.ConversationID, msg.From)
	unlock, err := d.locks.Lock(ctx, key)
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("waiting for turn of %s: %w", key, err)
	}
	defer unlock()

	state := d.history.GetCurrentState(key.ConversationID, key.UserID)
	c := d.builder.Build(key.ConversationID, key.UserID, state, msg.Text)
	slog.Debug("Dispatcher.Dispatch: routed message", "conversationID", key.ConversationID, "userID", key.UserID, "state", state, "key", c.Key, "args", len(c.Args))

	return d.run(ctx, c), nil
}

func (d *Dispatcher) run(ctx context.Context, c Context) (result models.CommandResult) {
	handler, ok := d.table.Lookup(c.Key)
	if !ok {
		if IsCommand(c.Key) {
			slog.Debug("Dispatcher.run: unknown command", "key", c.Key, "conversationID", c.ConversationID)
			return models.Fail(fmt.Sprintf(MsgUnknownCommand, c.Key))
		}
		workflow.Invariant("no handler registered for routed key %q (state %q)", c.Key, c.State)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if inv, ok := workflow.AsInvariant(r); ok {
			slog.Error("Dispatcher.run: invariant violated", "key", c.Key, "state", c.State, "conversationID", c.ConversationID, "error", inv)
			panic(r)
		}
		slog.Error("Dispatcher.run: handler panicked", "key", c.Key, "state", c.State, "conversationID", c.ConversationID, "panic", r, "stack", string(debug.Stack()))
		result = models.Fail(MsgApology)
	}()
	return handler(ctx, c)
}
