package command

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// ObserveLifecycle keeps history in step with dialogs: a started dialog
// pushes its feature's state, a completed one reverts to the state that
// wrapped it.
func ObserveLifecycle(hub *workflow.Hub, registry *Registry, history *chat.History) {
	hub.Subscribe(workflow.Started, func(evt workflow.Event) {
		state, ok := registry.StateFor(evt.Command)
		if !ok {
			workflow.Invariant("workflow %s started without a registered chat state", evt.Command)
		}
		history.PushState(evt.Key.ConversationID, evt.Key.UserID, state)
		slog.Debug("ObserveLifecycle: pushed state", "command", evt.Command, "state", state, "conversationID", evt.Key.ConversationID, "userID", evt.Key.UserID)
	})
	hub.Subscribe(workflow.Completed, func(evt workflow.Event) {
		state := history.RevertState(evt.Key.ConversationID, evt.Key.UserID)
		slog.Debug("ObserveLifecycle: reverted state", "command", evt.Command, "state", state, "abandoned", evt.Abandoned, "conversationID", evt.Key.ConversationID, "userID", evt.Key.UserID)
	})
}

// Workflow is the part of a workflow.Manager the command layer drives.
type Workflow interface {
	Command() string
	Active(conversationID, userID string) bool
	ContinueWorkflow(ctx context.Context, conversationID, userID, input string) models.CommandResult
	CurrentPrompt(conversationID, userID string) (models.CommandResult, bool)
	Abandon(conversationID, userID string) bool
}

// Continue returns the continuation handler for w: the routed text is the
// answer to the dialog's current question.
func Continue(w Workflow) Handler {
	return func(ctx context.Context, c Context) models.CommandResult {
		return w.ContinueWorkflow(ctx, c.ConversationID, c.UserID, c.Arg(0))
	}
}

// Bind registers a feature in both the registry and the table: the start
// handler under the feature's command and the continuation handler under
// its continuation key.
func Bind(registry *Registry, table *Table, b Binding, help string, start Handler, w Workflow) error {
	if err := registry.Bind(b); err != nil {
		return err
	}
	if err := table.Register(b.Command, help, start); err != nil {
		return err
	}
	return table.Register(b.Continuation, "", Continue(w))
}
