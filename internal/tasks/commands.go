package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/match"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// One-shot commands.
const (
	ListCommand = "/tasks"
	DoneCommand = "/done"
)

const (
	MsgNoTasks         = "You have no open tasks. Send /newtask to create one."
	MsgWhichTaskIsDone = "Which task? Send /done followed by the task name."
	MsgTooEarly        = "%s is next due %s. It can be marked done from %d hours before."
	MsgAlreadyDone     = "%s is already done."
)

// Commands implements the one-shot task commands.
type Commands struct {
	tasks store.TaskStore
	opts  options
}

// NewCommands creates the one-shot task commands.
func NewCommands(tasks store.TaskStore, opts ...Option) *Commands {
	return &Commands{tasks: tasks, opts: newOptions(opts)}
}

// List handles /tasks.
func (c *Commands) List(ctx context.Context, cc command.Context) models.CommandResult {
	open, err := c.tasks.ListTasks(ctx, cc.ConversationID, cc.UserID)
	if err != nil {
		slog.Error("Commands.List: list tasks failed", "error", err, "conversationID", cc.ConversationID)
		return models.Fail(workflow.MsgInternal)
	}
	if len(open) == 0 {
		return models.Completed(MsgNoTasks)
	}
	now := c.opts.now()
	lines := make([]string, 0, len(open)+1)
	lines = append(lines, "Your open tasks:")
	for i, t := range open {
		line := fmt.Sprintf("%d. %s: %s", i+1, t.Name, describeSchedule(t.Recurrence, t.DueAt, t.Location()))
		if next, ok := nextDue(t, now); ok && t.IsRecurring() {
			line += ", next " + next.Format(displayLayout)
		}
		lines = append(lines, line)
	}
	return models.Completed(strings.Join(lines, "\n"))
}

// Done handles /done <name>. A task may only be completed within its early
// completion window before it is next due.
func (c *Commands) Done(ctx context.Context, cc command.Context) models.CommandResult {
	query := cc.Rest()
	if query == "" {
		return models.Fail(MsgWhichTaskIsDone)
	}
	candidates, err := c.tasks.SearchTasks(ctx, cc.ConversationID, cc.UserID, query)
	if err != nil {
		slog.Error("Commands.Done: task search failed", "error", err, "conversationID", cc.ConversationID)
		return models.Fail(workflow.MsgInternal)
	}
	task, reply, ok := match.Pick(DoneCommand, candidates, func(t models.Task) string { return t.Name }, fmt.Sprintf(MsgNoTaskMatches, query))
	if !ok {
		return reply
	}

	now := c.opts.now()
	window := time.Duration(task.EarlyCompletionHours) * time.Hour
	if due, ok := nextDue(task, now); ok && due.Sub(now) > window {
		return models.Fail(fmt.Sprintf(MsgTooEarly, task.Name, due.Format(displayLayout), task.EarlyCompletionHours))
	}

	done, err := c.tasks.CompleteTask(ctx, task.ID, now)
	if errors.Is(err, store.ErrTaskCompleted) {
		return models.Fail(fmt.Sprintf(MsgAlreadyDone, task.Name))
	}
	if err != nil {
		slog.Error("Commands.Done: complete task failed", "error", err, "taskID", task.ID)
		return models.Fail(workflow.MsgInternal)
	}
	if c.opts.reminders != nil {
		c.opts.reminders.TaskCompleted(ctx, done)
	}
	slog.Info("Commands.Done: task completed", "taskID", task.ID, "conversationID", cc.ConversationID)
	return models.Completed(fmt.Sprintf("Nice work! %s is done.", task.Name))
}
