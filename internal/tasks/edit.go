package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/match"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// Routing names of the editing dialog.
const (
	EditCommand                 = "/edittask"
	EditState        chat.State = "editing-task"
	EditContinuation            = "continue-editing-task"
)

// Editing dialog states not shared with creation.
const (
	StateChoosingField    workflow.State = "choosing-field"
	StateWaitingTimeZone  workflow.State = "waiting-for-time-zone"
	StateWaitingFollowUps workflow.State = "waiting-for-follow-ups"
)

// Field is an entry of the editing menu.
type Field int

const (
	FieldName Field = iota
	FieldSchedule
	FieldDueDate
	FieldTimeZone
	FieldFollowUps
	FieldEarlyCompletion
	FieldFinish
)

var fieldLabels = []string{"Name", "Schedule", "Due date", "Time zone", "Follow-up messages", "Early completion", "Finish"}

const (
	MsgWhichTaskToEdit = "Which task? Send /edittask followed by the task name."
	MsgNoTaskMatches   = "No task matches %q. Send /tasks to see your tasks."
	msgPickField       = "Please pick a number from 1 to 7."
	promptFieldFor     = "What would you like to change about %s?\n%s"
	promptNewName      = "What should the task be called now?"
	promptKeepDesc     = "Send a new description, or - to keep the current one:\n%s"
	promptTimeZone     = "Which time zone? Send an IANA name such as Europe/Berlin."
	promptFollowUps    = "Send the follow-up messages separated by ; or - for none."
)

// EditDraft is the task being edited.
type EditDraft struct {
	Task  models.Task
	Field Field
}

// Clone returns a deep copy.
func (d *EditDraft) Clone() *EditDraft {
	c := *d
	c.Task.FollowUps = append([]string(nil), d.Task.FollowUps...)
	c.Task.DueAt = cloneTime(d.Task.DueAt)
	c.Task.CompletedAt = cloneTime(d.Task.CompletedAt)
	return &c
}

// Editor runs the task editing dialog.
type Editor struct {
	*workflow.Manager[*EditDraft]
	tasks     store.TaskStore
	schedules ScheduleLauncher
	opts      options
}

// NewEditor creates the editing dialog.
func NewEditor(tasks store.TaskStore, schedules ScheduleLauncher, events workflow.Publisher, opts ...Option) *Editor {
	e := &Editor{tasks: tasks, schedules: schedules, opts: newOptions(opts)}
	e.Manager = workflow.NewManager(e.feature(), events)
	return e
}

// Binding returns the dialog's routing names.
func (e *Editor) Binding() command.Binding {
	return command.Binding{Feature: "tasks.edit", State: EditState, Command: EditCommand, Continuation: EditContinuation}
}

// Start handles /edittask <name>.
func (e *Editor) Start(ctx context.Context, cc command.Context) models.CommandResult {
	query := cc.Rest()
	if query == "" {
		return models.Fail(MsgWhichTaskToEdit)
	}
	candidates, err := e.tasks.SearchTasks(ctx, cc.ConversationID, cc.UserID, query)
	if err != nil {
		slog.Error("Editor.Start: task search failed", "error", err, "conversationID", cc.ConversationID)
		return models.Fail(workflow.MsgInternal)
	}
	task, reply, ok := match.Pick(EditCommand, candidates, func(t models.Task) string { return t.Name }, fmt.Sprintf(MsgNoTaskMatches, query))
	if !ok {
		return reply
	}
	return e.StartWorkflow(ctx, cc.ConversationID, cc.UserID, &EditDraft{Task: task})
}

func editTransition(current workflow.State, d *EditDraft) workflow.State {
	switch current {
	case workflow.Start:
		return StateChoosingField
	case StateChoosingField:
		switch d.Field {
		case FieldName:
			return StateWaitingName
		case FieldSchedule:
			return StateBuildingSchedule
		case FieldDueDate:
			return StateWaitingDueDate
		case FieldTimeZone:
			return StateWaitingTimeZone
		case FieldFollowUps:
			return StateWaitingFollowUps
		case FieldEarlyCompletion:
			return StateWaitingEarlyCompletion
		case FieldFinish:
			return workflow.End
		}
	case StateWaitingName:
		return StateWaitingDescription
	case StateWaitingDescription, StateBuildingSchedule, StateWaitingDueDate, StateWaitingTimeZone,
		StateWaitingFollowUps, StateWaitingEarlyCompletion:
		return StateChoosingField
	}
	workflow.Invariant("tasks.edit: no transition from %q (field %d)", current, d.Field)
	return workflow.End
}

func (e *Editor) feature() workflow.Feature[*EditDraft] {
	return workflow.Feature[*EditDraft]{
		Command:    EditCommand,
		Transition: editTransition,
		Templates: map[workflow.State]workflow.Template[*EditDraft]{
			StateChoosingField: {
				Render: func(d *EditDraft) string {
					return fmt.Sprintf(promptFieldFor, d.Task.Name, summary(d.Task))
				},
				Options: fieldLabels,
			},
			StateWaitingName: {Text: promptNewName},
			StateWaitingDescription: {Render: func(d *EditDraft) string {
				current := d.Task.Description
				if current == "" {
					current = "(none)"
				}
				return fmt.Sprintf(promptKeepDesc, current)
			}},
			StateWaitingDueDate: {Render: func(d *EditDraft) string {
				return fmt.Sprintf(promptDueDateIn, d.Task.Location())
			}},
			StateWaitingTimeZone:        {Text: promptTimeZone},
			StateWaitingFollowUps:       {Text: promptFollowUps},
			StateWaitingEarlyCompletion: {Text: promptEarlyCompletion},
		},
		Handlers: map[workflow.State]workflow.Handler[*EditDraft]{
			StateChoosingField: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				i, ok := workflow.Choice(input, fieldLabels)
				if !ok {
					return false, msgPickField
				}
				m.Draft.Field = Field(i)
				return true, ""
			},
			StateWaitingName: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				name, ok := parseName(input)
				if !ok {
					return false, fmt.Sprintf(MsgBadName, models.MaxTaskNameLength)
				}
				if reason := checkName(ctx, e.tasks, m.ConversationID, m.UserID, name, m.Draft.Task.ID); reason != "" {
					return false, reason
				}
				m.Draft.Task.Name = name
				return true, ""
			},
			StateWaitingDescription: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				if strings.TrimSpace(input) == keepValue {
					return true, ""
				}
				desc, ok := parseDescription(input)
				if !ok {
					return false, fmt.Sprintf(MsgBadDescription, models.MaxDescriptionLength)
				}
				m.Draft.Task.Description = desc
				return true, ""
			},
			StateWaitingDueDate: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				due, reason := parseDueDate(input, m.Draft.Task.Location(), e.opts.now())
				if reason != "" {
					return false, reason
				}
				m.Draft.Task.DueAt, m.Draft.Task.Recurrence = &due, ""
				return true, ""
			},
			StateWaitingTimeZone: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				tz := strings.TrimSpace(input)
				if tz == "" || strings.EqualFold(tz, "local") {
					return false, fmt.Sprintf(MsgBadTimeZone, tz)
				}
				if _, err := time.LoadLocation(tz); err != nil {
					return false, fmt.Sprintf(MsgBadTimeZone, tz)
				}
				m.Draft.Task.TimeZone = tz
				return true, ""
			},
			StateWaitingFollowUps: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				followUps, reason := parseFollowUps(input)
				if reason != "" {
					return false, reason
				}
				m.Draft.Task.FollowUps = followUps
				return true, ""
			},
			StateWaitingEarlyCompletion: func(ctx context.Context, m *workflow.Machine[*EditDraft], input string) (bool, string) {
				hours, ok := parseEarlyCompletion(input)
				if !ok {
					return false, MsgBadEarlyCompletion
				}
				m.Draft.Task.EarlyCompletionHours = hours
				return true, ""
			},
		},
		Launchers: map[workflow.State]workflow.Launcher[*EditDraft]{
			StateBuildingSchedule: e.launchSchedule,
		},
		Commit: e.commit,
		Finished: func(d *EditDraft) string {
			return fmt.Sprintf("Updated %s.", d.Task.Name)
		},
	}
}

func (e *Editor) launchSchedule(ctx context.Context, m *workflow.Machine[*EditDraft]) models.CommandResult {
	conversationID, userID := m.ConversationID, m.UserID
	return e.schedules.Launch(ctx, conversationID, userID, m.Draft.Task.Name, m.Draft.Task.TimeZone, func(ctx context.Context, expr string) models.CommandResult {
		return e.Resume(ctx, conversationID, userID, func(d *EditDraft) {
			d.Task.Recurrence, d.Task.DueAt = expr, nil
		})
	})
}

func (e *Editor) commit(ctx context.Context, m *workflow.Machine[*EditDraft]) error {
	if err := e.tasks.UpdateTask(ctx, m.Draft.Task); err != nil {
		return fmt.Errorf("update task %s: %w", m.Draft.Task.ID, err)
	}
	e.opts.saved(ctx, m.Draft.Task)
	slog.Info("Editor.commit: task updated", "taskID", m.Draft.Task.ID, "conversationID", m.ConversationID)
	return nil
}

func summary(t models.Task) string {
	lines := []string{
		"Schedule: " + describeSchedule(t.Recurrence, t.DueAt, t.Location()),
		"Time zone: " + t.Location().String(),
		fmt.Sprintf("Follow-ups: %d", len(t.FollowUps)),
		fmt.Sprintf("Early completion: %d hours before", t.EarlyCompletionHours),
	}
	return strings.Join(lines, "\n")
}
