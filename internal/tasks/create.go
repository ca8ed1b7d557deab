package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// Routing names of the creation dialog.
const (
	CreateCommand                 = "/newtask"
	CreateState        chat.State = "creating-task"
	CreateContinuation            = "continue-creating-task"
)

// Creation dialog states.
const (
	StateWaitingName            workflow.State = "waiting-for-name"
	StateWaitingDescription     workflow.State = "waiting-for-description"
	StateDerivingTimeZone       workflow.State = "deriving-time-zone"
	StateWaitingRecurrence      workflow.State = "waiting-for-recurrence"
	StateBuildingSchedule       workflow.State = "building-schedule"
	StateWaitingDueDate         workflow.State = "waiting-for-due-date"
	StateGeneratingFollowUps    workflow.State = "generating-follow-ups"
	StateWaitingEarlyCompletion workflow.State = "waiting-for-early-completion"
	StateWaitingConfirmation    workflow.State = "waiting-for-confirmation"
)

const (
	promptName            = "What should the task be called?"
	promptDescriptionFor  = "Add a short description for %s, or send - to skip."
	promptRecurrenceFor   = "Should %s repeat on a schedule?"
	promptDueDateIn       = "When is it due? Send YYYY-MM-DD HH:MM (%s time)."
	promptEarlyCompletion = "How many hours before it is due may it be marked done? Send 0 to 48, or default for 3."
	msgAnswerYesNo        = "Please answer Yes or No."
	msgAnswerSaveDiscard  = "Please answer Save or Discard."
	msgDiscarded          = "Discarded, nothing was saved."
)

var (
	yesNo       = []string{"Yes", "No"}
	saveDiscard = []string{"Save", "Discard"}
)

// CreateDraft is the task being created.
type CreateDraft struct {
	ID                   string
	Name                 string
	Description          string
	TimeZone             string
	RecurrenceEnabled    bool
	Recurrence           string
	DueAt                *time.Time
	FollowUps            []string
	EarlyCompletionHours int
	Save                 bool
}

// Clone returns a deep copy.
func (d *CreateDraft) Clone() *CreateDraft {
	c := *d
	c.DueAt = cloneTime(d.DueAt)
	c.FollowUps = append([]string(nil), d.FollowUps...)
	return &c
}

// Task builds the task the draft describes.
func (d *CreateDraft) Task(conversationID, ownerID string) models.Task {
	t := models.Task{
		ConversationID:       conversationID,
		OwnerID:              ownerID,
		Name:                 d.Name,
		Description:          d.Description,
		TimeZone:             d.TimeZone,
		FollowUps:            append([]string(nil), d.FollowUps...),
		EarlyCompletionHours: d.EarlyCompletionHours,
	}
	if d.RecurrenceEnabled {
		t.Recurrence = d.Recurrence
	} else {
		t.DueAt = cloneTime(d.DueAt)
	}
	return t
}

// Creator runs the task creation dialog.
type Creator struct {
	*workflow.Manager[*CreateDraft]
	tasks     store.TaskStore
	schedules ScheduleLauncher
	opts      options
}

// NewCreator creates the creation dialog. Recurring tasks get their
// schedule from schedules.
func NewCreator(tasks store.TaskStore, schedules ScheduleLauncher, events workflow.Publisher, opts ...Option) *Creator {
	c := &Creator{tasks: tasks, schedules: schedules, opts: newOptions(opts)}
	c.Manager = workflow.NewManager(c.feature(), events)
	return c
}

// Binding returns the dialog's routing names.
func (c *Creator) Binding() command.Binding {
	return command.Binding{Feature: "tasks.create", State: CreateState, Command: CreateCommand, Continuation: CreateContinuation}
}

// Start handles /newtask [name].
func (c *Creator) Start(ctx context.Context, cc command.Context) models.CommandResult {
	seed := &CreateDraft{EarlyCompletionHours: DefaultEarlyCompletionHours}
	if rest := cc.Rest(); rest != "" {
		name, ok := parseName(rest)
		if !ok {
			return models.Fail(fmt.Sprintf(MsgBadName, models.MaxTaskNameLength))
		}
		if reason := checkName(ctx, c.tasks, cc.ConversationID, cc.UserID, name, ""); reason != "" {
			return models.Fail(reason)
		}
		seed.Name = name
	}
	return c.StartWorkflow(ctx, cc.ConversationID, cc.UserID, seed)
}

func createTransition(current workflow.State, d *CreateDraft) workflow.State {
	switch current {
	case workflow.Start:
		if d.Name != "" {
			return StateWaitingDescription
		}
		return StateWaitingName
	case StateWaitingName:
		return StateWaitingDescription
	case StateWaitingDescription:
		return StateDerivingTimeZone
	case StateDerivingTimeZone:
		return StateWaitingRecurrence
	case StateWaitingRecurrence:
		if d.RecurrenceEnabled {
			return StateBuildingSchedule
		}
		return StateWaitingDueDate
	case StateBuildingSchedule, StateWaitingDueDate:
		return StateGeneratingFollowUps
	case StateGeneratingFollowUps:
		return StateWaitingEarlyCompletion
	case StateWaitingEarlyCompletion:
		return StateWaitingConfirmation
	case StateWaitingConfirmation:
		return workflow.End
	}
	workflow.Invariant("tasks.create: no transition from %q", current)
	return workflow.End
}

func (c *Creator) feature() workflow.Feature[*CreateDraft] {
	return workflow.Feature[*CreateDraft]{
		Command:    CreateCommand,
		Transition: createTransition,
		Templates: map[workflow.State]workflow.Template[*CreateDraft]{
			StateWaitingName: {Text: promptName},
			StateWaitingDescription: {Render: func(d *CreateDraft) string {
				return fmt.Sprintf(promptDescriptionFor, d.Name)
			}},
			StateWaitingRecurrence: {
				Render:  func(d *CreateDraft) string { return fmt.Sprintf(promptRecurrenceFor, d.Name) },
				Options: yesNo,
			},
			StateWaitingDueDate: {Render: func(d *CreateDraft) string {
				return fmt.Sprintf(promptDueDateIn, d.TimeZone)
			}},
			StateWaitingEarlyCompletion: {Text: promptEarlyCompletion},
			StateWaitingConfirmation:    {Render: confirmation, Options: saveDiscard},
		},
		Handlers: map[workflow.State]workflow.Handler[*CreateDraft]{
			StateWaitingName: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				name, ok := parseName(input)
				if !ok {
					return false, fmt.Sprintf(MsgBadName, models.MaxTaskNameLength)
				}
				if reason := checkName(ctx, c.tasks, m.ConversationID, m.UserID, name, ""); reason != "" {
					return false, reason
				}
				m.Draft.Name = name
				return true, ""
			},
			StateWaitingDescription: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				if strings.TrimSpace(input) == keepValue {
					m.Draft.Description = ""
					return true, ""
				}
				desc, ok := parseDescription(input)
				if !ok {
					return false, fmt.Sprintf(MsgBadDescription, models.MaxDescriptionLength)
				}
				m.Draft.Description = desc
				return true, ""
			},
			StateWaitingRecurrence: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				i, ok := workflow.Choice(input, yesNo)
				if !ok {
					return false, msgAnswerYesNo
				}
				m.Draft.RecurrenceEnabled = i == 0
				return true, ""
			},
			StateWaitingDueDate: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				loc, err := time.LoadLocation(m.Draft.TimeZone)
				if err != nil {
					loc = time.UTC
				}
				due, reason := parseDueDate(input, loc, c.opts.now())
				if reason != "" {
					return false, reason
				}
				m.Draft.DueAt = &due
				return true, ""
			},
			StateWaitingEarlyCompletion: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				hours, ok := parseEarlyCompletion(input)
				if !ok {
					return false, MsgBadEarlyCompletion
				}
				m.Draft.EarlyCompletionHours = hours
				return true, ""
			},
			StateWaitingConfirmation: func(ctx context.Context, m *workflow.Machine[*CreateDraft], input string) (bool, string) {
				i, ok := workflow.Choice(input, saveDiscard)
				if !ok {
					return false, msgAnswerSaveDiscard
				}
				m.Draft.Save = i == 0
				return true, ""
			},
		},
		Defaults: map[workflow.State]workflow.DefaultFunc[*CreateDraft]{
			StateDerivingTimeZone:    c.deriveTimeZone,
			StateGeneratingFollowUps: generateFollowUps,
		},
		Launchers: map[workflow.State]workflow.Launcher[*CreateDraft]{
			StateBuildingSchedule: c.launchSchedule,
		},
		Commit: c.commit,
		Finished: func(d *CreateDraft) string {
			if !d.Save {
				return msgDiscarded
			}
			return fmt.Sprintf("Saved %s, %s.", d.Name, describeSchedule(d.Recurrence, d.DueAt, locationOf(d.TimeZone)))
		},
	}
}

// deriveTimeZone reuses the zone of the user's most recent task.
func (c *Creator) deriveTimeZone(ctx context.Context, m *workflow.Machine[*CreateDraft]) error {
	if m.Draft.TimeZone != "" {
		return nil
	}
	existing, err := c.tasks.ListTasks(ctx, m.ConversationID, m.UserID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	tz := c.opts.defaultTimeZone
	for i := len(existing) - 1; i >= 0; i-- {
		if existing[i].TimeZone != "" {
			tz = existing[i].TimeZone
			break
		}
	}
	m.Draft.TimeZone = tz
	slog.Debug("Creator.deriveTimeZone: time zone chosen", "timeZone", tz, "conversationID", m.ConversationID)
	return nil
}

func generateFollowUps(ctx context.Context, m *workflow.Machine[*CreateDraft]) error {
	if len(m.Draft.FollowUps) == 0 {
		m.Draft.FollowUps = defaultFollowUps(m.Draft.Name)
	}
	return nil
}

func (c *Creator) launchSchedule(ctx context.Context, m *workflow.Machine[*CreateDraft]) models.CommandResult {
	conversationID, userID := m.ConversationID, m.UserID
	return c.schedules.Launch(ctx, conversationID, userID, m.Draft.Name, m.Draft.TimeZone, func(ctx context.Context, expr string) models.CommandResult {
		return c.Resume(ctx, conversationID, userID, func(d *CreateDraft) {
			d.Recurrence = expr
		})
	})
}

func (c *Creator) commit(ctx context.Context, m *workflow.Machine[*CreateDraft]) error {
	if !m.Draft.Save {
		return nil
	}
	task := m.Draft.Task(m.ConversationID, m.UserID)
	if err := c.tasks.CreateTask(ctx, &task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	m.Draft.ID = task.ID
	c.opts.saved(ctx, task)
	slog.Info("Creator.commit: task created", "taskID", task.ID, "conversationID", m.ConversationID, "userID", m.UserID)
	return nil
}

func confirmation(d *CreateDraft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is your task:\nName: %s\n", d.Name)
	if d.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", d.Description)
	}
	recur := ""
	if d.RecurrenceEnabled {
		recur = d.Recurrence
	}
	fmt.Fprintf(&b, "Schedule: %s (%s)\n", describeSchedule(recur, d.DueAt, locationOf(d.TimeZone)), d.TimeZone)
	fmt.Fprintf(&b, "Follow-ups: %d\n", len(d.FollowUps))
	fmt.Fprintf(&b, "Early completion: %d hours before\n", d.EarlyCompletionHours)
	b.WriteString("Save it?")
	return b.String()
}

func locationOf(tz string) *time.Location {
	return models.Task{TimeZone: tz}.Location()
}
