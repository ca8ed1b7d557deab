// Package schedule implements the schedule-building dialog.
//
// Run on its own (/schedule <task>) the dialog stores the new recurrence on
// the task. Launched from another dialog it commits nothing and hands the
// normalized expression back to its parent.
package schedule

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
	"github.com/BTreeMap/TaskPipe/internal/recurrence"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// Routing names of the dialog.
const (
	Command                 = "/schedule"
	State        chat.State = "building-schedule"
	Continuation            = "continue-building-schedule"
)

// Dialog states.
const (
	StateChoosingFrequency workflow.State = "choosing-frequency"
	StateWaitingWeekdays   workflow.State = "waiting-for-weekdays"
	StateWaitingDayOfMonth workflow.State = "waiting-for-day-of-month"
	StateWaitingExpression workflow.State = "waiting-for-expression"
	StateWaitingTime       workflow.State = "waiting-for-time"
	StateNormalizing       workflow.State = "normalizing"
)

// Frequency is the kind of recurrence the user picked.
type Frequency string

const (
	Daily   Frequency = "Daily"
	Weekly  Frequency = "Weekly"
	Monthly Frequency = "Monthly"
	Custom  Frequency = "Custom"
)

var frequencies = []string{string(Daily), string(Weekly), string(Monthly), string(Custom)}

// User-facing replies.
const (
	MsgWhichTask       = "Which task? Send /schedule followed by the task name."
	MsgNoTask          = "No task matches %q. Send /tasks to see your tasks."
	MsgBadFrequency    = "Please pick Daily, Weekly, Monthly or Custom."
	MsgBadWeekdays     = "I could not read those days. Try something like mon,wed,fri or weekdays."
	MsgBadDayOfMonth   = "Please send a day of the month between 1 and 31."
	MsgBadTime         = "Please send the time as HH:MM on a 24-hour clock, for example 08:30."
	MsgBadExpression   = "That is not a schedule I understand: %v"
	MsgNeverFires      = "That schedule never fires. Please send another one."
	promptWeekdays     = "Which days? For example mon,wed,fri or weekdays."
	promptDayOfMonth   = "Which day of the month (1-31)?"
	promptExpression   = "Send a cron expression, for example 0 9 * * MON-FRI."
	promptTime         = "At what time? Use HH:MM on a 24-hour clock."
	promptFrequencyFor = "How often should I remind you about %s?"
	promptFrequency    = "How often should the reminder repeat?"
)

// ReturnFunc receives the finished expression of a sub-dialog and returns
// the parent dialog's reply.
type ReturnFunc func(ctx context.Context, expr string) models.CommandResult

// Draft is what the dialog collects.
type Draft struct {
	TaskID     string
	Subject    string
	TimeZone   string
	Frequency  Frequency
	Weekdays   []time.Weekday
	DayOfMonth int
	At         recurrence.TimeOfDay
	Expression string
	NextRun    time.Time

	// Return is set when the dialog runs inside another one.
	Return ReturnFunc
}

// Clone returns a deep copy.
func (d *Draft) Clone() *Draft {
	c := *d
	c.Weekdays = append([]time.Weekday(nil), d.Weekdays...)
	return &c
}

// TaskObserver is told about tasks whose schedule changed.
type TaskObserver interface {
	TaskSaved(ctx context.Context, t models.Task)
}

// Option configures a Builder.
type Option func(*Builder)

// WithObserver registers o for tasks rescheduled by the standalone dialog.
func WithObserver(o TaskObserver) Option {
	return func(b *Builder) {
		b.observer = o
	}
}

// WithClock overrides the time source used for previews.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// Builder runs the schedule dialog.
type Builder struct {
	*workflow.Manager[*Draft]
	tasks    store.TaskStore
	observer TaskObserver
	now      func() time.Time
}

// New creates a Builder publishing lifecycle events to events.
func New(tasks store.TaskStore, events workflow.Publisher, opts ...Option) *Builder {
	b := &Builder{tasks: tasks, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.Manager = workflow.NewManager(b.feature(), events)
	return b
}

// Binding returns the dialog's routing names.
func (b *Builder) Binding() command.Binding {
	return command.Binding{Feature: "schedule", State: State, Command: Command, Continuation: Continuation}
}

// Start handles /schedule <task>.
func (b *Builder) Start(ctx context.Context, c command.Context) models.CommandResult {
	query := c.Rest()
	if query == "" {
		return models.Fail(MsgWhichTask)
	}
	candidates, err := b.tasks.SearchTasks(ctx, c.ConversationID, c.UserID, query)
	if err != nil {
		slog.Error("Builder.Start: task search failed", "error", err, "conversationID", c.ConversationID)
		return models.Fail(workflow.MsgInternal)
	}
	task, reply, ok := match.Pick(Command, candidates, func(t models.Task) string { return t.Name }, fmt.Sprintf(MsgNoTask, query))
	if !ok {
		return reply
	}
	return b.StartWorkflow(ctx, c.ConversationID, c.UserID, &Draft{TaskID: task.ID, Subject: task.Name, TimeZone: task.TimeZone})
}

// Launch starts the dialog on behalf of a parent dialog. done is called with
// the normalized expression when the user finishes.
func (b *Builder) Launch(ctx context.Context, conversationID, userID, subject, timeZone string, done ReturnFunc) models.CommandResult {
	return b.StartWorkflow(ctx, conversationID, userID, &Draft{Subject: subject, TimeZone: timeZone, Return: done})
}

func transition(current workflow.State, d *Draft) workflow.State {
	switch current {
	case workflow.Start:
		return StateChoosingFrequency
	case StateChoosingFrequency:
		switch d.Frequency {
		case Weekly:
			return StateWaitingWeekdays
		case Monthly:
			return StateWaitingDayOfMonth
		case Custom:
			return StateWaitingExpression
		}
		return StateWaitingTime
	case StateWaitingWeekdays, StateWaitingDayOfMonth:
		return StateWaitingTime
	case StateWaitingTime, StateWaitingExpression:
		return StateNormalizing
	case StateNormalizing:
		return workflow.End
	}
	workflow.Invariant("schedule: no transition from %q", current)
	return workflow.End
}

func (b *Builder) feature() workflow.Feature[*Draft] {
	return workflow.Feature[*Draft]{
		Command:    Command,
		Transition: transition,
		Templates: map[workflow.State]workflow.Template[*Draft]{
			StateChoosingFrequency: {
				Render: func(d *Draft) string {
					if d.Subject == "" {
						return promptFrequency
					}
					return fmt.Sprintf(promptFrequencyFor, d.Subject)
				},
				Options: frequencies,
			},
			StateWaitingWeekdays:   {Text: promptWeekdays},
			StateWaitingDayOfMonth: {Text: promptDayOfMonth},
			StateWaitingExpression: {Text: promptExpression},
			StateWaitingTime:       {Text: promptTime},
		},
		Handlers: map[workflow.State]workflow.Handler[*Draft]{
			StateChoosingFrequency: func(ctx context.Context, m *workflow.Machine[*Draft], input string) (bool, string) {
				i, ok := workflow.Choice(input, frequencies)
				if !ok {
					return false, MsgBadFrequency
				}
				m.Draft.Frequency = Frequency(frequencies[i])
				return true, ""
			},
			StateWaitingWeekdays: func(ctx context.Context, m *workflow.Machine[*Draft], input string) (bool, string) {
				days, err := recurrence.ParseWeekdays(input)
				if err != nil {
					return false, MsgBadWeekdays
				}
				m.Draft.Weekdays = days
				return true, ""
			},
			StateWaitingDayOfMonth: func(ctx context.Context, m *workflow.Machine[*Draft], input string) (bool, string) {
				day, err := recurrence.ParseDayOfMonth(input)
				if err != nil {
					return false, MsgBadDayOfMonth
				}
				m.Draft.DayOfMonth = day
				return true, ""
			},
			StateWaitingTime: func(ctx context.Context, m *workflow.Machine[*Draft], input string) (bool, string) {
				at, err := recurrence.ParseTimeOfDay(input)
				if err != nil {
					return false, MsgBadTime
				}
				m.Draft.At = at
				return true, ""
			},
			StateWaitingExpression: func(ctx context.Context, m *workflow.Machine[*Draft], input string) (bool, string) {
				expr, err := recurrence.Normalize(input)
				if err != nil {
					return false, fmt.Sprintf(MsgBadExpression, err)
				}
				if _, err := recurrence.Next(expr, m.Draft.TimeZone, b.now()); err != nil {
					return false, MsgNeverFires
				}
				m.Draft.Expression = expr
				return true, ""
			},
		},
		Defaults: map[workflow.State]workflow.DefaultFunc[*Draft]{
			StateNormalizing: b.normalize,
		},
		Commit:   b.commit,
		Finished: finished,
		FollowUp: func(ctx context.Context, m *workflow.Machine[*Draft]) (models.CommandResult, bool) {
			if m.Draft.Return == nil {
				return models.CommandResult{}, false
			}
			return m.Draft.Return(ctx, m.Draft.Expression), true
		},
	}
}

// normalize builds the expression from the collected parts and previews
// its next activation.
func (b *Builder) normalize(ctx context.Context, m *workflow.Machine[*Draft]) error {
	d := m.Draft
	var (
		expr string
		err  error
	)
	switch d.Frequency {
	case Daily:
		expr = recurrence.Daily(d.At)
	case Weekly:
		expr, err = recurrence.Weekly(d.Weekdays, d.At)
	case Monthly:
		expr, err = recurrence.Monthly(d.DayOfMonth, d.At)
	case Custom:
		expr = d.Expression
	default:
		workflow.Invariant("schedule: normalizing without a frequency")
	}
	if err != nil {
		return fmt.Errorf("build %s schedule: %w", strings.ToLower(string(d.Frequency)), err)
	}
	if expr, err = recurrence.Normalize(expr); err != nil {
		return err
	}
	next, err := recurrence.Next(expr, d.TimeZone, b.now())
	if err != nil {
		return workflow.Reject(MsgNeverFires)
	}
	d.Expression, d.NextRun = expr, next
	return nil
}

func (b *Builder) commit(ctx context.Context, m *workflow.Machine[*Draft]) error {
	d := m.Draft
	if d.Return != nil {
		return nil
	}
	if d.TaskID == "" {
		workflow.Invariant("schedule: standalone dialog without a task")
	}
	task, err := b.tasks.GetTask(ctx, d.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", d.TaskID, err)
	}
	task.Recurrence, task.DueAt = d.Expression, nil
	if err := b.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task %s: %w", d.TaskID, err)
	}
	if b.observer != nil {
		b.observer.TaskSaved(ctx, task)
	}
	slog.Info("Builder.commit: task rescheduled", "taskID", task.ID, "recurrence", task.Recurrence)
	return nil
}

func finished(d *Draft) string {
	when := recurrence.Describe(d.Expression)
	next := ""
	if !d.NextRun.IsZero() {
		next = " The next one is " + d.NextRun.Format("Mon 2 Jan 15:04 MST") + "."
	}
	if d.Return != nil {
		return "Schedule set: " + when + "." + next
	}
	return fmt.Sprintf("I will remind you about %s %s.%s", d.Subject, when, next)
}
