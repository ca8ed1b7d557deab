// Package tasks implements the task dialogs (/newtask, /edittask) and the
// one-shot task commands (/tasks, /done).
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/match"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/recurrence"
	"github.com/BTreeMap/TaskPipe/internal/schedule"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// DefaultEarlyCompletionHours is how long before its due time a task may be
// marked done when the user does not choose.
const DefaultEarlyCompletionHours = 3

// DateLayout is the accepted due date format, read in the task's time zone.
const DateLayout = "2006-01-02 15:04"

// displayLayout renders reminder times.
const displayLayout = "Mon 2 Jan 15:04 MST"

// Shared replies.
const (
	MsgBadName            = "The task name cannot be empty and must be at most %d characters."
	MsgDuplicateName      = "You already have an open task called %s. Please pick another name."
	MsgBadDescription     = "The description must be at most %d characters."
	MsgBadDueDate         = "Please send the due date as YYYY-MM-DD HH:MM, for example 2026-05-01 18:00."
	MsgDueDateInPast      = "That is already in the past. Please send a future date."
	MsgBadEarlyCompletion = "Please send a number of hours from 0 to 48, or default."
	MsgBadTimeZone        = "I do not know the time zone %q. Use a name like Europe/Berlin or America/Toronto."
	MsgTooManyFollowUps   = "Please send at most %d follow-up messages."
	keepValue             = "-"
	defaultKeyword        = "default"
)

// Reminders is told when a task's reminders must change.
type Reminders interface {
	TaskSaved(ctx context.Context, t models.Task)
	TaskCompleted(ctx context.Context, t models.Task)
}

// ScheduleLauncher starts the schedule dialog on behalf of a task dialog.
type ScheduleLauncher interface {
	Launch(ctx context.Context, conversationID, userID, subject, timeZone string, done schedule.ReturnFunc) models.CommandResult
}

var _ ScheduleLauncher = (*schedule.Builder)(nil)

type options struct {
	reminders       Reminders
	defaultTimeZone string
	now             func() time.Time
}

// Option configures the task dialogs and commands.
type Option func(*options)

// WithReminders registers the reminder service notified after commits.
func WithReminders(r Reminders) Option {
	return func(o *options) {
		o.reminders = r
	}
}

// WithDefaultTimeZone sets the zone used for a user's first task.
func WithDefaultTimeZone(tz string) Option {
	return func(o *options) {
		o.defaultTimeZone = tz
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{defaultTimeZone: "UTC", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) saved(ctx context.Context, t models.Task) {
	if o.reminders != nil {
		o.reminders.TaskSaved(ctx, t)
	}
}

func parseName(input string) (string, bool) {
	name := strings.TrimSpace(input)
	if name == "" || len(name) > models.MaxTaskNameLength {
		return "", false
	}
	return name, true
}

// checkName returns why name cannot be given to a task, or "". The task
// with ID selfID is exempt so a rename may keep the current name.
func checkName(ctx context.Context, tasks store.TaskStore, conversationID, ownerID, name, selfID string) string {
	existing, err := tasks.ListTasks(ctx, conversationID, ownerID)
	if err != nil {
		slog.Warn("tasks.checkName: list tasks failed", "error", err, "conversationID", conversationID)
		return ""
	}
	key := match.Normalize(name)
	for _, t := range existing {
		if t.ID != selfID && match.Normalize(t.Name) == key {
			return fmt.Sprintf(MsgDuplicateName, t.Name)
		}
	}
	return ""
}

func parseDescription(input string) (string, bool) {
	desc := strings.TrimSpace(input)
	if len(desc) > models.MaxDescriptionLength {
		return "", false
	}
	return desc, true
}

// parseDueDate reads input in loc and requires it to be after now.
func parseDueDate(input string, loc *time.Location, now time.Time) (time.Time, string) {
	due, err := time.ParseInLocation(DateLayout, strings.Join(strings.Fields(input), " "), loc)
	if err != nil {
		return time.Time{}, MsgBadDueDate
	}
	if !due.After(now) {
		return time.Time{}, MsgDueDateInPast
	}
	return due, ""
}

func parseEarlyCompletion(input string) (int, bool) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == defaultKeyword {
		return DefaultEarlyCompletionHours, true
	}
	hours, err := strconv.Atoi(input)
	if err != nil || hours < 0 || hours > models.MaxEarlyCompletionHours {
		return 0, false
	}
	return hours, true
}

// parseFollowUps splits a ";" separated list. "-" clears the list.
func parseFollowUps(input string) ([]string, string) {
	if strings.TrimSpace(input) == keepValue {
		return nil, ""
	}
	var out []string
	for _, part := range strings.Split(input, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > models.MaxFollowUps {
		return nil, fmt.Sprintf(MsgTooManyFollowUps, models.MaxFollowUps)
	}
	return out, ""
}

func defaultFollowUps(name string) []string {
	return []string{
		fmt.Sprintf("Have you had a chance to look at %s yet?", name),
		fmt.Sprintf("Just checking in on %s.", name),
		fmt.Sprintf("Last nudge for today: %s. Send /done %s when it is finished.", name, name),
	}
}

// nextDue returns when the task is next due after now.
func nextDue(t models.Task, now time.Time) (time.Time, bool) {
	if t.DueAt != nil {
		return t.DueAt.In(t.Location()), true
	}
	if t.Recurrence == "" {
		return time.Time{}, false
	}
	next, err := recurrence.Next(t.Recurrence, t.TimeZone, now)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}

// describeSchedule renders the recurrence or due date of t.
func describeSchedule(recur string, dueAt *time.Time, loc *time.Location) string {
	switch {
	case recur != "":
		return recurrence.Describe(recur)
	case dueAt != nil:
		return "due " + dueAt.In(loc).Format(displayLayout)
	}
	return "not scheduled"
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
