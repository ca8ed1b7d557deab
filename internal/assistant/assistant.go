// Package assistant is the composition root of the chat assistant: it
// creates the history, registry, dispatch table and every dialog, and
// registers the one-shot commands.
//
// Everything is wired explicitly in New. Nothing registers itself.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/command"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/playlist"
	"github.com/BTreeMap/TaskPipe/internal/reminder"
	"github.com/BTreeMap/TaskPipe/internal/schedule"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/tasks"
	"github.com/BTreeMap/TaskPipe/internal/workflow"
)

// One-shot commands owned by the assistant itself.
const (
	StartCommand  = "/start"
	HelpCommand   = "/help"
	CancelCommand = "/cancel"
	StateCommand  = "/state"
)

const (
	MsgWelcome    = "Hi! I keep track of your tasks and remind you when they are due. Send /newtask to create one or /help to see everything I can do."
	MsgCancelled  = "Cancelled. Nothing was saved."
	MsgIdle       = "Nothing to cancel."
	MsgDidYouMean = "Did you mean %s?"
	MsgChitChat   = "I am best at tasks and reminders. Send /help to see what I can do."
)

// DefaultChatTimeout bounds a chit-chat reply.
const DefaultChatTimeout = 20 * time.Second

// Chatter answers free text. *genai.Client implements it.
type Chatter interface {
	Reply(ctx context.Context, text string) (string, error)
}

// Reminders follows task changes. *reminder.Service implements it.
type Reminders interface {
	tasks.Reminders
	schedule.TaskObserver
}

var (
	_ tasks.Reminders       = (*reminder.Service)(nil)
	_ schedule.TaskObserver = (*reminder.Service)(nil)
)

// Opts holds configuration options for the assistant.
type Opts struct {
	DefaultTimeZone     string
	WelcomeAnimationURL string
	Chatter             Chatter
	ChatTimeout         time.Duration
	Reminders           Reminders
	Now                 func() time.Time
}

// Option defines a configuration option for the assistant.
type Option func(*Opts)

// WithDefaultTimeZone sets the time zone of a user's first task.
func WithDefaultTimeZone(tz string) Option {
	return func(o *Opts) {
		o.DefaultTimeZone = tz
	}
}

// WithWelcomeAnimation makes /start answer with an animation.
func WithWelcomeAnimation(url string) Option {
	return func(o *Opts) {
		o.WelcomeAnimationURL = url
	}
}

// WithChatter answers idle free text with generated replies.
func WithChatter(c Chatter) Option {
	return func(o *Opts) {
		o.Chatter = c
	}
}

// WithReminders keeps reminders in step with task changes.
func WithReminders(r Reminders) Option {
	return func(o *Opts) {
		o.Reminders = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Assistant owns the wired command layer.
type Assistant struct {
	Registry   *command.Registry
	Table      *command.Table
	History    *chat.History
	Hub        *workflow.Hub
	Dispatcher *command.Dispatcher

	Schedules *schedule.Builder
	Creator   *tasks.Creator
	Editor    *tasks.Editor
	Playlist  *playlist.Playlist

	workflows []command.Workflow
	opts      Opts
}

// New wires the assistant over the given stores.
func New(taskStore store.TaskStore, songStore store.SongStore, opts ...Option) (*Assistant, error) {
	cfg := Opts{ChatTimeout: DefaultChatTimeout, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Assistant{
		Registry: command.NewRegistry(),
		Table:    command.NewTable(),
		History:  chat.NewHistory(),
		Hub:      workflow.NewHub(),
		opts:     cfg,
	}
	command.ObserveLifecycle(a.Hub, a.Registry, a.History)

	scheduleOpts := []schedule.Option{schedule.WithClock(cfg.Now)}
	taskOpts := []tasks.Option{tasks.WithClock(cfg.Now)}
	if cfg.Reminders != nil {
		scheduleOpts = append(scheduleOpts, schedule.WithObserver(cfg.Reminders))
		taskOpts = append(taskOpts, tasks.WithReminders(cfg.Reminders))
	}
	if cfg.DefaultTimeZone != "" {
		taskOpts = append(taskOpts, tasks.WithDefaultTimeZone(cfg.DefaultTimeZone))
	}

	a.Schedules = schedule.New(taskStore, a.Hub, scheduleOpts...)
	a.Creator = tasks.NewCreator(taskStore, a.Schedules, a.Hub, taskOpts...)
	a.Editor = tasks.NewEditor(taskStore, a.Schedules, a.Hub, taskOpts...)
	a.Playlist = playlist.New(songStore, a.Hub, playlist.WithClock(cfg.Now))
	taskCommands := tasks.NewCommands(taskStore, taskOpts...)

	dialogs := []struct {
		binding command.Binding
		help    string
		start   command.Handler
		w       command.Workflow
	}{
		{a.Creator.Binding(), "Create a task", a.Creator.Start, a.Creator},
		{a.Editor.Binding(), "Change a task", a.Editor.Start, a.Editor},
		{a.Schedules.Binding(), "Set how often a task repeats", a.Schedules.Start, a.Schedules},
		{a.Playlist.AddBinding(), "Add a song to the playlist", a.Playlist.StartAdd, a.Playlist.Add},
		{a.Playlist.RemoveBinding(), "Remove a song from the playlist", a.Playlist.StartRemove, a.Playlist.Remove},
	}
	for _, d := range dialogs {
		if err := command.Bind(a.Registry, a.Table, d.binding, d.help, d.start, d.w); err != nil {
			return nil, fmt.Errorf("bind %s: %w", d.binding.Command, err)
		}
		a.workflows = append(a.workflows, d.w)
	}

	oneShots := []struct {
		key, help string
		h         command.Handler
	}{
		{StartCommand, "", a.start},
		{HelpCommand, "Show this list", a.help},
		{CancelCommand, "Stop what we are doing", a.cancel},
		{StateCommand, "", a.state},
		{tasks.ListCommand, "List your open tasks", taskCommands.List},
		{tasks.DoneCommand, "Mark a task as done", taskCommands.Done},
		{playlist.ListCommand, "Show the playlist", a.Playlist.List},
		{playlist.PlayCommand, "Play a song from the playlist", a.Playlist.Play},
		{command.KeyConfirm, "", a.confirm},
		{command.KeyChitChat, "", a.chitChat},
	}
	for _, c := range oneShots {
		if err := a.Table.Register(c.key, c.help, c.h); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.key, err)
		}
	}

	a.Dispatcher = command.NewDispatcher(command.NewBuilder(a.Registry, a.Table), a.Table, a.History, chat.NewSerializer())
	slog.Debug("assistant.New: wired", "dialogs", len(a.workflows), "commands", len(a.Table.Help()))
	return a, nil
}

// MustNew is New for static wiring that cannot fail at runtime.
func MustNew(taskStore store.TaskStore, songStore store.SongStore, opts ...Option) *Assistant {
	a, err := New(taskStore, songStore, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

// Dispatch handles one inbound message.
func (a *Assistant) Dispatch(ctx context.Context, msg models.Message) (models.CommandResult, error) {
	return a.Dispatcher.Dispatch(ctx, msg)
}

func (a *Assistant) start(ctx context.Context, c command.Context) models.CommandResult {
	if a.opts.WelcomeAnimationURL != "" {
		return models.Animation(MsgWelcome, a.opts.WelcomeAnimationURL)
	}
	return models.Completed(MsgWelcome)
}

func (a *Assistant) help(ctx context.Context, c command.Context) models.CommandResult {
	entries := a.Table.Help()
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "Here is what I can do:")
	for _, e := range entries {
		lines = append(lines, e.Command+" - "+e.Text)
	}
	return models.Completed(strings.Join(lines, "\n"))
}

// cancel abandons every dialog of the key, sub-dialogs included, and resets
// the history.
func (a *Assistant) cancel(ctx context.Context, c command.Context) models.CommandResult {
	abandoned := 0
	for _, w := range a.workflows {
		if w.Abandon(c.ConversationID, c.UserID) {
			abandoned++
		}
	}
	a.History.PushState(c.ConversationID, c.UserID, chat.Waiting)
	if abandoned == 0 {
		return models.Completed(MsgIdle)
	}
	slog.Info("Assistant.cancel: dialogs abandoned", "count", abandoned, "conversationID", c.ConversationID, "userID", c.UserID)
	return models.Completed(MsgCancelled)
}

func (a *Assistant) state(ctx context.Context, c command.Context) models.CommandResult {
	depth := a.History.Depth(c.ConversationID, c.UserID)
	return models.Completed(fmt.Sprintf("State: %s (depth %d)", c.State, depth))
}

// confirm offers the command the text seems to name, keeping the words that
// followed it as its arguments.
func (a *Assistant) confirm(ctx context.Context, c command.Context) models.CommandResult {
	suggested := c.Arg(0)
	if fields := strings.Fields(c.Arg(1)); len(fields) > 1 {
		suggested += " " + strings.Join(fields[1:], " ")
	}
	return models.Choose(fmt.Sprintf(MsgDidYouMean, suggested), suggested)
}

func (a *Assistant) chitChat(ctx context.Context, c command.Context) models.CommandResult {
	if a.opts.Chatter == nil || c.Rest() == "" {
		return models.Completed(MsgChitChat)
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.ChatTimeout)
	defer cancel()
	reply, err := a.opts.Chatter.Reply(ctx, c.Rest())
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Assistant.chitChat: generated reply unavailable", "error", err, "conversationID", c.ConversationID)
		return models.Completed(MsgChitChat)
	}
	return models.Completed(reply)
}
