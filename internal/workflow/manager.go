package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Replies shared by every feature.
const (
	MsgAlreadyActive     = "You already have this in progress. Finish it first or send /cancel to start over."
	MsgNothingInProgress = "There is nothing in progress right now. Send /help to see what I can do."
	MsgInterrupted       = "That was interrupted, nothing was changed. Please send it again."
	MsgInternal          = "Something went wrong on my side and nothing was changed. Please try again."
	MsgDefaultFinished   = "Done."
)

// maxSilentSteps bounds how many states one turn may pass through.
const maxSilentSteps = 64

// Manager runs one Feature for all conversations.
type Manager[D Draft[D]] struct {
	feature   Feature[D]
	instances *Repository[*Machine[D]]
	events    Publisher
	now       func() time.Time
}

// NewManager creates a Manager. It panics if the feature is malformed,
// which can only happen at composition time.
func NewManager[D Draft[D]](feature Feature[D], events Publisher) *Manager[D] {
	if feature.Command == "" {
		Invariant("feature without a start command")
	}
	if feature.Transition == nil {
		Invariant("feature %s has no transition function", feature.Command)
	}
	for state := range feature.Defaults {
		if _, ok := feature.Templates[state]; ok {
			Invariant("feature %s: state %q has both a template and a default", feature.Command, state)
		}
	}
	return &Manager[D]{
		feature:   feature,
		instances: NewRepository[*Machine[D]](),
		events:    events,
		now:       time.Now,
	}
}

// Command returns the feature's start command.
func (m *Manager[D]) Command() string {
	return m.feature.Command
}

// Active reports whether the key has a dialog of this feature.
func (m *Manager[D]) Active(conversationID, userID string) bool {
	return m.instances.Contains(chat.NewKey(conversationID, userID))
}

// Snapshot returns a copy of the live machine for the key.
func (m *Manager[D]) Snapshot(conversationID, userID string) (Machine[D], bool) {
	machine, ok := m.instances.TryGet(chat.NewKey(conversationID, userID))
	if !ok {
		return Machine[D]{}, false
	}
	return *machine.copyWith(machine.Draft.Clone()), true
}

// StartWorkflow begins a dialog seeded with draft. It refuses if the key
// already has one, leaving the existing dialog untouched.
func (m *Manager[D]) StartWorkflow(ctx context.Context, conversationID, userID string, seed D) models.CommandResult {
	key := chat.NewKey(conversationID, userID)
	machine := NewMachine(conversationID, userID, seed, m.feature.Transition)
	if err := m.instances.Add(key, machine); err != nil {
		slog.Warn("Manager.StartWorkflow: workflow already active", "command", m.feature.Command, "conversationID", conversationID, "userID", userID)
		return models.Fail(MsgAlreadyActive)
	}
	m.publish(Started, key, false)
	slog.Info("Manager.StartWorkflow: workflow started", "command", m.feature.Command, "conversationID", conversationID, "userID", userID)

	result, err := m.advance(ctx, machine)
	if err != nil {
		m.instances.Remove(key)
		m.publish(Completed, key, true)
		return m.failure("StartWorkflow", key, err)
	}
	if machine.Done() {
		result := m.complete(ctx, key, machine)
		// A failed commit has no earlier state to wait in.
		if m.instances.Remove(key) {
			m.publish(Completed, key, true)
		}
		return result
	}
	return result
}

// ContinueWorkflow applies input to the key's dialog. A rejected answer
// returns an Error result and leaves the dialog where it was.
func (m *Manager[D]) ContinueWorkflow(ctx context.Context, conversationID, userID, input string) models.CommandResult {
	key := chat.NewKey(conversationID, userID)
	current, ok := m.instances.TryGet(key)
	if !ok {
		slog.Debug("Manager.ContinueWorkflow: nothing in progress", "command", m.feature.Command, "conversationID", conversationID, "userID", userID)
		return models.Fail(MsgNothingInProgress)
	}

	handler, ok := m.feature.Handlers[current.Current]
	if !ok {
		if launch, ok := m.feature.Launchers[current.Current]; ok {
			// The sub-dialog is gone; hand control to a fresh one.
			return launch(ctx, current)
		}
		Invariant("%s: no input handler for state %q", m.feature.Command, current.Current)
	}

	if err := ctx.Err(); err != nil {
		return m.failure("ContinueWorkflow", key, err)
	}
	work := current.copyWith(current.Draft.Clone())
	if accepted, reason := handler(ctx, work, input); !accepted {
		slog.Debug("Manager.ContinueWorkflow: input rejected", "command", m.feature.Command, "state", current.Current, "reason", reason)
		return models.Fail(reason)
	}
	return m.proceed(ctx, key, work)
}

// Resume applies a sub-dialog's output to the draft and moves on from the
// launcher state the dialog was parked in.
func (m *Manager[D]) Resume(ctx context.Context, conversationID, userID string, apply func(draft D)) models.CommandResult {
	key := chat.NewKey(conversationID, userID)
	current, ok := m.instances.TryGet(key)
	if !ok {
		return models.Fail(MsgNothingInProgress)
	}
	if _, ok := m.feature.Launchers[current.Current]; !ok {
		Invariant("%s: resume requested in state %q which launches nothing", m.feature.Command, current.Current)
	}
	work := current.copyWith(current.Draft.Clone())
	apply(work.Draft)
	slog.Debug("Manager.Resume: resuming workflow", "command", m.feature.Command, "state", current.Current, "conversationID", conversationID)
	return m.proceed(ctx, key, work)
}

// Abandon drops the key's dialog without committing it.
func (m *Manager[D]) Abandon(conversationID, userID string) bool {
	key := chat.NewKey(conversationID, userID)
	if !m.instances.Remove(key) {
		return false
	}
	m.publish(Completed, key, true)
	slog.Info("Manager.Abandon: workflow abandoned", "command", m.feature.Command, "conversationID", conversationID, "userID", userID)
	return true
}

// CurrentPrompt re-renders the prompt of the state the dialog waits in.
func (m *Manager[D]) CurrentPrompt(conversationID, userID string) (models.CommandResult, bool) {
	current, ok := m.instances.TryGet(chat.NewKey(conversationID, userID))
	if !ok {
		return models.CommandResult{}, false
	}
	tpl, ok := m.feature.Templates[current.Current]
	if !ok {
		return models.CommandResult{}, false
	}
	return tpl.prompt(current.Draft), true
}

// proceed advances a work copy and stores it only once the turn succeeds.
func (m *Manager[D]) proceed(ctx context.Context, key chat.Key, work *Machine[D]) models.CommandResult {
	result, err := m.advance(ctx, work)
	if err != nil {
		return m.failure("proceed", key, err)
	}
	if work.Done() {
		return m.complete(ctx, key, work)
	}
	m.instances.Replace(key, work)
	return result
}

// advance moves through silent states until one shows something or End.
func (m *Manager[D]) advance(ctx context.Context, work *Machine[D]) (models.CommandResult, error) {
	for step := 0; step < maxSilentSteps; step++ {
		if err := ctx.Err(); err != nil {
			return models.CommandResult{}, err
		}
		next := work.GoToNext()
		if next == End {
			return models.CommandResult{}, nil
		}
		if apply, ok := m.feature.Defaults[next]; ok {
			if err := apply(ctx, work); err != nil {
				return models.CommandResult{}, err
			}
			slog.Debug("Manager.advance: default applied", "command", m.feature.Command, "state", next)
			continue
		}
		if launch, ok := m.feature.Launchers[next]; ok {
			return launch(ctx, work), nil
		}
		if tpl, ok := m.feature.Templates[next]; ok {
			return tpl.prompt(work.Draft), nil
		}
		Invariant("%s: state %q has no template, default or launcher", m.feature.Command, next)
	}
	Invariant("%s: more than %d silent steps without a prompt", m.feature.Command, maxSilentSteps)
	return models.CommandResult{}, nil
}

func (m *Manager[D]) complete(ctx context.Context, key chat.Key, work *Machine[D]) models.CommandResult {
	if m.feature.Commit != nil {
		if err := m.feature.Commit(ctx, work); err != nil {
			return m.failure("complete", key, err)
		}
	}
	m.instances.Remove(key)
	m.publish(Completed, key, false)
	slog.Info("Manager.complete: workflow completed", "command", m.feature.Command, "conversationID", key.ConversationID, "userID", key.UserID)

	text := MsgDefaultFinished
	if m.feature.Finished != nil {
		text = m.feature.Finished(work.Draft)
	}
	result := models.Completed(text)
	if m.feature.FollowUp != nil {
		if next, ok := m.feature.FollowUp(ctx, work); ok {
			result = result.Then(next)
		}
	}
	return result
}

func (m *Manager[D]) failure(op string, key chat.Key, err error) models.CommandResult {
	if reason, ok := rejection(err); ok {
		return models.Fail(reason)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Manager."+op+": turn interrupted", "command", m.feature.Command, "conversationID", key.ConversationID, "error", err)
		return models.Fail(MsgInterrupted)
	}
	slog.Error("Manager."+op+": turn failed", "command", m.feature.Command, "conversationID", key.ConversationID, "error", err)
	return models.Fail(MsgInternal)
}

func (m *Manager[D]) publish(kind EventKind, key chat.Key, abandoned bool) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{Kind: kind, Key: key, Command: m.feature.Command, Abandoned: abandoned, At: m.now()})
}
