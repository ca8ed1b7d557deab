package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/schedule"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/tasks"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type MockReminders struct {
	Saved     []models.Task
	Completed []models.Task
}

func (m *MockReminders) TaskSaved(ctx context.Context, t models.Task) {
	m.Saved = append(m.Saved, t)
}

func (m *MockReminders) TaskCompleted(ctx context.Context, t models.Task) {
	m.Completed = append(m.Completed, t)
}

type MockChatter struct {
	Answer string
	Err    error
	Calls  []string
}

func (m *MockChatter) Reply(ctx context.Context, text string) (string, error) {
	m.Calls = append(m.Calls, text)
	return m.Answer, m.Err
}

type harness struct {
	t         *testing.T
	a         *Assistant
	store     *store.InMemoryStore
	reminders *MockReminders
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, store: store.NewInMemoryStore(), reminders: &MockReminders{}}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithReminders(h.reminders)}, opts...)
	h.a = MustNew(h.store, h.store, opts...)
	return h
}

func (h *harness) send(text string) models.CommandResult {
	h.t.Helper()
	res, err := h.a.Dispatch(context.Background(), models.Message{ConversationID: "c1", From: "u1", Text: text})
	if err != nil {
		h.t.Fatalf("Dispatch(%q) error: %v", text, err)
	}
	return res
}

func (h *harness) state() chat.State {
	return h.a.History.GetCurrentState("c1", "u1")
}

func TestRecurringTaskThroughSubDialog(t *testing.T) {
	h := newHarness(t)

	h.send("/newtask Gym")
	if h.state() != tasks.CreateState {
		t.Fatalf("state after start = %q", h.state())
	}
	if res := h.send("-"); !res.IsMenu() {
		t.Fatalf("expected recurrence menu, got %+v", res)
	}

	if res := h.send("Yes"); !res.IsMenu() || !strings.Contains(res.Text, "Gym") {
		t.Fatalf("expected frequency menu, got %+v", res)
	}
	if h.state() != schedule.State || h.a.History.Depth("c1", "u1") != 3 {
		t.Fatalf("state in sub-dialog = %q depth %d", h.state(), h.a.History.Depth("c1", "u1"))
	}

	// Plain text now belongs to the schedule dialog.
	h.send("Daily")
	if res := h.send("06:00"); res.IsError() {
		t.Fatalf("time rejected: %+v", res)
	}
	if h.state() != tasks.CreateState {
		t.Fatalf("state after sub-dialog = %q", h.state())
	}

	h.send("2")
	if res := h.send("Save"); res.Outcome != models.OutcomeWorkflowCompleted || !strings.Contains(res.Text, "Gym") {
		t.Fatalf("save result %+v", res)
	}
	if h.state() != chat.Waiting || h.a.History.Depth("c1", "u1") != 1 {
		t.Errorf("state after save = %q depth %d", h.state(), h.a.History.Depth("c1", "u1"))
	}

	saved, _ := h.store.ListTasks(context.Background(), "c1", "u1")
	if len(saved) != 1 || saved[0].Recurrence != "0 0 6 * * ?" || saved[0].EarlyCompletionHours != 2 {
		t.Fatalf("unexpected tasks %+v", saved)
	}
	if len(h.reminders.Saved) != 1 {
		t.Errorf("reminders saw %d saves", len(h.reminders.Saved))
	}

	if res := h.send("/tasks"); !strings.Contains(res.Text, "1. Gym: every day at 06:00") {
		t.Errorf("/tasks = %q", res.Text)
	}
}

func TestCommandInterruptsDialog(t *testing.T) {
	h := newHarness(t)
	h.send("/newtask")

	if res := h.send("/help"); !strings.Contains(res.Text, "/newtask - Create a task") {
		t.Errorf("/help = %q", res.Text)
	}
	if h.state() != tasks.CreateState {
		t.Errorf("one-shot command changed the state to %q", h.state())
	}

	if res := h.send("/cancel"); res.Text != MsgCancelled {
		t.Errorf("/cancel = %+v", res)
	}
	if h.state() != chat.Waiting || h.a.Creator.Active("c1", "u1") {
		t.Errorf("dialog survived /cancel: state %q", h.state())
	}
	if res := h.send("/cancel"); res.Text != MsgIdle {
		t.Errorf("second /cancel = %+v", res)
	}
}

func TestCancelInsideSubDialogDropsParent(t *testing.T) {
	h := newHarness(t)
	h.send("/newtask Gym")
	h.send("-")
	h.send("Yes")

	h.send("/cancel")
	if h.a.Creator.Active("c1", "u1") || h.a.Schedules.Active("c1", "u1") {
		t.Error("dialogs still active")
	}
	if h.state() != chat.Waiting || h.a.History.Depth("c1", "u1") != 1 {
		t.Errorf("state %q depth %d", h.state(), h.a.History.Depth("c1", "u1"))
	}
}

func TestConfirmKeepsArguments(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"command only", "tasks", "/tasks"},
		{"with arguments", "NewTask  Buy milk", "/newtask Buy milk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.send(tt.text)
			if !res.IsMenu() || len(res.Options) != 1 || res.Options[0] != tt.want {
				t.Fatalf("confirm result %+v", res)
			}
			if res.Text != fmt.Sprintf(MsgDidYouMean, tt.want) {
				t.Errorf("Text = %q", res.Text)
			}
		})
	}

	h := newHarness(t)
	res := h.send("newtask Buy milk")
	if res = h.send(res.Options[0]); !strings.Contains(res.Text, "Buy milk") || !h.a.Creator.Active("c1", "u1") {
		t.Errorf("accepted suggestion did not seed the dialog: %+v", res)
	}
}

func TestIdleText(t *testing.T) {
	chatter := &MockChatter{Answer: "Hello to you too"}
	h := newHarness(t, WithChatter(chatter))

	if res := h.send("newtask please"); !res.IsMenu() || res.Options[0] != "/newtask please" {
		t.Errorf("confirm result %+v", res)
	}
	if res := h.send("hello"); res.Text != "Hello to you too" {
		t.Errorf("chit-chat result %+v", res)
	}

	chatter.Err = errors.New("quota")
	if res := h.send("hello again"); res.Text != MsgChitChat {
		t.Errorf("fallback result %+v", res)
	}
	if len(chatter.Calls) != 2 {
		t.Errorf("chatter calls %v", chatter.Calls)
	}
}

func TestStartAndState(t *testing.T) {
	plain := newHarness(t)
	if res := plain.send("/start"); res.Response != models.ResponseText || res.Text != MsgWelcome {
		t.Errorf("/start = %+v", res)
	}
	if res := plain.send("/state"); res.Text != "State: waiting (depth 1)" {
		t.Errorf("/state = %q", res.Text)
	}

	animated := newHarness(t, WithWelcomeAnimation("https://example.com/hi.gif"))
	if res := animated.send("/start"); res.Response != models.ResponseAnimation || res.MediaURL != "https://example.com/hi.gif" {
		t.Errorf("/start with animation = %+v", res)
	}
}

func TestDoneCompletesTask(t *testing.T) {
	h := newHarness(t)
	due := fixedNow.Add(time.Hour)
	task := models.Task{ConversationID: "c1", OwnerID: "u1", Name: "Pay rent", DueAt: &due, TimeZone: "UTC", EarlyCompletionHours: tasks.DefaultEarlyCompletionHours}
	if err := h.store.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	if res := h.send("/done rent"); res.Outcome != models.OutcomeWorkflowCompleted {
		t.Fatalf("/done = %+v", res)
	}
	if len(h.reminders.Completed) != 1 || h.reminders.Completed[0].ID != task.ID {
		t.Errorf("reminders saw %+v", h.reminders.Completed)
	}
	if res := h.send("/tasks"); res.Text != tasks.MsgNoTasks {
		t.Errorf("/tasks = %q", res.Text)
	}
}

func TestPlaylistCommands(t *testing.T) {
	h := newHarness(t)
	h.send("/addsong Clair de Lune")
	h.send("Debussy")
	if res := h.send("https://example.com/clair"); res.Outcome != models.OutcomeWorkflowCompleted {
		t.Fatalf("add result %+v", res)
	}
	if h.state() != chat.Waiting {
		t.Errorf("state after add = %q", h.state())
	}
	if res := h.send("/song clair"); res.Response != models.ResponseMedia || res.MediaURL != "https://example.com/clair" {
		t.Errorf("/song = %+v", res)
	}
}

func TestNewRejectsDuplicateWiring(t *testing.T) {
	a := MustNew(store.NewInMemoryStore(), store.NewInMemoryStore())
	if len(a.Registry.Bindings()) != 5 {
		t.Errorf("bindings = %+v", a.Registry.Bindings())
	}
	if !a.Table.Has(tasks.DoneCommand) || !a.Table.Has(schedule.Command) {
		t.Error("commands missing from the table")
	}
}
