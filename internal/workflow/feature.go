package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Draft is the in-progress entity a dialog builds. Clone must return a deep
// copy so a turn can work on a scratch value and commit it atomically.
type Draft[D any] interface {
	Clone() D
}

// Template is what the user sees when a dialog arrives at a state.
// Options turn the prompt into a menu. Render and RenderOptions, when set,
// override the static fields with values derived from the draft.
type Template[D any] struct {
	Text          string
	Options       []string
	Render        func(draft D) string
	RenderOptions func(draft D) []string
}

func (t Template[D]) text(draft D) string {
	if t.Render != nil {
		return t.Render(draft)
	}
	return t.Text
}

func (t Template[D]) options(draft D) []string {
	if t.RenderOptions != nil {
		return t.RenderOptions(draft)
	}
	return t.Options
}

func (t Template[D]) prompt(draft D) models.CommandResult {
	if opts := t.options(draft); len(opts) > 0 {
		return models.Choose(t.text(draft), opts...)
	}
	return models.Ask(t.text(draft))
}

// Handler validates and applies the answer for the state the dialog waits in.
// It returns false and a message to reject the answer.
type Handler[D any] func(ctx context.Context, m *Machine[D], input string) (bool, string)

// DefaultFunc fills in a silent state without asking the user.
type DefaultFunc[D any] func(ctx context.Context, m *Machine[D]) error

// Launcher hands control to another dialog. The dialog stays in the
// launcher's state until Resume is called.
type Launcher[D any] func(ctx context.Context, m *Machine[D]) models.CommandResult

// Feature declares a dialog. Every state reachable through Transition other
// than End must have exactly one of a template, a default or a launcher.
type Feature[D any] struct {
	// Command is the feature's start command, e.g. "/newtask".
	Command    string
	Transition TransitionFunc[D]
	Templates  map[State]Template[D]
	Handlers   map[State]Handler[D]
	Defaults   map[State]DefaultFunc[D]
	Launchers  map[State]Launcher[D]
	// Commit persists the finished draft when End is reached.
	Commit func(ctx context.Context, m *Machine[D]) error
	// Finished renders the completion message. Defaults to "Done.".
	Finished func(draft D) string
	// FollowUp runs after completion and its result is appended to the reply.
	FollowUp func(ctx context.Context, m *Machine[D]) (models.CommandResult, bool)
}

// RejectedError is a commit failure worth showing to the user as is.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

// Reject builds a RejectedError.
func Reject(reason string) error {
	return &RejectedError{Reason: reason}
}

func rejection(err error) (string, bool) {
	var r *RejectedError
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}

// Choice resolves a menu answer: a 1-based number or the option text, with
// any "N. " numbering ignored. It returns the 0-based index.
func Choice(input string, options []string) (int, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(input, ".")); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, true
		}
		return 0, false
	}
	for i, opt := range options {
		if strings.EqualFold(stripNumbering(opt), stripNumbering(input)) {
			return i, true
		}
	}
	return 0, false
}

func stripNumbering(s string) string {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
