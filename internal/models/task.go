package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation constants for tasks and playlist entries
const (
	// MaxTaskNameLength defines the maximum allowed length for a task name
	MaxTaskNameLength = 100
	// MaxDescriptionLength defines the maximum allowed length for a task description
	MaxDescriptionLength = 1000
	// MaxFollowUps defines the maximum number of follow-up messages per task
	MaxFollowUps = 5
	// MaxEarlyCompletionHours bounds how early a task may be marked done
	MaxEarlyCompletionHours = 48
	// MaxSongTitleLength defines the maximum allowed length for a song title
	MaxSongTitleLength = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyTaskName          = errors.New("task name cannot be empty")
	ErrTaskNameTooLong        = errors.New("task name exceeds maximum length")
	ErrDescriptionTooLong     = errors.New("task description exceeds maximum length")
	ErrInvalidTimeZone        = errors.New("invalid time zone")
	ErrMissingSchedule        = errors.New("task needs either a recurrence or a due date")
	ErrConflictingSchedule    = errors.New("task cannot have both a recurrence and a due date")
	ErrTooManyFollowUps       = errors.New("too many follow-up messages")
	ErrInvalidEarlyCompletion = errors.New("early completion hours out of range")
	ErrEmptySongTitle         = errors.New("song title cannot be empty")
	ErrSongTitleTooLong       = errors.New("song title exceeds maximum length")
	ErrInvalidSongLink        = errors.New("song link must be an http or https URL")
)

// Task is a reminder the assistant delivers on a recurrence or once at a due date.
type Task struct {
	ID                   string     `json:"id"`
	ConversationID       string     `json:"conversation_id"`
	OwnerID              string     `json:"owner_id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Recurrence           string     `json:"recurrence,omitempty"` // normalized six-field cron expression
	DueAt                *time.Time `json:"due_at,omitempty"`
	TimeZone             string     `json:"time_zone"`
	FollowUps            []string   `json:"follow_ups,omitempty"`
	EarlyCompletionHours int        `json:"early_completion_hours"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// IsRecurring reports whether the task repeats on a cron schedule.
func (t Task) IsRecurring() bool {
	return t.Recurrence != ""
}

// IsOpen reports whether the task has not been completed.
func (t Task) IsOpen() bool {
	return t.CompletedAt == nil
}

// Location returns the task's time zone, UTC when unset or unknown.
func (t Task) Location() *time.Location {
	if t.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks a task before it is persisted.
func (t Task) Validate() error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return ErrEmptyTaskName
	}
	if len(name) > MaxTaskNameLength {
		return ErrTaskNameTooLong
	}
	if len(t.Description) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	if t.TimeZone != "" {
		if _, err := time.LoadLocation(t.TimeZone); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTimeZone, t.TimeZone)
		}
	}
	if t.Recurrence == "" && t.DueAt == nil {
		return ErrMissingSchedule
	}
	if t.Recurrence != "" && t.DueAt != nil {
		return ErrConflictingSchedule
	}
	if len(t.FollowUps) > MaxFollowUps {
		return ErrTooManyFollowUps
	}
	if t.EarlyCompletionHours < 0 || t.EarlyCompletionHours > MaxEarlyCompletionHours {
		return ErrInvalidEarlyCompletion
	}
	return nil
}

// Song is one playlist entry of a conversation.
type Song struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Artist         string    `json:"artist,omitempty"`
	Link           string    `json:"link"`
	AddedBy        string    `json:"added_by"`
	AddedAt        time.Time `json:"added_at"`
}

// DisplayName is the title, followed by the artist when known.
func (s Song) DisplayName() string {
	if s.Artist == "" {
		return s.Title
	}
	return s.Title + " by " + s.Artist
}

// Validate checks a playlist entry before it is persisted.
func (s Song) Validate() error {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		return ErrEmptySongTitle
	}
	if len(title) > MaxSongTitleLength {
		return ErrSongTitleTooLong
	}
	if !IsHTTPURL(s.Link) {
		return ErrInvalidSongLink
	}
	return nil
}

// IsHTTPURL reports whether raw is an absolute http or https URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
