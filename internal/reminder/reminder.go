// Package reminder delivers task reminders.
//
// Recurring tasks get a cron entry on the scheduler. One-off due dates and
// follow-up nudges are durable jobs run by store.JobRunner, so they survive
// restarts.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/scheduler"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Job kinds handled by the service.
const (
	JobKindDue      = "task_due"
	JobKindFollowUp = "task_follow_up"
)

// DefaultFollowUpInterval separates a reminder from its follow-ups and the
// follow-ups from each other.
const DefaultFollowUpInterval = 30 * time.Minute

// cronTimeout bounds one reminder fired from a cron entry.
const cronTimeout = 30 * time.Second

// Sender delivers a message to a conversation.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

type payload struct {
	TaskID string `json:"task_id"`
	Index  int    `json:"index,omitempty"`
}

// Service keeps reminders in step with tasks.
type Service struct {
	tasks            store.TaskStore
	jobs             store.JobRepo
	scheduler        *scheduler.Scheduler
	sender           Sender
	followUpInterval time.Duration
	now              func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithFollowUpInterval sets the gap between reminder follow-ups.
func WithFollowUpInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.followUpInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a reminder service.
func NewService(tasks store.TaskStore, jobs store.JobRepo, sched *scheduler.Scheduler, sender Sender, opts ...Option) *Service {
	s := &Service{
		tasks:            tasks,
		jobs:             jobs,
		scheduler:        sched,
		sender:           sender,
		followUpInterval: DefaultFollowUpInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandlers installs the service's job handlers on runner.
func (s *Service) RegisterHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindDue, s.handleDue)
	runner.RegisterHandler(JobKindFollowUp, s.handleFollowUp)
}

// TaskSaved replaces whatever reminders t had with ones for its current
// schedule.
func (s *Service) TaskSaved(ctx context.Context, t models.Task) {
	s.cancel(ctx, t.ID)
	if !t.IsOpen() {
		return
	}
	if err := s.arm(ctx, t); err != nil {
		slog.Error("Service.TaskSaved: failed to arm reminders", "error", err, "taskID", t.ID)
	}
}

// TaskCompleted drops every pending reminder of t.
func (s *Service) TaskCompleted(ctx context.Context, t models.Task) {
	s.cancel(ctx, t.ID)
	slog.Debug("Service.TaskCompleted: reminders cancelled", "taskID", t.ID)
}

// Restore arms reminders for every open task and returns how many were
// armed. Pending due jobs already in the store are kept.
func (s *Service) Restore(ctx context.Context) (int, error) {
	open, err := s.tasks.ListOpenTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open tasks: %w", err)
	}
	now := s.now()
	armed := 0
	for _, t := range open {
		if !t.IsRecurring() && (t.DueAt == nil || !t.DueAt.After(now)) {
			continue
		}
		if err := s.arm(ctx, t); err != nil {
			slog.Warn("Service.Restore: skipping task", "error", err, "taskID", t.ID)
			continue
		}
		armed++
	}
	slog.Info("Service.Restore: reminders restored", "armed", armed, "open", len(open))
	return armed, nil
}

// Next returns when the recurring reminder of taskID fires next.
func (s *Service) Next(taskID string) (time.Time, bool) {
	return s.scheduler.Next(taskID)
}

func (s *Service) arm(ctx context.Context, t models.Task) error {
	if t.IsRecurring() {
		id := t.ID
		return s.scheduler.Schedule(id, t.Recurrence, t.TimeZone, func() { s.fire(id) })
	}
	if t.DueAt == nil {
		return models.ErrMissingSchedule
	}
	data, err := json.Marshal(payload{TaskID: t.ID})
	if err != nil {
		return err
	}
	_, err = s.jobs.EnqueueJob(ctx, JobKindDue, *t.DueAt, string(data), dueKey(t.ID))
	return err
}

func (s *Service) cancel(ctx context.Context, taskID string) {
	s.scheduler.Unschedule(taskID)
	for _, prefix := range []string{dueKey(taskID), followUpPrefix(taskID)} {
		if _, err := s.jobs.CancelJobsByDedupePrefix(ctx, prefix); err != nil {
			slog.Warn("Service.cancel: failed to cancel jobs", "error", err, "prefix", prefix)
		}
	}
}

func (s *Service) fire(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cronTimeout)
	defer cancel()
	if err := s.remind(ctx, taskID); err != nil {
		slog.Error("Service.fire: reminder failed", "error", err, "taskID", taskID)
	}
}

// remind sends the reminder for taskID and queues its follow-ups.
func (s *Service) remind(ctx context.Context, taskID string) error {
	t, err := s.tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.scheduler.Unschedule(taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		s.scheduler.Unschedule(taskID)
		return nil
	}
	if err := s.sender.SendMessage(ctx, t.ConversationID, reminderText(t)); err != nil {
		return fmt.Errorf("send reminder: %w", err)
	}

	now := s.now()
	for i := range t.FollowUps {
		data, err := json.Marshal(payload{TaskID: t.ID, Index: i})
		if err != nil {
			return err
		}
		runAt := now.Add(time.Duration(i+1) * s.followUpInterval)
		key := fmt.Sprintf("%s%d:%d", followUpPrefix(t.ID), now.Unix(), i)
		if _, err := s.jobs.EnqueueJob(ctx, JobKindFollowUp, runAt, string(data), key); err != nil {
			return fmt.Errorf("enqueue follow-up: %w", err)
		}
	}
	slog.Info("Service.remind: reminder sent", "taskID", t.ID, "conversationID", t.ConversationID, "followUps", len(t.FollowUps))
	return nil
}

func (s *Service) handleDue(ctx context.Context, raw string) error {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decode due payload: %w", err)
	}
	return s.remind(ctx, p.TaskID)
}

func (s *Service) handleFollowUp(ctx context.Context, raw string) error {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decode follow-up payload: %w", err)
	}
	t, err := s.tasks.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !t.IsOpen() || p.Index < 0 || p.Index >= len(t.FollowUps) {
		return nil
	}
	return s.sender.SendMessage(ctx, t.ConversationID, t.FollowUps[p.Index])
}

func reminderText(t models.Task) string {
	text := "Reminder: " + t.Name
	if t.Description != "" {
		text += "\n" + t.Description
	}
	return text + "\nSend /done " + t.Name + " when it is finished."
}

func dueKey(taskID string) string {
	return "due:" + taskID
}

func followUpPrefix(taskID string) string {
	return "followup:" + taskID + ":"
}
