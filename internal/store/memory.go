package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. It is safe for
// concurrent use and loses its contents on exit.
type InMemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]models.Task
	songs   map[string]models.Song
	jobs    map[string]Job
	inbound map[string]DedupRecord
	now     func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:   make(map[string]models.Task),
		songs:   make(map[string]models.Song),
		jobs:    make(map[string]Job),
		inbound: make(map[string]DedupRecord),
		now:     time.Now,
	}
}

func cloneTask(t models.Task) models.Task {
	t.FollowUps = append([]string(nil), t.FollowUps...)
	if t.DueAt != nil {
		due := *t.DueAt
		t.DueAt = &due
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		t.CompletedAt = &done
	}
	return t
}

// CreateTask stores t with a fresh ID.
func (s *InMemoryStore) CreateTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t.ID = util.NewTaskID()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tasks[t.ID] = cloneTask(*t)
	return nil
}

// UpdateTask replaces a stored task.
func (s *InMemoryStore) UpdateTask(ctx context.Context, t models.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = s.now()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// CompleteTask marks a task done.
func (s *InMemoryStore) CompleteTask(ctx context.Context, id string, at time.Time) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !t.IsOpen() {
		return cloneTask(t), ErrTaskCompleted
	}
	t.CompletedAt = &at
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return cloneTask(t), nil
}

// GetTask returns one task.
func (s *InMemoryStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (s *InMemoryStore) openTasks(keep func(models.Task) bool) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.IsOpen() && keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListTasks returns the owner's open tasks in a conversation.
func (s *InMemoryStore) ListTasks(ctx context.Context, conversationID, ownerID string) ([]models.Task, error) {
	return s.openTasks(func(t models.Task) bool {
		return t.ConversationID == conversationID && t.OwnerID == ownerID
	}), nil
}

// ListOpenTasks returns every open task.
func (s *InMemoryStore) ListOpenTasks(ctx context.Context) ([]models.Task, error) {
	return s.openTasks(func(models.Task) bool { return true }), nil
}

// SearchTasks matches query against the owner's open tasks.
func (s *InMemoryStore) SearchTasks(ctx context.Context, conversationID, ownerID, query string) ([]models.Task, error) {
	tasks, _ := s.ListTasks(ctx, conversationID, ownerID)
	return searchTasks(tasks, query), nil
}

// AddSong stores s with a fresh ID.
func (s *InMemoryStore) AddSong(ctx context.Context, song *models.Song) error {
	if err := song.Validate(); err != nil {
		return fmt.Errorf("invalid song: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := titleKey(song.Title)
	for _, existing := range s.songs {
		if existing.ConversationID == song.ConversationID && titleKey(existing.Title) == key {
			return ErrDuplicateSong
		}
	}
	song.ID = util.NewSongID()
	if song.AddedAt.IsZero() {
		song.AddedAt = s.now()
	}
	s.songs[song.ID] = *song
	return nil
}

// RemoveSong deletes a playlist entry.
func (s *InMemoryStore) RemoveSong(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.songs[id]; !ok {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	delete(s.songs, id)
	return nil
}

// ListSongs returns a conversation's playlist ordered by title.
func (s *InMemoryStore) ListSongs(ctx context.Context, conversationID string) ([]models.Song, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Song
	for _, song := range s.songs {
		if song.ConversationID == conversationID {
			out = append(out, song)
		}
	}
	sort.Slice(out, func(i, j int) bool { return titleKey(out[i].Title) < titleKey(out[j].Title) })
	return out, nil
}

// SearchSongs matches query against a conversation's playlist.
func (s *InMemoryStore) SearchSongs(ctx context.Context, conversationID, query string) ([]models.Song, error) {
	songs, _ := s.ListSongs(ctx, conversationID)
	return searchSongs(songs, query), nil
}

// EnqueueJob adds a queued job.
func (s *InMemoryStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := s.now()
	j := Job{
		ID:          util.NewJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

// ClaimDueJobs marks due jobs running, earliest first.
func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	fn(&j)
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return nil
}

// CompleteJob marks a job done.
func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) { j.Status = JobStatusDone })
}

// FailJob records a failure and requeues or gives up.
func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

// CancelJob marks a job canceled.
func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

// CancelJobsByDedupePrefix cancels queued jobs whose dedupe key has prefix.
func (s *InMemoryStore) CancelJobsByDedupePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusQueued && j.DedupeKey != "" && strings.HasPrefix(j.DedupeKey, prefix) {
			j.Status = JobStatusCanceled
			j.UpdatedAt = s.now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// RequeueStaleRunningJobs requeues jobs locked before staleBefore.
func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// GetJob returns one job.
func (s *InMemoryStore) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

// IsDuplicate reports whether messageID was recorded.
func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

// RecordInbound records messageID unless it was seen before.
func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: s.now()}
	return true, nil
}

// MarkProcessed stamps a recorded message as handled.
func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

// PruneInbound forgets messages received before the cutoff.
func (s *InMemoryStore) PruneInbound(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
