// Package scheduler runs keyed recurring jobs on robfig/cron.
//
// Expressions use the six-field dialect of the recurrence package; each
// entry may carry its own time zone.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/TaskPipe/internal/recurrence"
)

// Scheduler provides cron-based scheduling of jobs identified by a key.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithParser(recurrence.Parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, entries: make(map[string]cron.EntryID)}
}

// Schedule runs task on expr evaluated in timeZone. An existing entry with
// the same key is replaced.
func (s *Scheduler) Schedule(key, expr, timeZone string, task func()) error {
	spec := recurrence.Spec(expr, timeZone)
	id, err := s.cron.AddFunc(spec, task)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}

	s.mu.Lock()
	prev, replaced := s.entries[key]
	s.entries[key] = id
	s.mu.Unlock()

	if replaced {
		s.cron.Remove(prev)
	}
	slog.Debug("Scheduler.Schedule: entry added", "key", key, "spec", spec, "replaced", replaced)
	return nil
}

// Unschedule removes the entry for key. It reports whether one existed.
func (s *Scheduler) Unschedule(key string) bool {
	s.mu.Lock()
	id, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		s.cron.Remove(id)
		slog.Debug("Scheduler.Unschedule: entry removed", "key", key)
	}
	return ok
}

// Next returns the next activation of the entry for key.
func (s *Scheduler) Next(key string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Len returns the number of keyed entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
