package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state", "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || DetectDSNType(dsn) != DSNTypePostgres {
		t.Skip("DATABASE_URL not set to a Postgres DSN")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	for _, table := range []string{"tasks", "songs", "jobs", "inbound_dedup"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("cleanup %s: %v", table, err)
		}
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory":   func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite":   func(t *testing.T) Store { return newTestSQLiteStore(t) },
		"postgres": func(t *testing.T) Store { return newTestPostgresStore(t) },
	}
}

func recurringTask(conversationID, ownerID, name string) *models.Task {
	return &models.Task{
		ConversationID:       conversationID,
		OwnerID:              ownerID,
		Name:                 name,
		Recurrence:           "0 0 9 * * ?",
		TimeZone:             "UTC",
		FollowUps:            []string{"Did you do " + name + "?"},
		EarlyCompletionHours: 3,
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://user:pw@localhost/db":   DSNTypePostgres,
		"postgresql://localhost/db":         DSNTypePostgres,
		"host=localhost dbname=taskpipe":    DSNTypePostgres,
		"/var/lib/taskpipe/taskpipe.db":     DSNTypeSQLite,
		"file:taskpipe.db?_foreign_keys=on": DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenWithoutDSNIsInMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("Open(\"\") = %T, want *InMemoryStore", s)
	}
}

func TestTaskStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			gym := recurringTask("c1", "u1", "Gym")
			if err := s.CreateTask(ctx, gym); err != nil {
				t.Fatalf("CreateTask error: %v", err)
			}
			if gym.ID == "" || gym.CreatedAt.IsZero() {
				t.Fatalf("CreateTask did not assign ID/timestamps: %+v", gym)
			}
			_ = s.CreateTask(ctx, recurringTask("c1", "u1", "Gym class"))
			_ = s.CreateTask(ctx, recurringTask("c1", "u2", "Gym"))

			if err := s.CreateTask(ctx, &models.Task{ConversationID: "c1", OwnerID: "u1"}); !errors.Is(err, models.ErrEmptyTaskName) {
				t.Errorf("CreateTask invalid error = %v", err)
			}

			got, err := s.GetTask(ctx, gym.ID)
			if err != nil {
				t.Fatalf("GetTask error: %v", err)
			}
			if got.Name != "Gym" || len(got.FollowUps) != 1 || got.Recurrence != gym.Recurrence {
				t.Errorf("GetTask = %+v", got)
			}

			list, err := s.ListTasks(ctx, "c1", "u1")
			if err != nil || len(list) != 2 {
				t.Fatalf("ListTasks = %d tasks, %v", len(list), err)
			}

			found, err := s.SearchTasks(ctx, "c1", "u1", "gym")
			if err != nil || len(found) != 1 || found[0].ID != gym.ID {
				t.Errorf("SearchTasks exact = %+v, %v", found, err)
			}
			found, _ = s.SearchTasks(ctx, "c1", "u1", "gy")
			if len(found) != 2 {
				t.Errorf("SearchTasks fuzzy found %d, want 2", len(found))
			}

			due := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
			got.Recurrence = ""
			got.DueAt = &due
			got.Description = "legs"
			if err := s.UpdateTask(ctx, got); err != nil {
				t.Fatalf("UpdateTask error: %v", err)
			}
			got, _ = s.GetTask(ctx, gym.ID)
			if got.DueAt == nil || !got.DueAt.Equal(due) || got.Description != "legs" {
				t.Errorf("UpdateTask not persisted: %+v", got)
			}

			missing := got
			missing.ID = "t_missing"
			if err := s.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
				t.Errorf("UpdateTask missing error = %v", err)
			}

			done, err := s.CompleteTask(ctx, gym.ID, time.Now())
			if err != nil || done.CompletedAt == nil {
				t.Fatalf("CompleteTask = %+v, %v", done, err)
			}
			if _, err := s.CompleteTask(ctx, gym.ID, time.Now()); !errors.Is(err, ErrTaskCompleted) {
				t.Errorf("second CompleteTask error = %v", err)
			}
			list, _ = s.ListTasks(ctx, "c1", "u1")
			if len(list) != 1 {
				t.Errorf("completed task still listed: %+v", list)
			}
			openTasks, _ := s.ListOpenTasks(ctx)
			if len(openTasks) != 2 {
				t.Errorf("ListOpenTasks = %d, want 2", len(openTasks))
			}
			if _, err := s.GetTask(ctx, "t_missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetTask missing error = %v", err)
			}
		})
	}
}

func TestSongStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			song := &models.Song{ConversationID: "c1", Title: "Café del Mar", Link: "https://example.com/cafe", AddedBy: "u1"}
			if err := s.AddSong(ctx, song); err != nil {
				t.Fatalf("AddSong error: %v", err)
			}
			dup := &models.Song{ConversationID: "c1", Title: "cafe  DEL mar", Link: "https://example.com/other"}
			if err := s.AddSong(ctx, dup); !errors.Is(err, ErrDuplicateSong) {
				t.Errorf("duplicate AddSong error = %v", err)
			}
			other := &models.Song{ConversationID: "c2", Title: "Café del Mar", Link: "https://example.com/cafe"}
			if err := s.AddSong(ctx, other); err != nil {
				t.Errorf("same title in another conversation: %v", err)
			}
			if err := s.AddSong(ctx, &models.Song{ConversationID: "c1", Title: "Bad", Link: "ftp://x"}); !errors.Is(err, models.ErrInvalidSongLink) {
				t.Errorf("invalid link error = %v", err)
			}
			_ = s.AddSong(ctx, &models.Song{ConversationID: "c1", Title: "Aqua", Link: "https://example.com/aqua"})

			songs, err := s.ListSongs(ctx, "c1")
			if err != nil || len(songs) != 2 || songs[0].Title != "Aqua" {
				t.Fatalf("ListSongs = %+v, %v", songs, err)
			}
			found, _ := s.SearchSongs(ctx, "c1", "cafe del mar")
			if len(found) != 1 || found[0].ID != song.ID {
				t.Errorf("SearchSongs = %+v", found)
			}

			if err := s.RemoveSong(ctx, song.ID); err != nil {
				t.Fatalf("RemoveSong error: %v", err)
			}
			if err := s.RemoveSong(ctx, song.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("second RemoveSong error = %v", err)
			}
		})
	}
}

func TestJobRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now()

			id1, err := s.EnqueueJob(ctx, "due", now.Add(-time.Minute), `{"task_id":"t1"}`, "due:t1")
			if err != nil {
				t.Fatalf("EnqueueJob error: %v", err)
			}
			id2, _ := s.EnqueueJob(ctx, "due", now.Add(-time.Minute), `{}`, "due:t1")
			if id2 != id1 {
				t.Errorf("dedupe key ignored: %s != %s", id2, id1)
			}
			_, _ = s.EnqueueJob(ctx, "followup", now.Add(time.Hour), `{}`, "followup:t1:0")

			jobs, err := s.ClaimDueJobs(ctx, now, 10)
			if err != nil || len(jobs) != 1 || jobs[0].ID != id1 || jobs[0].Status != JobStatusRunning {
				t.Fatalf("ClaimDueJobs = %+v, %v", jobs, err)
			}
			if again, _ := s.ClaimDueJobs(ctx, now, 10); len(again) != 0 {
				t.Errorf("running job claimed twice")
			}

			if err := s.FailJob(ctx, id1, "boom", now.Add(-time.Second)); err != nil {
				t.Fatalf("FailJob error: %v", err)
			}
			j, _ := s.GetJob(ctx, id1)
			if j.Status != JobStatusQueued || j.Attempt != 1 || j.LastError != "boom" {
				t.Errorf("after FailJob: %+v", j)
			}
			_, _ = s.ClaimDueJobs(ctx, now, 10)
			_ = s.FailJob(ctx, id1, "boom", now)
			_, _ = s.ClaimDueJobs(ctx, now.Add(time.Minute), 10)
			_ = s.FailJob(ctx, id1, "boom", now)
			if j, _ := s.GetJob(ctx, id1); j.Status != JobStatusFailed {
				t.Errorf("job should have failed permanently: %+v", j)
			}

			n, err := s.CancelJobsByDedupePrefix(ctx, "followup:t1:")
			if err != nil || n != 1 {
				t.Errorf("CancelJobsByDedupePrefix = %d, %v", n, err)
			}
			if _, err := s.GetJob(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetJob missing error = %v", err)
			}
		})
	}
}

func TestJobRepo_RequeueStale(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	id, _ := s.EnqueueJob(ctx, "due", time.Now().Add(-time.Hour), `{}`, "")
	_, _ = s.ClaimDueJobs(ctx, time.Now().Add(-time.Hour), 1)

	n, err := s.RequeueStaleRunningJobs(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleRunningJobs = %d, %v", n, err)
	}
	if j, _ := s.GetJob(ctx, id); j.Status != JobStatusQueued {
		t.Errorf("job not requeued: %+v", j)
	}
}

func TestDedupRepo(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			first, err := s.RecordInbound(ctx, "m1", "c1")
			if err != nil || !first {
				t.Fatalf("RecordInbound = %v, %v", first, err)
			}
			again, _ := s.RecordInbound(ctx, "m1", "c1")
			if again {
				t.Error("duplicate message recorded twice")
			}
			if dup, _ := s.IsDuplicate(ctx, "m1"); !dup {
				t.Error("IsDuplicate(m1) = false")
			}
			if dup, _ := s.IsDuplicate(ctx, "m2"); dup {
				t.Error("IsDuplicate(m2) = true")
			}
			if err := s.MarkProcessed(ctx, "m1"); err != nil {
				t.Errorf("MarkProcessed error: %v", err)
			}

			if n, err := s.PruneInbound(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
				t.Errorf("PruneInbound(past) = %d, %v", n, err)
			}
			if n, err := s.PruneInbound(ctx, time.Now().Add(time.Hour)); err != nil || n != 1 {
				t.Errorf("PruneInbound(future) = %d, %v", n, err)
			}
			if fresh, _ := s.RecordInbound(ctx, "m1", "c1"); !fresh {
				t.Error("pruned message still treated as a duplicate")
			}
		})
	}
}
