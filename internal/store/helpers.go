package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

const taskColumns = `id, conversation_id, owner_id, name, description, recurrence, due_at, time_zone, follow_ups, early_completion_hours, created_at, updated_at, completed_at`

const songColumns = `id, conversation_id, title, artist, link, added_by, added_at`

// nilIfEmpty returns nil for "" so the column is stored as NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime returns nil for a nil pointer, otherwise the UTC time.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// likePrefix escapes prefix for use in LIKE ... ESCAPE '\'.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timePtr(lockedAt)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs failed: %w", err)
	}
	return jobs, nil
}

func encodeFollowUps(followUps []string) (string, error) {
	if len(followUps) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(followUps)
	if err != nil {
		return "", fmt.Errorf("encode follow-ups: %w", err)
	}
	return string(b), nil
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var followUps string
	var dueAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.ConversationID, &t.OwnerID, &t.Name, &t.Description, &t.Recurrence, &dueAt,
		&t.TimeZone, &followUps, &t.EarlyCompletionHours, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return t, err
	}
	t.DueAt = timePtr(dueAt)
	t.CompletedAt = timePtr(completedAt)
	if followUps != "" && followUps != "[]" {
		if err := json.Unmarshal([]byte(followUps), &t.FollowUps); err != nil {
			return t, fmt.Errorf("decode follow-ups of task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task failed: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks failed: %w", err)
	}
	return tasks, nil
}

func scanSongs(rows *sql.Rows) ([]models.Song, error) {
	defer rows.Close()
	var songs []models.Song
	for rows.Next() {
		var s models.Song
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.Title, &s.Artist, &s.Link, &s.AddedBy, &s.AddedAt); err != nil {
			return nil, fmt.Errorf("scan song failed: %w", err)
		}
		songs = append(songs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate songs failed: %w", err)
	}
	return songs, nil
}
