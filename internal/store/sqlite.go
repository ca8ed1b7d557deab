package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store on a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates when missing) the database at the DSN
// path and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// CreateTask inserts t with a fresh ID.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	followUps, err := encodeFollowUps(t.FollowUps)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	id := util.NewTaskID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.ConversationID, t.OwnerID, t.Name, t.Description, t.Recurrence, nullableTime(t.DueAt),
		t.TimeZone, followUps, t.EarlyCompletionHours, now, now, nullableTime(t.CompletedAt),
	)
	if err != nil {
		slog.Error("SQLiteStore CreateTask failed", "error", err, "conversationID", t.ConversationID)
		return fmt.Errorf("failed to insert task: %w", err)
	}
	t.ID, t.CreatedAt, t.UpdatedAt = id, now, now
	slog.Debug("SQLiteStore CreateTask succeeded", "id", id, "conversationID", t.ConversationID)
	return nil
}

// UpdateTask rewrites the mutable columns of a task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t models.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	followUps, err := encodeFollowUps(t.FollowUps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, description = ?, recurrence = ?, due_at = ?, time_zone = ?, follow_ups = ?,
		 early_completion_hours = ?, updated_at = ? WHERE id = ?`,
		t.Name, t.Description, t.Recurrence, nullableTime(t.DueAt), t.TimeZone, followUps,
		t.EarlyCompletionHours, s.now().UTC(), t.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateTask failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	slog.Debug("SQLiteStore UpdateTask succeeded", "id", t.ID)
	return nil
}

// CompleteTask stamps completed_at on an open task.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, at time.Time) (models.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if !t.IsOpen() {
		return t, ErrTaskCompleted
	}
	at = at.UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed_at = ?, updated_at = ? WHERE id = ? AND completed_at IS NULL`,
		at, s.now().UTC(), id,
	); err != nil {
		slog.Error("SQLiteStore CompleteTask failed", "error", err, "id", id)
		return models.Task{}, fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	t.CompletedAt = &at
	return t, nil
}

// GetTask loads one task.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns the owner's open tasks in a conversation.
func (s *SQLiteStore) ListTasks(ctx context.Context, conversationID, ownerID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE conversation_id = ? AND owner_id = ? AND completed_at IS NULL
		 ORDER BY created_at, id`,
		conversationID, ownerID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListTasks query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListOpenTasks returns every open task.
func (s *SQLiteStore) ListOpenTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE completed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	return scanTasks(rows)
}

// SearchTasks matches query against the owner's open task names.
func (s *SQLiteStore) SearchTasks(ctx context.Context, conversationID, ownerID, query string) ([]models.Task, error) {
	tasks, err := s.ListTasks(ctx, conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	return searchTasks(tasks, query), nil
}

// AddSong inserts a playlist entry.
func (s *SQLiteStore) AddSong(ctx context.Context, song *models.Song) error {
	if err := song.Validate(); err != nil {
		return fmt.Errorf("invalid song: %w", err)
	}
	key := titleKey(song.Title)
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM songs WHERE conversation_id = ? AND title_key = ?`, song.ConversationID, key).Scan(&existing)
	if err == nil {
		return ErrDuplicateSong
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("song duplicate check failed: %w", err)
	}

	id := util.NewSongID()
	addedAt := song.AddedAt
	if addedAt.IsZero() {
		addedAt = s.now()
	}
	addedAt = addedAt.UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO songs (id, conversation_id, title, title_key, artist, link, added_by, added_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, song.ConversationID, song.Title, key, song.Artist, song.Link, song.AddedBy, addedAt,
	); err != nil {
		slog.Error("SQLiteStore AddSong failed", "error", err, "conversationID", song.ConversationID)
		return fmt.Errorf("failed to insert song: %w", err)
	}
	song.ID, song.AddedAt = id, addedAt
	return nil
}

// RemoveSong deletes a playlist entry.
func (s *SQLiteStore) RemoveSong(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete song %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSongs returns a conversation's playlist ordered by title.
func (s *SQLiteStore) ListSongs(ctx context.Context, conversationID string) ([]models.Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs WHERE conversation_id = ? ORDER BY title_key`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query songs: %w", err)
	}
	return scanSongs(rows)
}

// SearchSongs matches query against the conversation's playlist.
func (s *SQLiteStore) SearchSongs(ctx context.Context, conversationID, query string) ([]models.Song, error) {
	songs, err := s.ListSongs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return searchSongs(songs, query), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
		return err
	}
	return nil
}
