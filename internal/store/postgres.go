package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store on a PostgreSQL database.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the DSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, now: time.Now}, nil
}

// CreateTask inserts t with a fresh ID.
func (s *PostgresStore) CreateTask(ctx context.Context, t *models.Task) error {
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
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, t.ConversationID, t.OwnerID, t.Name, t.Description, t.Recurrence, nullableTime(t.DueAt),
		t.TimeZone, followUps, t.EarlyCompletionHours, now, now, nullableTime(t.CompletedAt),
	)
	if err != nil {
		slog.Error("PostgresStore CreateTask failed", "error", err, "conversationID", t.ConversationID)
		return fmt.Errorf("failed to insert task: %w", err)
	}
	t.ID, t.CreatedAt, t.UpdatedAt = id, now, now
	slog.Debug("PostgresStore CreateTask succeeded", "id", id, "conversationID", t.ConversationID)
	return nil
}

// UpdateTask rewrites the mutable columns of a task.
func (s *PostgresStore) UpdateTask(ctx context.Context, t models.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	followUps, err := encodeFollowUps(t.FollowUps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = $1, description = $2, recurrence = $3, due_at = $4, time_zone = $5, follow_ups = $6,
		 early_completion_hours = $7, updated_at = $8 WHERE id = $9`,
		t.Name, t.Description, t.Recurrence, nullableTime(t.DueAt), t.TimeZone, followUps,
		t.EarlyCompletionHours, s.now().UTC(), t.ID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateTask failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	slog.Debug("PostgresStore UpdateTask succeeded", "id", t.ID)
	return nil
}

// CompleteTask stamps completed_at on an open task.
func (s *PostgresStore) CompleteTask(ctx context.Context, id string, at time.Time) (models.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if !t.IsOpen() {
		return t, ErrTaskCompleted
	}
	at = at.UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed_at = $1, updated_at = $2 WHERE id = $3 AND completed_at IS NULL`,
		at, s.now().UTC(), id,
	); err != nil {
		slog.Error("PostgresStore CompleteTask failed", "error", err, "id", id)
		return models.Task{}, fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	t.CompletedAt = &at
	return t, nil
}

// GetTask loads one task.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
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
func (s *PostgresStore) ListTasks(ctx context.Context, conversationID, ownerID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE conversation_id = $1 AND owner_id = $2 AND completed_at IS NULL
		 ORDER BY created_at, id`,
		conversationID, ownerID,
	)
	if err != nil {
		slog.Error("PostgresStore ListTasks query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListOpenTasks returns every open task.
func (s *PostgresStore) ListOpenTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE completed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	return scanTasks(rows)
}

// SearchTasks matches query against the owner's open task names.
func (s *PostgresStore) SearchTasks(ctx context.Context, conversationID, ownerID, query string) ([]models.Task, error) {
	tasks, err := s.ListTasks(ctx, conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	return searchTasks(tasks, query), nil
}

// AddSong inserts a playlist entry.
func (s *PostgresStore) AddSong(ctx context.Context, song *models.Song) error {
	if err := song.Validate(); err != nil {
		return fmt.Errorf("invalid song: %w", err)
	}
	key := titleKey(song.Title)
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM songs WHERE conversation_id = $1 AND title_key = $2`, song.ConversationID, key).Scan(&existing)
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
		`INSERT INTO songs (id, conversation_id, title, title_key, artist, link, added_by, added_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, song.ConversationID, song.Title, key, song.Artist, song.Link, song.AddedBy, addedAt,
	); err != nil {
		slog.Error("PostgresStore AddSong failed", "error", err, "conversationID", song.ConversationID)
		return fmt.Errorf("failed to insert song: %w", err)
	}
	song.ID, song.AddedAt = id, addedAt
	return nil
}

// RemoveSong deletes a playlist entry.
func (s *PostgresStore) RemoveSong(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete song %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("song %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSongs returns a conversation's playlist ordered by title.
func (s *PostgresStore) ListSongs(ctx context.Context, conversationID string) ([]models.Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs WHERE conversation_id = $1 ORDER BY title_key`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query songs: %w", err)
	}
	return scanSongs(rows)
}

// SearchSongs matches query against the conversation's playlist.
func (s *PostgresStore) SearchSongs(ctx context.Context, conversationID, query string) ([]models.Song, error) {
	songs, err := s.ListSongs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return searchSongs(songs, query), nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
		return err
	}
	return nil
}
