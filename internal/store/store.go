// Package store persists tasks, playlists, reminder jobs and inbound
// message records.
//
// Three backends implement Store: InMemoryStore for tests and ephemeral
// runs, SQLiteStore and PostgresStore for durable deployments. Dialog state
// is never stored here.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/match"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Error variables for store operations
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateSong = errors.New("a song with this title is already on the playlist")
	ErrTaskCompleted = errors.New("task is already completed")
	ErrDSNNotSet     = errors.New("database DSN not set")
)

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask assigns an ID and timestamps to t and stores it.
	CreateTask(ctx context.Context, t *models.Task) error
	// UpdateTask replaces an existing task. ErrNotFound if it does not exist.
	UpdateTask(ctx context.Context, t models.Task) error
	// CompleteTask marks a task done at the given time and returns it.
	CompleteTask(ctx context.Context, id string, at time.Time) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	// ListTasks returns the open tasks of an owner in a conversation, oldest first.
	ListTasks(ctx context.Context, conversationID, ownerID string) ([]models.Task, error)
	// ListOpenTasks returns every open task, oldest first.
	ListOpenTasks(ctx context.Context) ([]models.Task, error)
	// SearchTasks matches query against the owner's open task names, best first.
	SearchTasks(ctx context.Context, conversationID, ownerID, query string) ([]models.Task, error)
}

// SongStore persists playlists, one per conversation.
type SongStore interface {
	// AddSong assigns an ID to s and stores it. ErrDuplicateSong when the
	// conversation already has a song with the same (folded) title.
	AddSong(ctx context.Context, s *models.Song) error
	RemoveSong(ctx context.Context, id string) error
	ListSongs(ctx context.Context, conversationID string) ([]models.Song, error)
	// SearchSongs matches query against the conversation's song titles, best first.
	SearchSongs(ctx context.Context, conversationID, query string) ([]models.Song, error)
}

// Store is everything TaskPipe persists.
type Store interface {
	TaskStore
	SongStore
	JobRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType returns DSNTypePostgres for Postgres URLs or keyword DSNs
// and DSNTypeSQLite for anything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the backend for dsn: an InMemoryStore when dsn is empty,
// otherwise SQLite or Postgres depending on DetectDSNType.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// titleKey is the folded title used to detect duplicate songs.
func titleKey(title string) string {
	return match.Normalize(title)
}

// searchTasks narrows tasks to the ones matching query. An exact match
// hides the fuzzy ones.
func searchTasks(tasks []models.Task, query string) []models.Task {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	r := match.Find(query, names)
	out := make([]models.Task, 0, len(r.Indexes))
	for _, i := range r.Indexes {
		out = append(out, tasks[i])
	}
	return out
}

func searchSongs(songs []models.Song, query string) []models.Song {
	names := make([]string, len(songs))
	for i, s := range songs {
		names[i] = s.Title
	}
	r := match.Find(query, names)
	out := make([]models.Song, 0, len(r.Indexes))
	for _, i := range r.Indexes {
		out = append(out, songs[i])
	}
	return out
}
