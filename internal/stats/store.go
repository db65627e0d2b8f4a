package stats

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
	maxErrorMessageLen = 2000 // runes
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrorRecord is one row of the error journal.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps per-user message counters and a journal of pipeline errors in
// SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("stats db path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordMessage increments the user's message counter and returns the new
// value.
func (s *Store) RecordMessage(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("user_id is required")
	}
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_counts (user_id, messages, updated_at_ms)
		VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			messages      = message_counts.messages + 1,
			updated_at_ms = excluded.updated_at_ms
		RETURNING messages
	`, userID, s.now().UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	return count, nil
}

// MessageCount returns 0 for users that never got a reply.
func (s *Store) MessageCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT messages FROM message_counts WHERE user_id = ?", strings.TrimSpace(userID),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query message count: %w", err)
	}
	return count, nil
}

// RecordError appends cause to the journal under stage.
func (s *Store) RecordError(ctx context.Context, stage string, cause error) (ErrorRecord, error) {
	if cause == nil {
		return ErrorRecord{}, errors.New("error is required")
	}
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "unknown"
	}
	message := cause.Error()
	if runes := []rune(message); len(runes) > maxErrorMessageLen {
		message = string(runes[:maxErrorMessageLen])
	}
	rec := ErrorRecord{
		ID:        uuid.New().String(),
		Stage:     stage,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO error_log (id, stage, message, created_at_ms) VALUES (?, ?, ?, ?)",
		rec.ID, rec.Stage, rec.Message, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return ErrorRecord{}, fmt.Errorf("record error: %w", err)
	}
	return rec, nil
}

// RecentErrors returns up to limit journal rows, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage, message, created_at_ms
		FROM error_log
		ORDER BY created_at_ms DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	out := make([]ErrorRecord, 0, limit)
	for rows.Next() {
		var (
			rec       ErrorRecord
			createdMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.Stage, &rec.Message, &createdMS); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil || version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, strings.TrimSuffix(rest, ".sql"),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Printf("event=stats_migration_applied version=%d name=%s", version, name)
	}
	return nil
}
