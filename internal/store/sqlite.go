package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aakaash/commander-relay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// appendMu serializes appends so created_at stays monotonically
	// non-decreasing in insertion order and concurrent sessions cannot
	// interleave into SQLITE_BUSY storms.
	appendMu    sync.Mutex
	lastCreated int64 // unix nanoseconds of the most recent append
}

// NewSQLite creates a new SQLite-backed transcript store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode so a crash between append and client
	// acknowledgment cannot corrupt the log.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append records one message and returns its assigned ID.
// Busy/locked conflicts are retried with exponential backoff.
func (s *SQLiteStore) Append(ctx context.Context, role domain.Role, content string) (int64, error) {
	if role == "" {
		return 0, fmt.Errorf("append message: role is empty")
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	now := time.Now().UnixNano()
	if now < s.lastCreated {
		now = s.lastCreated
	}

	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		id, err := s.appendOnce(ctx, role, content, now)
		if err == nil {
			s.lastCreated = now
			return id, nil
		}
		lastErr = err

		if !isSQLiteConflict(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("append conflicted with concurrent writer, retrying",
			"attempt", i+1,
			"delay", delay)
		time.Sleep(delay)
	}

	return 0, fmt.Errorf("append message after retries: %w", lastErr)
}

func (s *SQLiteStore) appendOnce(ctx context.Context, role domain.Role, content string, createdAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (role, content, created_at) VALUES (?, ?, ?)`,
		string(role), content, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ListAll returns every persisted message in insertion order.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether err is a SQLITE_BUSY or "database is
// locked" concurrency error worth retrying.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
