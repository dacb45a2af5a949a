package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/abalyn/certflow/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
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
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		procedure_text TEXT NOT NULL,
		topics_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		closed_at INTEGER,
		outcome_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at) WHERE closed_at IS NULL;
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

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	topicsJSON, err := json.Marshal(session.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, procedure_text, topics_json, created_at, last_active_at)
	VALUES (?, ?, ?, ?, ?)`

	return retryOnBusy(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.ProcedureText, string(topicsJSON),
			session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, procedure_text, topics_json,
		       created_at, last_active_at, closed_at, outcome_json
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var session domain.Session
	var topicsJSON string
	var createdAt, lastActive int64
	var closedAt sql.NullInt64
	var outcomeJSON sql.NullString

	if err := scan(
		&session.ID, &session.ProcedureText, &topicsJSON,
		&createdAt, &lastActive, &closedAt, &outcomeJSON,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(topicsJSON), &session.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActiveAt = time.Unix(lastActive, 0)
	if closedAt.Valid {
		ts := time.Unix(closedAt.Int64, 0)
		session.ClosedAt = &ts
	}
	if outcomeJSON.Valid {
		session.OutcomeJSON = &outcomeJSON.String
	}

	return &session, nil
}

// UpdateLastActive updates the last_active_at timestamp for a session.
func (s *SQLiteStore) UpdateLastActive(ctx context.Context, sessionID string, lastActive time.Time) error {
	query := `UPDATE sessions SET last_active_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastActive.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update last_active: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// GetExpiredSessions retrieves open sessions idle beyond the TTL.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_id, procedure_text, topics_json,
		       created_at, last_active_at, closed_at, outcome_json
		FROM sessions WHERE closed_at IS NULL AND last_active_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return sessions, nil
}

// CloseSession marks a session closed and stores its finalized outcome.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time, outcomeJSON string) error {
	query := `UPDATE sessions SET closed_at = ?, outcome_json = ? WHERE session_id = ? AND closed_at IS NULL`

	return retryOnBusy(ctx, "close session", func() error {
		result, err := s.db.ExecContext(ctx, query, closedAt.Unix(), outcomeJSON, sessionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// DeleteSession removes a session record entirely.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
