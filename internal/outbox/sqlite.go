package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists messages in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	inMemory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_timestamp ON outbox(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, m QueuedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, content, timestamp, status, retry_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			timestamp = excluded.timestamp,
			status = excluded.status,
			retry_count = excluded.retry_count`,
		m.ID, m.Content, m.Timestamp.UnixNano(), string(m.Status), m.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, timestamp, status, retry_count FROM outbox WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedMessage{}, ErrNotFound
	}
	if err != nil {
		return QueuedMessage{}, fmt.Errorf("failed to load message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, timestamp, status, retry_count FROM outbox ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (QueuedMessage, error) {
	var (
		m      QueuedMessage
		ts     int64
		status string
	)
	if err := sc.Scan(&m.ID, &m.Content, &ts, &status, &m.RetryCount); err != nil {
		return QueuedMessage{}, err
	}
	m.Timestamp = time.Unix(0, ts)
	m.Status = Status(status)
	return m, nil
}
