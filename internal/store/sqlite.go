package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based event store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL plus a busy timeout lets the API read while the manager writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_events (
		id TEXT PRIMARY KEY,
		serial TEXT NOT NULL,
		type TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		detail TEXT,
		success BOOLEAN NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_device_events_serial ON device_events(serial, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *Event) error {
	prepare(ev)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (id, serial, type, from_state, to_state, detail, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Serial, string(ev.Type), ev.From, ev.To, ev.Detail, ev.Success, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, serial string, limit int) ([]*Event, error) {
	query := `SELECT id, serial, type, from_state, to_state, detail, success, created_at
		FROM device_events WHERE serial = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{serial}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanEvents reads event rows from either SQL backend
func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var ev Event
		var evType string
		var from, to, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Serial, &evType, &from, &to, &detail, &ev.Success, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = EventType(evType)
		ev.From = from.String
		ev.To = to.String
		ev.Detail = detail.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}
