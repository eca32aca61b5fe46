// Package journal keeps a queryable history of registry events in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/observer"
)

const (
	dirPermissions    = 0o750
	filePermissions   = 0o600
	connectionTimeout = 5 * time.Second
	writeTimeout      = 2 * time.Second
	connMaxIdleTime   = 30 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	at              INTEGER NOT NULL,
	event           TEXT NOT NULL,
	connection_id   TEXT NOT NULL DEFAULT '',
	connection_type TEXT NOT NULL DEFAULT '',
	identifier      TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	device_type     TEXT NOT NULL DEFAULT '',
	message_type    TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
CREATE INDEX IF NOT EXISTS idx_events_identifier ON events(identifier, at);
`

// Logger is the subset of slog.Logger the journal uses.
type Logger interface {
	Error(msg string, args ...any)
}

// Journal is an observer.Sink storing every event as a row.
type Journal struct {
	db     *sql.DB
	path   string
	logger Logger
}

var _ observer.Sink = (*Journal)(nil)

// Open creates the database file and its directory if needed, switches it
// to WAL mode and applies the schema.
func Open(cfg config.JournalConfig, logger Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeoutDuration().Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying journal connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Journal{db: db, path: cfg.Path, logger: logger}, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) HandleEvent(e observer.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.Record(ctx, e); err != nil && j.logger != nil {
		j.logger.Error("failed to journal event", "event", e.Kind, "error", err)
	}
}

// Record inserts e. Recording the same event id twice is a no-op.
func (j *Journal) Record(ctx context.Context, e observer.Event) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(id, at, event, connection_id, connection_type, identifier, name, device_type, message_type, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UnixNano(), e.Kind, e.ConnectionID, e.ConnectionType,
		e.Identifier, e.Name, e.DeviceType, e.MessageType, e.Detail)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Query narrows Recent. Zero fields match everything.
type Query struct {
	Identifier string
	Kind       string
	Limit      int
}

const defaultLimit = 100

// Recent returns the newest matching events, newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]observer.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, at, event, connection_id, connection_type, identifier, name, device_type, message_type, detail
		FROM events
		WHERE (? = '' OR identifier = ?) AND (? = '' OR event = ?)
		ORDER BY at DESC, rowid DESC
		LIMIT ?`,
		q.Identifier, q.Identifier, q.Kind, q.Kind, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []observer.Event
	for rows.Next() {
		var (
			e  observer.Event
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.ConnectionID, &e.ConnectionType,
			&e.Identifier, &e.Name, &e.DeviceType, &e.MessageType, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Prune deletes events older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM events WHERE at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck runs a trivial query.
func (j *Journal) HealthCheck(ctx context.Context) error {
	var one int
	if err := j.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("journal health check failed: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}
