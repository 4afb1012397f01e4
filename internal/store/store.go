// Package store persists restore states and entry overrides in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/trymwestin/sonicare/internal/core/entry"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	connectionTimeout = 5 * time.Second
	connMaxIdleTime   = 30 * time.Minute
)

// Config maps to the store section of the configuration file.
type Config struct {
	// Path of the database file. Its directory is created when missing.
	Path string `yaml:"path"`
	// WALMode enables write-ahead logging.
	WALMode bool `yaml:"wal_mode"`
	// BusyTimeout is the lock wait in seconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	path string
}

// Open creates the database file if needed and verifies the connection.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeout*1000)
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, fmt.Errorf("store: verifying database connection: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store: health check: %w", err)
	}
	return nil
}

// LastState returns the last persisted state of an entity.
func (db *DB) LastState(ctx context.Context, uniqueID string) (string, bool, error) {
	var s string
	err := db.QueryRowContext(ctx, "SELECT state FROM entity_states WHERE unique_id = ?", uniqueID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: last state %s: %w", uniqueID, err)
	}
	return s, true, nil
}

// SaveState upserts the last state of an entity.
func (db *DB) SaveState(ctx context.Context, uniqueID, value string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entity_states (unique_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		uniqueID, value, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save state %s: %w", uniqueID, err)
	}
	return nil
}

// SaveEntry upserts the runtime-editable view of an entry.
func (db *DB) SaveEntry(ctx context.Context, e entry.Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entries (id, address, title, mode, poll_interval, disabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			title = excluded.title,
			mode = excluded.mode,
			poll_interval = excluded.poll_interval,
			disabled = excluded.disabled,
			updated_at = excluded.updated_at`,
		e.ID, e.Address, e.Title, string(e.Mode), int64(e.PollInterval), e.Disabled,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save entry %s: %w", e.ID, err)
	}
	return nil
}

// LoadEntries returns every stored entry ordered by id.
func (db *DB) LoadEntries(ctx context.Context) ([]entry.Entry, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, address, title, mode, poll_interval, disabled FROM entries ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: querying entries: %w", err)
	}
	defer rows.Close()

	var out []entry.Entry
	for rows.Next() {
		var (
			e     entry.Entry
			mode  string
			pollN int64
		)
		if err := rows.Scan(&e.ID, &e.Address, &e.Title, &mode, &pollN, &e.Disabled); err != nil {
			return nil, fmt.Errorf("store: scanning entry: %w", err)
		}
		e.Mode = entry.Mode(mode)
		e.PollInterval = time.Duration(pollN)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entries: %w", err)
	}
	return out, nil
}

// ApplyOverrides returns configured with the title, poll interval and
// disabled flag of any stored entry with the same id. Stored entries that
// are no longer configured are ignored.
func ApplyOverrides(configured, stored []entry.Entry) []entry.Entry {
	byID := make(map[string]entry.Entry, len(stored))
	for _, e := range stored {
		byID[e.ID] = e
	}
	out := make([]entry.Entry, len(configured))
	for i, e := range configured {
		if s, ok := byID[e.ID]; ok && e.ID != "" {
			e.Title = s.Title
			e.PollInterval = s.PollInterval
			e.Disabled = s.Disabled
		}
		out[i] = e
	}
	return out
}
