package local

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	metaDeviceID = "device_id"
	metaCursor   = "sync_cursor"
)

type Options struct {
	// Path is a file path or an SQLite URI such as
	// "file:device?mode=memory&cache=shared".
	Path string
	// MaxPageCount caps the database size in pages; 0 leaves SQLite's default.
	MaxPageCount int
	// MaxPayloadBytes caps a single record payload; 0 means
	// DefaultMaxPayloadBytes.
	MaxPayloadBytes int
	// Now overrides the wall clock used to stamp mutations.
	Now func() time.Time
}

// DefaultMaxPayloadBytes keeps a lone mutation well under the remote's
// request body limit once base64 encoded.
const DefaultMaxPayloadBytes = 1 << 20

// Store is the device's durable record store. It owns the records table,
// the change queue and the sync cursor; all three share one SQLite database
// so a record write and its queue entry commit together.
type Store struct {
	db       *sql.DB
	locks    *keyMutex
	now      func() time.Time
	maxBytes int
	deviceID string
	queue    *Queue
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps per-connection
	// pragmas such as max_page_count in force.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db, opts.MaxPageCount); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBytes := opts.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	s := &Store{db: db, locks: newKeyMutex(), now: now, maxBytes: maxBytes}
	s.queue = &Queue{store: s}

	s.deviceID, err = s.ensureDeviceID(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, maxPageCount int) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	if maxPageCount > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA max_page_count = %d", maxPageCount))
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "local", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations %w", classify(err))
	}
	return nil
}

func (s *Store) ensureDeviceID(ctx context.Context) (string, error) {
	id, err := s.meta(ctx, s.db, metaDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.setMeta(ctx, s.db, metaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DeviceID identifies this device as the origin of its mutations. It is
// generated on first open and persisted.
func (s *Store) DeviceID() string {
	return s.deviceID
}

func (s *Store) Queue() *Queue {
	return s.queue
}

// Cursor returns the persisted SyncCursor; empty before the first download.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	return s.meta(ctx, s.db, metaCursor)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) meta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %v: %w", key, classify(err))
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return fmt.Errorf("failed to write %v: %w", key, classify(err))
	}
	return nil
}

// inTx runs fn in a transaction and commits only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

type Stats struct {
	Records   int
	Pending   int
	Acked     int
	Conflicts int
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM records WHERE deleted = 0),
		(SELECT COUNT(*) FROM change_queue WHERE acked = 0),
		(SELECT COUNT(*) FROM change_queue WHERE acked = 1),
		(SELECT COUNT(*) FROM conflicts)`).Scan(&st.Records, &st.Pending, &st.Acked, &st.Conflicts)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", classify(err))
	}
	return st, nil
}
