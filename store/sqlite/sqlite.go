package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/apollo-events/data-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteSyncStorage struct {
	db *sql.DB
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// one writer at a time, shared-cache memory databases included
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteSyncStorage) SetRecord(ctx context.Context, storeID string, record store.StoredRecord, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if record.MutationId != "" {
		var applied int64
		err = tx.QueryRowContext(ctx, "SELECT revision FROM applied_mutations WHERE store_id = ? AND mutation_id = ?", storeID, record.MutationId).Scan(&applied)
		if err == nil {
			return applied, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("failed to look up mutation: %w", err)
		}
	}

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRowContext(ctx, "SELECT revision FROM records WHERE store_id = ? AND id = ?", storeID, record.Id).Scan(&revision)
	if err != sql.ErrNoRows {
		if err != nil {
			return 0, fmt.Errorf("failed to get record's latest revision: %w", err)
		}
		if existingRevision != revision {
			return 0, store.ErrSetConflict
		}
	} else if existingRevision != 0 {
		return 0, store.ErrSetConflict
	}

	var newRevision int64
	err = tx.QueryRowContext(ctx,
		"INSERT INTO store_revisions (store_id, revision) VALUES (?, 1) ON CONFLICT(store_id) DO UPDATE SET revision = revision + 1 RETURNING revision",
		storeID).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to update store's revision: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (store_id, id, collection, data, revision, deleted, updated_at, origin, mutation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		storeID, record.Id, record.Collection, record.Data, newRevision, record.Deleted, record.UpdatedAt, record.Origin, record.MutationId)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if record.MutationId != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO applied_mutations (store_id, mutation_id, record_id, revision) VALUES (?, ?, ?, ?)",
			storeID, record.MutationId, record.Id, newRevision)
		if err != nil {
			return 0, fmt.Errorf("failed to record mutation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *SQLiteSyncStorage) GetRecord(ctx context.Context, storeID, id string) (*store.StoredRecord, error) {
	record := store.StoredRecord{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, collection, data, revision, deleted, updated_at, origin, mutation_id FROM records WHERE store_id = ? AND id = ?",
		storeID, id).Scan(&record.Id, &record.Collection, &record.Data, &record.Revision, &record.Deleted, &record.UpdatedAt, &record.Origin, &record.MutationId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (s *SQLiteSyncStorage) ListChanges(ctx context.Context, storeID string, sinceRevision int64, limit int) ([]store.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, collection, data, revision, deleted, updated_at, origin, mutation_id FROM records WHERE store_id = ? AND revision > ? ORDER BY revision ASC LIMIT ?",
		storeID, sinceRevision, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		record := store.StoredRecord{}
		err = rows.Scan(&record.Id, &record.Collection, &record.Data, &record.Revision, &record.Deleted, &record.UpdatedAt, &record.Origin, &record.MutationId)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func (s *SQLiteSyncStorage) StoreRevision(ctx context.Context, storeID string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, "SELECT revision FROM store_revisions WHERE store_id = ?", storeID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get store's latest revision: %w", err)
	}
	return revision, nil
}

func (s *SQLiteSyncStorage) PutBlob(ctx context.Context, storeID string, blob store.StoredBlob) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blobs (store_id, digest, content_type, data, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (store_id, digest) DO NOTHING",
		storeID, blob.Digest, blob.ContentType, blob.Data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

func (s *SQLiteSyncStorage) GetBlob(ctx context.Context, storeID, digest string) (*store.StoredBlob, error) {
	blob := store.StoredBlob{}
	err := s.db.QueryRowContext(ctx,
		"SELECT digest, content_type, data, created_at FROM blobs WHERE store_id = ? AND digest = ?",
		storeID, digest).Scan(&blob.Digest, &blob.ContentType, &blob.Data, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &blob, nil
}
