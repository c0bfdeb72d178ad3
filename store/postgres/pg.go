package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/apollo-events/data-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"data-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgSyncStorage) SetRecord(ctx context.Context, storeID string, record store.StoredRecord, existingRevision int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.Serializable,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	if record.MutationId != "" {
		var applied int64
		err = tx.QueryRow(ctx, "SELECT revision FROM applied_mutations WHERE store_id = $1 AND mutation_id = $2", storeID, record.MutationId).Scan(&applied)
		if err == nil {
			return applied, nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("failed to look up mutation: %w", err)
		}
	}

	// check that the existing revision is the same as the one we expect
	var revision int64
	err = tx.QueryRow(ctx, "SELECT revision FROM records WHERE store_id = $1 AND id = $2", storeID, record.Id).Scan(&revision)
	if err != pgx.ErrNoRows {
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
	err = tx.QueryRow(ctx, "INSERT INTO store_revisions (store_id, revision) VALUES ($1, 1) ON CONFLICT(store_id) DO UPDATE SET revision=store_revisions.revision + 1 RETURNING revision", storeID).Scan(&newRevision)
	if err != nil {
		return 0, fmt.Errorf("failed to set store's latest revision: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO records (store_id, id, collection, data, revision, deleted, updated_at, origin, mutation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (store_id, id) DO UPDATE SET collection=EXCLUDED.collection, data=EXCLUDED.data, revision=EXCLUDED.revision,
		   deleted=EXCLUDED.deleted, updated_at=EXCLUDED.updated_at, origin=EXCLUDED.origin, mutation_id=EXCLUDED.mutation_id`,
		storeID, record.Id, record.Collection, record.Data, newRevision, record.Deleted, record.UpdatedAt, record.Origin, record.MutationId)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	if record.MutationId != "" {
		_, err = tx.Exec(ctx,
			"INSERT INTO applied_mutations (store_id, mutation_id, record_id, revision) VALUES ($1, $2, $3, $4)",
			storeID, record.MutationId, record.Id, newRevision)
		if err != nil {
			return 0, fmt.Errorf("failed to record mutation: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newRevision, nil
}

func (s *PgSyncStorage) GetRecord(ctx context.Context, storeID, id string) (*store.StoredRecord, error) {
	record := store.StoredRecord{}
	err := s.db.QueryRow(ctx,
		"SELECT id, collection, data, revision, deleted, updated_at, origin, mutation_id FROM records WHERE store_id = $1 AND id = $2",
		storeID, id).Scan(&record.Id, &record.Collection, &record.Data, &record.Revision, &record.Deleted, &record.UpdatedAt, &record.Origin, &record.MutationId)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (s *PgSyncStorage) ListChanges(ctx context.Context, storeID string, sinceRevision int64, limit int) ([]store.StoredRecord, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, collection, data, revision, deleted, updated_at, origin, mutation_id FROM records WHERE store_id = $1 AND revision > $2 ORDER BY revision ASC LIMIT $3",
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

func (s *PgSyncStorage) StoreRevision(ctx context.Context, storeID string) (int64, error) {
	var revision int64
	err := s.db.QueryRow(ctx, "SELECT revision FROM store_revisions WHERE store_id = $1", storeID).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get store's latest revision: %w", err)
	}
	return revision, nil
}

func (s *PgSyncStorage) PutBlob(ctx context.Context, storeID string, blob store.StoredBlob) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO blobs (store_id, digest, content_type, data, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (store_id, digest) DO NOTHING",
		storeID, blob.Digest, blob.ContentType, blob.Data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert blob: %w", err)
	}
	return nil
}

func (s *PgSyncStorage) GetBlob(ctx context.Context, storeID, digest string) (*store.StoredBlob, error) {
	blob := store.StoredBlob{}
	err := s.db.QueryRow(ctx,
		"SELECT digest, content_type, data, created_at FROM blobs WHERE store_id = $1 AND digest = $2",
		storeID, digest).Scan(&blob.Digest, &blob.ContentType, &blob.Data, &blob.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &blob, nil
}
