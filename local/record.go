package local

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

type Record struct {
	ID         string
	Collection string
	Payload    []byte
	// LocalRevision increases by one on every local mutation of the record.
	LocalRevision int64
	// RemoteRevision is the revision the remote last confirmed for this
	// record; nil until the record has been uploaded or downloaded.
	RemoteRevision *int64
	Deleted        bool
	// UpdatedAt is the mutation time in unix milliseconds.
	UpdatedAt int64
	// Origin is the device that produced the current payload.
	Origin string
}

func checksum(id, collection string, payload []byte, deleted bool) uint64 {
	d := xxhash.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(id)))
	d.Write(n[:])
	d.WriteString(id)
	binary.BigEndian.PutUint64(n[:], uint64(len(collection)))
	d.Write(n[:])
	d.WriteString(collection)
	d.Write(payload)
	if deleted {
		d.Write([]byte{1})
	} else {
		d.Write([]byte{0})
	}
	return d.Sum64()
}

const recordColumns = "id, collection, payload, local_revision, remote_revision, deleted, updated_at, origin, checksum"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r        Record
		remote   sql.NullInt64
		storedCS int64
	)
	if err := row.Scan(&r.ID, &r.Collection, &r.Payload, &r.LocalRevision, &remote, &r.Deleted, &r.UpdatedAt, &r.Origin, &storedCS); err != nil {
		return nil, err
	}
	if remote.Valid {
		rev := remote.Int64
		r.RemoteRevision = &rev
	}
	if checksum(r.ID, r.Collection, r.Payload, r.Deleted) != uint64(storedCS) {
		return nil, fmt.Errorf("%w: checksum mismatch for %q", ErrCorrupt, r.ID)
	}
	return &r, nil
}

// lookup returns the stored row for id, tombstones included, or nil.
func (s *Store) lookup(ctx context.Context, q querier, id string) (*Record, error) {
	record, err := scanRecord(q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read record %q: %w", id, classify(err))
	}
	return record, nil
}

func (s *Store) writeRecord(ctx context.Context, q querier, r *Record) error {
	var remote any
	if r.RemoteRevision != nil {
		remote = *r.RemoteRevision
	}
	cs := int64(checksum(r.ID, r.Collection, r.Payload, r.Deleted))
	_, err := q.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET collection = excluded.collection, payload = excluded.payload,
		local_revision = excluded.local_revision, remote_revision = excluded.remote_revision,
		deleted = excluded.deleted, updated_at = excluded.updated_at, origin = excluded.origin, checksum = excluded.checksum`,
		r.ID, r.Collection, r.Payload, r.LocalRevision, remote, r.Deleted, r.UpdatedAt, r.Origin, cs)
	if err != nil {
		return fmt.Errorf("failed to write record %q: %w", r.ID, classify(err))
	}
	return nil
}

// Put creates or replaces the payload of record id and queues the mutation.
func (s *Store) Put(ctx context.Context, id, collection string, payload []byte) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if len(payload) > s.maxBytes {
		return nil, &PayloadTooLargeError{ID: id, Size: len(payload), Limit: s.maxBytes}
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	var result *Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		op := OpCreate
		record := &Record{ID: id}
		if existing != nil {
			record.LocalRevision = existing.LocalRevision
			record.RemoteRevision = existing.RemoteRevision
			if !existing.Deleted {
				op = OpUpdate
			}
		}
		record.Collection = collection
		record.Payload = payload
		record.LocalRevision++
		record.UpdatedAt = s.now().UnixMilli()
		record.Origin = s.deviceID

		if err := s.writeRecord(ctx, tx, record); err != nil {
			return err
		}
		if err := s.appendEntry(ctx, tx, record, op); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the live record id. Deleted records are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	record, err := s.lookup(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Deleted {
		return nil, ErrNotFound
	}
	return record, nil
}

// Delete tombstones record id and queues the deletion. The row is kept so
// the local revision keeps increasing if the id is written again.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil || existing.Deleted {
			return ErrNotFound
		}
		existing.Payload = nil
		existing.Deleted = true
		existing.LocalRevision++
		existing.UpdatedAt = s.now().UnixMilli()
		existing.Origin = s.deviceID
		if err := s.writeRecord(ctx, tx, existing); err != nil {
			return err
		}
		return s.appendEntry(ctx, tx, existing, OpDelete)
	})
}

// List returns the live records of a collection ordered by id. An empty
// collection lists every live record.
func (s *Store) List(ctx context.Context, collection string) ([]*Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE deleted = 0"
	args := []any{}
	if collection != "" {
		query += " AND collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", classify(err))
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to scan record: %w", classify(err))
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", classify(err))
	}
	return records, nil
}

// ListPending returns every unacknowledged change in queue order.
func (s *Store) ListPending(ctx context.Context) ([]ChangeEntry, error) {
	return s.queue.Drain(ctx, 0)
}

func (s *Store) appendEntry(ctx context.Context, q querier, r *Record, op Op) error {
	var base int64
	if r.RemoteRevision != nil {
		base = *r.RemoteRevision
	}
	_, err := q.ExecContext(ctx, `INSERT INTO change_queue
		(mutation_id, record_id, collection, op, local_revision, base_revision, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.ID, r.Collection, string(op), r.LocalRevision, base, r.Payload, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change for %q: %w", r.ID, classify(err))
	}
	return nil
}
