package local

import (
	"context"
	"database/sql"
	"fmt"
)

// RemoteChange is a record version as the remote document service knows it.
type RemoteChange struct {
	ID         string
	Collection string
	Payload    []byte
	Revision   int64
	Deleted    bool
	UpdatedAt  int64
	Origin     string
}

const (
	// ConflictLocalLost marks a side-record holding a local payload that
	// lost to the remote version.
	ConflictLocalLost = "local_lost"
	// ConflictRemoteLost marks a side-record holding a remote payload that
	// was overwritten by a newer local mutation.
	ConflictRemoteLost = "remote_lost"
)

// Conflict is a losing payload kept for manual inspection.
type Conflict struct {
	ID         int64
	RecordID   string
	Collection string
	Payload    []byte
	Deleted    bool
	Revision   int64
	UpdatedAt  int64
	Origin     string
	Reason     string
	CreatedAt  int64
}

type ApplyResult struct {
	Applied int
	// Skipped counts records left alone because they still have local
	// changes waiting for upload; those are settled by the upload path.
	Skipped int
}

func (s *Store) hasPending(ctx context.Context, q querier, recordID string, afterSeq int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_queue WHERE record_id = ? AND acked = 0 AND seq > ?", recordID, afterSeq).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count pending changes: %w", classify(err))
	}
	return n > 0, nil
}

func (s *Store) overwriteFromRemote(ctx context.Context, q querier, existing *Record, change RemoteChange) error {
	record := &Record{ID: change.ID}
	if existing != nil {
		record.LocalRevision = existing.LocalRevision
	}
	rev := change.Revision
	record.RemoteRevision = &rev
	record.Collection = change.Collection
	record.Payload = change.Payload
	record.Deleted = change.Deleted
	record.UpdatedAt = change.UpdatedAt
	record.Origin = change.Origin
	if change.Deleted {
		record.Payload = nil
	}
	return s.writeRecord(ctx, q, record)
}

// ApplyRemote applies one downloaded batch and advances the SyncCursor to
// cursor in the same transaction. Either the whole batch and the cursor
// land, or nothing does.
func (s *Store) ApplyRemote(ctx context.Context, changes []RemoteChange, cursor string) (ApplyResult, error) {
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	unlock := s.locks.LockAll(ids)
	defer unlock()

	var result ApplyResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result = ApplyResult{}
		for _, change := range changes {
			pending, err := s.hasPending(ctx, tx, change.ID, 0)
			if err != nil {
				return err
			}
			if pending {
				result.Skipped++
				continue
			}
			existing, err := s.lookup(ctx, tx, change.ID)
			if err != nil {
				return err
			}
			if existing != nil && existing.RemoteRevision != nil && *existing.RemoteRevision >= change.Revision {
				continue
			}
			if err := s.overwriteFromRemote(ctx, tx, existing, change); err != nil {
				return err
			}
			result.Applied++
		}
		return s.setMeta(ctx, tx, metaCursor, cursor)
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

// AckUploaded records that the remote accepted entry at newRevision. The
// entry and everything before it are acknowledged, the record learns its
// remote revision, and later queued changes of the same record are
// re-based on it.
func (s *Store) AckUploaded(ctx context.Context, entry ChangeEntry, newRevision int64) error {
	unlock := s.locks.Lock(entry.RecordID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "UPDATE records SET remote_revision = ? WHERE id = ?", newRevision, entry.RecordID); err != nil {
			return fmt.Errorf("failed to set remote revision: %w", classify(err))
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE change_queue SET base_revision = ? WHERE record_id = ? AND acked = 0 AND seq > ?",
			newRevision, entry.RecordID, entry.Seq); err != nil {
			return fmt.Errorf("failed to rebase queued changes: %w", classify(err))
		}
		return acknowledge(ctx, tx, entry.Seq)
	})
}

// AcceptRemote settles a conflict in favour of the remote version: the
// local payload of entry is kept as a side-record and the entry is
// acknowledged. The record itself takes the remote version unless newer
// local changes are still queued for it.
func (s *Store) AcceptRemote(ctx context.Context, entry ChangeEntry, remote RemoteChange) error {
	unlock := s.locks.Lock(entry.RecordID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		loser := Conflict{
			RecordID:   entry.RecordID,
			Collection: entry.Collection,
			Payload:    entry.Payload,
			Deleted:    entry.Op == OpDelete,
			Revision:   entry.LocalRevision,
			UpdatedAt:  entry.Timestamp,
			Origin:     s.deviceID,
			Reason:     ConflictLocalLost,
		}
		if err := s.insertConflict(ctx, tx, loser); err != nil {
			return err
		}
		later, err := s.hasPending(ctx, tx, entry.RecordID, entry.Seq)
		if err != nil {
			return err
		}
		if !later {
			existing, err := s.lookup(ctx, tx, entry.RecordID)
			if err != nil {
				return err
			}
			if err := s.overwriteFromRemote(ctx, tx, existing, remote); err != nil {
				return err
			}
		}
		return acknowledge(ctx, tx, entry.Seq)
	})
}

// RebaseEntry settles a conflict in favour of the local mutation: the
// remote payload is kept as a side-record and entry is re-based on the
// remote revision so the next upload overwrites it.
func (s *Store) RebaseEntry(ctx context.Context, entry ChangeEntry, remote RemoteChange) error {
	unlock := s.locks.Lock(entry.RecordID)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		loser := Conflict{
			RecordID:   remote.ID,
			Collection: remote.Collection,
			Payload:    remote.Payload,
			Deleted:    remote.Deleted,
			Revision:   remote.Revision,
			UpdatedAt:  remote.UpdatedAt,
			Origin:     remote.Origin,
			Reason:     ConflictRemoteLost,
		}
		if err := s.insertConflict(ctx, tx, loser); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE change_queue SET base_revision = ? WHERE seq = ? AND acked = 0", remote.Revision, entry.Seq)
		if err != nil {
			return fmt.Errorf("failed to rebase change %d: %w", entry.Seq, classify(err))
		}
		return nil
	})
}

func (s *Store) insertConflict(ctx context.Context, q querier, c Conflict) error {
	_, err := q.ExecContext(ctx, `INSERT INTO conflicts
		(record_id, collection, payload, deleted, revision, updated_at, origin, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RecordID, c.Collection, c.Payload, c.Deleted, c.Revision, c.UpdatedAt, c.Origin, c.Reason, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store conflict for %q: %w", c.RecordID, classify(err))
	}
	return nil
}

// Conflicts lists side-records, oldest first. An empty recordID lists all.
func (s *Store) Conflicts(ctx context.Context, recordID string) ([]Conflict, error) {
	query := "SELECT id, record_id, collection, payload, deleted, revision, updated_at, origin, reason, created_at FROM conflicts"
	args := []any{}
	if recordID != "" {
		query += " WHERE record_id = ?"
		args = append(args, recordID)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", classify(err))
	}
	defer rows.Close()

	conflicts := make([]Conflict, 0)
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Collection, &c.Payload, &c.Deleted, &c.Revision, &c.UpdatedAt, &c.Origin, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", classify(err))
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", classify(err))
	}
	return conflicts, nil
}

// DeleteConflict discards a side-record once it has been inspected.
func (s *Store) DeleteConflict(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conflicts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
