package local

import (
	"context"
	"database/sql"
	"fmt"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEntry is one local mutation waiting for, or already given, remote
// acknowledgement.
type ChangeEntry struct {
	Seq        int64
	MutationID string
	RecordID   string
	Collection string
	Op         Op
	// LocalRevision is the record's local revision after this mutation.
	LocalRevision int64
	// BaseRevision is the remote revision the mutation was made against.
	BaseRevision int64
	Payload      []byte
	Timestamp    int64
	Acked        bool
}

// Queue is the change queue view of a Store. Entries are appended by the
// store's write path only.
type Queue struct {
	store *Store
}

const entryColumns = "seq, mutation_id, record_id, collection, op, local_revision, base_revision, payload, timestamp, acked"

func scanEntries(rows *sql.Rows) ([]ChangeEntry, error) {
	defer rows.Close()
	entries := make([]ChangeEntry, 0)
	for rows.Next() {
		var e ChangeEntry
		var op string
		err := rows.Scan(&e.Seq, &e.MutationID, &e.RecordID, &e.Collection, &op, &e.LocalRevision, &e.BaseRevision, &e.Payload, &e.Timestamp, &e.Acked)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", classify(err))
		}
		e.Op = Op(op)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", classify(err))
	}
	return entries, nil
}

// Drain returns up to max unacknowledged entries in queue order without
// removing them; max <= 0 returns all of them.
func (q *Queue) Drain(ctx context.Context, max int) ([]ChangeEntry, error) {
	query := "SELECT " + entryColumns + " FROM change_queue WHERE acked = 0 ORDER BY seq ASC"
	args := []any{}
	if max > 0 {
		query += " LIMIT ?"
		args = append(args, max)
	}
	rows, err := q.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", classify(err))
	}
	return scanEntries(rows)
}

// Acknowledge marks every entry up to and including seq upTo as confirmed
// by the remote. Acknowledging a position at or below one already
// acknowledged changes nothing.
func (q *Queue) Acknowledge(ctx context.Context, upTo int64) error {
	return q.store.inTx(ctx, func(tx *sql.Tx) error {
		return acknowledge(ctx, tx, upTo)
	})
}

func acknowledge(ctx context.Context, tx querier, upTo int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE change_queue SET acked = 1 WHERE seq <= ? AND acked = 0", upTo)
	if err != nil {
		return fmt.Errorf("failed to acknowledge changes: %w", classify(err))
	}
	return nil
}

// Len is the number of unacknowledged entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_queue WHERE acked = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", classify(err))
	}
	return n, nil
}

// History returns every entry recorded for a record, acknowledged ones
// included, in queue order.
func (q *Queue) History(ctx context.Context, recordID string) ([]ChangeEntry, error) {
	rows, err := q.store.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM change_queue WHERE record_id = ? ORDER BY seq ASC", recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", classify(err))
	}
	return scanEntries(rows)
}

// Compact drops acknowledged entries except the newest entry of each
// record, and returns how many were removed.
func (q *Queue) Compact(ctx context.Context) (int64, error) {
	var removed int64
	err := q.store.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM change_queue WHERE acked = 1
			AND seq NOT IN (SELECT MAX(seq) FROM change_queue GROUP BY record_id)`)
		if err != nil {
			return fmt.Errorf("failed to compact changes: %w", classify(err))
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
