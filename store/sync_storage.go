package store

import (
	"context"
	"errors"
)

var ErrSetConflict = errors.New("set conflict")
var ErrNotFound = errors.New("record not found")
var ErrBlobNotFound = errors.New("blob not found")

type StoredRecord struct {
	Id         string
	Collection string
	Data       []byte
	Revision   int64
	Deleted    bool
	UpdatedAt  int64
	Origin     string
	MutationId string
}

// StoredBlob is an attachment addressed by the hex sha256 of Data.
type StoredBlob struct {
	Digest      string
	ContentType string
	Data        []byte
	CreatedAt   int64
}

// SyncStorage is the remote document store. Every store (one per account)
// has its own monotonically increasing revision counter; each accepted
// write is stamped with the next value.
type SyncStorage interface {
	// SetRecord writes record if the stored revision equals existingRevision
	// (0 for a record that does not exist yet). A MutationId that was
	// already applied in the store is a replay and returns the revision that
	// mutation produced, even if the record has moved on since.
	SetRecord(ctx context.Context, storeID string, record StoredRecord, existingRevision int64) (int64, error)
	GetRecord(ctx context.Context, storeID, id string) (*StoredRecord, error)
	ListChanges(ctx context.Context, storeID string, sinceRevision int64, limit int) ([]StoredRecord, error)
	StoreRevision(ctx context.Context, storeID string) (int64, error)
	// PutBlob stores blob unless the store already holds its digest.
	PutBlob(ctx context.Context, storeID string, blob StoredBlob) error
	GetBlob(ctx context.Context, storeID, digest string) (*StoredBlob, error)
	Close() error
}
