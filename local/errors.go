package local

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrStorageFull = errors.New("local storage full")
	ErrCorrupt     = errors.New("local record corrupt")
	ErrInvalidID   = errors.New("invalid record id")

	ErrPayloadTooLarge = errors.New("payload too large")
)

// PayloadTooLargeError rejects a write whose payload could never be pushed
// in a single request.
type PayloadTooLargeError struct {
	ID    string
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %q is %d bytes, limit is %d", e.ID, e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

// classify maps SQLite result codes onto the store's sentinel errors and
// leaves everything else untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return errors.Join(ErrStorageFull, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return errors.Join(ErrCorrupt, err)
		}
	}
	return err
}
