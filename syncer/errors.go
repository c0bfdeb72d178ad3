package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apollo-events/data-sync/local"
)

// Kind classifies a sync failure by how the engine reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient failures (network, rate limiting) are retried with backoff.
	KindTransient
	// KindConflict is settled by the conflict policy and never surfaces.
	KindConflict
	// KindPermanent failures (auth, schema) pause sync until Resume.
	KindPermanent
	// KindCorruption fails closed until Reset after manual recovery.
	KindCorruption
	// KindTooLarge means the remote refused a request body as oversized.
	// Upload retries with smaller batches; a single mutation that is still
	// too large pauses sync.
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	case KindCorruption:
		return "corruption"
	case KindTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning = errors.New("sync already running")
	ErrPaused         = errors.New("sync paused after permanent failure")
	ErrFailedClosed   = errors.New("sync stopped after local corruption")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
	// RetryAfter is the remote's hint for transient failures, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

func Corruption(op string, err error) *Error {
	return &Error{Kind: KindCorruption, Op: op, Err: err}
}

func TooLarge(op string, err error) *Error {
	return &Error{Kind: KindTooLarge, Op: op, Err: err}
}

// KindOf reports the kind of err. Local corruption and storage exhaustion
// are recognised even when they were not wrapped in an *Error; any other
// untyped failure is treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, local.ErrCorrupt) {
		return KindCorruption
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, local.ErrStorageFull) {
		return KindPermanent
	}
	return KindTransient
}

func retryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ctx.Err()))
}

// localErr tags a Local Store failure with its kind.
func localErr(op string, err error) error {
	switch {
	case errors.Is(err, local.ErrCorrupt):
		return Corruption(op, err)
	case errors.Is(err, local.ErrStorageFull):
		return Permanent(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Transient(op, err)
	}
}
