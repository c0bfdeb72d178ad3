// Package syncer drives the upload and download cycle between a device's
// Local Store and the remote document service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/local"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Remote is the device's view of the remote document service.
type Remote interface {
	Push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error)
	ListChanges(ctx context.Context, cursor string, limit int) (*api.ListChangesReply, error)
	// Watch blocks until the store changes past cursor or the remote gives up.
	Watch(ctx context.Context, cursor string) (*api.WatchReply, error)
}

type State int32

const (
	StateIdle State = iota
	StateUploading
	StateDownloading
	StateReconciling
	StateBackoff
	StatePaused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	case StateReconciling:
		return "reconciling"
	case StateBackoff:
		return "backoff"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultBatchSize       = 100
	defaultDownloadLimit   = 500
	defaultInterval        = 30 * time.Second
	defaultMaxUploadRounds = 16
)

type Options struct {
	// BatchSize caps the mutations sent in one push.
	BatchSize int
	// DownloadLimit caps the changes requested per page.
	DownloadLimit int
	// SchemaVersion is sent with every push; a mismatch pauses sync.
	SchemaVersion string
	// Interval between periodic cycles in Run.
	Interval time.Duration
	// Watch makes Run long-poll the remote and sync as soon as it changes.
	Watch bool
	// MaxUploadRounds bounds the pushes made by one cycle.
	MaxUploadRounds int
	NewBackOff      func() backoff.BackOff
	Logger          *slog.Logger
	Metrics         *Metrics
}

type Status struct {
	State     State
	LastError error
	LastSync  time.Time
	Pending   int
}

// CycleResult counts what one sync cycle moved.
type CycleResult struct {
	Uploaded   int
	Conflicts  int
	Downloaded int
	Skipped    int
}

type Engine struct {
	store   *local.Store
	remote  Remote
	opts    Options
	log     *slog.Logger
	metrics *Metrics
	backoff backoff.BackOff

	// running admits a single active cycle or Run loop.
	running sync.Mutex
	state   atomic.Int32
	trigger chan struct{}

	mu       sync.Mutex
	lastErr  error
	lastSync time.Time
}

func New(store *local.Store, remote Remote, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.DownloadLimit <= 0 {
		opts.DownloadLimit = defaultDownloadLimit
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxUploadRounds <= 0 {
		opts.MaxUploadRounds = defaultMaxUploadRounds
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = NewBackOff
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Engine{
		store:   store,
		remote:  remote,
		opts:    opts,
		log:     opts.Logger.With("device", store.DeviceID()),
		metrics: opts.Metrics,
		backoff: opts.NewBackOff(),
		trigger: make(chan struct{}, 1),
	}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.metrics.State.Set(float64(s))
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.store.Queue().Len(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.State(), LastError: e.lastErr, LastSync: e.lastSync, Pending: n}, nil
}

// Trigger asks a running loop to sync now. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Resume clears a pause caused by a permanent failure.
func (e *Engine) Resume() error {
	if !e.state.CompareAndSwap(int32(StatePaused), int32(StateIdle)) {
		return fmt.Errorf("cannot resume from %v", e.State())
	}
	e.recover()
	return nil
}

// Reset re-arms the engine after local corruption was repaired by hand.
func (e *Engine) Reset() error {
	if !e.state.CompareAndSwap(int32(StateFailed), int32(StateIdle)) {
		return fmt.Errorf("cannot reset from %v", e.State())
	}
	e.recover()
	return nil
}

func (e *Engine) recover() {
	e.metrics.State.Set(float64(StateIdle))
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()
	e.backoff.Reset()
	e.Trigger()
}

// SyncOnce runs a single upload then download cycle.
func (e *Engine) SyncOnce(ctx context.Context) (CycleResult, error) {
	if !e.running.TryLock() {
		return CycleResult{}, ErrAlreadyRunning
	}
	defer e.running.Unlock()
	return e.cycle(ctx)
}

// Run syncs periodically, on Trigger, and on remote change notifications
// when Watch is set, until ctx is done. Transient failures are retried with
// backoff; permanent ones and corruption park the loop until Resume or Reset.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.TryLock() {
		return ErrAlreadyRunning
	}
	defer e.running.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(ctx)
	})
	if e.opts.Watch {
		g.Go(func() error {
			e.watch(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		var timer *time.Timer
		var wait <-chan time.Time
		_, err := e.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
		case KindOf(err) == KindTransient || KindOf(err) == KindConflict:
			delay := retryDelay(err, e.backoff.NextBackOff())
			e.log.Warn("sync failed, retrying", "error", err, "delay", delay)
			timer = time.NewTimer(delay)
			wait = timer.C
		default:
			e.log.Error("sync stopped", "state", e.State(), "error", err)
		}

		parked := e.State() == StatePaused || e.State() == StateFailed
		tick := ticker.C
		if parked || wait != nil {
			tick = nil
		}
		select {
		case <-ctx.Done():
		case <-e.trigger:
		case <-tick:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// retryDelay honours a server Retry-After hint but never waits longer than
// BackoffMax.
func retryDelay(err error, next time.Duration) time.Duration {
	if hint := retryAfter(err); hint > next {
		next = hint
	}
	return min(next, BackoffMax)
}

func (e *Engine) watch(ctx context.Context) {
	bo := e.opts.NewBackOff()
	// seen keeps the watch from re-firing for a change the loop has not
	// downloaded yet.
	var seen int64
	for ctx.Err() == nil {
		cursor, err := e.store.Cursor(ctx)
		if err == nil {
			if rev, derr := api.DecodeCursor(cursor); derr == nil && rev < seen {
				cursor = api.EncodeCursor(seen)
			}
			var reply *api.WatchReply
			reply, err = e.remote.Watch(ctx, cursor)
			if err == nil {
				bo.Reset()
				if reply.Changed {
					seen = reply.Revision
					e.Trigger()
				}
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		delay := bo.NextBackOff()
		e.log.Debug("watch failed", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (e *Engine) cycle(ctx context.Context) (CycleResult, error) {
	switch e.State() {
	case StatePaused:
		return CycleResult{}, parkedErr(ErrPaused, e.lastError())
	case StateFailed:
		return CycleResult{}, parkedErr(ErrFailedClosed, e.lastError())
	}

	var result CycleResult
	e.setState(StateUploading)
	err := e.upload(ctx, &result)
	if err == nil {
		err = e.download(ctx, &result)
	}
	if n, lerr := e.store.Queue().Len(context.WithoutCancel(ctx)); lerr == nil {
		e.metrics.QueueDepth.Set(float64(n))
	}
	if err != nil {
		return result, e.fail(ctx, err)
	}

	e.setState(StateIdle)
	e.backoff.Reset()
	e.mu.Lock()
	e.lastErr = nil
	e.lastSync = time.Now()
	e.mu.Unlock()
	e.metrics.Cycles.WithLabelValues("ok").Inc()
	e.log.Info("sync cycle complete", "uploaded", result.Uploaded, "conflicts", result.Conflicts,
		"downloaded", result.Downloaded, "skipped", result.Skipped)
	return result, nil
}

func (e *Engine) fail(ctx context.Context, err error) error {
	if isCancelled(ctx, err) {
		e.setState(StateIdle)
		e.metrics.Cycles.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	}

	kind := KindOf(err)
	switch kind {
	case KindPermanent:
		e.setState(StatePaused)
	case KindCorruption:
		e.setState(StateFailed)
	default:
		kind = KindTransient
		e.setState(StateBackoff)
	}
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.metrics.Cycles.WithLabelValues(kind.String()).Inc()
	return err
}

func parkedErr(parked, cause error) error {
	if cause == nil {
		return parked
	}
	return fmt.Errorf("%w: %w", parked, cause)
}

func (e *Engine) lastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// pushable trims a drained batch so each record appears at most once: a
// later entry for the same record must be sent against the revision the
// earlier one produces.
func pushable(batch []local.ChangeEntry) []local.ChangeEntry {
	seen := make(map[string]struct{}, len(batch))
	for i, entry := range batch {
		if _, ok := seen[entry.RecordID]; ok {
			return batch[:i]
		}
		seen[entry.RecordID] = struct{}{}
	}
	return batch
}

func (e *Engine) upload(ctx context.Context, result *CycleResult) error {
	queue := e.store.Queue()
	deviceID := e.store.DeviceID()
	batchSize := e.opts.BatchSize
	for round := 0; round < e.opts.MaxUploadRounds; round++ {
		drained, err := queue.Drain(ctx, batchSize)
		if err != nil {
			return localErr("drain", err)
		}
		if len(drained) == 0 {
			return nil
		}
		batch := pushable(drained)

		req := &api.PushRequest{
			SchemaVersion: e.opts.SchemaVersion,
			BatchId:       uuid.NewString(),
			Mutations:     make([]api.Mutation, 0, len(batch)),
		}
		for _, entry := range batch {
			req.Mutations = append(req.Mutations, api.Mutation{
				MutationId:   entry.MutationID,
				BaseRevision: entry.BaseRevision,
				Record: api.Record{
					Id:         entry.RecordID,
					Collection: entry.Collection,
					Data:       entry.Payload,
					Deleted:    entry.Op == local.OpDelete,
					UpdatedAt:  entry.Timestamp,
					Origin:     deviceID,
				},
			})
		}
		e.log.Debug("pushing batch", "batch", req.BatchId, "mutations", len(req.Mutations))
		reply, err := e.remote.Push(ctx, req)
		if KindOf(err) == KindTooLarge {
			if len(batch) == 1 {
				return Permanent("push", fmt.Errorf("mutation %v for %v exceeds the remote size limit: %w",
					batch[0].MutationID, batch[0].RecordID, err))
			}
			batchSize = max(len(batch)/2, 1)
			e.log.Warn("push too large, shrinking batch", "batch", req.BatchId, "mutations", len(batch), "next", batchSize)
			// a refused body does not count against the round limit
			round--
			continue
		}
		if err != nil {
			return err
		}
		if len(reply.Results) != len(batch) {
			return Permanent("push", fmt.Errorf("remote answered %d of %d mutations", len(reply.Results), len(batch)))
		}

		rebased := false
		for i, res := range reply.Results {
			entry := batch[i]
			if res.MutationId != entry.MutationID {
				return Permanent("push", fmt.Errorf("result %d is for mutation %v, expected %v", i, res.MutationId, entry.MutationID))
			}
			switch res.Status {
			case api.SetRecordStatus_SUCCESS:
				if err := e.store.AckUploaded(ctx, entry, res.NewRevision); err != nil {
					return localErr("ack", err)
				}
				result.Uploaded++
				e.metrics.Uploaded.Inc()
			case api.SetRecordStatus_CONFLICT:
				if res.Current == nil {
					return Permanent("push", fmt.Errorf("conflict on %v without current version", entry.RecordID))
				}
				winner := Resolve(entryVersion(entry, deviceID), recordVersion(*res.Current))
				result.Conflicts++
				e.metrics.Conflicts.WithLabelValues(winner.String()).Inc()
				e.log.Info("conflict resolved", "record", entry.RecordID, "winner", winner, "remote_revision", res.Current.Revision)
				remote := toRemoteChange(*res.Current)
				if winner == RemoteWins {
					if err := e.store.AcceptRemote(ctx, entry, remote); err != nil {
						return localErr("accept remote", err)
					}
				} else {
					if err := e.store.RebaseEntry(ctx, entry, remote); err != nil {
						return localErr("rebase", err)
					}
					rebased = true
				}
			default:
				return Permanent("push", fmt.Errorf("unknown status %q for mutation %v", res.Status, entry.MutationID))
			}
			if rebased {
				// Later results in this batch are re-sent; the remote
				// replays them by mutation id.
				break
			}
		}
		if !rebased && len(batch) == len(drained) && len(drained) < batchSize {
			return nil
		}
	}
	e.log.Info("upload round limit reached", "rounds", e.opts.MaxUploadRounds)
	return nil
}

func (e *Engine) download(ctx context.Context, result *CycleResult) error {
	for {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return localErr("cursor", err)
		}
		e.setState(StateDownloading)
		page, err := e.remote.ListChanges(ctx, cursor, e.opts.DownloadLimit)
		if err != nil {
			return err
		}
		if len(page.Changes) == 0 && page.Cursor == cursor {
			return nil
		}

		e.setState(StateReconciling)
		changes := make([]local.RemoteChange, 0, len(page.Changes))
		for _, r := range page.Changes {
			changes = append(changes, toRemoteChange(r))
		}
		applied, err := e.store.ApplyRemote(ctx, changes, page.Cursor)
		if err != nil {
			return localErr("apply", err)
		}
		result.Downloaded += applied.Applied
		result.Skipped += applied.Skipped
		e.metrics.Downloaded.Add(float64(applied.Applied))

		if !page.HasMore || page.Cursor == cursor {
			return nil
		}
	}
}

// Task is a handle on a sync cycle started with SyncAsync.
type Task struct {
	done   chan struct{}
	cancel context.CancelFunc
	result CycleResult
	err    error
}

// SyncAsync starts SyncOnce in the background.
func (e *Engine) SyncAsync(ctx context.Context) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = e.SyncOnce(ctx)
	}()
	return t
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the cycle at its next cancellation point. Work committed
// before that point stays committed.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the cycle ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (CycleResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

var errNotDone = errors.New("task still running")

// Result returns the outcome of a finished task.
func (t *Task) Result() (CycleResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return CycleResult{}, errNotDone
	}
}
