package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/local"
	"github.com/apollo-events/data-sync/store"
	"github.com/apollo-events/data-sync/store/sqlite"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testStoreID = "teststore"

// memRemote serves the Remote interface straight from a SyncStorage.
type memRemote struct {
	storage store.SyncStorage

	mu         sync.Mutex
	beforePush func(ctx context.Context) error
	afterPush  func(ctx context.Context) error
	// limit refuses a whole request before any mutation is applied.
	limit  func(req *api.PushRequest) error
	pushes int
}

func newMemRemote(t *testing.T) *memRemote {
	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return &memRemote{storage: storage}
}

func (r *memRemote) hooks(before, after func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforePush = before
	r.afterPush = after
}

func (r *memRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes
}

func (r *memRemote) Push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error) {
	r.mu.Lock()
	r.pushes++
	before, after, limit := r.beforePush, r.afterPush, r.limit
	r.mu.Unlock()

	if limit != nil {
		if err := limit(req); err != nil {
			return nil, err
		}
	}
	if before != nil {
		if err := before(ctx); err != nil {
			return nil, err
		}
	}
	reply := &api.PushReply{BatchId: req.BatchId}
	for _, m := range req.Mutations {
		rev, err := r.storage.SetRecord(ctx, testStoreID, store.StoredRecord{
			Id:         m.Record.Id,
			Collection: m.Record.Collection,
			Data:       m.Record.Data,
			Deleted:    m.Record.Deleted,
			UpdatedAt:  m.Record.UpdatedAt,
			Origin:     m.Record.Origin,
			MutationId: m.MutationId,
		}, m.BaseRevision)
		if errors.Is(err, store.ErrSetConflict) {
			current, err := r.storage.GetRecord(ctx, testStoreID, m.Record.Id)
			if err != nil {
				return nil, Transient("push", err)
			}
			reply.Results = append(reply.Results, api.SetRecordReply{
				MutationId: m.MutationId,
				Status:     api.SetRecordStatus_CONFLICT,
				Current:    wireRecord(*current),
			})
			continue
		}
		if err != nil {
			return nil, Transient("push", err)
		}
		reply.Results = append(reply.Results, api.SetRecordReply{
			MutationId:  m.MutationId,
			Status:      api.SetRecordStatus_SUCCESS,
			NewRevision: rev,
		})
	}
	if after != nil {
		if err := after(ctx); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func (r *memRemote) ListChanges(ctx context.Context, cursor string, limit int) (*api.ListChangesReply, error) {
	since, err := api.DecodeCursor(cursor)
	if err != nil {
		return nil, Permanent("list changes", err)
	}
	records, err := r.storage.ListChanges(ctx, testStoreID, since, limit+1)
	if err != nil {
		return nil, Transient("list changes", err)
	}
	reply := &api.ListChangesReply{Cursor: cursor}
	if len(records) > limit {
		records = records[:limit]
		reply.HasMore = true
	}
	for _, record := range records {
		reply.Changes = append(reply.Changes, *wireRecord(record))
		reply.Cursor = api.EncodeCursor(record.Revision)
	}
	return reply, nil
}

func (r *memRemote) Watch(ctx context.Context, cursor string) (*api.WatchReply, error) {
	since, err := api.DecodeCursor(cursor)
	if err != nil {
		return nil, Permanent("watch", err)
	}
	rev, err := r.storage.StoreRevision(ctx, testStoreID)
	if err != nil {
		return nil, Transient("watch", err)
	}
	if rev > since {
		return &api.WatchReply{Changed: true, Revision: rev}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return &api.WatchReply{Revision: rev}, nil
	}
}

func wireRecord(r store.StoredRecord) *api.Record {
	return &api.Record{
		Id:         r.Id,
		Collection: r.Collection,
		Data:       r.Data,
		Revision:   r.Revision,
		Deleted:    r.Deleted,
		UpdatedAt:  r.UpdatedAt,
		Origin:     r.Origin,
	}
}

type device struct {
	*local.Store
	path string
}

func newDevice(t *testing.T, clockStart int64) *device {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	var mu sync.Mutex
	now := clockStart
	s, err := local.Open(context.Background(), local.Options{
		Path: path,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now++
			return time.UnixMilli(now)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &device{Store: s, path: path}
}

func fastOptions() Options {
	return Options{
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}
}
