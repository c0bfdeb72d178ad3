package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func newRecord(id, data string) StoredRecord {
	return StoredRecord{
		Id:         id,
		Collection: "events",
		Data:       []byte(data),
		UpdatedAt:  1000,
		Origin:     "device-a",
		MutationId: uuid.New().String(),
	}
}

func (s *StoreTest) TestAddRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(ctx, testStoreID, newRecord("a1", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, newRevision, int64(1))

	newRevision, err = storage.SetRecord(ctx, testStoreID, newRecord("a2", "data2"), 0)
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, newRevision, int64(2))

	records, err := storage.ListChanges(ctx, testStoreID, 0, 100)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 2)
	require.Equal(t, "a1", records[0].Id)
	require.Equal(t, []byte("data1"), records[0].Data)
	require.Equal(t, int64(1), records[0].Revision)
	require.Equal(t, "events", records[0].Collection)
	require.Equal(t, "device-a", records[0].Origin)
	require.Equal(t, "a2", records[1].Id)
	require.Equal(t, int64(2), records[1].Revision)

	storeRevision, err := storage.StoreRevision(ctx, testStoreID)
	require.NoError(t, err)
	require.Equal(t, int64(2), storeRevision)

	// Test different store with same id
	anotherStoreID := uuid.New().String()
	newRev, err := storage.SetRecord(ctx, anotherStoreID, newRecord("a1", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, newRev, int64(1))
}

func (s *StoreTest) TestUpdateRecords(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(ctx, testStoreID, newRecord("a1", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, newRevision, int64(1))

	newRevision, err = storage.SetRecord(ctx, testStoreID, newRecord("a1", "data2"), 1)
	require.NoError(t, err, "failed to call SetRecord a2")
	require.Equal(t, newRevision, int64(2))

	records, err := storage.ListChanges(ctx, testStoreID, 0, 100)
	require.NoError(t, err, "failed to call list changes")
	require.Len(t, records, 1)
	require.Equal(t, []byte("data2"), records[0].Data)
	require.Equal(t, int64(2), records[0].Revision)

	tombstone := newRecord("a1", "")
	tombstone.Data = nil
	tombstone.Deleted = true
	newRevision, err = storage.SetRecord(ctx, testStoreID, tombstone, 2)
	require.NoError(t, err, "failed to delete a1")
	require.Equal(t, int64(3), newRevision)

	record, err := storage.GetRecord(ctx, testStoreID, "a1")
	require.NoError(t, err)
	require.True(t, record.Deleted)
	require.Equal(t, int64(3), record.Revision)

	records, err = storage.ListChanges(ctx, testStoreID, 2, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Deleted)
}

func (s *StoreTest) TestConflict(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	newRevision, err := storage.SetRecord(ctx, testStoreID, newRecord("a1", "data1"), 0)
	require.NoError(t, err, "failed to call SetRecord a1")
	require.Equal(t, newRevision, int64(1))

	_, err = storage.SetRecord(ctx, testStoreID, newRecord("a1", "data2"), 0)
	require.Error(t, err, "should have return with error")
	require.Equal(t, err, ErrSetConflict)
}

func (s *StoreTest) TestReplay(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	record := newRecord("a1", "data1")
	newRevision, err := storage.SetRecord(ctx, testStoreID, record, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), newRevision)

	// same mutation sent again after a lost acknowledgement
	replayed, err := storage.SetRecord(ctx, testStoreID, record, 0)
	require.NoError(t, err, "replay must not conflict")
	require.Equal(t, int64(1), replayed)

	storeRevision, err := storage.StoreRevision(ctx, testStoreID)
	require.NoError(t, err)
	require.Equal(t, int64(1), storeRevision, "replay must not bump the store revision")
}

func (s *StoreTest) TestListChangesLimit(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		_, err := storage.SetRecord(ctx, testStoreID, newRecord(id, id), 0)
		require.NoError(t, err)
	}

	page, err := storage.ListChanges(ctx, testStoreID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, int64(3), page[2].Revision)

	page, err = storage.ListChanges(ctx, testStoreID, 3, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a4", page[0].Id)

	_, err = storage.GetRecord(ctx, testStoreID, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	storeRevision, err := storage.StoreRevision(ctx, uuid.New().String())
	require.NoError(t, err)
	require.Equal(t, int64(0), storeRevision)
}

func (s *StoreTest) TestReplayAfterOverwrite(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	first := newRecord("a1", "data1")
	newRevision, err := storage.SetRecord(ctx, testStoreID, first, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), newRevision)

	// another device moves the record on before the first ack arrives
	second := newRecord("a1", "data2")
	second.Origin = "device-b"
	newRevision, err = storage.SetRecord(ctx, testStoreID, second, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), newRevision)

	replayed, err := storage.SetRecord(ctx, testStoreID, first, 0)
	require.NoError(t, err, "a replay of an older mutation must not conflict")
	require.Equal(t, int64(1), replayed, "a replay answers the revision its mutation produced")

	record, err := storage.GetRecord(ctx, testStoreID, "a1")
	require.NoError(t, err)
	require.Equal(t, []byte("data2"), record.Data, "a replay must not rewrite the record")
	storeRevision, err := storage.StoreRevision(ctx, testStoreID)
	require.NoError(t, err)
	require.Equal(t, int64(2), storeRevision)

	// mutation ids are scoped to their store
	newRevision, err = storage.SetRecord(ctx, uuid.New().String(), first, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), newRevision)
}

func (s *StoreTest) TestBlobs(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	testStoreID := uuid.New().String()
	blob := StoredBlob{Digest: "d1", ContentType: "image/png", Data: []byte("poster")}
	require.NoError(t, storage.PutBlob(ctx, testStoreID, blob))
	// same digest again is a no-op
	require.NoError(t, storage.PutBlob(ctx, testStoreID, blob))

	stored, err := storage.GetBlob(ctx, testStoreID, "d1")
	require.NoError(t, err)
	require.Equal(t, "d1", stored.Digest)
	require.Equal(t, "image/png", stored.ContentType)
	require.Equal(t, []byte("poster"), stored.Data)
	require.NotZero(t, stored.CreatedAt)

	_, err = storage.GetBlob(ctx, uuid.New().String(), "d1")
	require.ErrorIs(t, err, ErrBlobNotFound, "blobs are scoped to their store")
	_, err = storage.GetBlob(ctx, testStoreID, "missing")
	require.ErrorIs(t, err, ErrBlobNotFound)
}
