package sqlite

import (
	"context"
	"testing"

	"github.com/apollo-events/data-sync/store"
	"github.com/stretchr/testify/require"
)

const testStoreID = "teststoreid"

func newStorage(t *testing.T, name string) *SQLiteSyncStorage {
	storage, err := NewSQLiteSyncStorage("file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestAddRecords(t *testing.T) {
	(&store.StoreTest{}).TestAddRecords(t, newStorage(t, "testaddrecords"))
}

func TestUpdateRecords(t *testing.T) {
	(&store.StoreTest{}).TestUpdateRecords(t, newStorage(t, "testupdaterecords"))
}

func TestConflict(t *testing.T) {
	(&store.StoreTest{}).TestConflict(t, newStorage(t, "testconflicts"))
}

func TestReplay(t *testing.T) {
	(&store.StoreTest{}).TestReplay(t, newStorage(t, "testreplay"))
}

func TestListChangesLimit(t *testing.T) {
	(&store.StoreTest{}).TestListChangesLimit(t, newStorage(t, "testlistlimit"))
}

func TestCreateOverExistingRevisionConflicts(t *testing.T) {
	storage := newStorage(t, "testcreateconflict")

	_, err := storage.SetRecord(context.Background(), testStoreID, store.StoredRecord{Id: "a1", Data: []byte("data1")}, 3)
	require.Equal(t, store.ErrSetConflict, err, "a baseline for a missing record is a conflict")
}

func TestReplayAfterOverwrite(t *testing.T) {
	(&store.StoreTest{}).TestReplayAfterOverwrite(t, newStorage(t, "testreplayoverwrite"))
}

func TestBlobs(t *testing.T) {
	(&store.StoreTest{}).TestBlobs(t, newStorage(t, "testblobs"))
}
