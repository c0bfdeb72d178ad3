package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRemoteAdvancesCursorAtomically(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	result, err := s.ApplyRemote(ctx, []RemoteChange{
		{ID: "e1", Collection: "events", Payload: []byte("remote"), Revision: 4, UpdatedAt: 50, Origin: "other"},
		{ID: "e2", Collection: "events", Revision: 5, Deleted: true, UpdatedAt: 60, Origin: "other"},
	}, "r5")
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: 2}, result)

	record, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), record.Payload)
	assert.Equal(t, int64(0), record.LocalRevision, "remote writes are not local mutations")
	require.NotNil(t, record.RemoteRevision)
	assert.Equal(t, int64(4), *record.RemoteRevision)
	_, err = s.Get(ctx, "e2")
	require.ErrorIs(t, err, ErrNotFound)

	cursor, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r5", cursor)

	n, err := s.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "remote changes are never queued for upload")
}

func TestApplyRemoteCancelledLeavesNothing(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ApplyRemote(ctx, []RemoteChange{{ID: "e1", Revision: 1}}, "r1")
	require.Error(t, err)

	cursor, err := s.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", cursor)
	_, err = s.Get(context.Background(), "e1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRemoteSkipsPendingAndStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, err := s.Put(ctx, "mine", "events", []byte("local"))
	require.NoError(t, err)
	_, err = s.ApplyRemote(ctx, []RemoteChange{{ID: "seen", Payload: []byte("v2"), Revision: 2}}, "r2")
	require.NoError(t, err)

	result, err := s.ApplyRemote(ctx, []RemoteChange{
		{ID: "mine", Payload: []byte("remote"), Revision: 3},
		{ID: "seen", Payload: []byte("old"), Revision: 1},
	}, "r3")
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Applied: 0, Skipped: 1}, result)

	record, err := s.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), record.Payload)
	record, err = s.Get(ctx, "seen")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), record.Payload)
}

func TestAcceptRemoteKeepsLocalSideRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, err := s.Put(ctx, "e1", "events", []byte("local"))
	require.NoError(t, err)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)

	remote := RemoteChange{ID: "e1", Collection: "events", Payload: []byte("remote"), Revision: 9, UpdatedAt: 1 << 50, Origin: "other"}
	require.NoError(t, s.AcceptRemote(ctx, pending[0], remote))

	record, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), record.Payload)
	assert.Equal(t, int64(1), record.LocalRevision)
	assert.Equal(t, "other", record.Origin)

	conflicts, err := s.Conflicts(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictLocalLost, conflicts[0].Reason)
	assert.Equal(t, []byte("local"), conflicts[0].Payload)

	n, err := s.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.DeleteConflict(ctx, conflicts[0].ID))
	require.ErrorIs(t, s.DeleteConflict(ctx, conflicts[0].ID), ErrNotFound)
}

func TestAcceptRemoteWithLaterLocalChange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, err := s.Put(ctx, "e1", "events", []byte("first"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "e1", "events", []byte("second"))
	require.NoError(t, err)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)

	require.NoError(t, s.AcceptRemote(ctx, pending[0], RemoteChange{ID: "e1", Payload: []byte("remote"), Revision: 3}))

	record, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), record.Payload, "a newer queued local write keeps the record")

	rest, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, pending[1].Seq, rest[0].Seq)
}

func TestRebaseEntryKeepsRemoteSideRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})

	_, err := s.Put(ctx, "e1", "events", []byte("local"))
	require.NoError(t, err)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)

	remote := RemoteChange{ID: "e1", Collection: "events", Payload: []byte("remote"), Revision: 6, UpdatedAt: 1, Origin: "other"}
	require.NoError(t, s.RebaseEntry(ctx, pending[0], remote))

	rest, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(6), rest[0].BaseRevision)

	conflicts, err := s.Conflicts(ctx, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictRemoteLost, conflicts[0].Reason)
	assert.Equal(t, []byte("remote"), conflicts[0].Payload)
	assert.Equal(t, "other", conflicts[0].Origin)
}
