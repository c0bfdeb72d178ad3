package local

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, fmt.Sprintf("r%d", i), "events", []byte("x"))
		require.NoError(t, err)
	}

	batch, err := s.Queue().Drain(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i := 1; i < len(batch); i++ {
		require.Greater(t, batch[i].Seq, batch[i-1].Seq)
	}
	assert.Equal(t, "r0", batch[0].RecordID)

	// drain does not remove anything
	again, err := s.Queue().Drain(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, batch, again)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	for i := 0; i < 4; i++ {
		_, err := s.Put(ctx, fmt.Sprintf("r%d", i), "events", []byte("x"))
		require.NoError(t, err)
	}
	batch, err := s.Queue().Drain(ctx, 0)
	require.NoError(t, err)
	q := s.Queue()

	require.NoError(t, q.Acknowledge(ctx, batch[1].Seq))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, q.Acknowledge(ctx, batch[1].Seq))
	require.NoError(t, q.Acknowledge(ctx, batch[0].Seq))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "re-acknowledging must not change the queue")

	rest, err := q.Drain(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, batch[2:], rest)
}

func TestCompactKeepsNewestPerRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := s.Put(ctx, "a", "events", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, "b", "events", []byte("b"))
	require.NoError(t, err)

	entries, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Queue().Acknowledge(ctx, entries[len(entries)-1].Seq))

	removed, err := s.Queue().Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	history, err := s.Queue().History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(3), history[0].LocalRevision)

	// sequence numbers are never reused after compaction
	_, err = s.Put(ctx, "c", "events", []byte("c"))
	require.NoError(t, err)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Greater(t, pending[0].Seq, entries[len(entries)-1].Seq)
}

func TestAckUploadedRechainsBaseline(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	_, err := s.Put(ctx, "a", "events", []byte("1"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "a", "events", []byte("2"))
	require.NoError(t, err)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending[1].BaseRevision)

	require.NoError(t, s.AckUploaded(ctx, pending[0], 7))
	rest, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(7), rest[0].BaseRevision)

	record, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, record.RemoteRevision)
	assert.Equal(t, int64(7), *record.RemoteRevision)

	// the next local write is based on the confirmed revision
	_, err = s.Put(ctx, "a", "events", []byte("3"))
	require.NoError(t, err)
	rest, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rest[1].BaseRevision)
}
