package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apollo-events/data-sync/local"
	"github.com/apollo-events/data-sync/syncer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDevice struct {
	store  *local.Store
	engine *syncer.Engine
}

func newTestDevice(t *testing.T, server *testServer, storeID string, clockStart int64, opts syncer.Options) *testDevice {
	t.Helper()
	client, _, _ := server.device(t, storeID)
	return newDeviceWith(t, server, client, clockStart, opts)
}

func newDeviceWith(t *testing.T, server *testServer, client syncer.Remote, clockStart int64, opts syncer.Options) *testDevice {
	t.Helper()
	var mu sync.Mutex
	now := clockStart
	s, err := local.Open(context.Background(), local.Options{
		Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now++
			return time.UnixMilli(now)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	opts.SchemaVersion = server.config.SchemaVersion
	return &testDevice{store: s, engine: syncer.New(s, client, opts)}
}

func TestDevicesConvergeThroughService(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	phone := newTestDevice(t, server, "store1", 1000, syncer.Options{BatchSize: 2})
	laptop := newTestDevice(t, server, "store1", 5000, syncer.Options{BatchSize: 2})

	// both devices work offline
	for i := 0; i < 3; i++ {
		_, err := phone.store.Put(ctx, fmt.Sprintf("event-%d", i), "events", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	_, err := phone.store.Put(ctx, "shared", "events", []byte(`{"title":"phone"}`))
	require.NoError(t, err)
	_, err = laptop.store.Put(ctx, "shared", "events", []byte(`{"title":"laptop"}`))
	require.NoError(t, err)
	_, err = laptop.store.Put(ctx, "user-1", "users", []byte(`{"name":"ada"}`))
	require.NoError(t, err)
	require.NoError(t, laptop.store.Delete(ctx, "user-1"))

	_, err = phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	result, err := laptop.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	_, err = phone.engine.SyncOnce(ctx)
	require.NoError(t, err)

	for _, d := range []*testDevice{phone, laptop} {
		records, err := d.store.List(ctx, "events")
		require.NoError(t, err)
		assert.Len(t, records, 4)
		shared, err := d.store.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"title":"laptop"}`), shared.Payload, "the later write wins on every device")
		_, err = d.store.Get(ctx, "user-1")
		require.ErrorIs(t, err, local.ErrNotFound)

		stats, err := d.store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Pending)
	}

	conflicts, err := laptop.store.Conflicts(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []byte(`{"title":"phone"}`), conflicts[0].Payload)

	phoneCursor, err := phone.store.Cursor(ctx)
	require.NoError(t, err)
	laptopCursor, err := laptop.store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, phoneCursor, laptopCursor)
}

func TestSchemaMismatchPausesEngine(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	d := newTestDevice(t, server, "store1", 1000, syncer.Options{})
	client, _, _ := server.device(t, "store1")
	outdated := syncer.New(d.store, client, syncer.Options{SchemaVersion: "0"})

	_, err := d.store.Put(ctx, "e1", "events", []byte("x"))
	require.NoError(t, err)
	_, err = outdated.SyncOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, syncer.KindPermanent, syncer.KindOf(err))
	assert.Equal(t, syncer.StatePaused, outdated.State())

	stats, err := d.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "nothing is lost while paused")

	_, err = d.engine.SyncOnce(ctx)
	require.NoError(t, err)
}

func TestRunPropagatesThroughWatch(t *testing.T) {
	server := newTestServer(t)
	opts := syncer.Options{Interval: time.Hour, Watch: true}
	phone := newTestDevice(t, server, "store1", 1000, opts)
	laptop := newTestDevice(t, server, "store1", 5000, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for _, d := range []*testDevice{phone, laptop} {
		wg.Add(1)
		go func(d *testDevice) {
			defer wg.Done()
			d.engine.Run(ctx)
		}(d)
	}

	_, err := phone.store.Put(ctx, "e1", "events", []byte("from phone"))
	require.NoError(t, err)
	phone.engine.Trigger()

	require.Eventually(t, func() bool {
		record, err := laptop.store.Get(context.Background(), "e1")
		return err == nil && bytes.Equal(record.Payload, []byte("from phone"))
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestLargeBacklogUploadsInSmallerBatches(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	phone := newTestDevice(t, server, "store1", 1000, syncer.Options{})
	laptop := newTestDevice(t, server, "store1", 5000, syncer.Options{})

	// a default batch of these is larger than one push may be
	poster := bytes.Repeat([]byte("p"), 70<<10)
	for i := 0; i < 100; i++ {
		_, err := phone.store.Put(ctx, fmt.Sprintf("event-%d", i), "events", poster)
		require.NoError(t, err)
	}

	_, err := phone.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncer.StateIdle, phone.engine.State())
	pending, err := phone.store.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = laptop.engine.SyncOnce(ctx)
	require.NoError(t, err)
	records, err := laptop.store.List(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, records, 100)
}

func TestDevicesConvergeAcrossTransports(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	phone := newTestDevice(t, server, "store1", 1000, syncer.Options{})
	browser := newDeviceWith(t, server, server.grpcDevice(t, "store1"), 5000, syncer.Options{})

	_, err := phone.store.Put(ctx, "e1", "events", []byte(`{"title":"launch"}`))
	require.NoError(t, err)
	_, err = browser.store.Put(ctx, "i1", "invites", []byte(`{"eventId":"e1"}`))
	require.NoError(t, err)
	_, err = browser.store.Put(ctx, "empty", "notes", []byte{})
	require.NoError(t, err)

	for _, d := range []*testDevice{phone, browser, phone} {
		_, err = d.engine.SyncOnce(ctx)
		require.NoError(t, err)
	}

	for _, d := range []*testDevice{phone, browser} {
		records, err := d.store.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, records, 3)
		empty, err := d.store.Get(ctx, "empty")
		require.NoError(t, err)
		assert.NotNil(t, empty.Payload, "an empty payload is not a missing one")
		assert.Empty(t, empty.Payload)
		invite, err := d.store.Get(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "invites", invite.Collection)
	}
}
