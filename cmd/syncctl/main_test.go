package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/local"
	"github.com/apollo-events/data-sync/middleware"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "device.db")
	steps := [][]string{
		{"put", "e1", "--collection", "events", "--data", `{"title":"launch"}`},
		{"put", "u1", "--collection", "users", "--data", `{"name":"ada"}`},
		{"put", "e2", "--collection", "events", "--data", `{"title":"draft"}`},
		{"delete", "e2"},
		{"put", "e1", "--collection", "events", "--data", `{"title":"launch v2"}`},
	}
	for _, args := range steps {
		_, err := execute(t, "", append([]string{"--db", db}, args...)...)
		require.NoError(t, err, args)
	}
	return db
}

func TestListGolden(t *testing.T) {
	db := seed(t)
	g := newGoldie(t)

	out, err := execute(t, "", "--db", db, "list")
	require.NoError(t, err)
	g.Assert(t, "list", []byte(out))

	out, err = execute(t, "", "--db", db, "list", "--collection", "users")
	require.NoError(t, err)
	g.Assert(t, "list_users", []byte(out))
}

func TestGetAndPending(t *testing.T) {
	db := seed(t)

	out, err := execute(t, "", "--db", db, "--format", "json", "get", "e1")
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   recordView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "e1", resp.Data.ID)
	assert.Equal(t, int64(2), resp.Data.LocalRevision)
	assert.Nil(t, resp.Data.RemoteRevision)
	assert.NotEmpty(t, resp.Data.Origin)

	out, err = execute(t, "", "--db", db, "get", "e2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "Error [not_found]: record \"e2\" not found\n", out)

	out, err = execute(t, "", "--db", db, "--format", "json", "pending")
	require.NoError(t, err)
	var pending struct {
		Data []entryView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending.Data, 5)
	ops := make([]string, len(pending.Data))
	for i, e := range pending.Data {
		ops[i] = e.Op
	}
	assert.Equal(t, []string{"create", "create", "create", "delete", "update"}, ops)
}

func TestStatusAndCompact(t *testing.T) {
	db := seed(t)

	out, err := execute(t, "", "--db", db, "--format", "json", "status")
	require.NoError(t, err)
	var resp struct {
		Data statusView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.Data.DeviceID)
	assert.Equal(t, "", resp.Data.Cursor)
	assert.Equal(t, 2, resp.Data.Records)
	assert.Equal(t, 5, resp.Data.Pending)
	assert.Equal(t, 0, resp.Data.Conflicts)

	out, err = execute(t, "", "--db", db, "compact")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 entries\n", out, "pending entries are never compacted")

	out, err = execute(t, "", "--db", db, "conflicts")
	require.NoError(t, err)
	assert.Equal(t, "no conflicts\n", out)
}

func TestPutFromStdin(t *testing.T) {
	db := filepath.Join(t.TempDir(), "device.db")
	_, err := execute(t, `{"from":"stdin"}`, "--db", db, "put", "n1", "--collection", "notes", "--data", "-")
	require.NoError(t, err)

	out, err := execute(t, "", "--db", db, "list")
	require.NoError(t, err)
	assert.Equal(t, "n1 notes local=1 remote=- {\"from\":\"stdin\"}\n", out)
}

func TestInvalidInput(t *testing.T) {
	db := filepath.Join(t.TempDir(), "device.db")

	_, err := execute(t, "", "--db", db, "--format", "yaml", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "", "--db", db, "conflicts", "drop", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	t.Setenv("DATA_SYNC_TOKEN", "")
	t.Setenv("DATA_SYNC_TOKEN_FILE", "")
	_, err = execute(t, "", "--db", db, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "missing credentials")
}

func TestKeygenAndToken(t *testing.T) {
	out, err := execute(t, "", "--format", "json", "keygen")
	require.NoError(t, err)
	var keys struct {
		Data keyView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	raw, err := hex.DecodeString(keys.Data.PrivateKey)
	require.NoError(t, err)
	key, _ := btcec.PrivKeyFromBytes(raw)
	assert.Equal(t, keys.Data.PublicKey, hex.EncodeToString(key.PubKey().SerializeCompressed()))

	t.Setenv("DATA_SYNC_DEVICE_KEY", keys.Data.PrivateKey)
	out, err = execute(t, "", "token", "--secret", "s3cret", "--store", "store1")
	require.NoError(t, err)
	claims, err := middleware.ParseToken([]byte("s3cret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "store1", claims.Subject)
	assert.Equal(t, keys.Data.PublicKey, claims.DevicePubkey)

	t.Setenv("JWT_SECRET", "")
	_, err = execute(t, "", "token", "--store", "store1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOutputFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Error("not_found", "gone"))
	assert.JSONEq(t, `{"status":"error","error":{"code":"not_found","message":"gone"}}`, buf.String())

	buf.Reset()
	f.Format = "text"
	require.NoError(t, f.Success(cycleView{Uploaded: 2, Conflicts: 1, Downloaded: 3}))
	assert.Equal(t, "uploaded=2 conflicts=1 downloaded=3 skipped=0\n", buf.String())

	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
}

type fakeBlobs struct {
	blobs map[string]*api.Blob
}

func (f *fakeBlobs) PutBlob(ctx context.Context, contentType string, data []byte) (*api.BlobRef, error) {
	digest := api.BlobDigest(data)
	f.blobs[digest] = &api.Blob{Digest: digest, ContentType: contentType, Data: data}
	return &api.BlobRef{Digest: digest, Size: int64(len(data)), ContentType: contentType, URL: api.BlobURL(digest)}, nil
}

func (f *fakeBlobs) GetBlob(ctx context.Context, digest string) (*api.Blob, error) {
	return f.blobs[digest], nil
}

func TestAttachBlobLinksPoster(t *testing.T) {
	ctx := context.Background()
	db := seed(t)
	s, err := local.Open(ctx, local.Options{Path: db})
	require.NoError(t, err)
	defer s.Close()

	blobs := &fakeBlobs{blobs: map[string]*api.Blob{}}
	poster := []byte("\x89PNG poster bytes")
	view, err := attachBlob(ctx, s, blobs, "e1", defaultAttachField, "image/png", poster)
	require.NoError(t, err)
	assert.Equal(t, api.BlobDigest(poster), view.Digest)
	assert.Equal(t, api.BlobURL(view.Digest), view.URL)
	require.Contains(t, blobs.blobs, view.Digest)

	record, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"launch v2","eventPosterUrl":"`+view.URL+`"}`, string(record.Payload))
	assert.Equal(t, "events", record.Collection)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Pending, "the link is queued like any other write")

	_, err = attachBlob(ctx, s, blobs, "missing", defaultAttachField, "image/png", poster)
	require.ErrorIs(t, err, local.ErrNotFound)

	_, err = s.Put(ctx, "list", "events", []byte(`[1,2]`))
	require.NoError(t, err)
	_, err = attachBlob(ctx, s, blobs, "list", defaultAttachField, "image/png", poster)
	require.ErrorIs(t, err, errNotObject)
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	db := filepath.Join(t.TempDir(), "device.db")
	t.Setenv("DATA_SYNC_MAX_PAYLOAD_BYTES", "8")

	out, err := execute(t, "", "--db", db, "put", "n1", "--collection", "notes", "--data", "0123456789")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [too_large]")

	out, err = execute(t, "", "--db", db, "list")
	require.NoError(t, err)
	assert.Equal(t, "no records\n", out)
}

func TestCollectionCompletion(t *testing.T) {
	out, err := execute(t, "", "__complete", "put", "i1", "--collection", "")
	require.NoError(t, err)
	for _, name := range api.Collections {
		assert.Contains(t, out, name+"\n")
	}
	assert.Contains(t, out, "invites\n")

	out, err = execute(t, "", "__complete", "list", "--collection", "inv")
	require.NoError(t, err)
	assert.Contains(t, out, "invites\n")
}

func TestAttachInviteCard(t *testing.T) {
	ctx := context.Background()
	db := filepath.Join(t.TempDir(), "device.db")
	_, err := execute(t, "", "--db", db, "put", "i1", "--collection", api.CollectionInvites, "--data", `{"eventId":"e1","email":"ada@example.com"}`)
	require.NoError(t, err)

	s, err := local.Open(ctx, local.Options{Path: db})
	require.NoError(t, err)
	defer s.Close()
	view, err := attachBlob(ctx, s, &fakeBlobs{blobs: map[string]*api.Blob{}}, "i1", "cardUrl", "image/png", []byte("card"))
	require.NoError(t, err)

	records, err := s.List(ctx, api.CollectionInvites)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"eventId":"e1","email":"ada@example.com","cardUrl":"`+view.URL+`"}`, string(records[0].Payload))
}
