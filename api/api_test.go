package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
)

func TestCursor(t *testing.T) {
	require.Equal(t, "", EncodeCursor(0))
	require.Equal(t, "r42", EncodeCursor(42))

	revision, err := DecodeCursor("")
	require.NoError(t, err)
	require.Equal(t, int64(0), revision)

	revision, err = DecodeCursor(EncodeCursor(17))
	require.NoError(t, err)
	require.Equal(t, int64(17), revision)

	for _, bad := range []string{"17", "r", "rx", "r-3"} {
		_, err := DecodeCursor(bad)
		require.Error(t, err, "cursor %q should be rejected", bad)
	}
}

func TestEmptyPayloadSurvivesTheWire(t *testing.T) {
	raw, err := json.Marshal(Record{Id: "e1", Data: []byte{}})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"data":""`)

	var decoded Record
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Data, "an empty payload is not a missing one")
	require.Empty(t, decoded.Data)

	raw, err = json.Marshal(Record{Id: "e1", Deleted: true})
	require.NoError(t, err)
	decoded = Record{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Nil(t, decoded.Data)
}

func TestBlobDigest(t *testing.T) {
	digest := BlobDigest([]byte("poster"))
	require.True(t, ValidDigest(digest))
	require.Equal(t, BlobsPath+"/"+digest, BlobURL(digest))
	require.False(t, ValidDigest("abc"))
	require.False(t, ValidDigest(digest[:62]+"zz"))
}

func TestStatusCodeMapping(t *testing.T) {
	for _, status := range []int{
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity,
		http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusServiceUnavailable,
	} {
		require.Equal(t, status, HTTPStatus(GRPCCode(status), ""), "status %d", status)
	}
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(GRPCCode(http.StatusTooManyRequests), CodeRateLimited))
	require.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(codes.ResourceExhausted, ""),
		"the transport's own message size limit reads as too large")
}

func TestJSONCodecIsRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)
	raw, err := codec.Marshal(&GetRecordRequest{Id: "e1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"e1"}`, string(raw))

	var req WatchRequest
	require.Error(t, codec.Unmarshal([]byte("{"), &req))
}
