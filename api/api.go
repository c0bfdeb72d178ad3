// Package api holds the JSON wire types exchanged between devices and the
// remote document service.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const (
	PushPath     = "/v1/sync/push"
	ChangesPath  = "/v1/sync/changes"
	WatchPath    = "/v1/sync/watch"
	RecordsPath  = "/v1/records"
	BlobsPath    = "/v1/blobs"
	HealthPath   = "/health"
	MetricsPath  = "/metrics"
	SignatureHdr = "X-Signature"
	ReqTimeHdr   = "X-Request-Time"

	// gRPC metadata keys for the same signature
	SignatureMD = "x-signature"
	ReqTimeMD   = "x-request-time"
)

// MaxPushBytes caps the encoded body of one push. Larger batches are
// refused with 413 and must be split.
const MaxPushBytes = 8 << 20

type SetRecordStatus string

const (
	SetRecordStatus_SUCCESS  SetRecordStatus = "SUCCESS"
	SetRecordStatus_CONFLICT SetRecordStatus = "CONFLICT"
)

// Error codes carried in ErrorReply.Code.
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeSchemaMismatch = "schema_mismatch"
	CodeBadRequest     = "bad_request"
	CodeRateLimited    = "rate_limited"
	CodeTooLarge       = "payload_too_large"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

type Record struct {
	Id         string `json:"id"`
	Collection string `json:"collection"`
	Data       []byte `json:"data"`
	Revision   int64  `json:"revision"`
	Deleted    bool   `json:"deleted,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
	Origin     string `json:"origin,omitempty"`
}

type Mutation struct {
	MutationId   string `json:"mutation_id"`
	Record       Record `json:"record"`
	BaseRevision int64  `json:"base_revision"`
}

type PushRequest struct {
	SchemaVersion string     `json:"schema_version"`
	BatchId       string     `json:"batch_id"`
	Mutations     []Mutation `json:"mutations"`
}

type SetRecordReply struct {
	MutationId  string          `json:"mutation_id"`
	Status      SetRecordStatus `json:"status"`
	NewRevision int64           `json:"new_revision,omitempty"`
	Current     *Record         `json:"current,omitempty"`
}

type PushReply struct {
	BatchId string           `json:"batch_id"`
	Results []SetRecordReply `json:"results"`
}

type ListChangesReply struct {
	Changes []Record `json:"changes"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"has_more"`
}

type WatchReply struct {
	Changed  bool  `json:"changed"`
	Revision int64 `json:"revision"`
}

// BlobRef names an uploaded blob by the hex sha256 of its content. URL is
// the service-relative path records store to point at it.
type BlobRef struct {
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

type Blob struct {
	Digest      string `json:"digest"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func BlobDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func BlobURL(digest string) string {
	return BlobsPath + "/" + digest
}

// ValidDigest reports whether digest looks like a BlobDigest.
func ValidDigest(digest string) bool {
	if len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorReply) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// EncodeCursor turns a store revision into the opaque cursor handed to devices.
func EncodeCursor(revision int64) string {
	if revision <= 0 {
		return ""
	}
	return "r" + strconv.FormatInt(revision, 10)
}

// DecodeCursor is the inverse of EncodeCursor. The empty cursor means "from the beginning".
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	if cursor[0] != 'r' {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	revision, err := strconv.ParseInt(cursor[1:], 10, 64)
	if err != nil || revision < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return revision, nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, &ErrorReply{Code: code, Message: message})
}
