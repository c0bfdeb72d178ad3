package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
)

// The gRPC transport carries the same JSON messages as the HTTP one. Calls
// select the codec with grpc.CallContentSubtype(CodecName), so the wire
// content type is application/grpc+json.
const CodecName = "json"

const (
	SyncerService = "datasync.Syncer"

	MethodPush        = "/" + SyncerService + "/Push"
	MethodListChanges = "/" + SyncerService + "/ListChanges"
	MethodWatch       = "/" + SyncerService + "/Watch"
	MethodGetRecord   = "/" + SyncerService + "/GetRecord"
	MethodPutBlob     = "/" + SyncerService + "/PutBlob"
	MethodGetBlob     = "/" + SyncerService + "/GetBlob"
)

// ErrorDomain tags the ErrorInfo detail of gRPC errors; its Reason is one
// of the Code constants.
const ErrorDomain = "datasync"

type ListChangesRequest struct {
	Since string `json:"since"`
	Limit int    `json:"limit"`
}

type WatchRequest struct {
	Since string `json:"since"`
}

type GetRecordRequest struct {
	Id string `json:"id"`
}

type GetBlobRequest struct {
	Digest string `json:"digest"`
}

// GRPCCode maps a service HTTP status onto the gRPC code that carries it.
func GRPCCode(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case http.StatusRequestTimeout:
		return codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus is the inverse of GRPCCode. reason is the ErrorInfo reason,
// which tells rate limiting apart from an oversized message.
func HTTPStatus(code codes.Code, reason string) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		if reason == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusRequestEntityTooLarge
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.DeadlineExceeded:
		return http.StatusRequestTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
