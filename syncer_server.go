package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/config"
	"github.com/apollo-events/data-sync/middleware"
	"github.com/apollo-events/data-sync/notify"
	"github.com/apollo-events/data-sync/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultBlobMaxBytes = 16 << 20
	defaultListLimit    = 500
	maxListLimit        = 1000
	defaultContentType  = "application/octet-stream"
)

// serviceError is a request failure the caller can act on. Both transports
// render it: HTTP as an ErrorReply with status, gRPC as the matching code.
type serviceError struct {
	status  int
	code    string
	message string
}

func (e *serviceError) Error() string {
	return fmt.Sprintf("%v: %v", e.code, e.message)
}

func failure(status int, code, message string) error {
	return &serviceError{status: status, code: code, message: message}
}

type PersistentSyncerServer struct {
	config       *config.Config
	storage      store.SyncStorage
	events       *notify.Manager
	publisher    notify.Publisher
	limiter      *middleware.RateLimiter
	watchTimeout time.Duration
	blobMaxBytes int
}

// NewPersistentSyncerServer serves storage. Change events go out through
// publisher and come back to this instance's watchers through events.
func NewPersistentSyncerServer(config *config.Config, storage store.SyncStorage, events *notify.Manager, publisher notify.Publisher) *PersistentSyncerServer {
	watchTimeout := time.Duration(config.WatchTimeoutSeconds) * time.Second
	if watchTimeout <= 0 {
		watchTimeout = 25 * time.Second
	}
	blobMaxBytes := config.BlobMaxBytes
	if blobMaxBytes <= 0 {
		blobMaxBytes = defaultBlobMaxBytes
	}
	return &PersistentSyncerServer{
		config:       config,
		storage:      storage,
		events:       events,
		publisher:    publisher,
		limiter:      middleware.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst),
		watchTimeout: watchTimeout,
		blobMaxBytes: blobMaxBytes,
	}
}

func toWire(r *store.StoredRecord) *api.Record {
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

func (s *PersistentSyncerServer) push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error) {
	if req.SchemaVersion != s.config.SchemaVersion {
		return nil, failure(http.StatusUnprocessableEntity, api.CodeSchemaMismatch,
			"schema version "+req.SchemaVersion+" is not supported, expected "+s.config.SchemaVersion)
	}
	for _, m := range req.Mutations {
		if m.MutationId == "" || m.Record.Id == "" {
			return nil, failure(http.StatusBadRequest, api.CodeBadRequest, "mutation without id")
		}
	}

	storeID := middleware.StoreID(ctx)
	reply := &api.PushReply{BatchId: req.BatchId, Results: make([]api.SetRecordReply, 0, len(req.Mutations))}
	var latest int64
	for _, m := range req.Mutations {
		record := store.StoredRecord{
			Id:         m.Record.Id,
			Collection: m.Record.Collection,
			Data:       m.Record.Data,
			Deleted:    m.Record.Deleted,
			UpdatedAt:  m.Record.UpdatedAt,
			Origin:     m.Record.Origin,
			MutationId: m.MutationId,
		}
		if record.Deleted {
			record.Data = nil
		}
		newRevision, err := s.storage.SetRecord(ctx, storeID, record, m.BaseRevision)
		if errors.Is(err, store.ErrSetConflict) {
			current, err := s.storage.GetRecord(ctx, storeID, m.Record.Id)
			if err != nil {
				return nil, fmt.Errorf("failed to load conflicting record: %w", err)
			}
			reply.Results = append(reply.Results, api.SetRecordReply{
				MutationId: m.MutationId,
				Status:     api.SetRecordStatus_CONFLICT,
				Current:    toWire(current),
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set record: %w", err)
		}
		latest = max(latest, newRevision)
		reply.Results = append(reply.Results, api.SetRecordReply{
			MutationId:  m.MutationId,
			Status:      api.SetRecordStatus_SUCCESS,
			NewRevision: newRevision,
		})
	}

	if latest > 0 {
		if err := s.publisher.Publish(ctx, notify.Event{StoreID: storeID, Revision: latest}); err != nil {
			log.Printf("failed to publish change of store %v: %v", storeID, err)
		}
	}
	return reply, nil
}

// listChanges pages through the store after cursor; limit 0 means the
// default page size.
func (s *PersistentSyncerServer) listChanges(ctx context.Context, cursor string, limit int) (*api.ListChangesReply, error) {
	since, err := api.DecodeCursor(cursor)
	if err != nil {
		return nil, failure(http.StatusBadRequest, api.CodeBadRequest, err.Error())
	}
	if limit < 0 {
		return nil, failure(http.StatusBadRequest, api.CodeBadRequest, "invalid limit")
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	changed, err := s.storage.ListChanges(ctx, middleware.StoreID(ctx), since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	reply := &api.ListChangesReply{Changes: make([]api.Record, 0, len(changed)), Cursor: cursor}
	if len(changed) > limit {
		changed = changed[:limit]
		reply.HasMore = true
	}
	for i := range changed {
		reply.Changes = append(reply.Changes, *toWire(&changed[i]))
		reply.Cursor = api.EncodeCursor(changed[i].Revision)
	}
	return reply, nil
}

// watch long-polls until the store moves past the cursor or the watch
// timeout passes.
func (s *PersistentSyncerServer) watch(ctx context.Context, cursor string) (*api.WatchReply, error) {
	since, err := api.DecodeCursor(cursor)
	if err != nil {
		return nil, failure(http.StatusBadRequest, api.CodeBadRequest, err.Error())
	}
	storeID := middleware.StoreID(ctx)

	subscription, err := s.events.Subscribe(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer s.events.Unsubscribe(subscription)

	revision, err := s.storage.StoreRevision(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get store revision: %w", err)
	}
	if revision > since {
		return &api.WatchReply{Changed: true, Revision: revision}, nil
	}

	timer := time.NewTimer(s.watchTimeout)
	defer timer.Stop()
	for {
		select {
		case event := <-subscription.Events:
			if event.Revision > since {
				return &api.WatchReply{Changed: true, Revision: event.Revision}, nil
			}
		case <-timer.C:
			return &api.WatchReply{Revision: revision}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *PersistentSyncerServer) getRecord(ctx context.Context, id string) (*api.Record, error) {
	record, err := s.storage.GetRecord(ctx, middleware.StoreID(ctx), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure(http.StatusNotFound, api.CodeNotFound, "record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return toWire(record), nil
}

func (s *PersistentSyncerServer) putBlob(ctx context.Context, contentType string, data []byte) (*api.BlobRef, error) {
	if len(data) == 0 {
		return nil, failure(http.StatusBadRequest, api.CodeBadRequest, "empty blob")
	}
	if len(data) > s.blobMaxBytes {
		return nil, failure(http.StatusRequestEntityTooLarge, api.CodeTooLarge,
			fmt.Sprintf("blob of %d bytes exceeds %d", len(data), s.blobMaxBytes))
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	digest := api.BlobDigest(data)
	err := s.storage.PutBlob(ctx, middleware.StoreID(ctx), store.StoredBlob{Digest: digest, ContentType: contentType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to put blob: %w", err)
	}
	return &api.BlobRef{Digest: digest, Size: int64(len(data)), ContentType: contentType, URL: api.BlobURL(digest)}, nil
}

func (s *PersistentSyncerServer) getBlob(ctx context.Context, digest string) (*api.Blob, error) {
	if !api.ValidDigest(digest) {
		return nil, failure(http.StatusBadRequest, api.CodeBadRequest, "invalid blob digest")
	}
	blob, err := s.storage.GetBlob(ctx, middleware.StoreID(ctx), digest)
	if errors.Is(err, store.ErrBlobNotFound) {
		return nil, failure(http.StatusNotFound, api.CodeNotFound, "blob not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &api.Blob{Digest: blob.Digest, ContentType: blob.ContentType, Data: blob.Data}, nil
}

// writeError renders err; anything that is not a serviceError is logged and
// hidden behind a 500.
func writeError(w http.ResponseWriter, op string, err error) {
	var serr *serviceError
	if errors.As(err, &serr) {
		api.WriteError(w, serr.status, serr.code, serr.message)
		return
	}
	log.Printf("%v: %v", op, err)
	api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal error")
}

// readBody reads at most limit bytes of the request body. An oversized body
// is answered with 413 so devices retry with smaller batches.
func readBody(w http.ResponseWriter, r *http.Request, limit int) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		api.WriteError(w, http.StatusRequestEntityTooLarge, api.CodeTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return nil, false
	}
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, "could not read request body")
		return nil, false
	}
	return body, true
}

func (s *PersistentSyncerServer) Push(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, api.MaxPushBytes)
	if !ok {
		return
	}
	if err := middleware.VerifyRequest(r, body); err != nil {
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, err.Error())
		return
	}
	var req api.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, "malformed push request")
		return
	}
	reply, err := s.push(r.Context(), &req)
	if err != nil {
		writeError(w, "push", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reply)
}

func (s *PersistentSyncerServer) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, "invalid limit")
			return
		}
	}
	reply, err := s.listChanges(r.Context(), r.URL.Query().Get("since"), limit)
	if err != nil {
		writeError(w, "list changes", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reply)
}

func (s *PersistentSyncerServer) Watch(w http.ResponseWriter, r *http.Request) {
	reply, err := s.watch(r.Context(), r.URL.Query().Get("since"))
	if r.Context().Err() != nil {
		return
	}
	if err != nil {
		writeError(w, "watch", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reply)
}

func (s *PersistentSyncerServer) GetRecord(w http.ResponseWriter, r *http.Request) {
	reply, err := s.getRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get record", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, reply)
}

// PutBlob stores the raw request body; the reply's URL is what records
// reference, for example as an event's eventPosterUrl.
func (s *PersistentSyncerServer) PutBlob(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, s.blobMaxBytes)
	if !ok {
		return
	}
	if err := middleware.VerifyRequest(r, body); err != nil {
		api.WriteError(w, http.StatusForbidden, api.CodeForbidden, err.Error())
		return
	}
	ref, err := s.putBlob(r.Context(), r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, "put blob", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ref)
}

func (s *PersistentSyncerServer) GetBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := s.getBlob(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, "get blob", err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(blob.Data)
}
