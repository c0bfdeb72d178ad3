package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/config"
	"github.com/apollo-events/data-sync/middleware"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// syncerService is the gRPC face of PersistentSyncerServer. Messages are
// the api package's JSON types, so there is no generated code.
type syncerService interface {
	Push(context.Context, *api.PushRequest) (*api.PushReply, error)
	ListChanges(context.Context, *api.ListChangesRequest) (*api.ListChangesReply, error)
	Watch(context.Context, *api.WatchRequest) (*api.WatchReply, error)
	GetRecord(context.Context, *api.GetRecordRequest) (*api.Record, error)
	PutBlob(context.Context, *api.Blob) (*api.BlobRef, error)
	GetBlob(context.Context, *api.GetBlobRequest) (*api.Blob, error)
}

type grpcSyncer struct {
	server *PersistentSyncerServer
}

var _ syncerService = (*grpcSyncer)(nil)

var syncerServiceDesc = grpc.ServiceDesc{
	ServiceName: api.SyncerService,
	HandlerType: (*syncerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: unaryHandler(api.MethodPush, (*grpcSyncer).Push)},
		{MethodName: "ListChanges", Handler: unaryHandler(api.MethodListChanges, (*grpcSyncer).ListChanges)},
		{MethodName: "Watch", Handler: unaryHandler(api.MethodWatch, (*grpcSyncer).Watch)},
		{MethodName: "GetRecord", Handler: unaryHandler(api.MethodGetRecord, (*grpcSyncer).GetRecord)},
		{MethodName: "PutBlob", Handler: unaryHandler(api.MethodPutBlob, (*grpcSyncer).PutBlob)},
		{MethodName: "GetBlob", Handler: unaryHandler(api.MethodGetBlob, (*grpcSyncer).GetBlob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datasync",
}

func unaryHandler[Req, Reply any](fullMethod string, call func(*grpcSyncer, context.Context, *Req) (*Reply, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*grpcSyncer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(*grpcSyncer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// NewGRPCServer serves syncServer over gRPC with the same authentication,
// signing and rate limits as the HTTP routes. Its handling metrics are
// registered with registry.
func NewGRPCServer(config *config.Config, syncServer *PersistentSyncerServer, registry prometheus.Registerer) (*grpc.Server, error) {
	metrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := registry.Register(metrics); err != nil {
		return nil, fmt.Errorf("failed to register grpc metrics: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		// JSON carries bytes as base64
		grpc.MaxRecvMsgSize(max(api.MaxPushBytes, syncServer.blobMaxBytes)*4/3 + 64<<10),
		grpc.ChainUnaryInterceptor(
			metrics.UnaryServerInterceptor(),
			middleware.UnaryAuthenticate([]byte(config.JWTSecret)),
			syncServer.limiter.UnaryServerInterceptor(),
		),
	}
	if config.TLSCertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load grpc tls credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s := grpc.NewServer(opts...)
	s.RegisterService(&syncerServiceDesc, &grpcSyncer{server: syncServer})
	metrics.InitializeMetrics(s)
	return s, nil
}

// toStatus renders err as a gRPC status carrying the api error code.
func toStatus(ctx context.Context, op string, err error) error {
	var serr *serviceError
	switch {
	case errors.As(err, &serr):
		return middleware.StatusError(api.GRPCCode(serr.status), serr.code, serr.message)
	case ctx.Err() != nil:
		return status.FromContextError(ctx.Err()).Err()
	default:
		log.Printf("%v: %v", op, err)
		return middleware.StatusError(codes.Internal, api.CodeInternal, "internal error")
	}
}

// verifySigned checks the device signature over the JSON encoding of req,
// which is what the client signed before handing req to the codec.
func verifySigned(ctx context.Context, req any, limit int) error {
	body, err := json.Marshal(req)
	if err != nil {
		return failure(http.StatusBadRequest, api.CodeBadRequest, "malformed request")
	}
	if len(body) > limit {
		return failure(http.StatusRequestEntityTooLarge, api.CodeTooLarge, fmt.Sprintf("request exceeds %d bytes", limit))
	}
	err = middleware.VerifySignature(ctx, body,
		middleware.MetadataValue(ctx, api.SignatureMD), middleware.MetadataValue(ctx, api.ReqTimeMD))
	if err != nil {
		return failure(http.StatusForbidden, api.CodeForbidden, err.Error())
	}
	return nil
}

func (g *grpcSyncer) Push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error) {
	if err := verifySigned(ctx, req, api.MaxPushBytes); err != nil {
		return nil, toStatus(ctx, "push", err)
	}
	reply, err := g.server.push(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, "push", err)
	}
	return reply, nil
}

func (g *grpcSyncer) ListChanges(ctx context.Context, req *api.ListChangesRequest) (*api.ListChangesReply, error) {
	reply, err := g.server.listChanges(ctx, req.Since, req.Limit)
	if err != nil {
		return nil, toStatus(ctx, "list changes", err)
	}
	return reply, nil
}

func (g *grpcSyncer) Watch(ctx context.Context, req *api.WatchRequest) (*api.WatchReply, error) {
	reply, err := g.server.watch(ctx, req.Since)
	if err != nil {
		return nil, toStatus(ctx, "watch", err)
	}
	return reply, nil
}

func (g *grpcSyncer) GetRecord(ctx context.Context, req *api.GetRecordRequest) (*api.Record, error) {
	reply, err := g.server.getRecord(ctx, req.Id)
	if err != nil {
		return nil, toStatus(ctx, "get record", err)
	}
	return reply, nil
}

func (g *grpcSyncer) PutBlob(ctx context.Context, req *api.Blob) (*api.BlobRef, error) {
	// the encoded blob is base64, a third larger than the raw limit
	if err := verifySigned(ctx, req, g.server.blobMaxBytes*4/3+64<<10); err != nil {
		return nil, toStatus(ctx, "put blob", err)
	}
	ref, err := g.server.putBlob(ctx, req.ContentType, req.Data)
	if err != nil {
		return nil, toStatus(ctx, "put blob", err)
	}
	return ref, nil
}

func (g *grpcSyncer) GetBlob(ctx context.Context, req *api.GetBlobRequest) (*api.Blob, error) {
	blob, err := g.server.getBlob(ctx, req.Digest)
	if err != nil {
		return nil, toStatus(ctx, "get blob", err)
	}
	return blob, nil
}
