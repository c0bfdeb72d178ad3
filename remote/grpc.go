package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/middleware"
	"github.com/apollo-events/data-sync/syncer"
	"github.com/btcsuite/btcd/btcec/v2"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCClient talks to the service's gRPC listener. It implements the same
// operations as Client and reports failures with the same kinds.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	tokens TokenSource
	key    *btcec.PrivateKey
	now    func() time.Time
}

var _ syncer.Remote = (*GRPCClient)(nil)

func NewGRPC(conn grpc.ClientConnInterface, tokens TokenSource, key *btcec.PrivateKey) *GRPCClient {
	return &GRPCClient{conn: conn, tokens: tokens, key: key, now: time.Now}
}

// Dial opens a connection to a gRPC listener at target. A nil pool uses
// plaintext; client handling metrics go to reg when it is not nil.
func Dial(target string, pool *x509.CertPool, reg prometheus.Registerer) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if pool != nil {
		creds = credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if reg != nil {
		metrics := grpcprom.NewClientMetrics()
		if err := reg.Register(metrics); err != nil {
			return nil, fmt.Errorf("failed to register grpc client metrics: %w", err)
		}
		opts = append(opts, grpc.WithChainUnaryInterceptor(metrics.UnaryClientInterceptor()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	return conn, nil
}

func (c *GRPCClient) Push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error) {
	if body, err := json.Marshal(req); err == nil && len(body) > api.MaxPushBytes {
		return nil, tooLarge(len(body))
	}
	var reply api.PushReply
	if err := c.invoke(ctx, "push", api.MethodPush, req, &reply, true, requestTimeout); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) ListChanges(ctx context.Context, cursor string, limit int) (*api.ListChangesReply, error) {
	var reply api.ListChangesReply
	err := c.invoke(ctx, "list changes", api.MethodListChanges, &api.ListChangesRequest{Since: cursor, Limit: limit}, &reply, false, requestTimeout)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) Watch(ctx context.Context, cursor string) (*api.WatchReply, error) {
	var reply api.WatchReply
	if err := c.invoke(ctx, "watch", api.MethodWatch, &api.WatchRequest{Since: cursor}, &reply, false, watchTimeout); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) GetRecord(ctx context.Context, id string) (*api.Record, error) {
	var reply api.Record
	if err := c.invoke(ctx, "get record", api.MethodGetRecord, &api.GetRecordRequest{Id: id}, &reply, false, requestTimeout); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *GRPCClient) PutBlob(ctx context.Context, contentType string, data []byte) (*api.BlobRef, error) {
	var ref api.BlobRef
	err := c.invoke(ctx, "put blob", api.MethodPutBlob, &api.Blob{ContentType: contentType, Data: data}, &ref, true, requestTimeout)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *GRPCClient) GetBlob(ctx context.Context, digest string) (*api.Blob, error) {
	var blob api.Blob
	if err := c.invoke(ctx, "get blob", api.MethodGetBlob, &api.GetBlobRequest{Digest: digest}, &blob, false, requestTimeout); err != nil {
		return nil, err
	}
	if api.BlobDigest(blob.Data) != digest {
		return nil, syncer.Transient("get blob", fmt.Errorf("blob %v arrived corrupted", digest))
	}
	return &blob, nil
}

func (c *GRPCClient) invoke(ctx context.Context, op, method string, in, out any, signed bool, timeout time.Duration) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return syncer.Permanent(op, err)
	}
	md := metadata.Pairs("authorization", "Bearer "+token)
	if signed {
		// the server verifies against its own encoding of the decoded
		// message, which matches json.Marshal of the same value
		body, err := json.Marshal(in)
		if err != nil {
			return syncer.Permanent(op, err)
		}
		requestTime := c.now().Unix()
		signature, err := middleware.SignMessage(c.key, []byte(middleware.SignRequest(body, requestTime)))
		if err != nil {
			return syncer.Permanent(op, err)
		}
		md.Append(api.SignatureMD, signature)
		md.Append(api.ReqTimeMD, strconv.FormatInt(requestTime, 10))
	}

	reqCtx, cancel := context.WithTimeout(metadata.NewOutgoingContext(ctx, md), timeout)
	defer cancel()
	err = c.conn.Invoke(reqCtx, method, in, out, grpc.CallContentSubtype(api.CodecName))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyGRPC(op, err)
}

// classifyGRPC maps a gRPC status onto the HTTP one the service would have
// answered and classifies that.
func classifyGRPC(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return syncer.Transient(op, err)
	}
	reply := &api.ErrorReply{Code: st.Code().String(), Message: st.Message()}
	var hint time.Duration
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			if d.GetDomain() == api.ErrorDomain {
				reply.Code = d.GetReason()
			}
		case *errdetails.RetryInfo:
			hint = d.GetRetryDelay().AsDuration()
		}
	}
	return classifyStatus(op, api.HTTPStatus(st.Code(), reply.Code), reply, hint)
}
