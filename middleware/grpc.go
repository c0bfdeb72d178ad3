package middleware

import (
	"context"
	"time"

	"github.com/apollo-events/data-sync/api"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// gRPC metadata keys are the lower-cased HTTP header names, which is also
// what grpc-web requests turn their headers into.
const (
	authorizationMD = "authorization"
)

// MetadataValue returns the first value of key in the incoming metadata.
func MetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// StatusError builds a gRPC status whose ErrorInfo reason is the api error
// code, so clients classify it the same way as an HTTP ErrorReply.
func StatusError(c codes.Code, apiCode, message string) error {
	st, err := status.New(c, message).WithDetails(&errdetails.ErrorInfo{Reason: apiCode, Domain: api.ErrorDomain})
	if err != nil {
		return status.Error(c, message)
	}
	return st.Err()
}

// UnaryAuthenticate is Authenticate for gRPC calls.
func UnaryAuthenticate(secret []byte) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token, err := bearerToken(MetadataValue(ctx, authorizationMD))
		if err != nil {
			return nil, StatusError(codes.Unauthenticated, api.CodeUnauthorized, err.Error())
		}
		claims, err := ParseToken(secret, token)
		if err != nil {
			return nil, StatusError(codes.Unauthenticated, api.CodeUnauthorized, err.Error())
		}
		return handler(withClaims(ctx, claims), req)
	}
}

// UnaryServerInterceptor applies the per-store limit to gRPC calls. It must
// be chained after UnaryAuthenticate.
func (l *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if delay, ok := l.Reserve(StoreID(ctx)); !ok {
			st, err := status.New(codes.ResourceExhausted, "rate limit exceeded").WithDetails(
				&errdetails.ErrorInfo{Reason: api.CodeRateLimited, Domain: api.ErrorDomain},
				&errdetails.RetryInfo{RetryDelay: durationpb.New(time.Duration(RetryAfterSeconds(delay)) * time.Second)},
			)
			if err != nil {
				return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
			}
			return nil, st.Err()
		}
		return handler(ctx, req)
	}
}
