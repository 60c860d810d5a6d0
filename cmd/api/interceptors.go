package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/auth"
	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// context key type for storing auth claims in context
type authContextKey struct{}

// methods that don't require authentication
var publicMethods = map[string]bool{
	chatv1.ChatService_Register_FullMethodName: true,
	chatv1.ChatService_Login_FullMethodName:    true,
}

// getClaimsFromContext extracts auth claims from the context, if present.
func getClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(authContextKey{}).(*auth.Claims)
	return c, ok
}

// bearerFromContext returns the raw authorization header value, if any.
func bearerFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("authorization"); len(v) > 0 {
		return v[0]
	}
	return ""
}

func verifyHeader(j *auth.JWTManager, header string) (*auth.Claims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer"))
	if token == "" {
		return nil, fmt.Errorf("missing authorization header: %w", chat.ErrUnauthenticated)
	}
	claims, err := j.VerifyToken(token)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, chat.ErrUnauthenticated)
	}
	return claims, nil
}

// authUnaryInterceptor enforces JWT authentication for every unary method
// except Register and Login.
func authUnaryInterceptor(j *auth.JWTManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		claims, err := verifyHeader(j, bearerFromContext(ctx))
		if err != nil {
			return nil, chat.ToStatus(err)
		}
		return handler(context.WithValue(ctx, authContextKey{}, claims), req)
	}
}

// authStreamInterceptor verifies a bearer header when one is sent. Connect
// may instead authenticate in-band with its first event, so a missing header
// is left for the session to deal with; a bad one is rejected here.
func authStreamInterceptor(j *auth.JWTManager) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		header := bearerFromContext(ss.Context())
		if header == "" {
			if info.FullMethod == chatv1.ChatService_Connect_FullMethodName {
				return handler(srv, ss)
			}
			return chat.ToStatus(fmt.Errorf("missing authorization header: %w", chat.ErrUnauthenticated))
		}
		claims, err := verifyHeader(j, header)
		if err != nil {
			return chat.ToStatus(err)
		}
		newCtx := context.WithValue(ss.Context(), authContextKey{}, claims)
		return handler(srv, wrappedServerStream{ServerStream: ss, ctx: newCtx})
	}
}

// wrappedServerStream overrides Context() to carry claims.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w wrappedServerStream) Context() context.Context { return w.ctx }

// loggingUnaryInterceptor logs each call with its outcome and latency.
func loggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}

// loggingStreamInterceptor logs stream lifetimes.
func loggingStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Info("stream closed", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return err
	}
}
