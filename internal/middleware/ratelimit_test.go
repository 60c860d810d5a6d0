package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type dummy struct{ email string }

func (d dummy) GetEmail() string { return d.email }

func TestLimiterStore_AllowAndForget(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, 100*time.Millisecond)
	defer s.Stop()

	key := "test@example.com"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}

	s.Forget(key)
	require.Zero(t, s.Len())
	require.True(t, s.Allow(key), "a forgotten key starts with a full bucket")
}

func TestLimiterStore_EvictsIdleEntries(t *testing.T) {
	s := NewEventLimiterStore(10, 2, time.Hour)
	defer s.Stop()

	s.Allow("conn-1")
	s.Allow("conn-2")
	require.Equal(t, 2, s.Len())

	s.evictIdle(time.Now().Add(time.Second))
	require.Zero(t, s.Len())
	s.Stop()
}

func TestRateLimitUnaryInterceptor(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	intercept := RateLimitUnaryInterceptor(s, map[string]bool{"/chat.v1.ChatService/Login": true})
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	login := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Login"}
	other := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/GetHistory"}

	resp, err := intercept(context.Background(), dummy{email: "a@example.com"}, login, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	_, err = intercept(context.Background(), dummy{email: "a@example.com"}, login, handler)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	// a different account has its own bucket
	_, err = intercept(context.Background(), dummy{email: "b@example.com"}, login, handler)
	require.NoError(t, err)

	// unlimited methods pass through
	for i := 0; i < 3; i++ {
		_, err = intercept(context.Background(), dummy{email: "a@example.com"}, other, handler)
		require.NoError(t, err)
	}
}
