// Package middleware holds gRPC interceptors and the keyed rate limiters
// behind them.
package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// idleTTL is how long an unused limiter survives cleanup.
const idleTTL = 10 * time.Minute

// LimiterStore maintains per-key token buckets and periodically evicts idle ones.
// Keys are emails or peer addresses for account RPCs and connection ids for
// inbound stream events.
type LimiterStore struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientEntry
	stopCh  chan struct{}
	once    sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore allows limitPerMinute events per key with the given burst.
func NewLimiterStore(limitPerMinute int, burst int, cleanupInterval time.Duration) *LimiterStore {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	return newLimiterStore(rate.Every(time.Minute/time.Duration(limitPerMinute)), burst, cleanupInterval)
}

// NewEventLimiterStore allows perSecond events per key with the given burst.
func NewEventLimiterStore(perSecond float64, burst int, cleanupInterval time.Duration) *LimiterStore {
	if perSecond <= 0 {
		perSecond = 20
	}
	return newLimiterStore(rate.Limit(perSecond), burst, cleanupInterval)
}

func newLimiterStore(limit rate.Limit, burst int, cleanupInterval time.Duration) *LimiterStore {
	if burst <= 0 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &LimiterStore{
		limit:   limit,
		burst:   burst,
		clients: map[string]*clientEntry{},
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *LimiterStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictIdle(time.Now().Add(-idleTTL))
		case <-s.stopCh:
			return
		}
	}
}

func (s *LimiterStore) evictIdle(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.clients {
		if v.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (s *LimiterStore) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *LimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.clients[key] = &clientEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Allow checks whether an event for the given key is permitted.
func (s *LimiterStore) Allow(key string) bool {
	return s.getLimiter(key).Allow()
}

// Forget drops the limiter for key, e.g. when a connection closes.
func (s *LimiterStore) Forget(key string) {
	s.mu.Lock()
	delete(s.clients, key)
	s.mu.Unlock()
}

// Len is the number of tracked keys.
func (s *LimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimitUnaryInterceptor applies rate limiting to the supplied methods.
// Requests exposing GetEmail are keyed by email so one account cannot be
// hammered from many addresses; everything else is keyed by peer address.
func RateLimitUnaryInterceptor(store *LimiterStore, limitedMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limitedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		key := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			key = p.Addr.String()
		}
		type emailGetter interface{ GetEmail() string }
		if eg, ok := req.(emailGetter); ok {
			if e := eg.GetEmail(); e != "" {
				key = fmt.Sprintf("email:%s", e)
			}
		}

		if !store.Allow(key) {
			return nil, chat.ToStatus(fmt.Errorf("%s: %w", info.FullMethod, chat.ErrRateLimited))
		}
		return handler(ctx, req)
	}
}
