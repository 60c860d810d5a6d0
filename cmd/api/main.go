package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/auth"
	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/config"
	"github.com/PaulBabatuyi/dm-gateway/internal/data"
	"github.com/PaulBabatuyi/dm-gateway/internal/db"
	"github.com/PaulBabatuyi/dm-gateway/internal/delivery"
	"github.com/PaulBabatuyi/dm-gateway/internal/gateway"
	"github.com/PaulBabatuyi/dm-gateway/internal/metrics"
	"github.com/PaulBabatuyi/dm-gateway/internal/middleware"
	"github.com/PaulBabatuyi/dm-gateway/internal/presence"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the selected persistence backend.
type stores struct {
	convs  chat.ConversationStore
	users  data.UserStore
	health healthFunc
	close  func()
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		bdb, err := db.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		if cfg.BadgerPath == "" {
			log.Warn("BADGER_PATH not set, using an in-memory store")
		}
		store := data.NewBadgerStore(bdb)
		return &stores{
			convs: store,
			users: store,
			health: func(context.Context) error {
				if bdb.IsClosed() {
					return errors.New("badger closed")
				}
				return nil
			},
			close: func() { _ = bdb.Close() },
		}, nil

	default:
		client, err := db.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.CreateIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("create indexes: %w", err)
		}
		return &stores{
			convs:  data.NewConversationsStore(client.ConversationsCollection(), client.MessagesCollection()),
			users:  data.NewUsersStore(client.UsersCollection()),
			health: client.Ping,
			close:  func() { _ = client.Close(context.Background()) },
		}, nil
	}
}

func newJWTManager(cfg *config.Config) (*auth.JWTManager, error) {
	if cfg.JWTKeys == "" {
		return auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL), nil
	}
	keys, err := cfg.JWTKeyMap()
	if err != nil {
		return nil, err
	}
	return auth.NewJWTManagerFromKeys(keys, cfg.JWTActiveKid, cfg.TokenTTL), nil
}

// interceptors is the server's middleware chain: logging outermost, then
// the account rate limit, then JWT auth.
func interceptors(log *slog.Logger, jwtMgr *auth.JWTManager, accounts *middleware.LimiterStore) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			loggingUnaryInterceptor(log),
			middleware.RateLimitUnaryInterceptor(accounts, map[string]bool{
				chatv1.ChatService_Register_FullMethodName: true,
				chatv1.ChatService_Login_FullMethodName:    true,
			}),
			authUnaryInterceptor(jwtMgr),
		),
		grpc.ChainStreamInterceptor(
			loggingStreamInterceptor(log),
			authStreamInterceptor(jwtMgr),
		),
	}
}

// run wires every component and blocks until SIGINT/SIGTERM, so deferred
// cleanup always runs before the process exits.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	jwtMgr, err := newJWTManager(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	gw := gateway.New(jwtMgr, st.convs, log, collector, gateway.Config{BufferSize: cfg.ConnBufferSize})
	relay := presence.New(gw, st.convs, log, collector, cfg.TypingTTL)
	defer relay.Close()
	gw.OnUserOffline(relay.UserOffline)
	engine := delivery.New(st.convs, gw, st.users, log, collector, delivery.Config{
		MaxContentLength: cfg.MaxContentLen,
		HistoryLimit:     cfg.HistoryLimit,
	})

	// small burst to allow a couple of quick retries on the account endpoints
	accountLimiter := middleware.NewLimiterStore(cfg.RateLimitRPM, 3, time.Minute)
	defer accountLimiter.Stop()
	eventLimiter := middleware.NewEventLimiterStore(cfg.EventRatePerSec, cfg.EventBurst, time.Minute)
	defer eventLimiter.Stop()

	var serverOpts []grpc.ServerOption
	if cfg.TLSEnabled() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	serverOpts = append(serverOpts, interceptors(log, jwtMgr, accountLimiter)...)
	grpcServer := grpc.NewServer(serverOpts...)

	srv := newServer(serverDeps{
		Users:       st.users,
		Auth:        jwtMgr,
		Gateway:     gw,
		Engine:      engine,
		Relay:       relay,
		Events:      eventLimiter,
		Logger:      log,
		AuthTimeout: cfg.AuthTimeout,
	})
	registerService(grpcServer, srv)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(chatv1.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", cfg.Port, err)
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String(), "store", cfg.StoreDriver, "tls", cfg.TLSEnabled())
		serveErr <- grpcServer.Serve(lis)
	}()

	var ops *http.Server
	if cfg.OpsPort > 0 {
		ops = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
			Handler:           opsRouter(reg, st.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("ops server listening", "addr", ops.Addr)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down")
	healthSrv.Shutdown()
	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}

	// live streams never finish on their own, so bound the graceful stop
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		grpcServer.Stop()
	}
	return nil
}
