package main

import (
	"log/slog"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/auth"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/data"
	"github.com/PaulBabatuyi/dm-gateway/internal/delivery"
	"github.com/PaulBabatuyi/dm-gateway/internal/gateway"
	"github.com/PaulBabatuyi/dm-gateway/internal/middleware"
	"github.com/PaulBabatuyi/dm-gateway/internal/presence"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
)

// Server implements the chat service on top of the gateway, delivery engine
// and presence relay.
type Server struct {
	users    data.UserStore
	auth     *auth.JWTManager
	gw       *gateway.Gateway
	engine   *delivery.Engine
	relay    *presence.Relay
	events   *middleware.LimiterStore
	validate *validator.Validate
	logger   *slog.Logger

	authTimeout time.Duration
}

type serverDeps struct {
	Users       data.UserStore
	Auth        *auth.JWTManager
	Gateway     *gateway.Gateway
	Engine      *delivery.Engine
	Relay       *presence.Relay
	Events      *middleware.LimiterStore
	Logger      *slog.Logger
	AuthTimeout time.Duration
}

// newServer returns a ready-to-use Server.
func newServer(d serverDeps) *Server {
	if d.AuthTimeout <= 0 {
		d.AuthTimeout = 10 * time.Second
	}
	return &Server{
		users:       d.Users,
		auth:        d.Auth,
		gw:          d.Gateway,
		engine:      d.Engine,
		relay:       d.Relay,
		events:      d.Events,
		validate:    validator.New(),
		logger:      d.Logger,
		authTimeout: d.AuthTimeout,
	}
}

// registerService registers the ChatService on the given gRPC server.
func registerService(s *grpc.Server, srv *Server) {
	chatv1.RegisterChatServiceServer(s, srv)
}
