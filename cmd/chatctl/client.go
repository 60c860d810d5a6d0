package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// dial connects to the server, logging each unary call to debug when
// DebugJSON is on.
func dial(cfg Config, debug io.Writer) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.DebugJSON {
		opts = append(opts, grpc.WithUnaryInterceptor(debugInterceptor(debug)))
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Addr, err)
	}
	return conn, nil
}

func debugInterceptor(w io.Writer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		fmt.Fprintf(w, "GRPC %s [%s] in %v\n", method, status.Code(err), time.Since(start))
		fmt.Fprintln(w, "REQUEST:")
		dumpJSON(w, req)
		if err != nil {
			fmt.Fprintln(w, "ERROR:", err)
		} else {
			fmt.Fprintln(w, "RESPONSE:")
			dumpJSON(w, reply)
		}
		return err
	}
}

func dumpJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "<%T: %v>\n", v, err)
		return
	}
	fmt.Fprintln(w, string(b))
}

// authed attaches the configured token to ctx.
func authed(ctx context.Context, cfg Config) (context.Context, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("CHAT_TOKEN is not set; run `chatctl login` first")
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+cfg.Token), nil
}
