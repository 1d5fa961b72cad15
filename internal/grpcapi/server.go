// Package grpcapi provides the control API of the campuslink server. The CLI
// reaches it over a unix socket or TCP.
package grpcapi

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/campuslink/campuslink/internal/gateway"
)

// Server wraps the gRPC server and the gateway service.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	handler    *Handler
}

// NewServer creates a gRPC server bound to a unix socket. A stale socket
// file is removed first.
func NewServer(socketPath string, svc *gateway.Service, logger zerolog.Logger) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	return newServer(lis, svc, logger), nil
}

// NewTCPServer creates a gRPC server on addr. Without a certificate pair it
// is plaintext, for local use only.
func NewTCPServer(addr string, svc *gateway.Service, logger zerolog.Logger, certFile, keyFile string) (*Server, error) {
	var opts []grpc.ServerOption
	if certFile != "" && keyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return newServer(lis, svc, logger, opts...), nil
}

func newServer(lis net.Listener, svc *gateway.Service, logger zerolog.Logger, opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.UnaryInterceptor(loggingInterceptor(logger)))
	s := grpc.NewServer(opts...)
	h := NewHandler(svc)
	h.RegisterWithGRPC(s)

	return &Server{
		grpcServer: s,
		listener:   lis,
		handler:    h,
	}
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		ev := logger.Debug()
		method := info.FullMethod
		if r, ok := req.(*RPCRequest); ok {
			method = r.Method
		}
		if r, ok := resp.(*RPCResponse); ok && r.Error != "" {
			ev = logger.Warn().Str("error", r.Error)
		}
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", method).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

// Serve starts serving gRPC requests.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Addr is the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}
