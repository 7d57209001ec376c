package grpc

import (
	"fmt"
	"net"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// ServerOptions параметры gRPC сервера
type ServerOptions struct {
	Port     string
	UseTLS   bool
	CertFile string
	KeyFile  string
}

// Server gRPC сервер
type Server struct {
	grpcServer *grpc.Server
	log        *logger.Logger
	opts       ServerOptions
	listener   net.Listener
}

// NewServer создает новый gRPC сервер
func NewServer(opts ServerOptions, log *logger.Logger, interceptors ...grpc.UnaryServerInterceptor) (*Server, error) {
	var serverOpts []grpc.ServerOption

	// Настройки keepalive для gRPC
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle:     time.Minute * 5,
		MaxConnectionAge:      time.Hour,
		MaxConnectionAgeGrace: time.Minute * 5,
		Time:                  time.Minute * 2,
		Timeout:               time.Second * 20,
	}
	serverOpts = append(serverOpts, grpc.KeepaliveParams(kaParams))

	if opts.UseTLS {
		creds, err := credentials.NewServerTLSFromFile(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	if len(interceptors) > 0 {
		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(interceptors...))
	}

	return &Server{
		grpcServer: grpc.NewServer(serverOpts...),
		log:        log,
		opts:       opts,
	}, nil
}

// RegisterServices регистрирует все gRPC сервисы
func (s *Server) RegisterServices(jobs JobServiceServer) {
	RegisterJobServiceServer(s.grpcServer, jobs)
}

// Start слушает порт из настроек и блокируется до остановки
func (s *Server) Start() error {
	addr := ":" + s.opts.Port
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve обслуживает готовый listener (bufconn в тестах)
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.log.Infow("Starting gRPC server", "addr", listener.Addr().String())
	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop останавливает gRPC сервер
func (s *Server) Stop() {
	s.log.Info("Stopping gRPC server")
	s.grpcServer.GracefulStop()
}
