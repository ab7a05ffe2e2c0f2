// Package api provides the HTTP and gRPC servers for factorlab, exposing
// factor combination management, backtest runs and live scores.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// Server hosts the REST API and the BacktestService gRPC endpoint.
type Server struct {
	handler  *Handler
	httpAddr string
	grpcAddr string
	http     *http.Server
	grpc     *grpc.Server
	log      *slog.Logger
}

// NewServer creates a Server. An empty grpcAddr disables gRPC.
func NewServer(h *Handler, httpAddr, grpcAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		handler:  h,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		http: &http.Server{
			Addr:              httpAddr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log.With("component", "server"),
	}
	if grpcAddr != "" {
		s.grpc = grpc.NewServer()
		h.RegisterGRPC(s.grpc)
	}
	return s
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Cancellation triggers a graceful
// shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.grpc != nil {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			_ = s.http.Close()
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		go func() {
			s.log.Info("grpc listening", "addr", s.grpcAddr)
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return err
	}
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpc != nil {
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}
