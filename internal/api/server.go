package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pumptrader/internal/config"
	"pumptrader/pkg/utils"
)

// shutdownTimeout - ожидание завершения активных запросов при остановке
const shutdownTimeout = 10 * time.Second

// Server - HTTP сервер admin API
type Server struct {
	http   *http.Server
	logger *utils.Logger
}

// NewServer создает сервер на cfg.Host:cfg.Port
func NewServer(cfg config.ServerConfig, handler http.Handler, logger *utils.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: utils.OrGlobal(logger).WithComponent("api"),
	}
}

// Addr возвращает адрес прослушивания
func (s *Server) Addr() string {
	return s.http.Addr
}

// Run слушает до отмены ctx, затем корректно останавливается
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin API shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("admin API stopped")
	return nil
}
