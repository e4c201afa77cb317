package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/portalgate/internal/logging"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultServerConfig leaves room in WriteTimeout for a harvest or an
// activation followed by a legacy fetch.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}
}

type ManagedServer struct {
	server *http.Server
	logger *zap.Logger
	name   string
	ln     net.Listener
	errCh  chan error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: logger,
		name:   name,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly; later serve errors arrive on Done.
func (m *ManagedServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("%s failed to start: %w", m.name, err)
	}
	m.ln = ln
	m.logger.Info("server listening", zap.String("server", m.name), logging.Addr(ln.Addr().String()))

	go func() {
		err := m.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one when
// port 0 was requested.
func (m *ManagedServer) Addr() string {
	if m.ln == nil {
		return m.server.Addr
	}
	return m.ln.Addr().String()
}

// Done yields a serve error, or closes when the server stops cleanly.
func (m *ManagedServer) Done() <-chan error {
	return m.errCh
}

func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.ln == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
