package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-graph-relay/internal/access"
	"github.com/shineum/smtp-graph-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:2525").
	Addr string

	// Domain is the server hostname used in the greeting and EHLO reply.
	Domain string

	Filter        *access.Filter
	Authenticator Authenticator
	Provider      provider.Provider

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxAuthFailures int

	// AllowInsecureAuth permits AUTH before STARTTLS.
	AllowInsecureAuth bool
}

// Server accepts SMTP submissions and relays them through a Provider.
type Server struct {
	config  ServerConfig
	backend *Backend
	smtp    *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.Filter == nil {
		cfg.Filter = access.NewFilter("")
	}

	backend := NewBackend(cfg.Filter, cfg.Authenticator, cfg.Provider, cfg.MaxAuthFailures)

	s := gosmtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.AllowInsecureAuth = cfg.AllowInsecureAuth
	s.TLSConfig = cfg.TLSConfig
	s.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelError)

	return &Server{config: cfg, backend: backend, smtp: s}
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation
// it stops accepting new connections and waits up to 30 seconds for
// in-flight sessions before closing them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.backend.ctx = ctx

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Domain,
		"provider", s.config.Provider.Name(),
		"allowed_ranges", s.config.Filter.Len(),
		"tls_enabled", s.config.TLSConfig != nil,
	)
	if s.config.Filter.Len() == 0 {
		slog.Warn("allow-list is empty, all connections will be rejected")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(filterListener{Listener: ln, filter: s.config.Filter})
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		s.smtp.Close()
	} else {
		slog.Info("all sessions completed")
	}

	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
