// Package server is the supervisor: it owns the artifact store, the event
// hub, and both protocol engines, binds their listeners, and coordinates
// graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/quic-go/quic-go/http3"

	"github.com/bootflux/bootflux/internal/config"
	"github.com/bootflux/bootflux/internal/events"
	"github.com/bootflux/bootflux/internal/httpd"
	"github.com/bootflux/bootflux/internal/store"
	"github.com/bootflux/bootflux/internal/tftp"
)

// Server wires the components together. A failure of one client never
// reaches this level; only listener-level failures surface on Err.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	store  *store.Store
	hub    *events.Hub
	tftp   *tftp.Server

	httpSrv  *http.Server
	httpsSrv *http.Server
	h3Srv    *http3.Server
	httpLn   net.Listener
	httpsLn  net.Listener

	errCh chan error
}

// New builds a server from configuration. The artifact root must exist.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.New(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	hub := events.NewHub()

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		hub:    hub,
		errCh:  make(chan error, 4),
	}

	var sessions func() int
	if cfg.EnableTFTP {
		s.tftp = tftp.NewServer(tftp.Config{
			Addr:         cfg.TFTPAddr,
			MaxBlockSize: cfg.MaxBlockSize,
			MaxSessions:  cfg.MaxSessions,
			Timeout:      cfg.Timeout,
			Retries:      cfg.Retries,
			IdleTimeout:  cfg.IdleTimeout,
		}, st, hub, logger)
		sessions = s.tftp.Manager().Count
	}

	handler := httpd.NewHandler(st, hub, logger)
	admin := httpd.NewAdmin(st, hub, sessions, logger)
	mux := httpd.NewMux(handler, admin)

	s.httpSrv = httpd.NewServer(cfg.HTTPAddr, mux)

	if cfg.EnableHTTPS {
		tlsConf, err := httpd.NewTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.httpsSrv = httpd.NewServer(cfg.HTTPSAddr, mux)
		s.httpsSrv.TLSConfig = tlsConf
		if cfg.EnableH3 {
			s.h3Srv = httpd.NewH3Server(cfg.HTTPSAddr, tlsConf, mux)
		}
	}
	return s, nil
}

// Start binds every configured listener and begins serving. It returns once
// all listeners are bound, so callers can read the resolved addresses.
func (s *Server) Start() error {
	if s.tftp != nil {
		if err := s.tftp.Listen(); err != nil {
			return fmt.Errorf("bind tftp: %w", err)
		}
		go func() {
			if err := s.tftp.Serve(); err != nil {
				s.errCh <- fmt.Errorf("tftp server: %w", err)
			}
		}()
		s.logger.Info("tftp listening", "addr", s.tftp.Addr().String(), "root", s.store.Root())
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("bind http: %w", err)
	}
	s.httpLn = ln
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.logger.Info("http listening", "addr", ln.Addr().String(), "root", s.store.Root())

	if s.httpsSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.HTTPSAddr)
		if err != nil {
			return fmt.Errorf("bind https: %w", err)
		}
		s.httpsLn = tls.NewListener(ln, s.httpsSrv.TLSConfig)
		go func() {
			if err := s.httpsSrv.Serve(s.httpsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
		s.logger.Info("https listening", "addr", ln.Addr().String())
	}

	if s.h3Srv != nil {
		go func() {
			if err := s.h3Srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("http/3 server: %w", err)
			}
		}()
		s.logger.Info("http/3 listening", "addr", s.cfg.HTTPSAddr)
	}
	return nil
}

// Err surfaces the first fatal listener failure.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// HTTPAddr returns the bound HTTP address. Valid after Start.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpLn.Addr()
}

// HTTPSAddr returns the bound HTTPS address, or nil when HTTPS is disabled.
func (s *Server) HTTPSAddr() net.Addr {
	if s.httpsLn == nil {
		return nil
	}
	return s.httpsLn.Addr()
}

// TFTPAddr returns the bound TFTP address, or nil when TFTP is disabled.
func (s *Server) TFTPAddr() *net.UDPAddr {
	if s.tftp == nil {
		return nil
	}
	return s.tftp.Addr()
}

// Hub exposes the event hub, used by tests.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// Shutdown stops accepting new work and gives in-flight transfers until the
// context deadline to finish; whatever remains is aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.httpsSrv != nil {
		if err := s.httpsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("https shutdown: %w", err))
		}
	}
	if s.h3Srv != nil {
		if err := s.h3Srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http/3 shutdown: %w", err))
		}
	}
	if s.tftp != nil {
		if err := s.tftp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tftp shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
