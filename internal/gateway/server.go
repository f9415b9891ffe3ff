package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/middleware"
)

// Server owns the proxy listener and, when enabled, the admin listener.
type Server struct {
	cfg    *config.Config
	main   *http.Server
	admin  *http.Server
	failed chan error
}

// NewServer wraps the pipeline and admin surface in their HTTP servers. The
// proxy listener gets the ambient middleware chain; the admin mux carries
// its own gating.
func NewServer(cfg *config.Config, pipeline *Pipeline, admin *Admin) *Server {
	handler := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logging(middleware.LoggingConfig{}),
	).Then(pipeline)

	s := &Server{
		cfg: cfg,
		main: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
		failed: make(chan error, 2),
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      middleware.NewChain(middleware.Recovery()).Then(admin.Handler()),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s
}

// Run serves until ctx is cancelled or a listener fails, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		logging.Info("gateway listening", zap.String("address", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failed <- err
		}
	}()

	if s.admin != nil {
		go func() {
			logging.Info("admin listening", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.failed <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.failed:
		logging.Error("listener failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.main.Shutdown(shutdownCtx); err != nil {
		logging.Warn("proxy listener shutdown incomplete", zap.Error(err))
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(shutdownCtx); err != nil {
			logging.Warn("admin listener shutdown incomplete", zap.Error(err))
		}
	}

	logging.Info("gateway stopped")
	return runErr
}
