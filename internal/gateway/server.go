package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/annon/internal/config"
)

// Server runs the gateway listener and the management listener.
type Server struct {
	gateway    *Gateway
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	startTime  time.Time

	public     *http.Server
	management *http.Server
}

// NewServer creates a gateway and its servers. configPath, when set, is
// watched and its APIs are re-applied on change.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gw, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		startTime:  time.Now(),
	}
	l := cfg.Listener
	s.public = &http.Server{
		Addr:              l.Address,
		Handler:           gw.Handler(),
		ReadTimeout:       l.ReadTimeout,
		WriteTimeout:      l.WriteTimeout,
		IdleTimeout:       l.IdleTimeout,
		ReadHeaderTimeout: l.ReadHeaderTimeout,
		MaxHeaderBytes:    l.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	if cfg.Management.Enabled {
		s.management = &http.Server{
			Addr:              cfg.Management.Address,
			Handler:           s.managementHandler(),
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the served gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.serve(s.public, "gateway") })
	if s.management != nil {
		g.Go(func() error { return s.serve(s.management, "management") })
	}
	if s.configPath != "" {
		if err := s.watchConfig(ctx); err != nil {
			s.logger.Warn("config file not watched", zap.String("path", s.configPath), zap.Error(err))
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown(s.cfg.Listener.ShutdownTimeout)
	})
	return g.Wait()
}

func (s *Server) serve(srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	s.logger.Info("listening", zap.String("listener", name), zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	return nil
}

func (s *Server) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(s.configPath, s.logger.Named("config"))
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		s.gateway.Reload(ctx, cfg)
	})
	if err := w.Start(ctx); err != nil {
		w.Close()
		return err
	}
	go func() {
		<-ctx.Done()
		w.Close()
	}()
	return nil
}

// Shutdown stops accepting requests, waits up to timeout for in-flight ones
// and closes the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down")
	if s.management != nil {
		if err := s.management.Shutdown(ctx); err != nil {
			s.logger.Error("management shutdown", zap.Error(err))
		}
	}
	if err := s.public.Shutdown(ctx); err != nil {
		s.logger.Error("gateway shutdown", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil {
		s.logger.Error("gateway close", zap.Error(err))
		return err
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) managementHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.gateway.Metrics().Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.Stats()
	checks := map[string]any{
		"cache":       stats.Cache,
		"request_log": stats.RequestLog,
		"real_ip":     stats.RealIP,
	}

	healthy := true
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gateway.Ping(ctx); err != nil {
		healthy = false
		checks["redis"] = map[string]string{"status": "down", "error": err.Error()}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}
