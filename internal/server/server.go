package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/health"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Server provides HTTP endpoints for metrics and health checks. When both
// share an address they are served from one listener.
type Server struct {
	servers []*http.Server
	logger  *logging.Logger
}

// Config holds server configuration. An empty address disables that
// endpoint group.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	MetricsRegistry *prometheus.Registry
	EnablePprof     bool
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{logger: cfg.Logger.WithComponent("server")}

	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		s.servers = append(s.servers, &http.Server{
			Addr:              addr,
			Handler:           m,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		})
		return m
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		m := mux(cfg.MetricsAddress)
		RegisterMetrics(m, cfg.MetricsPath, cfg.MetricsRegistry)
		if cfg.EnablePprof {
			RegisterPprof(m)
		}
	}
	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		RegisterHealth(mux(cfg.HealthAddress), cfg.HealthChecker)
	}

	return s
}

// RegisterMetrics mounts the Prometheus handler for registry at path
func RegisterMetrics(mux *http.ServeMux, path string, registry *prometheus.Registry) {
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// RegisterPprof mounts the runtime profiling handlers under /debug/pprof/
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// RegisterHealth mounts /health, /health/live and /health/ready
func RegisterHealth(mux *http.ServeMux, checker *health.Checker) {
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/health/live", checker.LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())
}

// Run binds every listener, serves until ctx is done, then shuts the
// servers down. A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	if len(s.servers) == 0 {
		<-ctx.Done()
		return nil
	}

	listeners := make([]net.Listener, 0, len(s.servers))
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range s.servers {
		srv, ln := srv, listeners[i]
		g.Go(func() error {
			s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting ops server")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	})

	return g.Wait()
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Str("address", srv.Addr).Msg("Error shutting down ops server")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
