// Package server serves health probes and Prometheus metrics over HTTP for
// both the stream daemon and the collector.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds listener settings. Equal ports serve both endpoints from a
// single listener.
type Config struct {
	Host        string
	HealthPort  int
	MetricsPort int
	MetricsPath string
}

// Validate checks the port numbers.
func (c Config) Validate() error {
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.HealthPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	return nil
}

// Server represents the HTTP server for health and metrics.
type Server struct {
	servers []*http.Server
	addrs   []string
	logger  *slog.Logger
}

// NewServer creates the health and metrics servers without starting them.
func NewServer(
	cfg Config,
	healthChecker HealthChecker,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /health/live", LivenessHandler(healthChecker, logger))
	healthMux.HandleFunc("GET /health/ready", ReadinessHandler(healthChecker, logger))

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})

	s := &Server{logger: logger}

	if cfg.HealthPort == cfg.MetricsPort {
		healthMux.Handle(metricsPath, metricsHandler)
		s.servers = append(s.servers, newHTTPServer(cfg.Host, cfg.HealthPort, healthMux))
		return s
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsPath, metricsHandler)

	s.servers = append(s.servers,
		newHTTPServer(cfg.Host, cfg.HealthPort, healthMux),
		newHTTPServer(cfg.Host, cfg.MetricsPort, metricsMux),
	)
	return s
}

func newHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprint(port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Start binds every listener and serves in the background. Bind failures are
// returned; no listener is left open when Start fails.
func (s *Server) Start() error {
	listeners := make([]net.Listener, 0, len(s.servers))
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	s.addrs = s.addrs[:0]
	for _, ln := range listeners {
		s.addrs = append(s.addrs, ln.Addr().String())
	}

	for i, srv := range s.servers {
		go func(srv *http.Server, ln net.Listener) {
			s.logger.Info("starting http server", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", "addr", srv.Addr, "error", err)
			}
		}(srv, listeners[i])
	}

	return nil
}

// Addrs returns the bound listener addresses after Start, health first.
func (s *Server) Addrs() []string {
	return s.addrs
}

// Shutdown gracefully shuts down all servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	errChan := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		go func(srv *http.Server) {
			errChan <- srv.Shutdown(ctx)
		}(srv)
	}

	var errs []error
	for range s.servers {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
