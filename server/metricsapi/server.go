// Package metricsapi serves the Prometheus collectors and the worker's run
// state over HTTP. It runs on its own goroutine and never touches engine
// state except through the worker's atomic accessors.
package metricsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/worker"
)

// Source is the read-only view of a worker the endpoints report on.
type Source interface {
	State() worker.RunState
	LastReport() *command.Report
}

// Server represents the metrics HTTP server
type Server struct {
	addr         string
	path         string
	allowedHosts []string
	source       Source
	gatherer     prometheus.Gatherer
	server       *http.Server
}

// ServerOptions holds configuration options for the metrics server
type ServerOptions struct {
	Addr string
	// Path serves the Prometheus exposition (default: /metrics).
	Path string
	// AllowedHosts restricts clients to these IPs or CIDR blocks.
	AllowedHosts []string
	// Gatherer defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
}

// New creates a new metrics server
func New(source Source, options ServerOptions) (*Server, error) {
	if source == nil {
		return nil, errors.New("metrics server needs a worker")
	}
	if options.Path == "" {
		options.Path = "/metrics"
	}
	if !strings.HasPrefix(options.Path, "/") {
		return nil, fmt.Errorf("metrics path %q must start with /", options.Path)
	}
	for _, h := range options.AllowedHosts {
		if strings.Contains(h, "/") {
			if _, _, err := net.ParseCIDR(h); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
			}
		} else if net.ParseIP(h) == nil {
			return nil, fmt.Errorf("invalid allowed host %q", h)
		}
	}
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:         options.Addr,
		path:         options.Path,
		allowedHosts: options.AllowedHosts,
		source:       source,
		gatherer:     options.Gatherer,
	}, nil
}

// Start runs the metrics server until ctx is done. Failures are reported on
// errChan.
func Start(ctx context.Context, source Source, options ServerOptions, errChan chan error) {
	server, err := New(source, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create metrics server: %w", err)
		return
	}
	logger.Info("Metrics: starting server", "addr", options.Addr, "path", server.path)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Metrics: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics: error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Metrics: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.hostAllowed(clientIP(r)) {
			logger.Warn("Metrics: request from disallowed host", "remote", r.RemoteAddr)
			s.writeError(w, http.StatusForbidden, "host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, h := range s.allowedHosts {
		if strings.Contains(h, "/") {
			if _, cidr, err := net.ParseCIDR(h); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(h); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

// clientIP uses the socket peer only; forwarded headers are not trusted.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// handleHealth answers 200 while the worker runs and 503 otherwise, so a
// draining worker drops out of load balancer rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.source.State()
	status := http.StatusOK
	if state != worker.StateRunning {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.source.LastReport()
	if report == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no status yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Metrics: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
