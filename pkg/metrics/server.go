// HTTP endpoint for the daemon's Prometheus registry
//
// /metrics  scrape endpoint, optionally behind basic auth
// /health   liveness, always 200 while serving
// /ready    200 once every device has connected, 503 with the reason otherwise
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	// Address to listen on, e.g. "127.0.0.1:9100".
	Address string

	// Username and Password enable basic auth on /metrics when either is set.
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Ready returns nil when the daemon can deliver frames. A nil func
	// means ready while serving.
	Ready func() error
}

// Server serves a HapticsMetrics registry over HTTP.
type Server struct {
	cfg    ServerConfig
	mux    *http.ServeMux
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
	serving  bool
}

// NewServer builds the routes; nothing listens until Serve or
// ListenAndServe.
func NewServer(m *HapticsMetrics, cfg ServerConfig) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}

	reg := m.Registry()
	scrape := promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	s.mux.Handle("/metrics", s.scrapeOnly(scrape))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe listens on the configured address and blocks until
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.serving = true
	s.mu.Unlock()

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("metrics: serve: %w", err)
}

// Shutdown stops serving; in-flight scrapes finish first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.serving = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once serving, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

func (s *Server) scrapeOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="hapticd"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()

	var reason error
	switch {
	case !serving:
		reason = errors.New("server not started")
	case s.cfg.Ready != nil:
		reason = s.cfg.Ready()
	}

	w.Header().Set("Content-Type", "text/plain")
	if reason != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "not ready: %v\n", reason)
		return
	}
	fmt.Fprintln(w, "ready")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "hapticd")
	fmt.Fprintln(w, "  /metrics  prometheus scrape endpoint")
	fmt.Fprintln(w, "  /health   liveness")
	fmt.Fprintln(w, "  /ready    all devices connected")
}
