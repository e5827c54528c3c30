package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/greylist"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/pkg/metrics"
)

// RuleSource returns the active ruleset.
type RuleSource interface {
	Rules() *acl.Ruleset
}

// ConnectionCounter reports milter connection counts.
type ConnectionCounter interface {
	GetTotalConnections() int64
	GetActiveConnections() int64
}

// HealthReporter exposes component health.
type HealthReporter interface {
	GetOverallStatus() health.ComponentStatus
	Snapshot() map[string]health.CheckState
}

// Server represents the admin HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []netip.Prefix
	greylist     *greylist.Engine
	rules        RuleSource
	connections  ConnectionCounter
	health       HealthReporter
	reload       func(ctx context.Context) error
	now          func() time.Time
	server       *http.Server
}

// ServerOptions holds configuration options for the admin API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string // IPs or CIDRs; empty allows any host
	Greylist     *greylist.Engine
	Rules        RuleSource
	Connections  ConnectionCounter
	Health       HealthReporter
	// Reload re-reads the rule configuration. Nil disables POST /admin/rules/reload.
	Reload func(ctx context.Context) error
}

// New creates a new admin API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	hosts, err := parseAllowedHosts(options.AllowedHosts)
	if err != nil {
		return nil, err
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: hosts,
		greylist:     options.Greylist,
		rules:        options.Rules,
		connections:  options.Connections,
		health:       options.Health,
		reload:       options.Reload,
		now:          time.Now,
	}, nil
}

func parseAllowedHosts(hosts []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if strings.Contains(h, "/") {
			p, err := netip.ParsePrefix(h)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(h)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host %q: %w", h, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Start creates the server and serves until ctx is done.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}
	logger.Info("Admin API: Starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)

	admin.HandleFunc("/greylist", s.handleListGreylist).Methods("GET")
	admin.HandleFunc("/greylist", s.handleDeleteGreylist).Methods("DELETE")
	admin.HandleFunc("/greylist/pass", s.handlePassGreylist).Methods("POST")
	admin.HandleFunc("/greylist/stats", s.handleGreylistStats).Methods("GET")

	admin.HandleFunc("/rules", s.handleListRules).Methods("GET")
	admin.HandleFunc("/rules/reload", s.handleReloadRules).Methods("POST")

	admin.HandleFunc("/status", s.handleStatus).Methods("GET")
	admin.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.AdminRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("Admin API: Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// allowedHostsMiddleware checks the peer address. Forwarding headers are
// ignored since they are client controlled.
func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip, err := getClientIP(r)
		if err == nil {
			for _, p := range s.allowedHosts {
				if p.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
