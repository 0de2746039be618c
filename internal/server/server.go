package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/AbdulRehman2040/speed-test-api/internal/config"
	"github.com/AbdulRehman2040/speed-test-api/internal/measure"
	"github.com/AbdulRehman2040/speed-test-api/internal/metrics"
	"github.com/AbdulRehman2040/speed-test-api/internal/store"
)

// Measurer runs one measurement per call.
type Measurer interface {
	Measure(ctx context.Context, req measure.Request) (*measure.Report, error)
}

// Server represents the HTTP API of the measurement service.
type Server struct {
	measurer Measurer
	store    *store.Store
	metrics  *metrics.Recorder
	config   *config.Config
	logger   *slog.Logger
	limiter  *rate.Limiter
	// trustedProxies may set X-Forwarded-For, X-Real-IP and X-Forwarded-Proto.
	trustedProxies []netip.Prefix
	router         *mux.Router
	httpServer     *http.Server
}

// NewServer creates a new Server instance. st and rec may be nil, which
// disables report history and the metrics endpoint respectively.
func NewServer(
	m Measurer,
	st *store.Store,
	rec *metrics.Recorder,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Server{
		measurer: m,
		store:    st,
		metrics:  rec,
		config:   cfg,
		logger:   logger,
	}
	if rl := cfg.Server.RateLimit; rl.PerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.PerMinute)), burst)
	}
	for _, entry := range cfg.Server.TrustedProxies {
		prefix, err := parseProxy(entry)
		if err != nil {
			logger.Warn("ignoring trusted proxy", "entry", entry, "error", err)
			continue
		}
		s.trustedProxies = append(s.trustedProxies, prefix)
	}
	s.router = s.setupRoutes()
	return s
}

// parseProxy accepts a single address or a CIDR range.
func parseProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes. Every route also accepts OPTIONS so
// the CORS middleware can answer preflight requests.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/network-metrics", s.handleNetworkMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	// History routes
	r.HandleFunc("/api/reports", s.handleListReports).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/reports/{id}", s.handleGetReport).Methods(http.MethodGet, http.MethodOptions)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, http.StatusNotFound, "Not found", fmt.Sprintf("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, http.StatusMethodNotAllowed, "Method not allowed", fmt.Sprintf("%s is not supported", r.Method))
	})
	return r
}

// corsMiddleware allows any origin to read the API and answers preflight
// requests directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Cache-Control")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
