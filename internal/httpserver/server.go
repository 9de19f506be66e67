package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"pastebin-lite/internal/id"
	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/paste"
	"pastebin-lite/internal/storage"
)

// Config captures server configuration.
type Config struct {
	Store       storage.Store
	IDGenerator paste.IDGenerator
	MaxBytes    int
	TrustProxy  bool
	BaseURL     string
	// TestMode honours the x-test-now-ms request header.
	TestMode bool
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Gatherer backs GET /metrics. The route is not mounted when nil.
	Gatherer prometheus.Gatherer
	Tracer   trace.Tracer
	// Now is the fallback clock, time.Now when nil.
	Now func() time.Time
}

// Server wraps HTTP handling logic.
type Server struct {
	store      storage.Store
	pastes     *paste.Service
	router     chi.Router
	maxBytes   int
	trustProxy bool
	testMode   bool
	baseURL    *url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.New(0)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1_048_576
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		var err error
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	opts := []paste.Option{
		paste.WithMaxBytes(cfg.MaxBytes),
		paste.WithLogger(cfg.Logger),
		paste.WithMetrics(cfg.Metrics),
		paste.WithTracer(cfg.Tracer),
		paste.WithClock(cfg.Now),
	}
	svc, err := paste.NewService(cfg.Store, cfg.IDGenerator, opts...)
	if err != nil {
		return nil, fmt.Errorf("paste service: %w", err)
	}

	srv := &Server{
		store:      cfg.Store,
		pastes:     svc,
		router:     chi.NewRouter(),
		maxBytes:   cfg.MaxBytes,
		trustProxy: cfg.TrustProxy,
		testMode:   cfg.TestMode,
		baseURL:    parsedBase,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		gatherer:   cfg.Gatherer,
	}
	srv.routes()
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestLogger(s.logger, s.trustProxy))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(s.metrics))
	if s.testMode {
		r.Use(TestClock)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(s.methodNotAllowed)

	for _, prefix := range []string{"", "/api"} {
		r.Post(prefix+"/pastes", s.handleCreate)
		r.Get(prefix+"/pastes/{id}", s.handleConsume)
		r.Get(prefix+"/healthz", s.handleHealth)
	}

	r.Get("/p/{id}", s.handlePlain)
	r.Get("/p/{id}/qr", s.handleQR)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

var probeMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// methodNotAllowed answers 405 and lists the methods the path does accept.
func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	allowed := make([]string, 0, len(probeMethods))
	for _, m := range probeMethods {
		if s.router.Match(chi.NewRouteContext(), m, r.URL.Path) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

// pasteURL returns the public link for id: the configured base URL when set,
// otherwise one derived from the request.
func (s *Server) pasteURL(r *http.Request, id string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		u.Path = u.Path + "/p/" + id
		return u.String()
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s/p/%s", scheme, host, id)
}
