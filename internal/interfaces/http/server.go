// Package http serves the posdesk REST and stream surface: positions views,
// the rules catalog lifecycle, and a websocket snapshot feed.
package http

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/catalog"
	"github.com/posdesk/posdesk/internal/snapshot"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	PublishPerMinute int
}

// DefaultServerConfig returns the production HTTP defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":8080",
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     15 * time.Second,
		RequestTimeout:   30 * time.Second,
		PublishPerMinute: 12,
	}
}

// Server is the posdesk HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	stream   *StreamHandler
	metrics  *MetricsRegistry
	config   ServerConfig
}

// NewServer wires routes, middleware, and handlers.
func NewServer(cfg ServerConfig, publisher *snapshot.Publisher, store *catalog.Store, metrics *MetricsRegistry) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:   router,
		handlers: NewHandlers(publisher, store, metrics, cfg.PublishPerMinute),
		stream:   NewStreamHandler(publisher, metrics),
		metrics:  metrics,
		config:   cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	// The stream endpoint bypasses the JSON content type and the request
	// timeout: a websocket connection outlives any single request budget.
	s.router.HandleFunc("/stream", s.stream.Serve).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/positions/stocks", s.handlers.Stocks).Methods("GET")
	api.HandleFunc("/positions/options", s.handlers.Options).Methods("GET")

	api.HandleFunc("/rules/summary", s.handlers.RulesSummary).Methods("GET")
	api.HandleFunc("/rules/catalog", s.handlers.RulesCatalog).Methods("GET")
	api.HandleFunc("/rules/validate", s.handlers.RulesValidate).Methods("POST")
	api.HandleFunc("/rules/preview", s.handlers.RulesPreview).Methods("POST")
	api.HandleFunc("/rules/publish", s.handlers.RulesPublish).Methods("POST")
	api.HandleFunc("/rules/reload", s.handlers.RulesReload).Methods("POST")

	api.HandleFunc("/state", s.handlers.State).Methods("GET")
	api.HandleFunc("/health", s.handlers.Health).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware adds a unique request ID to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request with status and duration.
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID, _ := r.Context().Value(requestIDKey).(string)

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// timeoutMiddleware enforces the per-request budget.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows localhost dashboard origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets the JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	s.stream.Close()
	return s.server.Shutdown(ctx)
}

// responseWrapper captures the status code for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the logging wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
