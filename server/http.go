// Package server exposes the drive cache to local consumers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/telemetry"
)

// Fetcher downloads a file from the Drive API on a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, fileID string) (*cache.Fetched, error)
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every request
	// except /health and /metrics.
	AuthToken string

	// Cache serves and stores files. Required.
	Cache *cache.Cache

	// Upstream is consulted on a miss. When nil the server only serves
	// cached files.
	Upstream Fetcher

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the drive cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	cache      *cache.Cache
	upstream   Fetcher
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("server requires a cache")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    cfg.Cache,
		upstream: cfg.Upstream,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetRoute(r, "metrics")
		telemetry.PrometheusHandler().ServeHTTP(w, r)
	}))

	// GET also matches HEAD.
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)
	mux.HandleFunc("GET /files/{id}/metadata", s.handleGetMetadata)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)
	mux.HandleFunc("DELETE /cache", s.handleClear)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "stats")

	stats, res := s.cache.Stats(r.Context())
	if !res.OK() {
		s.writeResultError(w, res)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set route, cache_result and file_id.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.FileID != "" {
			attrs = append(attrs, "file_id", tags.FileID)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"address", s.config.Address,
		"upstream", s.upstream != nil,
		"auth", s.config.AuthToken != "",
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. The cache is left open for the
// caller to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResultError maps a failed cache result onto a response.
func (s *Server) writeResultError(w http.ResponseWriter, res cache.Result) {
	switch res.Status {
	case cache.StatusNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case cache.StatusBackendError:
		if errors.Is(res.Err, cache.ErrInvalidFileID) {
			writeError(w, http.StatusBadRequest, "invalid file id")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
	default:
		writeError(w, http.StatusInternalServerError, res.String())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// Unwrap lets http.ResponseController reach the underlying writer.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
