// Package handler provides the HTTP API of the artifact store.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prn-tf/artifact-store/internal/metrics"
)

// Router handles HTTP routing for the artifact API.
type Router struct {
	artifactHandler *ArtifactHandler
	authMiddleware  func(http.Handler) http.Handler
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	ArtifactHandler *ArtifactHandler

	// AuthMiddleware guards administrative routes. Nil allows every request.
	AuthMiddleware func(http.Handler) http.Handler

	// Metrics records request counts and latencies. Optional.
	Metrics *metrics.Metrics

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	authMiddleware := config.AuthMiddleware
	if authMiddleware == nil {
		authMiddleware = func(next http.Handler) http.Handler { return next }
	}
	return &Router{
		artifactHandler: config.ArtifactHandler,
		authMiddleware:  authMiddleware,
		metrics:         config.Metrics,
		logger:          config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.recoverer)
	r.Use(rt.instrument)

	// Health check (no auth)
	r.Get("/health", rt.handleHealth)

	rt.artifactHandler.RegisterRoutes(r, rt.authMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, APIError{Error: "not found", Code: "not_found", HTTPStatusCode: http.StatusNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, APIError{Error: "method not allowed", Code: "method_not_allowed", HTTPStatusCode: http.StatusMethodNotAllowed})
	})

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// instrument logs every request and records its metrics under the matched
// route pattern, so typegraph names do not explode label cardinality.
func (rt *Router) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		if rt.metrics != nil {
			rt.metrics.RecordHTTPRequest(r.Method, route, status, duration)
		}

		rt.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Msg("Request handled")
	})
}

// recoverer turns a panic into a 500 response.
func (rt *Router) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				rt.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeError(w, APIError{Error: "internal server error", Code: ErrorCodeInternal, HTTPStatusCode: http.StatusInternalServerError})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
