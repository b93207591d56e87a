// Package diag provides the optional diagnostics HTTP server of the filenotify tool.
package diag

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/listenupapp/filenotify/internal/watcher"
)

// Source is the read side of the notification service the diagnostics report on.
type Source interface {
	State() watcher.State
	ObservedCount() int
	Watches() []watcher.WatchedPath
	Watch(path string) (watcher.WatchedPath, bool)
	Backends() []watcher.BackendStatus
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	source Source
	broker *Broker
	router *chi.Mux
	api    huma.API
	logger *slog.Logger
}

// NewServer creates a new diagnostics server with all routes configured.
// broker may be nil, in which case /events is not served.
func NewServer(source Source, broker *Broker, logger *slog.Logger) *Server {
	router := chi.NewRouter()

	humaConfig := huma.DefaultConfig("filenotify diagnostics", "1.0.0")
	humaConfig.Info.Description = "Read-only view of the file change notification service."

	s := &Server{
		source: source,
		broker: broker,
		router: router,
		logger: logger,
	}

	s.setupMiddleware()
	s.api = humachi.New(router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerWatchRoutes()
	if broker != nil {
		router.Get("/events", NewStreamHandler(broker, logger).ServeHTTP)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API returns the huma API, mainly for tests.
func (s *Server) API() huma.API {
	return s.api
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

// requestLogger logs each request at debug level once it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
