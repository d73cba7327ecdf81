package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"video-adapter/config"
	"video-adapter/metrics"
	"video-adapter/stream"
	"video-adapter/webrtc"
)

// Server is the management HTTP server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	handlers *Handlers
	metrics  *metrics.Metrics
}

// NewServer creates the management server. viewers may be nil when WebRTC
// re-publishing is not used.
func NewServer(cfg *config.Config, registry *stream.Registry, viewers *webrtc.Server, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(registry, viewers, logger),
		metrics:  m,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middleware)

	r.Get("/health", s.handlers.HandleHealth)

	r.Route("/api/adapters", func(r chi.Router) {
		r.Get("/", s.handlers.HandleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handlers.HandleStatus)
			r.Post("/start", s.handlers.HandleStart)
			r.Post("/stop", s.handlers.HandleStop)
			r.Post("/recording", s.handlers.HandleStartRecording)
			r.Delete("/recording", s.handlers.HandleStopRecording)
			r.Post("/pushing", s.handlers.HandleStartPushing)
			r.Delete("/pushing", s.handlers.HandleStopPushing)
			r.Post("/capture", s.handlers.HandleCapture)
			r.Get("/files", s.handlers.HandleFiles)
			r.Get("/captures", s.handlers.HandleCaptures)
		})
	})

	if s.handlers.viewers != nil {
		r.Get("/ws/{id}", s.handlers.HandleWebSocket)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler(func() {
			s.metrics.SetActiveAdapters(s.handlers.registry.Count())
		}))
	}
	return r
}

// Start starts the web server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		// Captures may wait up to the capture timeouts.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", s.httpServer.Addr))
	return nil
}

// middleware handles CORS preflight and logs every request.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lw, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying writer.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
