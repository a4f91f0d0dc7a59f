// Package server wires the HTTP routes of scraperd onto a chi router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/retractionwatch/scraperd/internal/errors"
	"github.com/retractionwatch/scraperd/internal/server/handlers"
	"github.com/retractionwatch/scraperd/internal/server/middleware"
)

// Server is the scraperd HTTP server.
type Server struct {
	host   string
	port   int
	logger *zap.Logger

	crawler    handlers.Crawler
	startLimit float64
	startBurst int

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCrawler mounts the crawl endpoints backed by c.
func WithCrawler(c handlers.Crawler) Option {
	return func(s *Server) { s.crawler = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStartLimit throttles POST /start_crawling; a non-positive limit
// disables it. Throttled requests get the failure body of a rejected start.
func WithStartLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.startLimit = perSecond
		s.startBurst = burst
	}
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds a server listening on host:port. Routes are registered
// immediately so Handler can be used without starting a listener.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NotFound(fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.MethodNotAllowed(fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.crawler != nil {
		crawl := handlers.NewCrawlHandler(s.crawler, s.logger)
		r.Get("/is_crawling", crawl.IsCrawling)
		r.With(middleware.Throttle(s.startLimit, s.startBurst, http.HandlerFunc(crawl.Throttled))).
			Post("/start_crawling", crawl.StartCrawling)
		r.Get("/last_run", crawl.LastRun)
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
