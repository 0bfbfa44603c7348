// Package api is the submission boundary: it validates HTTP requests,
// forwards them to the order queues and streams job events over WebSocket.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/queue"
)

// OrderQueue is the queue API used by the handlers. *queue.Queue implements it.
type OrderQueue interface {
	Submit(ctx context.Context, order model.Order) (model.Job, error)
	Reschedule(ctx context.Context, req queue.RescheduleRequest) (model.Job, error)
	Cancel(ctx context.Context, username, jobID string) (model.Job, error)
	GetJob(ctx context.Context, jobID string) (model.Job, error)
}

// LedgerReader exposes read-only ledger views.
type LedgerReader interface {
	User(ctx context.Context, username string) (model.User, error)
	Holdings(ctx context.Context, username string) ([]model.Holding, error)
	Batches(ctx context.Context, username string, limit int) ([]model.Batch, error)
}

// Config configures the API server.
type Config struct {
	Addr        string
	CORSOrigins []string
	// Ready reports dependency health for /health. Nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

// Server handles REST and WebSocket requests.
type Server struct {
	queues map[model.Side]OrderQueue
	ledger LedgerReader
	stream *Stream
	ready  func() bool
	logger *slog.Logger

	router  *mux.Router
	handler http.Handler
	srv     *http.Server
}

// NewServer creates the API server. queues must hold both sides.
func NewServer(cfg Config, queues map[model.Side]OrderQueue, ledger LedgerReader, stream *Stream) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		queues: queues,
		ledger: ledger,
		stream: stream,
		ready:  cfg.Ready,
		logger: cfg.Logger.With("component", "api"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(s.router)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	// Order submission
	s.router.HandleFunc("/stock/{side:buy|sell}/one", s.handleSubmit(false)).Methods(http.MethodPost)
	s.router.HandleFunc("/stock/{side:buy|sell}/recur", s.handleSubmit(true)).Methods(http.MethodPost)

	// Schedule management
	s.router.HandleFunc("/stock/schedule/update", s.handleUpdateSchedule).Methods(http.MethodPost)
	s.router.HandleFunc("/stock/schedule/cancel", s.handleCancelSchedule).Methods(http.MethodPost)
	s.router.HandleFunc("/stock/schedule/{side}/{jobID}", s.handleGetJob).Methods(http.MethodGet)

	// Ledger views
	s.router.HandleFunc("/users/{username}/holdings", s.handleHoldings).Methods(http.MethodGet)
	s.router.HandleFunc("/users/{username}/trades", s.handleTrades).Methods(http.MethodGet)

	// Job event stream
	if s.stream != nil {
		s.router.HandleFunc("/ws/jobs", s.stream.ServeWS)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
