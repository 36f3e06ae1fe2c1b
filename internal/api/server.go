// Package api exposes ConvoPipe over HTTP: channel webhooks, the web chat
// socket, a synchronous turn endpoint, and read/admin endpoints over the
// store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds non-streaming requests.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultAPIChannel is the channel of messages posted to /messages.
	DefaultAPIChannel = "api"
)

// TurnHandler runs a conversation turn synchronously.
// *conversation.Orchestrator implements it.
type TurnHandler interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) models.Reply
}

// Catalog reads and writes offerings. *catalog.Service implements it.
type Catalog interface {
	ListActiveOfferings(ctx context.Context) ([]models.Offering, error)
	Upsert(ctx context.Context, offerings ...models.Offering) error
}

// Store is the persistence the read and admin endpoints need.
type Store interface {
	store.SessionStore
	store.ExecutionStore
	store.WorkflowStore
	store.BookingStore
	store.NotificationStore
}

// Server holds the HTTP dependencies.
type Server struct {
	turns          TurnHandler
	store          Store
	catalog        Catalog
	twilioWebhook  http.HandlerFunc
	webChat        http.Handler
	allowedOrigins []string
	requestTimeout time.Duration
	apiChannel     string
	addr           string
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithCatalog enables the offering endpoints.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) { s.twilioWebhook = h }
}

// WithWebChat mounts h at GET /ws.
func WithWebChat(h http.Handler) Option {
	return func(s *Server) { s.webChat = h }
}

// WithAllowedOrigins restricts CORS to origins. Empty allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithRequestTimeout bounds non-streaming requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithAPIChannel sets the channel assigned to messages posted without one.
func WithAPIChannel(channel string) Option {
	return func(s *Server) { s.apiChannel = channel }
}

// NewServer creates a Server.
func NewServer(turns TurnHandler, st Store, opts ...Option) *Server {
	s := &Server{
		turns:          turns,
		store:          st,
		requestTimeout: DefaultRequestTimeout,
		apiChannel:     DefaultAPIChannel,
		addr:           DefaultAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.healthHandler)

	// The socket is long-lived and must not run under the request timeout.
	if s.webChat != nil {
		r.Method(http.MethodGet, "/ws", s.webChat)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		if s.twilioWebhook != nil {
			r.Post("/webhooks/twilio", s.twilioWebhook)
		}
		r.Post("/messages", s.messageHandler)
		r.Get("/sessions/{address}", s.sessionHandler)
		r.Get("/bookings/{address}", s.bookingsHandler)
		r.Get("/notifications", s.notificationsHandler)

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.createWorkflowHandler)
			r.Get("/active", s.activeWorkflowHandler)
			r.Get("/{id}", s.getWorkflowHandler)
			r.Post("/{id}/activate", s.activateWorkflowHandler)
		})

		if s.catalog != nil {
			r.Get("/offerings", s.listOfferingsHandler)
			r.Post("/offerings", s.upsertOfferingsHandler)
		}
	})

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("Server.ListenAndServe: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
