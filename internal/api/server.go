package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/spendguard/internal/domain"
)

const defaultMaxBodyBytes = 64 << 10

// Server serves the recording, scoring and alert-policy API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires routes and middleware. Only transaction recording is rate
// limited; it is the one route that writes history and fans out alerts.
func NewServer(cfg domain.ServerConfig, handler *Handler, rateLimit domain.RateLimitConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RealIP,
		TracingMiddleware,
		LoggingMiddleware,
		RecoverMiddleware,
		CORSMiddleware(cfg.CORSOrigins),
		middleware.RequestSize(cfg.MaxBodyBytes),
		middleware.Compress(5),
	)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(r chi.Router) {
		r.Use(UserMiddleware)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", handler.CreateAccount)
			r.Get("/{id}", handler.GetAccount)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.With(RateLimitMiddleware(handler.cache, rateLimit)).Post("/", handler.CreateTransaction)
			r.Get("/", handler.ListTransactions)
			r.Get("/{id}", handler.GetTransaction)
			r.Put("/{id}", handler.UpdateTransaction)
		})

		r.Post("/anomaly/score", handler.ScoreAnomaly)
		r.Get("/forecast", handler.GetForecast)

		r.Route("/alerts/policy", func(r chi.Router) {
			r.Get("/", handler.GetAlertPolicy)
			r.Put("/", handler.UpdateAlertPolicy)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
