package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kodisha/billing/internal/config"
	"github.com/kodisha/billing/internal/handlers"
	"github.com/kodisha/billing/internal/middleware"
)

// Server wraps the HTTP server.
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
	log     zerolog.Logger
}

// New assembles the router and middleware.
func New(cfg *config.Config, h *handlers.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
		log:     logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", s.handler.HealthCheck)

	// Initiation and status queries come from the platform backend only.
	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalAuth(s.config.InternalSecret))
		r.Post("/payments", s.handler.InitiatePayment)
		r.Get("/payments/{paymentID}/status", s.handler.PaymentStatus)
	})

	// Callback endpoint is reachable from the gateway's addresses only.
	r.Group(func(r chi.Router) {
		r.Use(middleware.GatewayIPFilter(s.config.GatewayIPs, s.log))
		r.Use(middleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/payments/callback", s.handler.GatewayCallback)
	})
}

// Start begins serving HTTP.
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the assembled mux, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }
