// Package server exposes the clearing house over HTTP: trader operations,
// admin operations behind an API key, and read-only market and account
// queries. Amount fields travel as wad-scaled decimal strings so no precision
// is lost in JSON.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpEngine/internal/engine"
	"PerpEngine/internal/observability"
)

// Server is the HTTP front of the engine.
type Server struct {
	engine   *engine.Engine
	adminTok engine.AdminToken
	adminKey string
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger
	httpSrv  *http.Server
}

// Config wires the server.
type Config struct {
	Addr     string
	Engine   *engine.Engine
	AdminTok engine.AdminToken
	AdminKey string // value required in the X-Admin-Key header for admin routes
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// New builds the server and its router.
func New(cfg Config) *Server {
	s := &Server{
		engine:   cfg.Engine,
		adminTok: cfg.AdminTok,
		adminKey: cfg.AdminKey,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.observe)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Trader operations.
		r.Post("/deposit", s.handleDeposit)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/positions/open", s.handleOpenPosition)
		r.Post("/positions/close", s.handleClosePosition)
		r.Post("/liquidate", s.handleLiquidate)
		r.Post("/funding/{marketID}", s.handleUpdateFunding)

		// Market queries.
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{marketID}", s.handleGetMarket)
		r.Get("/markets/{marketID}/price", s.handleGetPrice)
		r.Get("/markets/{marketID}/funding", s.handleGetFunding)
		r.Get("/markets/{marketID}/impact", s.handleGetImpact)

		// Account queries.
		r.Get("/accounts/{trader}/balance", s.handleGetBalance)
		r.Get("/accounts/{trader}/positions", s.handleListPositions)
		r.Get("/accounts/{trader}/positions/{marketID}", s.handleGetPosition)

		r.Get("/insurance", s.handleGetInsurance)

		// Admin operations.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/markets", s.handleAddMarket)
			r.Post("/markets/{marketID}/pause", s.handleSetPaused)
			r.Post("/markets/{marketID}/active", s.handleSetActive)
			r.Post("/markets/{marketID}/reserves", s.handleAdjustReserves)
			r.Post("/markets/{marketID}/funding-period", s.handleSetFundingPeriod)
			r.Post("/markets/{marketID}/max-funding-rate", s.handleSetMaxFundingRate)
			r.Post("/insurance/withdraw", s.handleInsuranceWithdraw)
		})
	})

	return r
}

// observe records request counts and latency per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// requireAdmin gates admin routes behind the configured API key.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" || r.Header.Get("X-Admin-Key") != s.adminKey {
			writeError(w, "admin key required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root router, mountable on any listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
