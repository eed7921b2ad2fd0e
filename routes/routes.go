package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/agent-telemetry/app"
	"github.com/upb/agent-telemetry/handlers"
	"github.com/upb/agent-telemetry/middleware"
	"github.com/upb/agent-telemetry/models"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger

	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	if cfg.Observability.MetricsEnabled {
		r.Use(deps.Metrics.Instrument)
	}

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authHandler := handlers.NewAuthHandler(deps.Auth, logger)
	eventHandler := handlers.NewEventHandler(deps.Events, logger)
	sessionHandler := handlers.NewSessionHandler(deps.Tracker, logger)
	streamHandler := handlers.NewStreamHandler(deps.Hub, handlers.StreamOptions{
		SnapshotSize:   cfg.Stream.InitialSnapshotSize,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		PingInterval:   cfg.Stream.PingInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	healthHandler := handlers.NewHealthHandler(deps.SQLDB(), logger).
		WithStatus(cfg.Environment, string(cfg.Storage.Backend), deps.Hub, deps.Events, deps.Tracker)
	for name, check := range deps.Readiness() {
		healthHandler.WithCheck(name, check)
	}

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)
	if cfg.Observability.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	auth := deps.AuthMiddleware
	loginLimit := middleware.RateLimit(deps.LoginLimiter, deps.Metrics, logger)
	timeout := chimw.Timeout(cfg.Server.RequestTimeout)

	r.Route("/auth", func(r chi.Router) {
		r.Use(timeout)
		r.With(loginLimit).Post("/login", authHandler.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Post("/logout", authHandler.HandleLogout)
			r.Get("/me", authHandler.HandleMe)
		})
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.With(timeout).Get("/status", healthHandler.HandleStatus)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)

			// long-lived, so kept out of the request timeout
			r.Get("/stream", streamHandler.HandleStream)

			r.Group(func(r chi.Router) {
				r.Use(timeout)

				r.Route("/events", func(r chi.Router) {
					r.Post("/", eventHandler.HandleAppend)
					r.Get("/", eventHandler.HandleList)
					r.With(auth.RequireRole(models.RoleAdmin)).Get("/status", eventHandler.HandleStatus)
				})

				r.Route("/sessions", func(r chi.Router) {
					r.Post("/", sessionHandler.HandleStart)
					r.Get("/", sessionHandler.HandleList)
					r.Get("/{id}", sessionHandler.HandleGet)
					r.Post("/{id}/usage", sessionHandler.HandleUsage)
					r.Post("/{id}/check", sessionHandler.HandleCheck)
					r.Delete("/{id}", sessionHandler.HandleEnd)
				})

				r.Route("/users", func(r chi.Router) {
					r.Use(auth.RequireRole(models.RoleAdmin))
					r.Post("/", authHandler.HandleRegister)
				})
			})
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"endpoint not found"}`))
	})

	return r
}
