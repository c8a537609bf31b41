package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelforge-ai/pixelforge/internal/database"
	mw "github.com/pixelforge-ai/pixelforge/internal/middleware"
	inats "github.com/pixelforge-ai/pixelforge/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Auth handlers
	Register http.HandlerFunc
	Login    http.HandlerFunc
	Refresh  http.HandlerFunc
	Logout   http.HandlerFunc

	// Generation pipeline
	Generate http.HandlerFunc

	// Generation history
	ListImages http.HandlerFunc
	GetImage   http.HandlerFunc

	// Credits
	GetCredits       http.HandlerFunc
	ListTransactions http.HandlerFunc

	// API keys
	CreateKey http.HandlerFunc
	ListKeys  http.HandlerFunc
	RevokeKey http.HandlerFunc

	// Quota
	GetQuota http.HandlerFunc

	// Model catalog
	ListModels http.HandlerFunc

	// Session middleware for the dashboard surface
	AuthMiddleware func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks DB and NATS
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth routes (public) — optionally rate-limited
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/refresh", h.Refresh)

			// Protected auth routes
			r.Group(func(r chi.Router) {
				r.Use(h.AuthMiddleware)
				r.Post("/logout", h.Logout)
			})
		})

		// Generation endpoint: authenticates inside the pipeline, accepting
		// either an x-api-key header or a bearer session token.
		r.Post("/generate", h.Generate)

		// Model catalog (public, credential-free)
		r.Get("/models", h.ListModels)

		// Session-protected dashboard routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/images", func(r chi.Router) {
				r.Get("/", h.ListImages)
				r.Get("/{imageID}", h.GetImage)
			})

			r.Route("/credits", func(r chi.Router) {
				r.Get("/", h.GetCredits)
				r.Get("/transactions", h.ListTransactions)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Post("/", h.CreateKey)
				r.Get("/", h.ListKeys)
				r.Delete("/{keyID}", h.RevokeKey)
			})

			r.Get("/quota", h.GetQuota)
		})
	})

	return r
}
