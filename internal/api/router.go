package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/api/middleware"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/auth"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/handlers"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/realtime"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

// NewRouter creates and configures the HTTP router. The redis client may
// be nil, which disables rate limiting.
func NewRouter(logger zerolog.Logger, st store.Store, hub *realtime.Hub, tokens *auth.Manager, rdb *redis.Client) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024)) // 16KB max body

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(rdb, logger)
	r.Use(limiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(st, tokens, hub, rdb, logger)
	authmw := middleware.NewAuthMiddleware(tokens, st)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/health", h.Health)
	r.Get("/api/stats", h.Stats)
	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)

	// The websocket carries its own credential in the query string.
	r.Get("/ws", h.ServeWS)

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireUser)

		r.Get("/api/auth/me", h.Me)
		r.Get("/api/conversations", h.ListConversations)
		r.Get("/api/conversations/{id}/messages", h.ConversationMessages)
		r.Post("/api/conversations/dm", h.CreateDM)
		r.Post("/api/conversations/group", h.CreateGroup)
		r.Post("/api/conversations/{id}/join", h.JoinConversation)
		r.Get("/api/users/search", h.SearchUsers)
	})

	return r
}
