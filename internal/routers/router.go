package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"collabdoc/internal/api"
	"collabdoc/internal/metrics"
)

type Options struct {
	CORSOrigins []string
	// Metrics is optional; when set, requests are instrumented and /metrics is served.
	Metrics *metrics.Metrics
}

func New(h *api.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "Organization"},
		AllowCredentials: true,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	r.Route("/api/v1/collab", func(r chi.Router) {
		r.Get("/health", h.Alive)
		r.Get("/stats", h.Stats)
		r.Get("/rooms/{roomId}", h.RoomStatus)
	})

	r.Get("/ws/collab", h.CollabWS)

	return r
}
