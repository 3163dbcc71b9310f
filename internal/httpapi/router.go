// Package httpapi wires the control API routes.
package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"renderq/internal/httpapi/handlers"
	"renderq/internal/httpkit"
	"renderq/internal/metrics"
	"renderq/internal/pkg/middleware"
)

// DefaultRequestTimeout bounds every request except blocking submissions.
const DefaultRequestTimeout = 30 * time.Second

type Deps struct {
	handlers.Deps
	// Metrics serves /metrics; nil uses the renderq registry.
	Metrics        http.Handler
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	allowedOrigins := httpkit.SplitCSV(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	if d.Log != nil {
		r.Use(middleware.Logging(d.Log))
		r.Use(middleware.Recovery(d.Log))
	}

	h := handlers.New(d.Deps)

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	metricsHandler := d.Metrics
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	// ---- RENDERS ----
	// blocking submissions run as long as the queue takes
	r.Post("/renders", h.Wrap(h.PostRender))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/renders", h.Wrap(h.ListRenders))
		r.Delete("/renders/queue/{output}", h.Wrap(h.RemoveFromQueue))
		r.Post("/renders/{output}/abort", h.Wrap(h.AbortRender))
		r.Get("/renders/history", h.Wrap(h.ListHistory))
		r.Get("/renders/history/{id}", h.Wrap(h.GetHistory))

		// ---- PROJECT ----
		r.Get("/project", h.Wrap(h.GetProject))
		r.Get("/blobs/*", h.Wrap(h.StreamSnapshot))
	})

	return r
}
