package remote

import (
	"net/http"

	"github.com/GoldenFealla/avplayer/internal/platform/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the handler's endpoints on a chi router.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(h.log))

	if h.metrics != nil {
		r.Get("/metrics", h.Metrics)
	}
	r.Get("/status", h.Status)
	r.Post("/open", h.Open)
	r.Post("/play", h.Play)
	r.Post("/pause", h.Pause)
	r.Post("/stop", h.Stop)
	r.Post("/seek", h.Seek)
	r.Post("/volume", h.Volume)
	return r
}
