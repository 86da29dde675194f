package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/trunov/converthub/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.QuotaGuard)
			r.Post("/upload/device", h.UploadDevice)
			r.Post("/upload/url", h.UploadURL)
		})

		r.Post("/convert", h.Convert)
		r.Post("/download", h.Download)
		r.Get("/usage", h.Usage)

		r.Route("/zip-jobs", func(r chi.Router) {
			r.Post("/", h.CreateZipJob)
			r.Get("/{jobID}", h.ZipJobStatus)
			r.Get("/{jobID}/file", h.ZipJobFile)
		})
	})

	return r
}
