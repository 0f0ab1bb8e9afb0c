package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
)

// SetupRouter serves sensors, dashboards and operators from one port.
func SetupRouter(h *APIHandler, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", h.HandleRoot)
	r.Get("/ws", h.HandleWebSocket)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// sensor routes
		r.Group(func(r chi.Router) {
			r.Use(h.auth.APIKeyMiddleware)
			r.Post("/seismic", h.HandleSeismic)
			r.Get("/init", h.HandleInit)
		})

		r.Get("/status", h.HandleStatus)
		r.Method(http.MethodGet, "/events", gzhttp.GzipHandler(http.HandlerFunc(h.HandleEvents)))
		r.Get("/info", h.HandleInfo)
		r.Get("/devices", h.HandleDevices)

		r.Post("/login", h.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(h.auth.JWTMiddleware)
			r.Put("/devices/{id}/alias", h.HandleSetAlias)
			r.Post("/devices/{id}/reboot", h.HandleReboot)
		})
	})

	return r
}
