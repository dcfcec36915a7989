package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	if s.devices != nil {
		r.Route("/api/v1/devices", func(r chi.Router) {
			r.Use(s.tenantMiddleware)

			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Delete("/", s.handleDeleteAllDevices)
			r.Get("/ids", s.handleListDeviceIDs)
			r.Get("/template/{templateID}", s.handleListByTemplate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/templates/{templateID}", s.handleAddTemplate)
				r.Delete("/templates/{templateID}", s.handleRemoveTemplate)
				r.Put("/configure", s.handleConfigureDevice)
				r.Post("/psk", s.handleGenPSK)
				r.Post("/attrs/{label}/psk", s.handleCopyPSK)
			})
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}
