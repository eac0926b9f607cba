// Package handler is the HTTP transport of the key service.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/keygate/internal/domain/keys"
)

// Config holds non-dependency settings of the Handler.
type Config struct {
	// RootAPIID is the API whose keys may call management endpoints.
	RootAPIID string
}

// Handler serves the /v1 API.
type Handler struct {
	verifier  *keys.Verifier
	manager   *keys.Manager
	schemas   schemas
	rootAPIID string
}

// NewHandler compiles the request schemas and returns a Handler.
func NewHandler(cfg Config, verifier *keys.Verifier, manager *keys.Manager) (*Handler, error) {
	s, err := compileSchemas()
	if err != nil {
		return nil, errors.Wrap(err, "compile request schemas")
	}
	return &Handler{
		verifier:  verifier,
		manager:   manager,
		schemas:   s,
		rootAPIID: cfg.RootAPIID,
	}, nil
}

// Router returns the chi router with every route mounted. middlewares run
// inside the router, after route matching has set up the route context.
func (h *Handler) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, http.StatusNotFound, CodeNotFound, "route "+r.URL.Path+" not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, r, http.StatusMethodNotAllowed, CodeBadRequest, "method "+r.Method+" not allowed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/keys.verifyKey", h.VerifyKey)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireRootKey)

			r.Post("/keys.updateRemaining", h.UpdateRemaining)
			r.Post("/keys.createKey", h.CreateKey)
			r.Get("/keys.getKey", h.GetKey)
			r.Post("/keys.updateKey", h.UpdateKey)
			r.Post("/keys.deleteKey", h.DeleteKey)

			r.Post("/apis.createApi", h.CreateAPI)
			r.Get("/apis.getApi", h.GetAPI)
			r.Get("/apis.listKeys", h.ListKeys)
			r.Post("/apis.deleteApi", h.DeleteAPI)
		})
	})
	return r
}
