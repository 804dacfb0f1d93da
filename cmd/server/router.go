package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/genq/internal/api"
	apiMiddleware "github.com/phrazzld/genq/internal/api/middleware"
)

// setupRouter creates the router with the standard middleware and the
// request, queue and health endpoints.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(middleware.Recoverer)

	handler := api.NewRequestHandler(app.manager, app.exporter, app.logger)
	handler.Routes(r)

	return r
}
