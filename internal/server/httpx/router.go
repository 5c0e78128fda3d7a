package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/descoped/linked-data-store-core/internal/server/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health/saga", handler.SagaHealth)
	r.Get("/source/{source}", handler.GetSource)

	r.Get("/{namespace}/{entity}/{id}", handler.GetResource)
	r.Put("/{namespace}/{entity}/{id}", handler.PutResource)
	r.Delete("/{namespace}/{entity}/{id}", handler.DeleteResource)
	return r
}
