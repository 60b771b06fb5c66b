package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"completion-gateway/internal/handlers"
	"completion-gateway/internal/metrics"
	"completion-gateway/internal/middleware"
)

// ReadTimeout bounds the non-streaming read endpoints. Completions are
// bounded by the provider and workflow timeouts instead.
const ReadTimeout = 15 * time.Second

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, chatHandler *handlers.ChatHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())             // panic recovery
	r.Use(middleware.MaxBodySize(512 * 1024)) // 512 KB max body

	// routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", chatHandler.ChatCompletion)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(ReadTimeout))
			r.Get("/models", chatHandler.ListModels)
			r.Get("/completions/{id}", chatHandler.GetCompletion)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
