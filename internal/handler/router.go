package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oakhart/parley/internal/handler/ws"
	middlewarePkg "github.com/oakhart/parley/internal/middleware"
	chatservice "github.com/oakhart/parley/internal/service/chat"
	"github.com/oakhart/parley/internal/service/session"
	"github.com/oakhart/parley/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(registry *session.Registry, scheduler *session.Scheduler, chatSvc *chatservice.Service, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	wsHandler := ws.New(registry, scheduler, chatSvc, hub)

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"sessions": registry.Len(),
			})
		})

		wsHandler.RegisterRoutes(api)
	})

	return r
}
