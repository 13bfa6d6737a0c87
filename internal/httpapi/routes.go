package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/hub"
	"github.com/DoyleJ11/collab-board/internal/ws"
)

func SetupRoutes(h *hub.Hub, store boardstore.Store, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(RequestLogger(log))

	r.Get("/healthz", Healthz)
	r.Post("/boards", CreateBoard(h, store))
	r.Route("/boards/{board}/shapes", func(r chi.Router) {
		r.Get("/", ListShapes(store))
		r.Post("/", CreateShape(store))
		r.Post("/batch", CreateShapes(store))
		r.Patch("/{id}", UpdateShape(store))
		r.Delete("/{id}", DeleteShape(store))
	})
	r.Get("/ws", ws.Handler(h, log))
	return r
}
