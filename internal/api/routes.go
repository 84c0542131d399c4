package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zoravur/live-mirror/internal/feed"
	"github.com/zoravur/live-mirror/internal/protocol"
)

func SetupRoutes(store feed.Store, reg *protocol.Registry) http.Handler {
	ws := &WSHandler{Store: store, Registry: reg}
	docs := &DocHandler{Store: store}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Get("/ws", ws.HandleWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
			handleSubscriptions(w, r, reg)
		})
		r.Get("/doc/*", docs.handleGet)
		r.Put("/doc/*", docs.handlePut)
		r.Delete("/doc/*", docs.handleDelete)
	})

	return r
}
