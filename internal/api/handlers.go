package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/live-mirror/internal/feed"
)

const maxDocumentBytes = 1 << 20

// DocHandler reads and writes single documents over plain HTTP, for tools
// that do not speak the websocket protocol.
type DocHandler struct {
	Store feed.Store
}

func docPath(r *http.Request) string {
	return "/" + chi.URLParam(r, "*")
}

// GET /api/doc/{path...}
func (h *DocHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	raw, err := feed.Get(r.Context(), h.Store, docPath(r))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if raw == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// PUT /api/doc/{path...}
// Body: the JSON value to store
func (h *DocHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes+1))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(body) > maxDocumentBytes {
		http.Error(w, "document too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := h.Store.Write(r.Context(), docPath(r), json.RawMessage(body)); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/doc/{path...}
func (h *DocHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Write(r.Context(), docPath(r), nil); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, feed.ErrInvalidPath) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	L(r.Context()).Error("store request failed", zap.Error(err))
	http.Error(w, "store error", http.StatusInternalServerError)
}
