package api

import (
	"encoding/json"
	"net/http"

	"github.com/zoravur/live-mirror/internal/protocol"
)

func handleSubscriptions(w http.ResponseWriter, r *http.Request, reg *protocol.Registry) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reg.List())
}
