package marketdata

import (
	"net/http"
	"time"

	"simtrade/internal/apperr"
	"simtrade/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	store *SnapshotStore
}

func NewHandler(store *SnapshotStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	symbol := NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol is required"})
		return
	}
	snap, ok := h.store.Snapshot(symbol)
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "no snapshot for " + symbol, Code: apperr.CodeNotFound})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

type listResponse struct {
	UpdatedAt time.Time  `json:"updated_at"`
	Data      []Snapshot `json:"data"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, listResponse{UpdatedAt: h.store.UpdatedAt(), Data: h.store.All()})
}
