package ledger

import (
	"net/http"

	"simtrade/internal/httputil"
	"simtrade/internal/model"
	"simtrade/internal/store"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc   *Service
	store store.Store
}

func NewHandler(svc *Service, st store.Store) *Handler {
	return &Handler{svc: svc, store: st}
}

func (h *Handler) Entries(w http.ResponseWriter, r *http.Request, userID string) {
	var entries []model.LedgerEntry
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		entries, err = h.svc.Entries(r.Context(), tx, userID)
		return err
	})
	if err != nil {
		httputil.WriteError(w, store.TxError(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Verify re-walks a user's journal on demand.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var rep Report
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		rep, err = h.svc.Verify(r.Context(), tx, userID)
		return err
	})
	if err != nil {
		httputil.WriteError(w, store.TxError(err))
		return
	}
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusConflict
	}
	httputil.WriteJSON(w, status, rep)
}
