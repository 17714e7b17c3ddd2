package battle

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"simtrade/internal/apperr"
	"simtrade/internal/httputil"
	"simtrade/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Config(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.Config())
}

type createRequest struct {
	Symbol      string `json:"symbol"`
	Direction   string `json:"direction"`
	BetAmount   string `json:"bet_amount"`
	HoldMinutes int    `json:"hold_minutes"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol is required", Code: apperr.CodeInvalidArgument})
		return
	}
	bet, err := decimal.NewFromString(req.BetAmount)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid bet_amount", Code: apperr.CodeInvalidBetAmount})
		return
	}
	o, err := h.engine.Create(r.Context(), userID, req.Symbol, types.BattleDirection(req.Direction), bet, req.HoldMinutes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, o)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	out, err := h.engine.List(r.Context(), userID, types.BattleStatus(q.Get("status")), page, pageSize)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

// Settle runs one settlement pass on demand.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.SettleExpired(r.Context())
	if errors.Is(err, ErrSettlementRunning) {
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}
