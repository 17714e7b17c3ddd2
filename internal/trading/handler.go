package trading

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"simtrade/internal/apperr"
	"simtrade/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type tradeRequest struct {
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request, userID string) {
	h.trade(w, r, userID, h.svc.Buy)
}

func (h *Handler) Sell(w http.ResponseWriter, r *http.Request, userID string) {
	h.trade(w, r, userID, h.svc.Sell)
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, userID string, exec func(ctx context.Context, userID, symbol string, amount int64) (Result, error)) {
	var req tradeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol is required", Code: apperr.CodeInvalidArgument})
		return
	}
	res, err := exec(r.Context(), userID, req.Symbol, req.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request, userID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.svc.ListTrades(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trades": trades})
}
