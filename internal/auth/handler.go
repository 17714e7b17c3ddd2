package auth

import (
	"encoding/json"
	"net/http"

	"simtrade/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type registerRequest struct {
	ExternalID string `json:"external_id"`
}

type bindPhoneRequest struct {
	Phone    string          `json:"phone"`
	Provider string          `json:"provider"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	reg, err := h.svc.Register(r.Context(), req.ExternalID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, reg)
}

func (h *Handler) BindPhone(w http.ResponseWriter, r *http.Request, userID string) {
	var req bindPhoneRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.svc.BindPhone(r.Context(), userID, req.Phone, req.Provider, req.Metadata)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if res.MergedFrom != "" {
		token, err := h.svc.signToken(res.UserID)
		if err != nil {
			httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "could not issue token"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, struct {
			BindResult
			AccessToken string `json:"access_token"`
		}{res, token})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
