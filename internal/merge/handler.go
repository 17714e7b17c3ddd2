package merge

import (
	"net/http"
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

type mergeRequest struct {
	PrimaryID   string `json:"primary_id"`
	SecondaryID string `json:"secondary_id"`
}

func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	req.PrimaryID = strings.TrimSpace(req.PrimaryID)
	req.SecondaryID = strings.TrimSpace(req.SecondaryID)
	if req.PrimaryID == "" || req.SecondaryID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "primary_id and secondary_id are required", Code: apperr.CodeInvalidArgument})
		return
	}
	sum, err := h.svc.Merge(r.Context(), req.PrimaryID, req.SecondaryID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}
