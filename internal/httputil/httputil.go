package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"simtrade/internal/apperr"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code,omitempty"`
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its HTTP status. Errors outside the apperr
// taxonomy are reported as a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	var e *apperr.Error
	if !errors.As(err, &e) {
		WriteJSON(w, status, ErrorResponse{Error: "internal error"})
		return
	}
	WriteJSON(w, status, ErrorResponse{Error: e.Message, Code: e.Code})
}
