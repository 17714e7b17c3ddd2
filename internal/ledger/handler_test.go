package ledger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"simtrade/internal/store/memory"

	"github.com/go-chi/chi/v5"
)

func TestHandler(t *testing.T) {
	st := memory.New()
	svc := NewService(nil)
	openAccount(t, st, svc, "u1", 750)
	h := NewHandler(svc, st)

	rec := httptest.NewRecorder()
	h.Entries(rec, httptest.NewRequest(http.MethodGet, "/v1/account/ledger", nil), "u1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"entry_type":"opening"`) {
		t.Fatalf("unexpected entries %d %s", rec.Code, rec.Body.String())
	}

	r := chi.NewRouter()
	r.Get("/internal/ledger/{userID}/verify", h.Verify)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/ledger/u1/verify", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected verify %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/ledger/nobody/verify", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
