package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Trade("buy", nil)
	m.MergeFailed()
	m.Settlement("win", 1)
	m.SnapshotRefresh(true, 3)
}

func TestExposition(t *testing.T) {
	m := New()
	m.Trade("buy", nil)
	m.Trade("buy", errors.New("rejected"))
	m.MergeFailed()
	m.Settlement("draw", 2)
	m.SnapshotRefresh(true, 42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`simtrade_trades_total{result="error",side="buy"} 1`,
		`simtrade_trades_total{result="ok",side="buy"} 1`,
		`simtrade_merge_failures_total 1`,
		`simtrade_battle_settlements_total{outcome="draw"} 2`,
		`simtrade_snapshots 42`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}
