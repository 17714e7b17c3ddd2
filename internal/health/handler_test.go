package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"simtrade/internal/marketdata"

	"github.com/shopspring/decimal"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	snaps := marketdata.NewSnapshotStore()
	snaps.Replace([]marketdata.Snapshot{{Symbol: "600519", Price: decimal.NewFromInt(1)}}, time.Now())

	rec := httptest.NewRecorder()
	NewHandler(pinger{}, snaps, marketdata.NewBus(), "postgres", time.Time{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	stale := marketdata.NewSnapshotStore()
	stale.Replace([]marketdata.Snapshot{{Symbol: "600519", Price: decimal.NewFromInt(1), AsOf: time.Now().Add(-2 * time.Hour)}}, time.Now())
	rec = httptest.NewRecorder()
	NewHandler(pinger{}, stale, nil, "memory", time.Time{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body struct {
		Snapshots struct {
			AgeSec int64 `json:"age_sec"`
		} `json:"snapshots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Snapshots.AgeSec < 7000 {
		t.Fatalf("age must follow the quote time, got %d", body.Snapshots.AgeSec)
	}

	rec = httptest.NewRecorder()
	NewHandler(pinger{err: errors.New("down")}, nil, nil, "postgres", time.Time{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
