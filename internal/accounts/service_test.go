package accounts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"simtrade/internal/apperr"
	"simtrade/internal/holdings"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/store/memory"
	"simtrade/internal/types"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	led := ledger.NewService(nil)
	book := holdings.NewBook()
	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "u1", UniqueID: "ABCD1234"}); err != nil {
			return err
		}
		if _, err := led.Open(ctx, tx, "u1", d("1000")); err != nil {
			return err
		}
		if _, err := book.ApplyFill(ctx, tx, "u1", "600519", "Moutai", d("10"), 100, types.TradeSideBuy); err != nil {
			return err
		}
		_, err := book.ApplyFill(ctx, tx, "u1", "000001", "PAB", d("5"), 10, types.TradeSideBuy)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	prices := marketdata.StaticProvider{"600519": {Symbol: "600519", Price: d("12.5")}}
	return NewService(st, prices)
}

func TestSummary(t *testing.T) {
	svc := setup(t)
	sum, err := svc.Summary(context.Background(), "ABCD1234")
	if err != nil {
		t.Fatal(err)
	}
	// 100 * 12.5 marked, 10 * 5 at cost.
	if !sum.MarketValue.Equal(d("1300")) || !sum.TotalValue.Equal(d("2300")) {
		t.Fatalf("unexpected summary %+v", sum)
	}
	for _, p := range sum.Positions {
		switch p.Symbol {
		case "600519":
			if p.Stale || !p.ProfitLoss.Equal(d("250")) {
				t.Fatalf("unexpected marked position %+v", p)
			}
		case "000001":
			if !p.Stale || !p.ProfitLoss.IsZero() {
				t.Fatalf("unpriced position must be marked at cost, got %+v", p)
			}
		}
	}
}

func TestGetAndHoldings(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	acc, err := svc.Get(ctx, "u1")
	if err != nil || !acc.BalanceCNY.Equal(d("1000")) {
		t.Fatalf("unexpected account %+v %v", acc, err)
	}
	hs, err := svc.Holdings(ctx, "u1")
	if err != nil || len(hs) != 2 {
		t.Fatalf("expected 2 holdings, got %d %v", len(hs), err)
	}
	if _, err := svc.Get(ctx, "nobody"); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Fatalf("expected UserNotFound, got %v", err)
	}
}

func TestHandler(t *testing.T) {
	h := NewHandler(setup(t))
	rec := httptest.NewRecorder()
	h.Summary(rec, httptest.NewRequest(http.MethodGet, "/v1/account/summary", nil), "u1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total_value":"2300"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest(http.MethodGet, "/v1/account", nil), "nobody")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
