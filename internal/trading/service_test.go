package trading

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

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

var shanghai = time.FixedZone("CST", 8*3600)

type fixture struct {
	svc    *Service
	store  *memory.Store
	ledger *ledger.Service
	prices marketdata.StaticProvider
	now    time.Time
}

func newFixture(t *testing.T, t1 bool) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		ledger: ledger.NewService(nil),
		prices: marketdata.StaticProvider{"600519": {Symbol: "600519", Name: "Moutai", Price: decimal.NewFromInt(10)}},
		// 10:00 in Shanghai.
		now: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.ledger, holdings.NewBook(), f.prices, Options{
		FeeRate:   decimal.RequireFromString("0.0025"),
		T1Enabled: t1,
		Location:  shanghai,
		Now:       func() time.Time { return f.now },
	})
	ctx := context.Background()
	err := f.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "u1", UniqueID: "ABCD1234"}); err != nil {
			return err
		}
		_, err := f.ledger.Open(ctx, tx, "u1", decimal.NewFromInt(10000))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	var acc model.Account
	_ = f.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(context.Background(), "u1")
		return err
	})
	return acc.BalanceCNY
}

func (f *fixture) position(t *testing.T) int64 {
	t.Helper()
	var amount int64
	_ = f.store.InTx(context.Background(), func(tx store.Tx) error {
		h, err := tx.GetHoldingForUpdate(context.Background(), "u1", "600519")
		if err == nil {
			amount = h.Amount
		}
		return nil
	})
	return amount
}

func TestQuote(t *testing.T) {
	raw, fee := Quote(decimal.RequireFromString("12.345"), 100, decimal.RequireFromString("0.0025"))
	if raw.StringFixed(2) != "1234.50" || fee.StringFixed(2) != "3.09" {
		t.Fatalf("unexpected quote %s %s", raw, fee)
	}
}

func TestBuyAndSellMoveCash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	res, err := f.svc.Buy(ctx, "u1", "600519", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Trade.Fee.Equal(decimal.RequireFromString("2.5")) || res.Holding == nil || res.Holding.Amount != 100 {
		t.Fatalf("unexpected buy result %+v", res)
	}
	if got := f.balance(t); !got.Equal(decimal.RequireFromString("8997.5")) {
		t.Fatalf("expected 8997.50 after buy, got %s", got)
	}

	f.now = f.now.Add(24 * time.Hour)
	f.prices["600519"] = marketdata.Snapshot{Symbol: "600519", Price: decimal.NewFromInt(12)}
	res, err = f.svc.Sell(ctx, "ABCD1234", "600519", 50)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Trade.Fee.Equal(decimal.RequireFromString("1.5")) || res.Trade.UserID != "u1" {
		t.Fatalf("unexpected sell result %+v", res)
	}
	if got := f.balance(t); !got.Equal(decimal.RequireFromString("9596")) {
		t.Fatalf("expected 9596.00 after sell, got %s", got)
	}

	res, err = f.svc.Sell(ctx, "u1", "600519", 50)
	if err != nil {
		t.Fatal(err)
	}
	if res.Holding != nil || f.position(t) != 0 {
		t.Fatal("selling the whole position must remove it")
	}

	trades, err := f.svc.ListTrades(ctx, "u1", 0)
	if err != nil || len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d %v", len(trades), err)
	}
	err = f.store.InTx(ctx, func(tx store.Tx) error {
		rep, err := f.ledger.Verify(ctx, tx, "u1")
		if err == nil && !rep.OK {
			t.Fatalf("ledger does not verify: %+v", rep)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestT1(t *testing.T) {
	ctx := context.Background()

	t.Run("same day is rejected", func(t *testing.T) {
		f := newFixture(t, true)
		if _, err := f.svc.Buy(ctx, "u1", "600519", 100); err != nil {
			t.Fatal(err)
		}
		// 23:59 local, still the same calendar day.
		f.now = time.Date(2024, 3, 1, 15, 59, 0, 0, time.UTC)
		if _, err := f.svc.Sell(ctx, "u1", "600519", 10); !errors.Is(err, apperr.ErrSameDayTradeRestricted) {
			t.Fatalf("expected SameDayTradeRestricted, got %v", err)
		}
		if f.position(t) != 100 {
			t.Fatal("rejected sell must not change the position")
		}
	})

	t.Run("next day is allowed", func(t *testing.T) {
		f := newFixture(t, true)
		f.now = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
		if _, err := f.svc.Buy(ctx, "u1", "600519", 100); err != nil {
			t.Fatal(err)
		}
		// One hour later but past local midnight.
		f.now = f.now.Add(time.Hour)
		if _, err := f.svc.Sell(ctx, "u1", "600519", 10); err != nil {
			t.Fatalf("expected next-day sell to pass, got %v", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, false)
		if _, err := f.svc.Buy(ctx, "u1", "600519", 100); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.Sell(ctx, "u1", "600519", 10); err != nil {
			t.Fatalf("expected sell with T+1 off, got %v", err)
		}
	})
}

func TestTradeRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	cases := []struct {
		name   string
		user   string
		symbol string
		amount int64
		buy    bool
		want   error
	}{
		{"zero amount", "u1", "600519", 0, true, apperr.ErrInvalidAmount},
		{"no price", "u1", "000001", 1, true, apperr.ErrPriceUnavailable},
		{"unknown user", "ghost", "600519", 1, true, apperr.ErrUserNotFound},
		{"too expensive", "u1", "600519", 1000, true, apperr.ErrInsufficientFunds},
		{"nothing to sell", "u1", "600519", 1, false, apperr.ErrInsufficientPosition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var err error
			if c.buy {
				_, err = f.svc.Buy(ctx, c.user, c.symbol, c.amount)
			} else {
				_, err = f.svc.Sell(ctx, c.user, c.symbol, c.amount)
			}
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
	if !f.balance(t).Equal(decimal.NewFromInt(10000)) || f.position(t) != 0 {
		t.Fatal("rejected trades must leave no trace")
	}
	trades, _ := f.svc.ListTrades(ctx, "u1", 10)
	if len(trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(trades))
	}
}

func TestConcurrentSells(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	if _, err := f.svc.Buy(ctx, "u1", "600519", 100); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Sell(ctx, "u1", "600519", 60)
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInsufficientPosition):
			short++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("expected one success and one InsufficientPosition, got %d/%d", ok, short)
	}
	if got := f.position(t); got != 40 {
		t.Fatalf("expected 40 shares left, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	f := newFixture(t, false)
	h := NewHandler(f.svc)

	rec := httptest.NewRecorder()
	h.Buy(rec, httptest.NewRequest(http.MethodPost, "/v1/trade/buy", strings.NewReader(`{"symbol":"600519","amount":10}`)), "u1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"side":"buy"`) {
		t.Fatalf("unexpected buy response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Sell(rec, httptest.NewRequest(http.MethodPost, "/v1/trade/sell", strings.NewReader(`{"symbol":"600519","amount":11}`)), "u1")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), string(apperr.CodeInsufficientPosition)) {
		t.Fatalf("unexpected sell response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Trades(rec, httptest.NewRequest(http.MethodGet, "/v1/account/trades?limit=5", nil), "u1")
	if rec.Code != http.StatusOK || strings.Count(rec.Body.String(), `"side":"`+string(types.TradeSideBuy)+`"`) != 1 {
		t.Fatalf("unexpected trades response %d %s", rec.Code, rec.Body.String())
	}
}
