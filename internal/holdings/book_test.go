package holdings

import (
	"context"
	"errors"
	"testing"

	"simtrade/internal/apperr"
	"simtrade/internal/store"
	"simtrade/internal/store/memory"
	"simtrade/internal/types"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWeightedAverageCost(t *testing.T) {
	cases := []struct {
		name string
		lots []Lot
		want string
	}{
		{"equal lots", []Lot{{d("10"), 100}, {d("12"), 100}}, "11"},
		{"uneven lots", []Lot{{d("10"), 50}, {d("20"), 50}}, "15"},
		{"weighted", []Lot{{d("10"), 300}, {d("14"), 100}}, "11"},
		{"empty", nil, "0"},
		{"zero lots ignored", []Lot{{d("10"), 0}, {d("12"), 10}}, "12"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := WeightedAverageCost(c.lots...)
			if !got.Equal(d(c.want)) {
				t.Fatalf("expected %s, got %s", c.want, got)
			}
		})
	}
}

func TestApplyFill(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	book := NewBook()

	fill := func(price string, amount int64, side types.TradeSide) error {
		return st.InTx(ctx, func(tx store.Tx) error {
			_, err := book.ApplyFill(ctx, tx, "u1", "600519", "Moutai", d(price), amount, side)
			return err
		})
	}
	position := func() (int64, decimal.Decimal, bool) {
		var amount int64
		var price decimal.Decimal
		found := false
		_ = st.InTx(ctx, func(tx store.Tx) error {
			h, err := tx.GetHoldingForUpdate(ctx, "u1", "600519")
			if err == nil {
				amount, price, found = h.Amount, h.Price, true
			}
			return nil
		})
		return amount, price, found
	}

	if err := fill("10", 100, types.TradeSideBuy); err != nil {
		t.Fatal(err)
	}
	if err := fill("12", 100, types.TradeSideBuy); err != nil {
		t.Fatal(err)
	}
	amount, price, _ := position()
	if amount != 200 || price.StringFixed(2) != "11.00" {
		t.Fatalf("expected 200@11.00, got %d@%s", amount, price)
	}

	if err := fill("15", 300, types.TradeSideSell); !errors.Is(err, apperr.ErrInsufficientPosition) {
		t.Fatalf("expected InsufficientPosition, got %v", err)
	}
	if err := fill("15", 150, types.TradeSideSell); err != nil {
		t.Fatal(err)
	}
	amount, price, _ = position()
	if amount != 50 || !price.Equal(d("11")) {
		t.Fatalf("sell must keep cost, got %d@%s", amount, price)
	}

	if err := fill("15", 50, types.TradeSideSell); err != nil {
		t.Fatal(err)
	}
	if _, _, found := position(); found {
		t.Fatal("empty position must be deleted")
	}

	if err := fill("15", 1, types.TradeSideSell); !errors.Is(err, apperr.ErrInsufficientPosition) {
		t.Fatalf("expected InsufficientPosition without a row, got %v", err)
	}
}

func TestPositionNeverNonPositive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := memory.New()
		book := NewBook()
		var expected int64
		n := rapid.IntRange(1, 40).Draw(rt, "fills")
		for i := 0; i < n; i++ {
			amount := rapid.Int64Range(1, 500).Draw(rt, "amount")
			side := rapid.SampledFrom([]types.TradeSide{types.TradeSideBuy, types.TradeSideSell}).Draw(rt, "side")
			err := st.InTx(ctx, func(tx store.Tx) error {
				_, err := book.ApplyFill(ctx, tx, "u1", "000001", "", d("9.87"), amount, side)
				return err
			})
			switch {
			case err == nil && side == types.TradeSideBuy:
				expected += amount
			case err == nil:
				expected -= amount
			case !errors.Is(err, apperr.ErrInsufficientPosition):
				rt.Fatalf("unexpected error %v", err)
			}
			_ = st.InTx(ctx, func(tx store.Tx) error {
				hs, _ := tx.ListHoldings(ctx, "u1")
				for _, h := range hs {
					if h.Amount <= 0 {
						rt.Fatalf("holding with amount %d persisted", h.Amount)
					}
					if h.Amount != expected {
						rt.Fatalf("expected %d shares, got %d", expected, h.Amount)
					}
				}
				if len(hs) == 0 && expected != 0 {
					rt.Fatalf("expected %d shares, found no row", expected)
				}
				return nil
			})
		}
	})
}
