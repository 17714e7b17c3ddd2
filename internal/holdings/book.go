// Package holdings keeps per-user share positions and their weighted
// average cost.
package holdings

import (
	"context"
	"errors"
	"fmt"

	"simtrade/internal/apperr"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/shopspring/decimal"
)

// Lot is an amount of shares bought at one price.
type Lot struct {
	Price  decimal.Decimal
	Amount int64
}

// WeightedAverageCost returns sum(price*amount)/sum(amount) unrounded, or
// zero when the lots hold no shares.
func WeightedAverageCost(lots ...Lot) decimal.Decimal {
	cost := decimal.Zero
	var total int64
	for _, l := range lots {
		if l.Amount <= 0 {
			continue
		}
		cost = cost.Add(l.Price.Mul(decimal.NewFromInt(l.Amount)))
		total += l.Amount
	}
	if total == 0 {
		return decimal.Zero
	}
	return cost.DivRound(decimal.NewFromInt(total), 8)
}

// pricePlaces is the precision a holding's average cost is stored with after
// a fill.
const pricePlaces = 4

type Book struct{}

func NewBook() *Book { return &Book{} }

// ApplyFill applies one executed trade to the (userID, symbol) position.
// A sell that would leave the position short returns InsufficientPosition
// and changes nothing; a sell that empties it deletes the row.
func (b *Book) ApplyFill(ctx context.Context, tx store.Tx, userID, symbol, name string, price decimal.Decimal, amount int64, side types.TradeSide) (model.Holding, error) {
	if amount <= 0 {
		return model.Holding{}, apperr.ErrInvalidAmount
	}
	h, err := tx.GetHoldingForUpdate(ctx, userID, symbol)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.Holding{}, fmt.Errorf("lock holding: %w", err)
	}
	switch side {
	case types.TradeSideBuy:
		if !exists {
			h = model.Holding{UserID: userID, Symbol: symbol, Name: name, Amount: amount, Price: price.Round(pricePlaces)}
			if err := tx.InsertHolding(ctx, &h); err != nil {
				return model.Holding{}, fmt.Errorf("insert holding: %w", err)
			}
			return h, nil
		}
		h.Price = WeightedAverageCost(Lot{Price: h.Price, Amount: h.Amount}, Lot{Price: price, Amount: amount}).Round(pricePlaces)
		h.Amount += amount
		if name != "" {
			h.Name = name
		}
		if err := tx.UpdateHolding(ctx, h); err != nil {
			return model.Holding{}, fmt.Errorf("update holding: %w", err)
		}
		return h, nil
	case types.TradeSideSell:
		if !exists || h.Amount < amount {
			have := int64(0)
			if exists {
				have = h.Amount
			}
			return model.Holding{}, apperr.Newf(apperr.CodeInsufficientPosition, "insufficient position in %s: need %d, have %d", symbol, amount, have)
		}
		h.Amount -= amount
		if h.Amount == 0 {
			if err := tx.DeleteHolding(ctx, h.ID); err != nil {
				return model.Holding{}, fmt.Errorf("delete holding: %w", err)
			}
			return h, nil
		}
		if err := tx.UpdateHolding(ctx, h); err != nil {
			return model.Holding{}, fmt.Errorf("update holding: %w", err)
		}
		return h, nil
	}
	return model.Holding{}, apperr.Newf(apperr.CodeInvalidArgument, "unknown trade side %q", side)
}
