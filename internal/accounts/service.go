package accounts

import (
	"context"
	"errors"
	"fmt"

	"simtrade/internal/apperr"
	"simtrade/internal/marketdata"
	"simtrade/internal/model"
	"simtrade/internal/store"

	"github.com/shopspring/decimal"
)

// Service answers read-only questions about a user's cash and positions.
type Service struct {
	store  store.Store
	prices marketdata.Provider
}

func NewService(st store.Store, prices marketdata.Provider) *Service {
	return &Service{store: st, prices: prices}
}

func (s *Service) Get(ctx context.Context, userID string) (model.Account, error) {
	var acc model.Account
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		acc, err = getAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return model.Account{}, store.TxError(err)
	}
	return acc, nil
}

func (s *Service) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	var out []model.Holding
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		u, err := findUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		out, err = tx.ListHoldings(ctx, u.ID)
		return err
	})
	if err != nil {
		return nil, store.TxError(err)
	}
	if out == nil {
		out = []model.Holding{}
	}
	return out, nil
}

type Position struct {
	model.Holding
	LastPrice   decimal.Decimal `json:"last_price"`
	MarketValue decimal.Decimal `json:"market_value"`
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
	// Stale is set when no snapshot exists and the position is marked at cost.
	Stale bool `json:"stale,omitempty"`
}

type Summary struct {
	UserID      string          `json:"user_id"`
	Cash        decimal.Decimal `json:"cash"`
	MarketValue decimal.Decimal `json:"market_value"`
	TotalValue  decimal.Decimal `json:"total_value"`
	Positions   []Position      `json:"positions"`
}

// Summary marks every position to the current snapshot. The stored
// total_value is not touched.
func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	var acc model.Account
	var hs []model.Holding
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if acc, err = getAccount(ctx, tx, userID); err != nil {
			return err
		}
		hs, err = tx.ListHoldings(ctx, acc.UserID)
		return err
	})
	if err != nil {
		return Summary{}, store.TxError(err)
	}
	sum := Summary{UserID: acc.UserID, Cash: acc.BalanceCNY, MarketValue: decimal.Zero, Positions: make([]Position, 0, len(hs))}
	for _, h := range hs {
		p := Position{Holding: h, LastPrice: h.Price}
		if snap, ok := s.prices.Snapshot(h.Symbol); ok && snap.Price.IsPositive() {
			p.LastPrice = snap.Price
		} else {
			p.Stale = true
		}
		qty := decimal.NewFromInt(h.Amount)
		p.MarketValue = p.LastPrice.Mul(qty).Round(2)
		p.ProfitLoss = p.LastPrice.Sub(h.Price).Mul(qty).Round(2)
		sum.MarketValue = sum.MarketValue.Add(p.MarketValue)
		sum.Positions = append(sum.Positions, p)
	}
	sum.TotalValue = sum.Cash.Add(sum.MarketValue)
	return sum, nil
}

func findUser(ctx context.Context, tx store.Tx, userID string) (model.User, error) {
	u, err := tx.FindUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func getAccount(ctx context.Context, tx store.Tx, userID string) (model.Account, error) {
	u, err := findUser(ctx, tx, userID)
	if err != nil {
		return model.Account{}, err
	}
	acc, err := tx.GetAccount(ctx, u.ID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Account{}, apperr.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}
