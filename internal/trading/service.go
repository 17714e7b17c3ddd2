// Package trading executes market buys and sells against the current
// snapshot price.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simtrade/internal/apperr"
	"simtrade/internal/events"
	"simtrade/internal/holdings"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/metrics"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Options struct {
	FeeRate   decimal.Decimal
	T1Enabled bool
	// Location is the exchange calendar the T+1 day boundary is taken in.
	Location *time.Location
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Now      func() time.Time
}

type Service struct {
	store   store.Store
	ledger  *ledger.Service
	book    *holdings.Book
	prices  marketdata.Provider
	feeRate decimal.Decimal
	t1      bool
	loc     *time.Location
	events  events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewService(st store.Store, led *ledger.Service, book *holdings.Book, prices marketdata.Provider, opts Options) *Service {
	s := &Service{
		store:   st,
		ledger:  led,
		book:    book,
		prices:  prices,
		feeRate: opts.FeeRate,
		t1:      opts.T1Enabled,
		loc:     opts.Location,
		events:  opts.Events,
		metrics: opts.Metrics,
		log:     opts.Log,
		now:     opts.Now,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type Result struct {
	Trade   model.Trade   `json:"trade"`
	Account model.Account `json:"account"`
	// Holding is nil when the sell closed the position.
	Holding *model.Holding `json:"holding,omitempty"`
}

// Quote is the cash side of a fill: raw = price*amount and fee = raw*feeRate,
// both rounded half-up to the cent.
func Quote(price decimal.Decimal, amount int64, feeRate decimal.Decimal) (raw, fee decimal.Decimal) {
	raw = price.Mul(decimal.NewFromInt(amount)).Round(2)
	fee = raw.Mul(feeRate).Round(2)
	return raw, fee
}

func (s *Service) Buy(ctx context.Context, userID, symbol string, amount int64) (Result, error) {
	res, err := s.execute(ctx, userID, symbol, amount, types.TradeSideBuy)
	s.metrics.Trade(string(types.TradeSideBuy), err)
	return res, err
}

func (s *Service) Sell(ctx context.Context, userID, symbol string, amount int64) (Result, error) {
	res, err := s.execute(ctx, userID, symbol, amount, types.TradeSideSell)
	s.metrics.Trade(string(types.TradeSideSell), err)
	return res, err
}

func (s *Service) execute(ctx context.Context, userID, symbol string, amount int64, side types.TradeSide) (Result, error) {
	if amount <= 0 {
		return Result{}, apperr.ErrInvalidAmount
	}
	symbol = marketdata.NormalizeSymbol(symbol)
	snap, ok := s.prices.Snapshot(symbol)
	if !ok || !snap.Price.IsPositive() {
		return Result{}, apperr.Newf(apperr.CodePriceUnavailable, "no price for %s", symbol)
	}
	raw, fee := Quote(snap.Price, amount, s.feeRate)

	var res Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.FindUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}
		now := s.now()
		if side == types.TradeSideSell && s.t1 {
			if err := s.checkT1(ctx, tx, user.ID, symbol, now); err != nil {
				return err
			}
		}
		h, err := s.book.ApplyFill(ctx, tx, user.ID, symbol, snap.Name, snap.Price, amount, side)
		if err != nil {
			return err
		}
		tr := model.Trade{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			Symbol:    symbol,
			Name:      snap.Name,
			Side:      side,
			Price:     snap.Price,
			Amount:    amount,
			Fee:       fee,
			CreatedAt: now.UTC(),
		}
		var acc model.Account
		if side == types.TradeSideBuy {
			acc, err = s.ledger.Debit(ctx, tx, user.ID, raw.Add(fee), types.LedgerEntryTypeTradeBuy, tr.ID)
		} else {
			acc, err = s.ledger.Credit(ctx, tx, user.ID, raw.Sub(fee), types.LedgerEntryTypeTradeSell, tr.ID)
		}
		if err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, &tr); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		res = Result{Trade: tr, Account: acc}
		if h.Amount > 0 {
			res.Holding = &h
		}
		return nil
	})
	if err != nil {
		return Result{}, store.TxError(err)
	}
	s.log.Info("trade executed",
		zap.String("user_id", res.Trade.UserID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int64("amount", amount),
		zap.String("price", snap.Price.String()),
		zap.String("fee", fee.String()),
		zap.String("balance", res.Account.BalanceCNY.String()))
	events.Emit(ctx, s.events, s.log, events.Event{Type: events.TypeTradeExecuted, UserID: res.Trade.UserID, Payload: res.Trade})
	return res, nil
}

// checkT1 rejects a sell when the latest buy of the symbol fell on the same
// exchange calendar day.
func (s *Service) checkT1(ctx context.Context, tx store.Tx, userID, symbol string, now time.Time) error {
	last, err := tx.LatestTrade(ctx, userID, symbol, types.TradeSideBuy)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest buy: %w", err)
	}
	if sameDay(last.CreatedAt.In(s.loc), now.In(s.loc)) {
		return apperr.ErrSameDayTradeRestricted
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

const defaultTradeLimit = 100

func (s *Service) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > defaultTradeLimit {
		limit = defaultTradeLimit
	}
	var out []model.Trade
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListTrades(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, store.TxError(err)
	}
	if out == nil {
		out = []model.Trade{}
	}
	return out, nil
}
