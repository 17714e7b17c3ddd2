package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"simtrade/internal/apperr"
	"simtrade/internal/events"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/metrics"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrSettlementRunning is returned when a settlement pass is requested while
// another one is still in progress.
var ErrSettlementRunning = errors.New("battle: settlement pass already running")

type Options struct {
	Enabled bool
	Rules   Rules
	Workers int
	Events  events.Publisher
	Metrics *metrics.Metrics
	Bus     *marketdata.Bus
	Log     *zap.Logger
	Now     func() time.Time
}

type Engine struct {
	store   store.Store
	ledger  *ledger.Service
	prices  marketdata.Provider
	rules   Rules
	enabled bool
	pool    *ants.Pool
	events  events.Publisher
	metrics *metrics.Metrics
	bus     *marketdata.Bus
	log     *zap.Logger
	now     func() time.Time
	running atomic.Bool
}

func NewEngine(st store.Store, led *ledger.Service, prices marketdata.Provider, opts Options) (*Engine, error) {
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("settlement pool: %w", err)
	}
	e := &Engine{
		store:   st,
		ledger:  led,
		prices:  prices,
		rules:   opts.Rules,
		enabled: opts.Enabled,
		pool:    pool,
		events:  opts.Events,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		log:     opts.Log,
		now:     opts.Now,
	}
	if e.events == nil {
		e.events = events.Noop{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) Close() { e.pool.Release() }

type ConfigView struct {
	Enabled          bool            `json:"enabled"`
	MinBetAmount     decimal.Decimal `json:"min_bet_amount"`
	MaxBetAmount     decimal.Decimal `json:"max_bet_amount"`
	RewardMultiplier decimal.Decimal `json:"reward_multiplier"`
	HoldMinutes      []int           `json:"available_hold_minutes"`
}

func (e *Engine) Config() ConfigView {
	return ConfigView{
		Enabled:          e.enabled,
		MinBetAmount:     e.rules.MinBet,
		MaxBetAmount:     e.rules.MaxBet,
		RewardMultiplier: e.rules.Multiplier,
		HoldMinutes:      append([]int(nil), e.rules.HoldMinutes...),
	}
}

// Create escrows the bet and opens a pending order priced at the current
// snapshot.
func (e *Engine) Create(ctx context.Context, userID, symbol string, direction types.BattleDirection, bet decimal.Decimal, holdMinutes int) (model.BattleOrder, error) {
	o, err := e.create(ctx, userID, symbol, direction, bet, holdMinutes)
	e.metrics.BattleOrder("create", err)
	return o, err
}

func (e *Engine) create(ctx context.Context, userID, symbol string, direction types.BattleDirection, bet decimal.Decimal, holdMinutes int) (model.BattleOrder, error) {
	if !e.enabled {
		return model.BattleOrder{}, apperr.ErrBattleDisabled
	}
	if bet.LessThan(e.rules.MinBet) || bet.GreaterThan(e.rules.MaxBet) {
		return model.BattleOrder{}, apperr.Newf(apperr.CodeInvalidBetAmount, "bet amount must be between %s and %s", e.rules.MinBet, e.rules.MaxBet)
	}
	if !e.rules.AllowsHold(holdMinutes) {
		return model.BattleOrder{}, apperr.Newf(apperr.CodeInvalidHoldDuration, "hold minutes must be one of %v", e.rules.HoldMinutes)
	}
	if !direction.Valid() {
		return model.BattleOrder{}, apperr.ErrInvalidDirection
	}
	symbol = marketdata.NormalizeSymbol(symbol)
	snap, ok := e.prices.Snapshot(symbol)
	if !ok || !snap.Price.IsPositive() {
		return model.BattleOrder{}, apperr.Newf(apperr.CodePriceUnavailable, "no price for %s", symbol)
	}
	bet = bet.Round(2)
	now := e.now().UTC()
	o := model.BattleOrder{
		ID:          uuid.NewString(),
		UserID:      userID,
		Symbol:      symbol,
		Direction:   direction,
		BetAmount:   bet,
		StartPrice:  snap.Price,
		HoldMinutes: holdMinutes,
		SettleTime:  now.Add(time.Duration(holdMinutes) * time.Minute),
		Status:      types.BattleStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := e.ledger.Debit(ctx, tx, userID, bet, types.LedgerEntryTypeBattleEscrow, o.ID); err != nil {
			return err
		}
		if err := tx.InsertBattleOrder(ctx, &o); err != nil {
			return fmt.Errorf("insert battle order: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.BattleOrder{}, store.TxError(err)
	}
	e.log.Info("battle order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", userID),
		zap.String("symbol", symbol),
		zap.String("direction", string(direction)),
		zap.String("bet", bet.String()),
		zap.Int("hold_minutes", holdMinutes))
	events.Emit(ctx, e.events, e.log, events.Event{Type: events.TypeBattleCreated, UserID: userID, Payload: o})
	return o, nil
}

// Cancel refunds a pending order that is far enough from its settle time.
// Ownership, status and the window are all checked under the row lock.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) (model.BattleOrder, error) {
	var out model.BattleOrder
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetBattleOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.Newf(apperr.CodeNotFound, "battle order %s not found", orderID)
		}
		if err != nil {
			return fmt.Errorf("lock battle order: %w", err)
		}
		if o.UserID != userID {
			return apperr.ErrForbidden
		}
		if o.Status != types.BattleStatusPending {
			return apperr.ErrNotPending
		}
		if o.SettleTime.Sub(e.now()) < e.rules.CancelLock {
			return apperr.Newf(apperr.CodeCancelWindowClosed, "orders cannot be canceled within %s of settlement", e.rules.CancelLock)
		}
		o.Status = types.BattleStatusCanceled
		if err := tx.UpdateBattleOrder(ctx, o); err != nil {
			return fmt.Errorf("update battle order: %w", err)
		}
		if _, err := e.ledger.Credit(ctx, tx, o.UserID, o.BetAmount, types.LedgerEntryTypeBattleRefund, o.ID); err != nil {
			return err
		}
		out = o
		return nil
	})
	e.metrics.BattleOrder("cancel", err)
	if err != nil {
		return model.BattleOrder{}, store.TxError(err)
	}
	e.log.Info("battle order canceled", zap.String("order_id", orderID), zap.String("user_id", userID), zap.String("refund", out.BetAmount.String()))
	events.Emit(ctx, e.events, e.log, events.Event{Type: events.TypeBattleCanceled, UserID: userID, Payload: out})
	return out, nil
}

type Page struct {
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Data     []model.BattleOrder `json:"data"`
}

const maxPageSize = 100

func (e *Engine) List(ctx context.Context, userID string, status types.BattleStatus, page, pageSize int) (Page, error) {
	if status == "" {
		status = types.BattleStatusAll
	}
	if status != types.BattleStatusAll && !status.Valid() {
		return Page{}, apperr.Newf(apperr.CodeInvalidArgument, "invalid status %q", status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	out := Page{Page: page, PageSize: pageSize}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		orders, total, err := tx.ListBattleOrders(ctx, store.BattleOrderFilter{
			UserID: userID,
			Status: status,
			Offset: (page - 1) * pageSize,
			Limit:  pageSize,
		})
		out.Data, out.Total = orders, total
		return err
	})
	if err != nil {
		return Page{}, store.TxError(err)
	}
	if out.Data == nil {
		out.Data = []model.BattleOrder{}
	}
	return out, nil
}

type Stats struct {
	Processed   int             `json:"processed"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	Draws       int             `json:"draws"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

func (s *Stats) add(o model.BattleOrder) {
	s.Processed++
	switch *o.SettlementResult {
	case types.SettlementWin:
		s.Wins++
	case types.SettlementLose:
		s.Losses++
	case types.SettlementDraw:
		s.Draws++
	}
	s.TotalProfit = s.TotalProfit.Add(*o.ProfitAmount)
}

// Outcome compares the settle price with the start price from the order's
// point of view.
func Outcome(direction types.BattleDirection, start, end decimal.Decimal) types.SettlementResult {
	switch {
	case end.Equal(start):
		return types.SettlementDraw
	case end.GreaterThan(start) == (direction == types.BattleDirectionUp):
		return types.SettlementWin
	}
	return types.SettlementLose
}

// SettleExpired settles up to one batch of due pending orders. Orders whose
// symbol has no price are counted as failed and stay pending for the next
// pass. Each order is settled in its own transaction on the worker pool.
func (e *Engine) SettleExpired(ctx context.Context) (Stats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Stats{}, ErrSettlementRunning
	}
	defer e.running.Store(false)

	started := time.Now()
	stats := Stats{TotalProfit: decimal.Zero}
	now := e.now()
	due, missing, err := e.collectDue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("list due battle orders: %w", err)
	}
	stats.Failed = missing
	if len(due) == 0 && missing == 0 {
		return stats, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		settled []model.BattleOrder
	)
	record := func(o model.BattleOrder, ok bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			stats.Failed++
		case !ok:
			stats.Skipped++
		default:
			stats.add(o)
			settled = append(settled, o)
		}
	}
	for _, d := range due {
		orderID, end := d.order.ID, d.end
		wg.Add(1)
		task := func() {
			defer wg.Done()
			res, ok, err := e.settleOne(ctx, orderID, end, now)
			if err != nil {
				e.log.Error("battle settlement failed", zap.String("order_id", orderID), zap.Error(err))
			}
			record(res, ok, err)
		}
		if err := e.pool.Submit(task); err != nil {
			wg.Done()
			e.log.Error("settlement submit failed", zap.String("order_id", orderID), zap.Error(err))
			record(d.order, false, err)
		}
	}
	wg.Wait()

	e.metrics.Settlement(string(types.SettlementWin), stats.Wins)
	e.metrics.Settlement(string(types.SettlementLose), stats.Losses)
	e.metrics.Settlement(string(types.SettlementDraw), stats.Draws)
	e.metrics.Settlement("failed", stats.Failed)
	e.metrics.SettlePass(time.Since(started).Seconds())
	e.log.Info("battle settlement pass",
		zap.Int("due", len(due)),
		zap.Int("processed", stats.Processed),
		zap.Int("wins", stats.Wins),
		zap.Int("losses", stats.Losses),
		zap.Int("draws", stats.Draws),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.String("total_profit", stats.TotalProfit.String()))
	for _, o := range settled {
		events.Emit(ctx, e.events, e.log, events.Event{Type: events.TypeBattleSettled, UserID: o.UserID, Payload: o})
		if e.bus != nil {
			e.bus.Publish(marketdata.Event{Type: marketdata.EventSettled, Data: o})
		}
	}
	return stats, nil
}

type dueOrder struct {
	order model.BattleOrder
	end   decimal.Decimal
}

// maxDueRounds bounds the queries one pass spends refilling its batch.
const maxDueRounds = 8

// collectDue fills one batch with due orders that have a price. Orders on
// unpriced symbols are counted and their symbols excluded from the next
// query, so they cannot crowd priced orders out of every batch.
func (e *Engine) collectDue(ctx context.Context, now time.Time) ([]dueOrder, int, error) {
	var (
		due     []dueOrder
		failed  int
		skip    []string
		prices  = make(map[string]decimal.Decimal)
		missing = make(map[string]bool)
	)
	for round := 0; round < maxDueRounds && len(due) < e.rules.BatchSize; round++ {
		want := e.rules.BatchSize - len(due)
		var page []model.BattleOrder
		err := e.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			page, err = tx.ListDueBattleOrders(ctx, now, want, skip)
			return err
		})
		if err != nil {
			return nil, 0, err
		}
		found := false
		for _, o := range page {
			end, ok := prices[o.Symbol]
			if !ok && !missing[o.Symbol] {
				snap, have := e.prices.Snapshot(o.Symbol)
				if have && snap.Price.IsPositive() {
					end, ok = snap.Price, true
					prices[o.Symbol] = end
				} else {
					missing[o.Symbol] = true
					skip = append(skip, o.Symbol)
					found = true
					e.log.Warn("no price for settlement", zap.String("symbol", o.Symbol))
				}
			}
			if !ok {
				failed++
				continue
			}
			due = append(due, dueOrder{order: o, end: end})
		}
		if len(page) < want || !found {
			break
		}
	}
	return due, failed, nil
}

// settleOne flips one order to settled and applies its credit atomically.
// ok is false when the order was no longer pending once locked.
func (e *Engine) settleOne(ctx context.Context, orderID string, end decimal.Decimal, now time.Time) (model.BattleOrder, bool, error) {
	var out model.BattleOrder
	var ok bool
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		o, pending, err := tx.LockPendingBattleOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock battle order: %w", err)
		}
		ok = pending
		if !pending || o.SettleTime.After(now) {
			ok = false
			return nil
		}
		result := Outcome(o.Direction, o.StartPrice, end)
		profit, credit := e.rules.Payout(o.BetAmount, result)
		endPrice := end
		o.Status = types.BattleStatusSettled
		o.EndPrice = &endPrice
		o.SettlementResult = &result
		o.ProfitAmount = &profit
		if err := tx.UpdateBattleOrder(ctx, o); err != nil {
			return fmt.Errorf("update battle order: %w", err)
		}
		if credit.IsPositive() {
			entryType := types.LedgerEntryTypeBattlePayout
			if result == types.SettlementDraw {
				entryType = types.LedgerEntryTypeBattleRefund
			}
			if _, err := e.ledger.Credit(ctx, tx, o.UserID, credit, entryType, o.ID); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	return out, ok, err
}
