// Package merge folds a secondary user into a primary one: cash, positions,
// history and identity bindings all end up on the primary.
package merge

import (
	"context"
	"errors"
	"fmt"

	"simtrade/internal/apperr"
	"simtrade/internal/events"
	"simtrade/internal/holdings"
	"simtrade/internal/metrics"
	"simtrade/internal/model"
	"simtrade/internal/store"

	"go.uber.org/zap"
)

// costPlaces is the precision of a cost basis combined during a merge.
const costPlaces = 2

type Service struct {
	store   store.Store
	events  events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewService(st store.Store, pub events.Publisher, m *metrics.Metrics, log *zap.Logger) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, events: pub, metrics: m, log: log}
}

type Summary struct {
	PrimaryID        string `json:"primary_id"`
	SecondaryID      string `json:"secondary_id"`
	MovedHoldings    int    `json:"moved_holdings"`
	CombinedHoldings int    `json:"combined_holdings"`
}

// Merge runs MergeTx in a transaction of its own. It is never retried: a
// failure is reported as MergeConflict for manual reconciliation.
func (s *Service) Merge(ctx context.Context, primaryID, secondaryID string) (Summary, error) {
	var sum Summary
	err := s.store.InTxOnce(ctx, func(tx store.Tx) error {
		var err error
		sum, err = s.MergeTx(ctx, tx, primaryID, secondaryID)
		return err
	})
	if err != nil {
		return Summary{}, s.Conflict(primaryID, secondaryID, err)
	}
	if primaryID != secondaryID {
		s.Merged(ctx, sum)
	}
	return sum, nil
}

// Merged logs and publishes a committed merge. Callers that run MergeTx
// inside their own transaction call it after commit.
func (s *Service) Merged(ctx context.Context, sum Summary) {
	s.log.Info("accounts merged",
		zap.String("primary_id", sum.PrimaryID),
		zap.String("secondary_id", sum.SecondaryID),
		zap.Int("moved_holdings", sum.MovedHoldings),
		zap.Int("combined_holdings", sum.CombinedHoldings))
	events.Emit(ctx, s.events, s.log, events.Event{Type: events.TypeAccountsMerged, UserID: sum.PrimaryID, Payload: sum})
}

// Conflict reports a failed merge. Anything but a missing user becomes
// MergeConflict and is logged and counted.
func (s *Service) Conflict(primaryID, secondaryID string, err error) error {
	if errors.Is(err, apperr.ErrUserNotFound) {
		return err
	}
	s.metrics.MergeFailed()
	s.log.Error("account merge failed",
		zap.String("primary_id", primaryID),
		zap.String("secondary_id", secondaryID),
		zap.Error(err))
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Code == apperr.CodeMergeConflict {
		return err
	}
	return apperr.Wrap(apperr.CodeMergeConflict, fmt.Sprintf("merge of %s into %s failed, manual reconciliation required", secondaryID, primaryID), err)
}

// MergeTx moves everything secondaryID owns onto primaryID inside tx and
// deletes secondaryID. Equal ids are a no-op.
func (s *Service) MergeTx(ctx context.Context, tx store.Tx, primaryID, secondaryID string) (Summary, error) {
	sum := Summary{PrimaryID: primaryID, SecondaryID: secondaryID}
	if primaryID == secondaryID {
		return sum, nil
	}
	for _, id := range []string{primaryID, secondaryID} {
		if _, err := tx.GetUser(ctx, id); errors.Is(err, store.ErrNotFound) {
			return sum, apperr.Newf(apperr.CodeUserNotFound, "user %s not found", id)
		} else if err != nil {
			return sum, fmt.Errorf("get user %s: %w", id, err)
		}
	}

	if err := mergeCash(ctx, tx, primaryID, secondaryID); err != nil {
		return sum, err
	}
	moved, combined, err := mergeHoldings(ctx, tx, primaryID, secondaryID)
	if err != nil {
		return sum, err
	}
	sum.MovedHoldings, sum.CombinedHoldings = moved, combined

	if err := tx.ReassignTrades(ctx, secondaryID, primaryID); err != nil {
		return sum, fmt.Errorf("reassign trades: %w", err)
	}
	if err := tx.ReassignAuthBindings(ctx, secondaryID, primaryID); err != nil {
		return sum, fmt.Errorf("reassign bindings: %w", err)
	}
	if err := tx.ReassignBattleOrders(ctx, secondaryID, primaryID); err != nil {
		return sum, fmt.Errorf("reassign battle orders: %w", err)
	}
	if err := tx.ReassignLedgerEntries(ctx, secondaryID, primaryID); err != nil {
		return sum, fmt.Errorf("reassign ledger entries: %w", err)
	}
	if err := tx.DeleteUser(ctx, secondaryID); err != nil {
		return sum, fmt.Errorf("delete user: %w", err)
	}
	return sum, nil
}

func mergeCash(ctx context.Context, tx store.Tx, primaryID, secondaryID string) error {
	p, err := tx.GetAccountForUpdate(ctx, primaryID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeMergeConflict, "primary user %s has no account", primaryID)
	}
	if err != nil {
		return fmt.Errorf("lock primary account: %w", err)
	}
	sec, err := tx.GetAccountForUpdate(ctx, secondaryID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.CodeMergeConflict, "secondary user %s has no account, earlier merge left it partial", secondaryID)
	}
	if err != nil {
		return fmt.Errorf("lock secondary account: %w", err)
	}
	p.BalanceCNY = p.BalanceCNY.Add(sec.BalanceCNY)
	p.BalanceUSD = p.BalanceUSD.Add(sec.BalanceUSD)
	p.BalanceEUR = p.BalanceEUR.Add(sec.BalanceEUR)
	p.TotalValue = p.TotalValue.Add(sec.TotalValue)
	if err := tx.UpdateAccountBalances(ctx, p); err != nil {
		return fmt.Errorf("update primary account: %w", err)
	}
	if err := tx.DeleteAccount(ctx, secondaryID); err != nil {
		return fmt.Errorf("delete secondary account: %w", err)
	}
	return nil
}

func mergeHoldings(ctx context.Context, tx store.Tx, primaryID, secondaryID string) (moved, combined int, err error) {
	secs, err := tx.ListHoldings(ctx, secondaryID)
	if err != nil {
		return 0, 0, fmt.Errorf("list secondary holdings: %w", err)
	}
	for _, h := range secs {
		if err := tx.DeleteHolding(ctx, h.ID); err != nil {
			return moved, combined, fmt.Errorf("delete secondary holding %s: %w", h.Symbol, err)
		}
		p, err := tx.GetHoldingForUpdate(ctx, primaryID, h.Symbol)
		switch {
		case errors.Is(err, store.ErrNotFound):
			nh := model.Holding{UserID: primaryID, Symbol: h.Symbol, Name: h.Name, Amount: h.Amount, Price: h.Price}
			if err := tx.InsertHolding(ctx, &nh); err != nil {
				return moved, combined, fmt.Errorf("move holding %s: %w", h.Symbol, err)
			}
			moved++
		case err != nil:
			return moved, combined, fmt.Errorf("lock primary holding %s: %w", h.Symbol, err)
		default:
			p.Price = holdings.WeightedAverageCost(
				holdings.Lot{Price: p.Price, Amount: p.Amount},
				holdings.Lot{Price: h.Price, Amount: h.Amount},
			).Round(costPlaces)
			p.Amount += h.Amount
			if err := tx.UpdateHolding(ctx, p); err != nil {
				return moved, combined, fmt.Errorf("combine holding %s: %w", h.Symbol, err)
			}
			combined++
		}
	}
	return moved, combined, nil
}
