package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/shopspring/decimal"
)

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "u1", UniqueID: "ABCD1234"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetUser(ctx, "u1")
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rolled back user to be absent, got %v", err)
	}
}

func TestFindUserByUniqueID(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: "u1", UniqueID: "ABCD1234"}); err != nil {
			return err
		}
		u, err := tx.FindUser(ctx, "ABCD1234")
		if err != nil {
			return err
		}
		if u.ID != "u1" {
			t.Fatalf("expected u1, got %s", u.ID)
		}
		if err := tx.CreateUser(ctx, &model.User{ID: "u2", UniqueID: "ABCD1234"}); err == nil {
			t.Fatal("expected duplicate unique id to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHoldingUniquePerSymbol(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.InTx(ctx, func(tx store.Tx) error {
		h := &model.Holding{UserID: "u1", Symbol: "600519", Amount: 10, Price: decimal.NewFromInt(10)}
		if err := tx.InsertHolding(ctx, h); err != nil {
			return err
		}
		if err := tx.InsertHolding(ctx, &model.Holding{UserID: "u1", Symbol: "600519", Amount: 1}); err == nil {
			t.Fatal("expected second holding for same symbol to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBattleOrderQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err := s.InTx(ctx, func(tx store.Tx) error {
		for i, status := range []types.BattleStatus{types.BattleStatusPending, types.BattleStatusPending, types.BattleStatusSettled} {
			o := &model.BattleOrder{
				UserID:     "u1",
				Symbol:     "600519",
				Status:     status,
				SettleTime: base.Add(time.Duration(i) * time.Minute),
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertBattleOrder(ctx, o); err != nil {
				return err
			}
		}
		due, err := tx.ListDueBattleOrders(ctx, base.Add(90*time.Second), 10, nil)
		if err != nil {
			return err
		}
		if len(due) != 2 {
			t.Fatalf("expected 2 due orders, got %d", len(due))
		}
		due, err = tx.ListDueBattleOrders(ctx, base.Add(90*time.Second), 10, []string{"600519"})
		if err != nil {
			return err
		}
		if len(due) != 0 {
			t.Fatalf("skipped symbols must be left out, got %d", len(due))
		}
		pending, total, err := tx.ListBattleOrders(ctx, store.BattleOrderFilter{UserID: "u1", Status: types.BattleStatusPending, Limit: 1})
		if err != nil {
			return err
		}
		if total != 2 || len(pending) != 1 {
			t.Fatalf("expected total 2 and one row, got %d and %d", total, len(pending))
		}
		all, total, err := tx.ListBattleOrders(ctx, store.BattleOrderFilter{UserID: "u1", Status: types.BattleStatusAll})
		if err != nil {
			return err
		}
		if total != 3 || !all[0].CreatedAt.After(all[1].CreatedAt) {
			t.Fatalf("expected 3 orders newest first, got %+v", all)
		}
		_, ok, err := tx.LockPendingBattleOrder(ctx, all[0].ID)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("settled order must not be lockable for settlement")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLedgerSequenceUniquePerChain(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{UserID: "u1", ChainID: "u1", Sequence: 1}); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{UserID: "u1", ChainID: "u1", Sequence: 1}); err == nil {
			t.Fatal("expected duplicate sequence to fail")
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{UserID: "u2", ChainID: "u2", Sequence: 1}); err != nil {
			return err
		}
		last, err := tx.LastLedgerEntry(ctx, "u1")
		if err != nil {
			return err
		}
		if last.Sequence != 1 {
			t.Fatalf("expected sequence 1, got %d", last.Sequence)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
