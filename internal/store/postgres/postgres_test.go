package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"simtrade/internal/db"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func TestIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"40001": true,
		"40P01": true,
		"23505": true,
		"23503": false,
	}
	for code, want := range cases {
		if got := IsRetryable(&pgconn.PgError{Code: code}); got != want {
			t.Fatalf("code %s: expected %v, got %v", code, want, got)
		}
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}

// newTestStore connects to TEST_DB_DSN and applies the schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := New(pool, store.DefaultRetryPolicy(), nil)
	t.Cleanup(s.Close)
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()
	uniqueID := "T" + uuid.NewString()[:7]

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: userID, UniqueID: uniqueID}); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, &model.Account{UserID: userID, BalanceCNY: decimal.NewFromInt(100000), TotalValue: decimal.NewFromInt(100000)}); err != nil {
			return err
		}
		return tx.InsertBattleOrder(ctx, &model.BattleOrder{
			UserID:      userID,
			Symbol:      "600519",
			Direction:   types.BattleDirectionUp,
			BetAmount:   decimal.NewFromInt(100),
			StartPrice:  decimal.RequireFromString("10.50"),
			HoldMinutes: 5,
			SettleTime:  time.Now().Add(-time.Minute),
			Status:      types.BattleStatusPending,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.FindUser(ctx, uniqueID)
		if err != nil {
			return err
		}
		if u.ID != userID {
			t.Fatalf("expected %s, got %s", userID, u.ID)
		}
		acc, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if !acc.BalanceCNY.Equal(decimal.NewFromInt(100000)) {
			t.Fatalf("unexpected balance %s", acc.BalanceCNY)
		}
		orders, total, err := tx.ListBattleOrders(ctx, store.BattleOrderFilter{UserID: userID, Status: types.BattleStatusAll})
		if err != nil {
			return err
		}
		if total != 1 || len(orders) != 1 {
			t.Fatalf("expected one order, got %d", total)
		}
		o, ok, err := tx.LockPendingBattleOrder(ctx, orders[0].ID)
		if err != nil {
			return err
		}
		if !ok || o.EndPrice != nil {
			t.Fatalf("expected lockable pending order, got %+v", o)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
