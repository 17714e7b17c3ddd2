// Package store defines the persistence contract of the ledger: typed CRUD
// over users, accounts, holdings, trades, battle orders, bindings and the cash
// journal, executed inside atomic transactions.
package store

import (
	"context"
	"errors"
	"time"

	"simtrade/internal/model"
	"simtrade/internal/types"
)

var ErrNotFound = errors.New("store: not found")

// ErrRetriesExhausted is returned by InTx when every attempt hit a
// serialization or lock conflict.
var ErrRetriesExhausted = errors.New("store: transaction retries exhausted")

type Store interface {
	// InTx runs fn in one serializable transaction and retries it with
	// backoff when the backend reports a conflict. fn must be safe to re-run.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// InTxOnce runs fn in one transaction without any retry.
	InTxOnce(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

type BattleOrderFilter struct {
	UserID string
	Status types.BattleStatus
	Offset int
	Limit  int
}

type Tx interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	// FindUser resolves either the internal id or the public unique id.
	FindUser(ctx context.Context, idOrUniqueID string) (model.User, error)
	UniqueIDExists(ctx context.Context, uniqueID string) (bool, error)
	DeleteUser(ctx context.Context, id string) error
	ListUsersWithoutAccount(ctx context.Context) ([]model.User, error)

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, userID string) (model.Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (model.Account, error)
	UpdateAccountBalances(ctx context.Context, a model.Account) error
	DeleteAccount(ctx context.Context, userID string) error

	LastLedgerEntry(ctx context.Context, chainID string) (model.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	ReassignLedgerEntries(ctx context.Context, fromUserID, toUserID string) error

	GetHoldingForUpdate(ctx context.Context, userID, symbol string) (model.Holding, error)
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)
	InsertHolding(ctx context.Context, h *model.Holding) error
	UpdateHolding(ctx context.Context, h model.Holding) error
	DeleteHolding(ctx context.Context, id string) error

	InsertTrade(ctx context.Context, t *model.Trade) error
	LatestTrade(ctx context.Context, userID, symbol string, side types.TradeSide) (model.Trade, error)
	ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)
	ReassignTrades(ctx context.Context, fromUserID, toUserID string) error

	InsertBattleOrder(ctx context.Context, o *model.BattleOrder) error
	GetBattleOrderForUpdate(ctx context.Context, id string) (model.BattleOrder, error)
	// LockPendingBattleOrder locks a pending order for settlement. ok is false
	// when the order is no longer pending or another worker holds it.
	LockPendingBattleOrder(ctx context.Context, id string) (o model.BattleOrder, ok bool, err error)
	UpdateBattleOrder(ctx context.Context, o model.BattleOrder) error
	ListBattleOrders(ctx context.Context, f BattleOrderFilter) ([]model.BattleOrder, int, error)
	// ListDueBattleOrders returns pending orders with settle_time <= now,
	// oldest first, leaving out orders on the skipped symbols.
	ListDueBattleOrders(ctx context.Context, now time.Time, limit int, skipSymbols []string) ([]model.BattleOrder, error)
	ReassignBattleOrders(ctx context.Context, fromUserID, toUserID string) error

	InsertAuthBinding(ctx context.Context, b *model.AuthBinding) error
	UpdateAuthBinding(ctx context.Context, b model.AuthBinding) error
	FindAuthBinding(ctx context.Context, externalID, provider string) (model.AuthBinding, error)
	FindAuthBindingByUserProvider(ctx context.Context, userID, provider string) (model.AuthBinding, error)
	// FindPhoneBindingOfOtherUser returns a binding holding phone that belongs
	// to anyone except userID.
	FindPhoneBindingOfOtherUser(ctx context.Context, phone, userID string) (model.AuthBinding, error)
	ListAuthBindings(ctx context.Context, userID string) ([]model.AuthBinding, error)
	ReassignAuthBindings(ctx context.Context, fromUserID, toUserID string) error
}
