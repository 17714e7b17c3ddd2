package model

import (
	"encoding/json"
	"time"

	"simtrade/internal/types"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        string    `json:"id"`
	UniqueID  string    `json:"unique_id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

type Account struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	BalanceCNY decimal.Decimal `json:"balance_cny"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
	BalanceEUR decimal.Decimal `json:"balance_eur"`
	TotalValue decimal.Decimal `json:"total_value"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Holding struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Amount    int64           `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Trade struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Side      types.TradeSide `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    int64           `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	CreatedAt time.Time       `json:"created_at"`
}

type BattleOrder struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id"`
	Symbol           string                  `json:"symbol"`
	Direction        types.BattleDirection   `json:"direction"`
	BetAmount        decimal.Decimal         `json:"bet_amount"`
	StartPrice       decimal.Decimal         `json:"start_price"`
	HoldMinutes      int                     `json:"hold_minutes"`
	SettleTime       time.Time               `json:"settle_time"`
	Status           types.BattleStatus      `json:"status"`
	EndPrice         *decimal.Decimal        `json:"end_price,omitempty"`
	SettlementResult *types.SettlementResult `json:"settlement_result,omitempty"`
	ProfitAmount     *decimal.Decimal        `json:"profit_amount,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

type AuthBinding struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Provider    string            `json:"provider"`
	ExternalID  string            `json:"external_id"`
	Phone       string            `json:"phone"`
	BindingType types.BindingType `json:"binding_type"`
	Metadata    json.RawMessage   `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
}

// LedgerEntry is one line of a user's cash journal. ChainID is the user the
// chain was started for; it survives an account merge so hashes stay valid.
type LedgerEntry struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	ChainID   string                `json:"chain_id"`
	Sequence  int64                 `json:"sequence"`
	Amount    decimal.Decimal       `json:"amount"`
	EntryType types.LedgerEntryType `json:"entry_type"`
	Ref       string                `json:"ref"`
	PrevHash  string                `json:"prev_hash"`
	Hash      string                `json:"hash"`
	CreatedAt time.Time             `json:"created_at"`
}
