package types

type TradeSide string

type BattleDirection string

type BattleStatus string

type SettlementResult string

type LedgerEntryType string

type BindingType string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

const (
	BattleDirectionUp   BattleDirection = "buy_up"
	BattleDirectionDown BattleDirection = "buy_down"
)

const (
	BattleStatusPending  BattleStatus = "pending"
	BattleStatusCanceled BattleStatus = "canceled"
	BattleStatusSettled  BattleStatus = "settled"
)

// BattleStatusAll is only a list filter, never a stored status.
const BattleStatusAll BattleStatus = "all"

const (
	SettlementWin  SettlementResult = "win"
	SettlementLose SettlementResult = "lose"
	SettlementDraw SettlementResult = "draw"
)

const (
	LedgerEntryTypeOpening      LedgerEntryType = "opening"
	LedgerEntryTypeTradeBuy     LedgerEntryType = "trade_buy"
	LedgerEntryTypeTradeSell    LedgerEntryType = "trade_sell"
	LedgerEntryTypeBattleEscrow LedgerEntryType = "battle_escrow"
	LedgerEntryTypeBattleRefund LedgerEntryType = "battle_refund"
	LedgerEntryTypeBattlePayout LedgerEntryType = "battle_payout"
	LedgerEntryTypeSeed         LedgerEntryType = "seed"
)

const (
	BindingTypeAuth      BindingType = "auth"
	BindingTypeConverted BindingType = "converted"
)

// ProviderRegister marks the binding created at registration time.
const ProviderRegister = "register"

func (d BattleDirection) Valid() bool {
	return d == BattleDirectionUp || d == BattleDirectionDown
}

func (s BattleStatus) Valid() bool {
	switch s {
	case BattleStatusPending, BattleStatusCanceled, BattleStatusSettled:
		return true
	}
	return false
}
