package battle

import (
	"fmt"
	"os"
	"slices"
	"time"

	"simtrade/internal/types"

	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v3"
)

// Rules are the tunable game parameters.
type Rules struct {
	Multiplier  decimal.Decimal `json:"reward_multiplier"`
	MinBet      decimal.Decimal `json:"min_bet_amount"`
	MaxBet      decimal.Decimal `json:"max_bet_amount"`
	HoldMinutes []int           `json:"available_hold_minutes"`
	BatchSize   int             `json:"-"`
	CancelLock  time.Duration   `json:"-"`
}

func DefaultRules() Rules {
	return Rules{
		Multiplier:  decimal.RequireFromString("1.8"),
		MinBet:      decimal.NewFromInt(100),
		MaxBet:      decimal.NewFromInt(10000),
		HoldMinutes: []int{5, 10, 30, 60, 120, 240},
		BatchSize:   5000,
		CancelLock:  5 * time.Minute,
	}
}

// rulesFile is the YAML layout; money fields are strings so they parse
// exactly.
type rulesFile struct {
	RewardMultiplier  string `yaml:"reward_multiplier" validate:"nonzero"`
	MinBetAmount      string `yaml:"min_bet_amount" validate:"nonzero"`
	MaxBetAmount      string `yaml:"max_bet_amount" validate:"nonzero"`
	HoldMinutes       []int  `yaml:"available_hold_minutes" validate:"min=1"`
	BatchSize         int    `yaml:"batch_size" validate:"min=1,max=100000"`
	CancelLockMinutes int    `yaml:"cancel_lock_minutes" validate:"min=0,max=1440"`
}

// LoadRules reads a YAML rules file over the defaults. An empty path
// returns the defaults.
func LoadRules(path string) (Rules, error) {
	def := DefaultRules()
	if path == "" {
		return def, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read battle rules: %w", err)
	}
	f := rulesFile{
		RewardMultiplier:  def.Multiplier.String(),
		MinBetAmount:      def.MinBet.String(),
		MaxBetAmount:      def.MaxBet.String(),
		HoldMinutes:       def.HoldMinutes,
		BatchSize:         def.BatchSize,
		CancelLockMinutes: int(def.CancelLock / time.Minute),
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Rules{}, fmt.Errorf("parse battle rules: %w", err)
	}
	if err := validator.Validate(f); err != nil {
		return Rules{}, fmt.Errorf("invalid battle rules: %w", err)
	}
	r := Rules{
		HoldMinutes: f.HoldMinutes,
		BatchSize:   f.BatchSize,
		CancelLock:  time.Duration(f.CancelLockMinutes) * time.Minute,
	}
	if r.Multiplier, err = decimal.NewFromString(f.RewardMultiplier); err != nil {
		return Rules{}, fmt.Errorf("invalid reward_multiplier: %w", err)
	}
	if r.MinBet, err = decimal.NewFromString(f.MinBetAmount); err != nil {
		return Rules{}, fmt.Errorf("invalid min_bet_amount: %w", err)
	}
	if r.MaxBet, err = decimal.NewFromString(f.MaxBetAmount); err != nil {
		return Rules{}, fmt.Errorf("invalid max_bet_amount: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func (r Rules) Validate() error {
	switch {
	case r.Multiplier.LessThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("invalid battle rules: reward multiplier must exceed 1")
	case !r.MinBet.IsPositive() || r.MaxBet.LessThan(r.MinBet):
		return fmt.Errorf("invalid battle rules: bet range %s..%s", r.MinBet, r.MaxBet)
	case len(r.HoldMinutes) == 0:
		return fmt.Errorf("invalid battle rules: no hold durations")
	case r.BatchSize <= 0:
		return fmt.Errorf("invalid battle rules: batch size must be positive")
	}
	for _, m := range r.HoldMinutes {
		if m <= 0 {
			return fmt.Errorf("invalid battle rules: hold duration %d", m)
		}
	}
	return nil
}

func (r Rules) AllowsHold(minutes int) bool {
	return slices.Contains(r.HoldMinutes, minutes)
}

// Payout returns the order's profit and the amount credited back at
// settlement. A win credits only the profit since the escrowed bet is not
// returned; a draw returns the bet; a loss credits nothing.
func (r Rules) Payout(bet decimal.Decimal, result types.SettlementResult) (profit, credit decimal.Decimal) {
	switch result {
	case types.SettlementWin:
		profit = bet.Mul(r.Multiplier.Sub(decimal.NewFromInt(1))).Round(2)
		return profit, profit
	case types.SettlementDraw:
		return decimal.Zero, bet
	default:
		return bet.Neg(), decimal.Zero
	}
}
