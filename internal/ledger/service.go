package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"simtrade/internal/apperr"
	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service moves cash on accounts. Every mutation runs inside the caller's
// transaction and appends one hash-chained journal entry. Cash is kept to the
// cent; amounts are rounded half-up to two places on entry.
type Service struct {
	log *zap.Logger
}

func NewService(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log}
}

// Open creates the account of userID with an opening cash balance.
func (s *Service) Open(ctx context.Context, tx store.Tx, userID string, opening decimal.Decimal) (model.Account, error) {
	if opening.IsNegative() {
		return model.Account{}, apperr.ErrInvalidAmount
	}
	opening = opening.Round(2)
	acc := model.Account{UserID: userID, BalanceCNY: opening, BalanceUSD: decimal.Zero, BalanceEUR: decimal.Zero, TotalValue: opening}
	if err := tx.CreateAccount(ctx, &acc); err != nil {
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}
	if opening.IsPositive() {
		if err := s.appendEntry(ctx, tx, userID, opening, types.LedgerEntryTypeOpening, userID); err != nil {
			return model.Account{}, err
		}
	}
	return acc, nil
}

func (s *Service) Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, entryType types.LedgerEntryType, ref string) (model.Account, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return model.Account{}, apperr.ErrInvalidAmount
	}
	acc, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return model.Account{}, err
	}
	if acc.BalanceCNY.LessThan(amount) {
		return model.Account{}, apperr.Newf(apperr.CodeInsufficientFunds, "insufficient balance: need %s, have %s", amount.StringFixed(2), acc.BalanceCNY.StringFixed(2))
	}
	acc.BalanceCNY = acc.BalanceCNY.Sub(amount)
	acc.TotalValue = acc.TotalValue.Sub(amount)
	if err := tx.UpdateAccountBalances(ctx, acc); err != nil {
		return model.Account{}, fmt.Errorf("update balance: %w", err)
	}
	if err := s.appendEntry(ctx, tx, userID, amount.Neg(), entryType, ref); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}

func (s *Service) Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, entryType types.LedgerEntryType, ref string) (model.Account, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return model.Account{}, apperr.ErrInvalidAmount
	}
	acc, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return model.Account{}, err
	}
	acc.BalanceCNY = acc.BalanceCNY.Add(amount)
	acc.TotalValue = acc.TotalValue.Add(amount)
	if err := tx.UpdateAccountBalances(ctx, acc); err != nil {
		return model.Account{}, fmt.Errorf("update balance: %w", err)
	}
	if err := s.appendEntry(ctx, tx, userID, amount, entryType, ref); err != nil {
		return model.Account{}, err
	}
	return acc, nil
}

func lockAccount(ctx context.Context, tx store.Tx, userID string) (model.Account, error) {
	acc, err := tx.GetAccountForUpdate(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Account{}, apperr.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("lock account: %w", err)
	}
	return acc, nil
}

// appendEntry extends the chain started for userID. Chains are keyed by the
// user they were opened for, so entries moved by a merge keep verifying.
func (s *Service) appendEntry(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, entryType types.LedgerEntryType, ref string) error {
	var prevHash string
	var seq int64 = 1
	last, err := tx.LastLedgerEntry(ctx, userID)
	switch {
	case err == nil:
		prevHash = last.Hash
		seq = last.Sequence + 1
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("read chain head: %w", err)
	}
	e := model.LedgerEntry{
		UserID:    userID,
		ChainID:   userID,
		Sequence:  seq,
		Amount:    amount,
		EntryType: entryType,
		Ref:       ref,
		PrevHash:  prevHash,
	}
	e.Hash = computeHash(e.ChainID, e.Sequence, e.Amount, e.EntryType, e.Ref, e.PrevHash)
	if err := tx.InsertLedgerEntry(ctx, &e); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func computeHash(chainID string, seq int64, amount decimal.Decimal, entryType types.LedgerEntryType, ref, prevHash string) string {
	buf := chainID + "|" + strconv.FormatInt(seq, 10) + "|" + amount.StringFixed(2) + "|" + string(entryType) + "|" + ref + "|" + prevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}

type Report struct {
	UserID   string          `json:"user_id"`
	Entries  int             `json:"entries"`
	Chains   int             `json:"chains"`
	Journal  decimal.Decimal `json:"journal_sum"`
	Balance  decimal.Decimal `json:"balance_cny"`
	OK       bool            `json:"ok"`
	Problems []string        `json:"problems,omitempty"`
}

// Verify re-walks every chain owned by userID and checks that the journal
// sums to the cash balance.
func (s *Service) Verify(ctx context.Context, tx store.Tx, userID string) (Report, error) {
	rep := Report{UserID: userID}
	acc, err := tx.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return rep, apperr.ErrAccountNotFound
	}
	if err != nil {
		return rep, err
	}
	entries, err := tx.ListLedgerEntries(ctx, userID)
	if err != nil {
		return rep, err
	}
	rep.Balance = acc.BalanceCNY
	rep.Entries = len(entries)
	rep.Problems = checkChains(entries)
	sum := decimal.Zero
	chains := map[string]struct{}{}
	for _, e := range entries {
		sum = sum.Add(e.Amount)
		chains[e.ChainID] = struct{}{}
	}
	rep.Chains = len(chains)
	rep.Journal = sum
	if !sum.Equal(acc.BalanceCNY) {
		rep.Problems = append(rep.Problems, fmt.Sprintf("journal sum %s differs from balance %s", sum.StringFixed(2), acc.BalanceCNY.StringFixed(2)))
	}
	rep.OK = len(rep.Problems) == 0
	if !rep.OK {
		s.log.Error("ledger verification failed", zap.String("user_id", userID), zap.Strings("problems", rep.Problems))
	}
	return rep, nil
}

// checkChains expects entries ordered by chain then sequence.
func checkChains(entries []model.LedgerEntry) []string {
	var problems []string
	var chain, prevHash string
	var want int64
	for _, e := range entries {
		if e.ChainID != chain {
			chain, prevHash, want = e.ChainID, "", 1
		}
		if e.Sequence != want {
			problems = append(problems, fmt.Sprintf("chain %s: expected sequence %d, got %d", chain, want, e.Sequence))
		}
		if e.PrevHash != prevHash {
			problems = append(problems, fmt.Sprintf("chain %s seq %d: prev hash mismatch", chain, e.Sequence))
		}
		if computeHash(e.ChainID, e.Sequence, e.Amount, e.EntryType, e.Ref, e.PrevHash) != e.Hash {
			problems = append(problems, fmt.Sprintf("chain %s seq %d: hash mismatch", chain, e.Sequence))
		}
		prevHash = e.Hash
		want = e.Sequence + 1
	}
	return problems
}

func (s *Service) Entries(ctx context.Context, tx store.Tx, userID string) ([]model.LedgerEntry, error) {
	return tx.ListLedgerEntries(ctx, userID)
}
