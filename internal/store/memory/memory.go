// Package memory is an in-process store.Store. Transactions are serialized
// by one mutex and run against a private copy of the state that replaces the
// live state only when fn returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/google/uuid"
)

type state struct {
	users    map[string]model.User
	accounts map[string]model.Account // keyed by user id
	holdings map[string]model.Holding
	battles  map[string]model.BattleOrder
	trades   []model.Trade
	ledger   []model.LedgerEntry
	bindings []model.AuthBinding
}

func newState() *state {
	return &state{
		users:    map[string]model.User{},
		accounts: map[string]model.Account{},
		holdings: map[string]model.Holding{},
		battles:  map[string]model.BattleOrder{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.battles {
		c.battles[k] = v
	}
	c.trades = append([]model.Trade(nil), s.trades...)
	c.ledger = append([]model.LedgerEntry(nil), s.ledger...)
	c.bindings = append([]model.AuthBinding(nil), s.bindings...)
	return c
}

type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return &Store{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.InTxOnce(ctx, fn)
}

func (s *Store) InTxOnce(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Close() {}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = t.now()
	}
}

func (t *tx) CreateUser(_ context.Context, u *model.User) error {
	t.stamp(&u.ID, &u.CreatedAt)
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("memory: duplicate user %s", u.ID)
	}
	for _, other := range t.st.users {
		if other.UniqueID == u.UniqueID {
			return fmt.Errorf("memory: duplicate unique id %s", u.UniqueID)
		}
	}
	t.st.users[u.ID] = *u
	return nil
}

func (t *tx) GetUser(_ context.Context, id string) (model.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return u, nil
}

func (t *tx) FindUser(ctx context.Context, idOrUniqueID string) (model.User, error) {
	if u, ok := t.st.users[idOrUniqueID]; ok {
		return u, nil
	}
	for _, u := range t.st.users {
		if u.UniqueID == idOrUniqueID {
			return u, nil
		}
	}
	return model.User{}, store.ErrNotFound
}

func (t *tx) UniqueIDExists(_ context.Context, uniqueID string) (bool, error) {
	for _, u := range t.st.users {
		if u.UniqueID == uniqueID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) DeleteUser(_ context.Context, id string) error {
	if _, ok := t.st.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.users, id)
	return nil
}

func (t *tx) ListUsersWithoutAccount(_ context.Context) ([]model.User, error) {
	var out []model.User
	for id, u := range t.st.users {
		if _, ok := t.st.accounts[id]; !ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) CreateAccount(_ context.Context, a *model.Account) error {
	t.stamp(&a.ID, &a.CreatedAt)
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if _, ok := t.st.accounts[a.UserID]; ok {
		return fmt.Errorf("memory: account for user %s already exists", a.UserID)
	}
	t.st.accounts[a.UserID] = *a
	return nil
}

func (t *tx) GetAccount(_ context.Context, userID string) (model.Account, error) {
	a, ok := t.st.accounts[userID]
	if !ok {
		return model.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (t *tx) GetAccountForUpdate(ctx context.Context, userID string) (model.Account, error) {
	return t.GetAccount(ctx, userID)
}

func (t *tx) UpdateAccountBalances(_ context.Context, a model.Account) error {
	cur, ok := t.st.accounts[a.UserID]
	if !ok {
		return store.ErrNotFound
	}
	cur.BalanceCNY = a.BalanceCNY
	cur.BalanceUSD = a.BalanceUSD
	cur.BalanceEUR = a.BalanceEUR
	cur.TotalValue = a.TotalValue
	cur.UpdatedAt = t.now()
	t.st.accounts[a.UserID] = cur
	return nil
}

func (t *tx) DeleteAccount(_ context.Context, userID string) error {
	if _, ok := t.st.accounts[userID]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.accounts, userID)
	return nil
}

func (t *tx) LastLedgerEntry(_ context.Context, chainID string) (model.LedgerEntry, error) {
	var last model.LedgerEntry
	found := false
	for _, e := range t.st.ledger {
		if e.ChainID == chainID && (!found || e.Sequence > last.Sequence) {
			last, found = e, true
		}
	}
	if !found {
		return model.LedgerEntry{}, store.ErrNotFound
	}
	return last, nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.stamp(&e.ID, &e.CreatedAt)
	for _, other := range t.st.ledger {
		if other.ChainID == e.ChainID && other.Sequence == e.Sequence {
			return fmt.Errorf("memory: ledger sequence %d already used in chain %s", e.Sequence, e.ChainID)
		}
	}
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *tx) ListLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range t.st.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (t *tx) ReassignLedgerEntries(_ context.Context, fromUserID, toUserID string) error {
	for i := range t.st.ledger {
		if t.st.ledger[i].UserID == fromUserID {
			t.st.ledger[i].UserID = toUserID
		}
	}
	return nil
}

func (t *tx) GetHoldingForUpdate(_ context.Context, userID, symbol string) (model.Holding, error) {
	for _, h := range t.st.holdings {
		if h.UserID == userID && h.Symbol == symbol {
			return h, nil
		}
	}
	return model.Holding{}, store.ErrNotFound
}

func (t *tx) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	var out []model.Holding
	for _, h := range t.st.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (t *tx) InsertHolding(ctx context.Context, h *model.Holding) error {
	if _, err := t.GetHoldingForUpdate(ctx, h.UserID, h.Symbol); err == nil {
		return fmt.Errorf("memory: holding %s for user %s already exists", h.Symbol, h.UserID)
	}
	t.stamp(&h.ID, &h.CreatedAt)
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = h.CreatedAt
	}
	t.st.holdings[h.ID] = *h
	return nil
}

func (t *tx) UpdateHolding(_ context.Context, h model.Holding) error {
	cur, ok := t.st.holdings[h.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Amount = h.Amount
	cur.Price = h.Price
	cur.Name = h.Name
	cur.UpdatedAt = t.now()
	t.st.holdings[h.ID] = cur
	return nil
}

func (t *tx) DeleteHolding(_ context.Context, id string) error {
	if _, ok := t.st.holdings[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.holdings, id)
	return nil
}

func (t *tx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.stamp(&tr.ID, &tr.CreatedAt)
	t.st.trades = append(t.st.trades, *tr)
	return nil
}

func (t *tx) LatestTrade(_ context.Context, userID, symbol string, side types.TradeSide) (model.Trade, error) {
	var latest model.Trade
	found := false
	for _, tr := range t.st.trades {
		if tr.UserID != userID || tr.Symbol != symbol || tr.Side != side {
			continue
		}
		if !found || !tr.CreatedAt.Before(latest.CreatedAt) {
			latest, found = tr, true
		}
	}
	if !found {
		return model.Trade{}, store.ErrNotFound
	}
	return latest, nil
}

func (t *tx) ListTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	var out []model.Trade
	for i := len(t.st.trades) - 1; i >= 0; i-- {
		if t.st.trades[i].UserID == userID {
			out = append(out, t.st.trades[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ReassignTrades(_ context.Context, fromUserID, toUserID string) error {
	for i := range t.st.trades {
		if t.st.trades[i].UserID == fromUserID {
			t.st.trades[i].UserID = toUserID
		}
	}
	return nil
}

func (t *tx) InsertBattleOrder(_ context.Context, o *model.BattleOrder) error {
	t.stamp(&o.ID, &o.CreatedAt)
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	t.st.battles[o.ID] = *o
	return nil
}

func (t *tx) GetBattleOrderForUpdate(_ context.Context, id string) (model.BattleOrder, error) {
	o, ok := t.st.battles[id]
	if !ok {
		return model.BattleOrder{}, store.ErrNotFound
	}
	return o, nil
}

func (t *tx) LockPendingBattleOrder(_ context.Context, id string) (model.BattleOrder, bool, error) {
	o, ok := t.st.battles[id]
	if !ok || o.Status != types.BattleStatusPending {
		return model.BattleOrder{}, false, nil
	}
	return o, true, nil
}

func (t *tx) UpdateBattleOrder(_ context.Context, o model.BattleOrder) error {
	if _, ok := t.st.battles[o.ID]; !ok {
		return store.ErrNotFound
	}
	o.UpdatedAt = t.now()
	t.st.battles[o.ID] = o
	return nil
}

func (t *tx) ListBattleOrders(_ context.Context, f store.BattleOrderFilter) ([]model.BattleOrder, int, error) {
	var out []model.BattleOrder
	for _, o := range t.st.battles {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && f.Status != types.BattleStatusAll && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (t *tx) ListDueBattleOrders(_ context.Context, now time.Time, limit int, skipSymbols []string) ([]model.BattleOrder, error) {
	skip := make(map[string]bool, len(skipSymbols))
	for _, s := range skipSymbols {
		skip[s] = true
	}
	var out []model.BattleOrder
	for _, o := range t.st.battles {
		if o.Status == types.BattleStatusPending && !o.SettleTime.After(now) && !skip[o.Symbol] {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SettleTime.Equal(out[j].SettleTime) {
			return out[i].SettleTime.Before(out[j].SettleTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ReassignBattleOrders(_ context.Context, fromUserID, toUserID string) error {
	for id, o := range t.st.battles {
		if o.UserID == fromUserID {
			o.UserID = toUserID
			t.st.battles[id] = o
		}
	}
	return nil
}

func (t *tx) InsertAuthBinding(_ context.Context, b *model.AuthBinding) error {
	for _, other := range t.st.bindings {
		if other.ExternalID == b.ExternalID && other.Provider == b.Provider {
			return fmt.Errorf("memory: binding %s/%s already exists", b.Provider, b.ExternalID)
		}
	}
	t.stamp(&b.ID, &b.CreatedAt)
	t.st.bindings = append(t.st.bindings, *b)
	return nil
}

func (t *tx) UpdateAuthBinding(_ context.Context, b model.AuthBinding) error {
	for i := range t.st.bindings {
		if t.st.bindings[i].ID == b.ID {
			b.CreatedAt = t.st.bindings[i].CreatedAt
			t.st.bindings[i] = b
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) FindAuthBinding(_ context.Context, externalID, provider string) (model.AuthBinding, error) {
	for _, b := range t.st.bindings {
		if b.ExternalID == externalID && b.Provider == provider {
			return b, nil
		}
	}
	return model.AuthBinding{}, store.ErrNotFound
}

func (t *tx) FindAuthBindingByUserProvider(_ context.Context, userID, provider string) (model.AuthBinding, error) {
	for _, b := range t.st.bindings {
		if b.UserID == userID && b.Provider == provider {
			return b, nil
		}
	}
	return model.AuthBinding{}, store.ErrNotFound
}

func (t *tx) FindPhoneBindingOfOtherUser(_ context.Context, phone, userID string) (model.AuthBinding, error) {
	if phone == "" {
		return model.AuthBinding{}, store.ErrNotFound
	}
	for _, b := range t.st.bindings {
		if b.Phone == phone && b.UserID != userID {
			return b, nil
		}
	}
	return model.AuthBinding{}, store.ErrNotFound
}

func (t *tx) ListAuthBindings(_ context.Context, userID string) ([]model.AuthBinding, error) {
	var out []model.AuthBinding
	for _, b := range t.st.bindings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *tx) ReassignAuthBindings(_ context.Context, fromUserID, toUserID string) error {
	for i := range t.st.bindings {
		if t.st.bindings[i].UserID == fromUserID {
			t.st.bindings[i].UserID = toUserID
		}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
var _ store.Tx = (*tx)(nil)
