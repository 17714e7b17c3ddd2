// Package postgres implements store.Store on PostgreSQL. Every transaction
// runs at SERIALIZABLE isolation and row locks are taken with FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"simtrade/internal/model"
	"simtrade/internal/store"
	"simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	policy store.RetryPolicy
	log    *zap.Logger
}

func New(pool *pgxpool.Pool, policy store.RetryPolicy, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, policy: policy, log: log}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	attempt := 0
	return store.Retry(ctx, s.policy, IsRetryable, func() error {
		attempt++
		err := s.run(ctx, fn)
		if err != nil && IsRetryable(err) {
			s.log.Warn("transaction conflict", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

func (s *Store) InTxOnce(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) run(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsRetryable reports serialization failures, deadlocks and unique
// violations raised by concurrent inserts.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

type pgTx struct {
	tx pgx.Tx
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = time.Now().UTC()
	}
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const userCols = "id, unique_id, nickname, created_at"

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.UniqueID, &u.Nickname, &u.CreatedAt)
	return u, notFound(err)
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	stamp(&u.ID, &u.CreatedAt)
	_, err := t.tx.Exec(ctx, "insert into users ("+userCols+") values ($1, $2, $3, $4)", u.ID, u.UniqueID, u.Nickname, u.CreatedAt)
	return err
}

func (t *pgTx) GetUser(ctx context.Context, id string) (model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.User{}, store.ErrNotFound
	}
	return scanUser(t.tx.QueryRow(ctx, "select "+userCols+" from users where id = $1", id))
}

func (t *pgTx) FindUser(ctx context.Context, idOrUniqueID string) (model.User, error) {
	if _, err := uuid.Parse(idOrUniqueID); err == nil {
		return t.GetUser(ctx, idOrUniqueID)
	}
	return scanUser(t.tx.QueryRow(ctx, "select "+userCols+" from users where unique_id = $1", idOrUniqueID))
}

func (t *pgTx) UniqueIDExists(ctx context.Context, uniqueID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, "select exists(select 1 from users where unique_id = $1)", uniqueID).Scan(&exists)
	return exists, err
}

func (t *pgTx) DeleteUser(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, "delete from users where id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (t *pgTx) ListUsersWithoutAccount(ctx context.Context) ([]model.User, error) {
	rows, err := t.tx.Query(ctx, `
		select u.id, u.unique_id, u.nickname, u.created_at
		from users u
		left join accounts a on a.user_id = u.id
		where a.id is null
		order by u.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const accountCols = "id, user_id, balance_cny, balance_usd, balance_eur, total_value, created_at, updated_at"

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.UserID, &a.BalanceCNY, &a.BalanceUSD, &a.BalanceEUR, &a.TotalValue, &a.CreatedAt, &a.UpdatedAt)
	return a, notFound(err)
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	stamp(&a.ID, &a.CreatedAt)
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := t.tx.Exec(ctx, "insert into accounts ("+accountCols+") values ($1, $2, $3, $4, $5, $6, $7, $8)",
		a.ID, a.UserID, a.BalanceCNY, a.BalanceUSD, a.BalanceEUR, a.TotalValue, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, userID string) (model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, "select "+accountCols+" from accounts where user_id = $1", userID))
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, "select "+accountCols+" from accounts where user_id = $1 for update", userID))
}

func (t *pgTx) UpdateAccountBalances(ctx context.Context, a model.Account) error {
	tag, err := t.tx.Exec(ctx, `
		update accounts
		set balance_cny = $2, balance_usd = $3, balance_eur = $4, total_value = $5, updated_at = now()
		where user_id = $1`, a.UserID, a.BalanceCNY, a.BalanceUSD, a.BalanceEUR, a.TotalValue)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (t *pgTx) DeleteAccount(ctx context.Context, userID string) error {
	tag, err := t.tx.Exec(ctx, "delete from accounts where user_id = $1", userID)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

const ledgerCols = "id, user_id, chain_id, sequence, amount, entry_type, ref, prev_hash, hash, created_at"

func scanLedgerEntry(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var entryType string
	err := row.Scan(&e.ID, &e.UserID, &e.ChainID, &e.Sequence, &e.Amount, &entryType, &e.Ref, &e.PrevHash, &e.Hash, &e.CreatedAt)
	e.EntryType = types.LedgerEntryType(entryType)
	return e, notFound(err)
}

func (t *pgTx) LastLedgerEntry(ctx context.Context, chainID string) (model.LedgerEntry, error) {
	return scanLedgerEntry(t.tx.QueryRow(ctx, "select "+ledgerCols+" from ledger_entries where chain_id = $1 order by sequence desc limit 1", chainID))
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	stamp(&e.ID, &e.CreatedAt)
	_, err := t.tx.Exec(ctx, "insert into ledger_entries ("+ledgerCols+") values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		e.ID, e.UserID, e.ChainID, e.Sequence, e.Amount, string(e.EntryType), e.Ref, e.PrevHash, e.Hash, e.CreatedAt)
	return err
}

func (t *pgTx) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, "select "+ledgerCols+" from ledger_entries where user_id = $1 order by chain_id, sequence", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ReassignLedgerEntries(ctx context.Context, fromUserID, toUserID string) error {
	_, err := t.tx.Exec(ctx, "update ledger_entries set user_id = $2 where user_id = $1", fromUserID, toUserID)
	return err
}

const holdingCols = "id, user_id, symbol, name, amount, price, created_at, updated_at"

func scanHolding(row pgx.Row) (model.Holding, error) {
	var h model.Holding
	err := row.Scan(&h.ID, &h.UserID, &h.Symbol, &h.Name, &h.Amount, &h.Price, &h.CreatedAt, &h.UpdatedAt)
	return h, notFound(err)
}

func (t *pgTx) GetHoldingForUpdate(ctx context.Context, userID, symbol string) (model.Holding, error) {
	return scanHolding(t.tx.QueryRow(ctx, "select "+holdingCols+" from holdings where user_id = $1 and symbol = $2 for update", userID, symbol))
}

func (t *pgTx) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx, "select "+holdingCols+" from holdings where user_id = $1 order by symbol", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	stamp(&h.ID, &h.CreatedAt)
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = h.CreatedAt
	}
	_, err := t.tx.Exec(ctx, "insert into holdings ("+holdingCols+") values ($1, $2, $3, $4, $5, $6, $7, $8)",
		h.ID, h.UserID, h.Symbol, h.Name, h.Amount, h.Price, h.CreatedAt, h.UpdatedAt)
	return err
}

func (t *pgTx) UpdateHolding(ctx context.Context, h model.Holding) error {
	tag, err := t.tx.Exec(ctx, "update holdings set amount = $2, price = $3, name = $4, updated_at = now() where id = $1", h.ID, h.Amount, h.Price, h.Name)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (t *pgTx) DeleteHolding(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, "delete from holdings where id = $1", id)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

const tradeCols = "id, user_id, symbol, name, side, price, amount, fee, created_at"

func scanTrade(row pgx.Row) (model.Trade, error) {
	var tr model.Trade
	var side string
	err := row.Scan(&tr.ID, &tr.UserID, &tr.Symbol, &tr.Name, &side, &tr.Price, &tr.Amount, &tr.Fee, &tr.CreatedAt)
	tr.Side = types.TradeSide(side)
	return tr, notFound(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	stamp(&tr.ID, &tr.CreatedAt)
	_, err := t.tx.Exec(ctx, "insert into trades ("+tradeCols+") values ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		tr.ID, tr.UserID, tr.Symbol, tr.Name, string(tr.Side), tr.Price, tr.Amount, tr.Fee, tr.CreatedAt)
	return err
}

func (t *pgTx) LatestTrade(ctx context.Context, userID, symbol string, side types.TradeSide) (model.Trade, error) {
	return scanTrade(t.tx.QueryRow(ctx, "select "+tradeCols+" from trades where user_id = $1 and symbol = $2 and side = $3 order by created_at desc limit 1", userID, symbol, string(side)))
}

func (t *pgTx) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	q := "select " + tradeCols + " from trades where user_id = $1 order by created_at desc"
	args := []any{userID}
	if limit > 0 {
		q += " limit $2"
		args = append(args, limit)
	}
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) ReassignTrades(ctx context.Context, fromUserID, toUserID string) error {
	_, err := t.tx.Exec(ctx, "update trades set user_id = $2 where user_id = $1", fromUserID, toUserID)
	return err
}

const battleCols = "id, user_id, symbol, direction, bet_amount, start_price, hold_minutes, settle_time, status, end_price, settlement_result, profit_amount, created_at, updated_at"

func scanBattleOrder(row pgx.Row) (model.BattleOrder, error) {
	var o model.BattleOrder
	var direction, status string
	var result *string
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &direction, &o.BetAmount, &o.StartPrice, &o.HoldMinutes, &o.SettleTime,
		&status, &o.EndPrice, &result, &o.ProfitAmount, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, notFound(err)
	}
	o.Direction = types.BattleDirection(direction)
	o.Status = types.BattleStatus(status)
	if result != nil {
		r := types.SettlementResult(*result)
		o.SettlementResult = &r
	}
	return o, nil
}

func collectBattleOrders(rows pgx.Rows) ([]model.BattleOrder, error) {
	defer rows.Close()
	var out []model.BattleOrder
	for rows.Next() {
		o, err := scanBattleOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullableResult(r *types.SettlementResult) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func (t *pgTx) InsertBattleOrder(ctx context.Context, o *model.BattleOrder) error {
	stamp(&o.ID, &o.CreatedAt)
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := t.tx.Exec(ctx, "insert into battle_orders ("+battleCols+") values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		o.ID, o.UserID, o.Symbol, string(o.Direction), o.BetAmount, o.StartPrice, o.HoldMinutes, o.SettleTime,
		string(o.Status), o.EndPrice, nullableResult(o.SettlementResult), o.ProfitAmount, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *pgTx) GetBattleOrderForUpdate(ctx context.Context, id string) (model.BattleOrder, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.BattleOrder{}, store.ErrNotFound
	}
	return scanBattleOrder(t.tx.QueryRow(ctx, "select "+battleCols+" from battle_orders where id = $1 for update", id))
}

func (t *pgTx) LockPendingBattleOrder(ctx context.Context, id string) (model.BattleOrder, bool, error) {
	o, err := scanBattleOrder(t.tx.QueryRow(ctx,
		"select "+battleCols+" from battle_orders where id = $1 and status = 'pending' for update skip locked", id))
	if errors.Is(err, store.ErrNotFound) {
		return model.BattleOrder{}, false, nil
	}
	if err != nil {
		return model.BattleOrder{}, false, err
	}
	return o, true, nil
}

func (t *pgTx) UpdateBattleOrder(ctx context.Context, o model.BattleOrder) error {
	tag, err := t.tx.Exec(ctx, `
		update battle_orders
		set status = $2, end_price = $3, settlement_result = $4, profit_amount = $5, updated_at = now()
		where id = $1`, o.ID, string(o.Status), o.EndPrice, nullableResult(o.SettlementResult), o.ProfitAmount)
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (t *pgTx) ListBattleOrders(ctx context.Context, f store.BattleOrderFilter) ([]model.BattleOrder, int, error) {
	where := "where ($1 = '' or user_id::text = $1) and ($2 = '' or $2 = 'all' or status = $2)"
	var total int
	if err := t.tx.QueryRow(ctx, "select count(*) from battle_orders "+where, f.UserID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := t.tx.Query(ctx, "select "+battleCols+" from battle_orders "+where+" order by created_at desc, id desc offset $3 limit $4",
		f.UserID, string(f.Status), f.Offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectBattleOrders(rows)
	return out, total, err
}

func (t *pgTx) ListDueBattleOrders(ctx context.Context, now time.Time, limit int, skipSymbols []string) ([]model.BattleOrder, error) {
	if skipSymbols == nil {
		skipSymbols = []string{}
	}
	rows, err := t.tx.Query(ctx,
		"select "+battleCols+" from battle_orders where status = 'pending' and settle_time <= $1 and not (symbol = any($3)) order by settle_time, id limit $2",
		now, limit, skipSymbols)
	if err != nil {
		return nil, err
	}
	return collectBattleOrders(rows)
}

func (t *pgTx) ReassignBattleOrders(ctx context.Context, fromUserID, toUserID string) error {
	_, err := t.tx.Exec(ctx, "update battle_orders set user_id = $2, updated_at = now() where user_id = $1", fromUserID, toUserID)
	return err
}

const bindingCols = "id, user_id, provider, external_id, phone, binding_type, metadata, created_at"

func scanBinding(row pgx.Row) (model.AuthBinding, error) {
	var b model.AuthBinding
	var bindingType string
	var meta []byte
	err := row.Scan(&b.ID, &b.UserID, &b.Provider, &b.ExternalID, &b.Phone, &bindingType, &meta, &b.CreatedAt)
	b.BindingType = types.BindingType(bindingType)
	b.Metadata = json.RawMessage(meta)
	return b, notFound(err)
}

func metadataValue(m json.RawMessage) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	return m
}

func (t *pgTx) InsertAuthBinding(ctx context.Context, b *model.AuthBinding) error {
	stamp(&b.ID, &b.CreatedAt)
	_, err := t.tx.Exec(ctx, "insert into auth_bindings ("+bindingCols+") values ($1, $2, $3, $4, $5, $6, $7, $8)",
		b.ID, b.UserID, b.Provider, b.ExternalID, b.Phone, string(b.BindingType), metadataValue(b.Metadata), b.CreatedAt)
	return err
}

func (t *pgTx) UpdateAuthBinding(ctx context.Context, b model.AuthBinding) error {
	tag, err := t.tx.Exec(ctx, `
		update auth_bindings
		set user_id = $2, provider = $3, external_id = $4, phone = $5, binding_type = $6, metadata = $7
		where id = $1`, b.ID, b.UserID, b.Provider, b.ExternalID, b.Phone, string(b.BindingType), metadataValue(b.Metadata))
	if err != nil {
		return err
	}
	return requireRow(tag)
}

func (t *pgTx) FindAuthBinding(ctx context.Context, externalID, provider string) (model.AuthBinding, error) {
	return scanBinding(t.tx.QueryRow(ctx, "select "+bindingCols+" from auth_bindings where external_id = $1 and provider = $2", externalID, provider))
}

func (t *pgTx) FindAuthBindingByUserProvider(ctx context.Context, userID, provider string) (model.AuthBinding, error) {
	return scanBinding(t.tx.QueryRow(ctx, "select "+bindingCols+" from auth_bindings where user_id = $1 and provider = $2 order by created_at limit 1", userID, provider))
}

func (t *pgTx) FindPhoneBindingOfOtherUser(ctx context.Context, phone, userID string) (model.AuthBinding, error) {
	if phone == "" {
		return model.AuthBinding{}, store.ErrNotFound
	}
	return scanBinding(t.tx.QueryRow(ctx, "select "+bindingCols+" from auth_bindings where phone = $1 and user_id <> $2 order by created_at limit 1", phone, userID))
}

func (t *pgTx) ListAuthBindings(ctx context.Context, userID string) ([]model.AuthBinding, error) {
	rows, err := t.tx.Query(ctx, "select "+bindingCols+" from auth_bindings where user_id = $1 order by created_at", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuthBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) ReassignAuthBindings(ctx context.Context, fromUserID, toUserID string) error {
	_, err := t.tx.Exec(ctx, "update auth_bindings set user_id = $2 where user_id = $1", fromUserID, toUserID)
	return err
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*pgTx)(nil)
)
