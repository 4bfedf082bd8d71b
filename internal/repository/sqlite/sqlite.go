/*
Package sqlite is the embedded backend of repository.Store.

It runs the same statements as the Postgres store in SQLite's dialect:
timestamps are fixed-width UTC text so they compare lexically, money is
decimal text, and favorite products are a JSON array.

CONCURRENCY:

	The pool is capped at one connection. Transactions therefore run one at
	a time and every conditional update sees the latest committed row. Code
	inside ExecTx must use the Querier it is handed, never the Store itself,
	or it waits on the connection it already holds.

USAGE:

	store, err := sqlite.New("./data/loyalty.db")
	if err != nil {
		return err
	}
	defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type Store struct {
	*queries
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// New opens or creates the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{queries: &queries{db: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapErr(err))
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	balance           INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	tier              TEXT NOT NULL,
	score             REAL NOT NULL DEFAULT 0,
	join_date         TEXT NOT NULL,
	last_visit        TEXT,
	visit_count       INTEGER NOT NULL DEFAULT 0,
	total_spent       TEXT NOT NULL DEFAULT '0',
	favorite_products TEXT NOT NULL DEFAULT '[]',
	referral_code     TEXT NOT NULL UNIQUE,
	referred_by       TEXT,
	points_expiry     TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_points_expiry ON accounts (points_expiry);

CREATE TABLE IF NOT EXISTS point_transactions (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts (id),
	type           TEXT NOT NULL CHECK (type IN ('earn', 'redeem', 'expire', 'referral', 'bonus', 'adjustment')),
	amount         INTEGER NOT NULL CHECK (amount <> 0),
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL CHECK (balance_after >= 0),
	description    TEXT NOT NULL,
	order_ref      TEXT,
	reward_ref     TEXT,
	created_at     TEXT NOT NULL,
	CHECK (balance_after = balance_before + amount)
);

CREATE INDEX IF NOT EXISTS idx_point_transactions_account ON point_transactions (account_id, created_at);

CREATE TABLE IF NOT EXISTS tier_changes (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts (id),
	old_tier          TEXT NOT NULL,
	new_tier          TEXT NOT NULL,
	balance_at_change INTEGER NOT NULL,
	reason            TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rewards (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	points_cost       INTEGER NOT NULL CHECK (points_cost > 0),
	discount_type     TEXT NOT NULL,
	discount_value    TEXT NOT NULL DEFAULT '0',
	tier_required     TEXT NOT NULL,
	max_uses_per_user INTEGER NOT NULL DEFAULT 1,
	max_total_uses    INTEGER,
	total_redemptions INTEGER NOT NULL DEFAULT 0,
	active            INTEGER NOT NULL DEFAULT 1,
	expiry_date       TEXT,
	coupon_valid_days INTEGER NOT NULL DEFAULT 30
);

CREATE TABLE IF NOT EXISTS coupons (
	id               TEXT PRIMARY KEY,
	code             TEXT NOT NULL UNIQUE,
	account_id       TEXT NOT NULL REFERENCES accounts (id),
	reward_id        TEXT REFERENCES rewards (id),
	discount_type    TEXT NOT NULL,
	discount_value   TEXT NOT NULL,
	min_order_amount TEXT NOT NULL DEFAULT '0',
	max_uses         INTEGER NOT NULL DEFAULT 1,
	used_count       INTEGER NOT NULL DEFAULT 0,
	valid_from       TEXT NOT NULL,
	valid_until      TEXT NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	CHECK (used_count >= 0 AND used_count <= max_uses)
);

CREATE INDEX IF NOT EXISTS idx_coupons_account_reward ON coupons (account_id, reward_id);

CREATE TABLE IF NOT EXISTS referrals (
	referral_code       TEXT NOT NULL,
	referrer_account_id TEXT NOT NULL REFERENCES accounts (id),
	referred_account_id TEXT NOT NULL UNIQUE REFERENCES accounts (id),
	status              TEXT NOT NULL,
	bonus_points_given  INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	completed_at        TEXT
);
`

type queries struct {
	db dbtx
}

const accountColumns = `id, balance, tier, score, join_date, last_visit, visit_count, total_spent,
	favorite_products, referral_code, referred_by, points_expiry, created_at, updated_at`

func scanAccount(row scanner) (domain.Account, error) {
	var (
		a                                   domain.Account
		tier, joinDate, spent, products     string
		createdAt, updatedAt                string
		lastVisit, referredBy, pointsExpiry sql.NullString
	)
	err := row.Scan(&a.ID, &a.Balance, &tier, &a.Score, &joinDate, &lastVisit, &a.VisitCount, &spent,
		&products, &a.ReferralCode, &referredBy, &pointsExpiry, &createdAt, &updatedAt)
	if err != nil {
		return domain.Account{}, mapErr(err)
	}

	a.Tier = domain.Tier(tier)
	if a.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return domain.Account{}, fmt.Errorf("decode total_spent: %w", err)
	}
	if err := json.Unmarshal([]byte(products), &a.FavoriteProducts); err != nil {
		return domain.Account{}, fmt.Errorf("decode favorite_products: %w", err)
	}
	if a.FavoriteProducts == nil {
		a.FavoriteProducts = []string{}
	}
	if referredBy.Valid {
		v := referredBy.String
		a.ReferredBy = &v
	}
	if a.JoinDate, err = parseTime(joinDate); err != nil {
		return domain.Account{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Account{}, err
	}
	if a.LastVisit, err = parseNullTime(lastVisit); err != nil {
		return domain.Account{}, err
	}
	if a.PointsExpiry, err = parseNullTime(pointsExpiry); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (q *queries) CreateAccount(ctx context.Context, a domain.Account) error {
	products, err := encodeProducts(a.FavoriteProducts)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, tier, score, join_date, last_visit, visit_count,
			total_spent, favorite_products, referral_code, referred_by, points_expiry,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Balance, string(a.Tier), a.Score, formatTime(a.JoinDate), formatNullTime(a.LastVisit),
		a.VisitCount, a.TotalSpent.String(), products, a.ReferralCode, a.ReferredBy,
		formatNullTime(a.PointsExpiry), formatTime(a.CreatedAt), formatTime(a.CreatedAt))
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "referral_code") {
			return repository.ErrDuplicateCode
		}
		return domain.ErrAccountExists
	}
	return mapErr(err)
}

func (q *queries) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

// LockAccount is a plain read: the single connection already serializes
// writers.
func (q *queries) LockAccount(ctx context.Context, id string) (domain.Account, error) {
	return q.GetAccount(ctx, id)
}

func (q *queries) GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code))
}

func (q *queries) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := q.db.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + ?, updated_at = ?
		WHERE id = ? AND balance + ? >= 0
		RETURNING balance`, delta, formatTime(time.Now()), id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapErr(err)
	}

	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM accounts WHERE id = ?`, id).Scan(&n); err != nil {
		return 0, mapErr(err)
	}
	if n == 0 {
		return 0, domain.ErrNotFound
	}
	return 0, domain.ErrInsufficientBalance
}

func (q *queries) RecordVisit(ctx context.Context, arg repository.RecordVisitParams) error {
	var spent string
	err := q.db.QueryRowContext(ctx, `SELECT total_spent FROM accounts WHERE id = ?`, arg.AccountID).Scan(&spent)
	if err != nil {
		return mapErr(err)
	}
	total, err := decimal.NewFromString(spent)
	if err != nil {
		return fmt.Errorf("decode total_spent: %w", err)
	}
	products, err := encodeProducts(arg.FavoriteProducts)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET visit_count = visit_count + 1, total_spent = ?, last_visit = ?,
			favorite_products = ?, points_expiry = ?, updated_at = ?
		WHERE id = ?`,
		total.Add(arg.Spent).String(), formatTime(arg.At), products, formatTime(arg.PointsExpiry),
		formatTime(time.Now()), arg.AccountID)
	return affectedOrNotFound(res, err)
}

func (q *queries) SetPointsExpiry(ctx context.Context, id string, expiry time.Time) error {
	res, err := q.db.ExecContext(ctx, `UPDATE accounts SET points_expiry = ?, updated_at = ? WHERE id = ?`,
		formatTime(expiry), formatTime(time.Now()), id)
	return affectedOrNotFound(res, err)
}

func (q *queries) SetTier(ctx context.Context, id string, from, to domain.Tier) (bool, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE accounts SET tier = ?, updated_at = ? WHERE id = ? AND tier = ?`,
		string(to), formatTime(time.Now()), id, string(from))
	return affectedOne(res, err)
}

func (q *queries) SetScore(ctx context.Context, id string, score float64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE accounts SET score = ?, updated_at = ? WHERE id = ?`,
		score, formatTime(time.Now()), id)
	return affectedOrNotFound(res, err)
}

func (q *queries) SetFavoriteProducts(ctx context.Context, id string, products []string) error {
	encoded, err := encodeProducts(products)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `UPDATE accounts SET favorite_products = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(time.Now()), id)
	return affectedOrNotFound(res, err)
}

func (q *queries) ListExpiredAccounts(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE points_expiry IS NOT NULL AND points_expiry < ? AND balance > 0
		ORDER BY points_expiry
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (q *queries) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO point_transactions (id, account_id, type, amount, balance_before,
			balance_after, description, order_ref, reward_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, string(t.Type), t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.Description, t.OrderRef, t.RewardRef, formatTime(t.CreatedAt))
	return mapErr(err)
}

func (q *queries) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, balance_before, balance_after, description,
			order_ref, reward_ref, created_at
		FROM point_transactions
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                   domain.Transaction
			typ, createdAt      string
			orderRef, rewardRef sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &orderRef, &rewardRef, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		t.Type = domain.TransactionType(typ)
		t.OrderRef = nullString(orderRef)
		t.RewardRef = nullString(rewardRef)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func (q *queries) InsertTierChange(ctx context.Context, c domain.TierChange) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tier_changes (id, account_id, old_tier, new_tier, balance_at_change, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, string(c.OldTier), string(c.NewTier), c.BalanceAtChange, string(c.Reason),
		formatTime(c.CreatedAt))
	return mapErr(err)
}

func (q *queries) ListTierChanges(ctx context.Context, accountID string) ([]domain.TierChange, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, old_tier, new_tier, balance_at_change, reason, created_at
		FROM tier_changes WHERE account_id = ? ORDER BY created_at, rowid`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.TierChange
	for rows.Next() {
		var (
			c                                domain.TierChange
			oldTier, newTier, why, createdAt string
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &oldTier, &newTier, &c.BalanceAtChange, &why, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		c.OldTier, c.NewTier, c.Reason = domain.Tier(oldTier), domain.Tier(newTier), domain.ChangeReason(why)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

const rewardColumns = `id, name, description, points_cost, discount_type, discount_value, tier_required,
	max_uses_per_user, max_total_uses, total_redemptions, active, expiry_date, coupon_valid_days`

func scanReward(row scanner) (domain.Reward, error) {
	var (
		r                         domain.Reward
		discountType, value, tier string
		maxTotal                  sql.NullInt64
		expiry                    sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.PointsCost, &discountType, &value, &tier,
		&r.MaxUsesPerUser, &maxTotal, &r.TotalRedemptions, &r.Active, &expiry, &r.CouponValidDays)
	if err != nil {
		return domain.Reward{}, mapErr(err)
	}
	r.DiscountType = domain.DiscountType(discountType)
	r.TierRequired = domain.Tier(tier)
	if r.DiscountValue, err = decimal.NewFromString(value); err != nil {
		return domain.Reward{}, fmt.Errorf("decode discount_value: %w", err)
	}
	if maxTotal.Valid {
		n := int(maxTotal.Int64)
		r.MaxTotalUses = &n
	}
	if r.ExpiryDate, err = parseNullTime(expiry); err != nil {
		return domain.Reward{}, err
	}
	return r, nil
}

func (q *queries) UpsertReward(ctx context.Context, r domain.Reward) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO rewards (id, name, description, points_cost, discount_type, discount_value,
			tier_required, max_uses_per_user, max_total_uses, active, expiry_date, coupon_valid_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			points_cost = excluded.points_cost,
			discount_type = excluded.discount_type,
			discount_value = excluded.discount_value,
			tier_required = excluded.tier_required,
			max_uses_per_user = excluded.max_uses_per_user,
			max_total_uses = excluded.max_total_uses,
			active = excluded.active,
			expiry_date = excluded.expiry_date,
			coupon_valid_days = excluded.coupon_valid_days`,
		r.ID, r.Name, r.Description, r.PointsCost, string(r.DiscountType), r.DiscountValue.String(),
		string(r.TierRequired), r.MaxUsesPerUser, r.MaxTotalUses, r.Active, formatNullTime(r.ExpiryDate),
		r.CouponValidDays)
	return mapErr(err)
}

func (q *queries) GetReward(ctx context.Context, id string) (domain.Reward, error) {
	return scanReward(q.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id))
}

func (q *queries) ListRewards(ctx context.Context) ([]domain.Reward, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+rewardColumns+` FROM rewards ORDER BY points_cost, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (q *queries) IncrementRewardRedemptions(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE rewards SET total_redemptions = total_redemptions + 1
		WHERE id = ? AND (max_total_uses IS NULL OR total_redemptions < max_total_uses)`, id)
	return affectedOne(res, err)
}

const couponColumns = `id, code, account_id, reward_id, discount_type, discount_value, min_order_amount,
	max_uses, used_count, valid_from, valid_until, active, created_at`

func scanCoupon(row scanner) (domain.Coupon, error) {
	var (
		c                                domain.Coupon
		rewardID                         sql.NullString
		discountType, value, minOrder    string
		validFrom, validUntil, createdAt string
	)
	err := row.Scan(&c.ID, &c.Code, &c.AccountID, &rewardID, &discountType, &value, &minOrder,
		&c.MaxUses, &c.UsedCount, &validFrom, &validUntil, &c.Active, &createdAt)
	if err != nil {
		return domain.Coupon{}, mapErr(err)
	}
	c.RewardID = nullString(rewardID)
	c.DiscountType = domain.DiscountType(discountType)
	if c.DiscountValue, err = decimal.NewFromString(value); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode discount_value: %w", err)
	}
	if c.MinOrderAmount, err = decimal.NewFromString(minOrder); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode min_order_amount: %w", err)
	}
	if c.ValidFrom, err = parseTime(validFrom); err != nil {
		return domain.Coupon{}, err
	}
	if c.ValidUntil, err = parseTime(validUntil); err != nil {
		return domain.Coupon{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Coupon{}, err
	}
	return c, nil
}

func (q *queries) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO coupons (id, code, account_id, reward_id, discount_type, discount_value,
			min_order_amount, max_uses, used_count, valid_from, valid_until, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.AccountID, c.RewardID, string(c.DiscountType), c.DiscountValue.String(),
		c.MinOrderAmount.String(), c.MaxUses, c.UsedCount, formatTime(c.ValidFrom),
		formatTime(c.ValidUntil), c.Active, formatTime(c.CreatedAt))
	if isUniqueConstraintError(err) {
		return repository.ErrDuplicateCode
	}
	return mapErr(err)
}

func (q *queries) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	return scanCoupon(q.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = ?`, code))
}

func (q *queries) ListCouponsByAccount(ctx context.Context, accountID string) ([]domain.Coupon, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+couponColumns+` FROM coupons WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (q *queries) CountAccountRedemptions(ctx context.Context, accountID, rewardID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM coupons WHERE account_id = ? AND reward_id = ?`, accountID, rewardID).Scan(&n)
	return n, mapErr(err)
}

func (q *queries) IncrementCouponUse(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE coupons SET used_count = used_count + 1
		WHERE id = ? AND active = 1 AND used_count < max_uses`, id)
	return affectedOne(res, err)
}

func (q *queries) InsertReferral(ctx context.Context, r domain.Referral) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO referrals (referral_code, referrer_account_id, referred_account_id, status,
			bonus_points_given, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (referred_account_id) DO NOTHING`,
		r.ReferralCode, r.ReferrerAccountID, r.ReferredAccountID, string(r.Status), r.BonusPointsGiven,
		formatTime(r.CreatedAt))
	return affectedOne(res, err)
}

func (q *queries) GetReferralByReferred(ctx context.Context, referredID string) (domain.Referral, error) {
	var (
		r                 domain.Referral
		status, createdAt string
		completedAt       sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT referral_code, referrer_account_id, referred_account_id, status,
			bonus_points_given, created_at, completed_at
		FROM referrals WHERE referred_account_id = ?`, referredID).
		Scan(&r.ReferralCode, &r.ReferrerAccountID, &r.ReferredAccountID, &status,
			&r.BonusPointsGiven, &createdAt, &completedAt)
	if err != nil {
		return domain.Referral{}, mapErr(err)
	}
	r.Status = domain.ReferralStatus(status)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Referral{}, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return domain.Referral{}, err
	}
	return r, nil
}

func (q *queries) CompleteReferral(ctx context.Context, referredID string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE referrals SET status = 'completed', bonus_points_given = 1, completed_at = ?
		WHERE referred_account_id = ? AND status = 'pending'`, formatTime(at), referredID)
	return affectedOne(res, err)
}

func (q *queries) CountCompletedReferrals(ctx context.Context, referrerID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM referrals WHERE referrer_account_id = ? AND status = 'completed'`, referrerID).Scan(&n)
	return n, mapErr(err)
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func affectedOrNotFound(res sql.Result, err error) error {
	ok, err := affectedOne(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func encodeProducts(products []string) (string, error) {
	if products == nil {
		products = []string{}
	}
	b, err := json.Marshal(products)
	if err != nil {
		return "", fmt.Errorf("encode favorite_products: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
