package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ Querier = (*Queries)(nil)

const accountColumns = `id, balance, tier, score, join_date, last_visit, visit_count,
	total_spent::text, favorite_products, referral_code, referred_by, points_expiry,
	created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a            domain.Account
		tier, spent  string
		lastVisit    pgtype.Timestamptz
		referredBy   pgtype.Text
		pointsExpiry pgtype.Timestamptz
	)
	err := row.Scan(
		&a.ID, &a.Balance, &tier, &a.Score, &a.JoinDate, &lastVisit, &a.VisitCount,
		&spent, &a.FavoriteProducts, &a.ReferralCode, &referredBy, &pointsExpiry,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Account{}, mapErr(err)
	}
	a.Tier = domain.Tier(tier)
	a.TotalSpent, err = decimal.NewFromString(spent)
	if err != nil {
		return domain.Account{}, fmt.Errorf("decode total_spent: %w", err)
	}
	a.LastVisit = timePtr(lastVisit)
	a.ReferredBy = textPtr(referredBy)
	a.PointsExpiry = timePtr(pointsExpiry)
	if a.FavoriteProducts == nil {
		a.FavoriteProducts = []string{}
	}
	return a, nil
}

func (q *Queries) CreateAccount(ctx context.Context, a domain.Account) error {
	products := a.FavoriteProducts
	if products == nil {
		products = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (id, balance, tier, score, join_date, last_visit, visit_count,
			total_spent, favorite_products, referral_code, referred_by, points_expiry,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $13)`,
		a.ID, a.Balance, string(a.Tier), a.Score, a.JoinDate, a.LastVisit, a.VisitCount,
		a.TotalSpent.String(), products, a.ReferralCode, a.ReferredBy, a.PointsExpiry,
		a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "accounts_referral_code_key" {
				return ErrDuplicateCode
			}
			return domain.ErrAccountExists
		}
		return mapErr(err)
	}
	return nil
}

func (q *Queries) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (q *Queries) LockAccount(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code))
}

func (q *Queries) AddBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2, updated_at = now()
		WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance`, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapErr(err)
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, mapErr(err)
	}
	if !exists {
		return 0, domain.ErrNotFound
	}
	return 0, domain.ErrInsufficientBalance
}

func (q *Queries) RecordVisit(ctx context.Context, arg RecordVisitParams) error {
	products := arg.FavoriteProducts
	if products == nil {
		products = []string{}
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE accounts
		SET visit_count = visit_count + 1,
			total_spent = total_spent + $2::numeric,
			last_visit = $3,
			favorite_products = $4,
			points_expiry = $5,
			updated_at = now()
		WHERE id = $1`,
		arg.AccountID, arg.Spent.String(), arg.At, products, arg.PointsExpiry)
	return affectedOrNotFound(tag, err)
}

func (q *Queries) SetPointsExpiry(ctx context.Context, id string, expiry time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET points_expiry = $2, updated_at = now() WHERE id = $1`, id, expiry)
	return affectedOrNotFound(tag, err)
}

func (q *Queries) SetTier(ctx context.Context, id string, from, to domain.Tier) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE accounts SET tier = $3, updated_at = now()
		WHERE id = $1 AND tier = $2`, id, string(from), string(to))
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) SetScore(ctx context.Context, id string, score float64) error {
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET score = $2, updated_at = now() WHERE id = $1`, id, score)
	return affectedOrNotFound(tag, err)
}

func (q *Queries) SetFavoriteProducts(ctx context.Context, id string, products []string) error {
	if products == nil {
		products = []string{}
	}
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET favorite_products = $2, updated_at = now() WHERE id = $1`, id, products)
	return affectedOrNotFound(tag, err)
}

func (q *Queries) ListExpiredAccounts(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE points_expiry < $1 AND balance > 0
		ORDER BY points_expiry
		LIMIT $2`, now, limit)
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

func (q *Queries) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO point_transactions (id, account_id, type, amount, balance_before,
			balance_after, description, order_ref, reward_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.AccountID, string(t.Type), t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.Description, t.OrderRef, t.RewardRef, t.CreatedAt)
	return mapErr(err)
}

func (q *Queries) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, account_id, type, amount, balance_before, balance_after, description,
			order_ref, reward_ref, created_at
		FROM point_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, seq DESC
		OFFSET $2 LIMIT $3`, accountID, offset, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                   domain.Transaction
			typ                 string
			orderRef, rewardRef pgtype.Text
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &orderRef, &rewardRef, &t.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		t.Type = domain.TransactionType(typ)
		t.OrderRef = textPtr(orderRef)
		t.RewardRef = textPtr(rewardRef)
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func (q *Queries) InsertTierChange(ctx context.Context, c domain.TierChange) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tier_changes (id, account_id, old_tier, new_tier, balance_at_change, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AccountID, string(c.OldTier), string(c.NewTier), c.BalanceAtChange, string(c.Reason), c.CreatedAt)
	return mapErr(err)
}

func (q *Queries) ListTierChanges(ctx context.Context, accountID string) ([]domain.TierChange, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, account_id, old_tier, new_tier, balance_at_change, reason, created_at
		FROM tier_changes WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.TierChange
	for rows.Next() {
		var (
			c                     domain.TierChange
			oldTier, newTier, why string
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &oldTier, &newTier, &c.BalanceAtChange, &why, &c.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		c.OldTier, c.NewTier, c.Reason = domain.Tier(oldTier), domain.Tier(newTier), domain.ChangeReason(why)
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

const rewardColumns = `id, name, description, points_cost, discount_type, discount_value::text,
	tier_required, max_uses_per_user, max_total_uses, total_redemptions, active, expiry_date,
	coupon_valid_days`

func scanReward(row pgx.Row) (domain.Reward, error) {
	var (
		r                         domain.Reward
		discountType, value, tier string
		maxTotal                  pgtype.Int4
		expiry                    pgtype.Timestamptz
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.PointsCost, &discountType, &value,
		&tier, &r.MaxUsesPerUser, &maxTotal, &r.TotalRedemptions, &r.Active, &expiry, &r.CouponValidDays)
	if err != nil {
		return domain.Reward{}, mapErr(err)
	}
	r.DiscountType = domain.DiscountType(discountType)
	r.TierRequired = domain.Tier(tier)
	r.DiscountValue, err = decimal.NewFromString(value)
	if err != nil {
		return domain.Reward{}, fmt.Errorf("decode discount_value: %w", err)
	}
	if maxTotal.Valid {
		n := int(maxTotal.Int32)
		r.MaxTotalUses = &n
	}
	r.ExpiryDate = timePtr(expiry)
	return r, nil
}

// UpsertReward refreshes catalog fields but never resets total_redemptions.
func (q *Queries) UpsertReward(ctx context.Context, r domain.Reward) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO rewards (id, name, description, points_cost, discount_type, discount_value,
			tier_required, max_uses_per_user, max_total_uses, active, expiry_date, coupon_valid_days)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			points_cost = EXCLUDED.points_cost,
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			tier_required = EXCLUDED.tier_required,
			max_uses_per_user = EXCLUDED.max_uses_per_user,
			max_total_uses = EXCLUDED.max_total_uses,
			active = EXCLUDED.active,
			expiry_date = EXCLUDED.expiry_date,
			coupon_valid_days = EXCLUDED.coupon_valid_days`,
		r.ID, r.Name, r.Description, r.PointsCost, string(r.DiscountType), r.DiscountValue.String(),
		string(r.TierRequired), r.MaxUsesPerUser, r.MaxTotalUses, r.Active, r.ExpiryDate, r.CouponValidDays)
	return mapErr(err)
}

func (q *Queries) GetReward(ctx context.Context, id string) (domain.Reward, error) {
	return scanReward(q.db.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id))
}

func (q *Queries) ListRewards(ctx context.Context) ([]domain.Reward, error) {
	rows, err := q.db.Query(ctx, `SELECT `+rewardColumns+` FROM rewards ORDER BY points_cost, id`)
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

func (q *Queries) IncrementRewardRedemptions(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rewards SET total_redemptions = total_redemptions + 1
		WHERE id = $1 AND (max_total_uses IS NULL OR total_redemptions < max_total_uses)`, id)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

const couponColumns = `id, code, account_id, reward_id, discount_type, discount_value::text,
	min_order_amount::text, max_uses, used_count, valid_from, valid_until, active, created_at`

func scanCoupon(row pgx.Row) (domain.Coupon, error) {
	var (
		c                          domain.Coupon
		rewardID                   pgtype.Text
		discountType, value, floor string
	)
	err := row.Scan(&c.ID, &c.Code, &c.AccountID, &rewardID, &discountType, &value, &floor,
		&c.MaxUses, &c.UsedCount, &c.ValidFrom, &c.ValidUntil, &c.Active, &c.CreatedAt)
	if err != nil {
		return domain.Coupon{}, mapErr(err)
	}
	c.RewardID = textPtr(rewardID)
	c.DiscountType = domain.DiscountType(discountType)
	if c.DiscountValue, err = decimal.NewFromString(value); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode discount_value: %w", err)
	}
	if c.MinOrderAmount, err = decimal.NewFromString(floor); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode min_order_amount: %w", err)
	}
	return c, nil
}

func (q *Queries) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO coupons (id, code, account_id, reward_id, discount_type, discount_value,
			min_order_amount, max_uses, used_count, valid_from, valid_until, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.Code, c.AccountID, c.RewardID, string(c.DiscountType), c.DiscountValue.String(),
		c.MinOrderAmount.String(), c.MaxUses, c.UsedCount, c.ValidFrom, c.ValidUntil, c.Active, c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCode
		}
		return mapErr(err)
	}
	return nil
}

func (q *Queries) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	return scanCoupon(q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
}

func (q *Queries) ListCouponsByAccount(ctx context.Context, accountID string) ([]domain.Coupon, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+couponColumns+` FROM coupons WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
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

func (q *Queries) CountAccountRedemptions(ctx context.Context, accountID, rewardID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM coupons WHERE account_id = $1 AND reward_id = $2`, accountID, rewardID).Scan(&n)
	return n, mapErr(err)
}

func (q *Queries) IncrementCouponUse(ctx context.Context, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE coupons SET used_count = used_count + 1
		WHERE id = $1 AND active AND used_count < max_uses`, id)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) InsertReferral(ctx context.Context, r domain.Referral) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO referrals (referral_code, referrer_account_id, referred_account_id, status,
			bonus_points_given, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (referred_account_id) DO NOTHING`,
		r.ReferralCode, r.ReferrerAccountID, r.ReferredAccountID, string(r.Status), r.BonusPointsGiven, r.CreatedAt)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) GetReferralByReferred(ctx context.Context, referredID string) (domain.Referral, error) {
	var (
		r         domain.Referral
		status    string
		completed pgtype.Timestamptz
	)
	err := q.db.QueryRow(ctx, `
		SELECT referral_code, referrer_account_id, referred_account_id, status,
			bonus_points_given, created_at, completed_at
		FROM referrals WHERE referred_account_id = $1`, referredID).
		Scan(&r.ReferralCode, &r.ReferrerAccountID, &r.ReferredAccountID, &status,
			&r.BonusPointsGiven, &r.CreatedAt, &completed)
	if err != nil {
		return domain.Referral{}, mapErr(err)
	}
	r.Status = domain.ReferralStatus(status)
	r.CompletedAt = timePtr(completed)
	return r, nil
}

func (q *Queries) CompleteReferral(ctx context.Context, referredID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE referrals SET status = 'completed', bonus_points_given = TRUE, completed_at = $2
		WHERE referred_account_id = $1 AND status = 'pending'`, referredID, at)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) CountCompletedReferrals(ctx context.Context, referrerID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM referrals WHERE referrer_account_id = $1 AND status = 'completed'`, referrerID).Scan(&n)
	return n, mapErr(err)
}

func affectedOrNotFound(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// mapErr folds driver errors into the domain sentinels the services check.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}
