package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/shopspring/decimal"
)

// CouponService settles issued coupons against orders.
type CouponService struct {
	store repository.Store
	now   func() time.Time
}

func NewCouponService(store repository.Store, now func() time.Time) *CouponService {
	if now == nil {
		now = time.Now
	}
	return &CouponService{store: store, now: now}
}

// UseCoupon consumes one use of code for an order of orderAmount. The use
// count only ever grows and never passes max_uses.
func (s *CouponService) UseCoupon(ctx context.Context, code string, orderAmount decimal.Decimal) (domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || orderAmount.IsNegative() {
		return domain.Coupon{}, domain.ErrInvalidInput
	}

	var used domain.Coupon
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		coupon, err := q.GetCouponByCode(ctx, code)
		if err != nil {
			return err
		}
		if !coupon.UsableAt(s.now(), orderAmount) {
			return domain.ErrCouponNotUsable
		}

		ok, err := q.IncrementCouponUse(ctx, coupon.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrCouponNotUsable
		}

		coupon.UsedCount++
		used = coupon
		return nil
	})
	if err != nil {
		return domain.Coupon{}, &domain.OpError{Op: "coupon.use", Reason: code, Err: err}
	}
	return used, nil
}

func (s *CouponService) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	coupon, err := s.store.GetCouponByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return domain.Coupon{}, &domain.OpError{Op: "coupon.get", Reason: code, Err: err}
	}
	return coupon, nil
}

func (s *CouponService) ListCoupons(ctx context.Context, accountID string) ([]domain.Coupon, error) {
	coupons, err := s.store.ListCouponsByAccount(ctx, accountID)
	if err != nil {
		return nil, domain.Wrap("coupon.list", accountID, err)
	}
	if coupons == nil {
		coupons = []domain.Coupon{}
	}
	return coupons, nil
}
