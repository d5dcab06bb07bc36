package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/metrics"
	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/validation"
)

// CouponEngine проверяет и погашает купоны.
type CouponEngine struct {
	base
	repo CouponRepository
}

type redemption struct {
	UsedCount      int64  `json:"usedCount"`
	Subtotal       *int64 `json:"subtotal,omitempty"`
	DiscountAmount *int64 `json:"discountAmount,omitempty"`
}

// ValidateCoupon проверяет купон для суммы заказа на момент now. Отказ возвращается
// причиной в результате, а не ошибкой. Нулевой now означает текущее время.
func (e *CouponEngine) ValidateCoupon(ctx context.Context, code string, subtotal int64, now time.Time) (model.CouponValidation, error) {
	code = validation.NormalizeCouponCode(code)

	if subtotal < 0 {
		return model.CouponValidation{}, invalid(model.EntityCoupon, code, "validate", "subtotal must not be negative")
	}
	if now.IsZero() {
		now = e.now()
	}
	if !validation.IsValidCouponCode(code) {
		return model.CouponValidation{Reason: model.ReasonNotFound}, nil
	}

	c, err := e.repo.GetCoupon(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.CouponValidation{Reason: model.ReasonNotFound}, nil
		}
		return model.CouponValidation{}, wrap(err, model.EntityCoupon, code, "", "validate")
	}

	return evaluateCoupon(c, subtotal, now), nil
}

// evaluateCoupon применяет проверки по порядку: активность, срок, минимальная сумма, лимит.
func evaluateCoupon(c *model.Coupon, subtotal int64, now time.Time) model.CouponValidation {
	switch {
	case !c.IsActive:
		return model.CouponValidation{Reason: model.ReasonInactive}
	case now.Before(c.ValidFrom) || now.After(c.ValidUntil):
		return model.CouponValidation{Reason: model.ReasonExpired}
	case subtotal < c.MinOrderValue:
		return model.CouponValidation{Reason: model.ReasonMinOrderNotMet}
	case !c.HasUsageLeft():
		return model.CouponValidation{Reason: model.ReasonUsageLimitReached}
	}

	return model.CouponValidation{Valid: true, DiscountAmount: Discount(c, subtotal)}
}

// Discount считает скидку купона для суммы заказа. Процентная скидка округляется вниз;
// фиксированная не превышает суммы заказа; maxDiscount ограничивает обе.
func Discount(c *model.Coupon, subtotal int64) int64 {
	var d int64
	switch c.DiscountType {
	case model.DiscountTypePercentage:
		d = subtotal * c.DiscountValue / 100
	case model.DiscountTypeFixed:
		d = min(c.DiscountValue, subtotal)
	}
	if c.MaxDiscount != nil {
		d = min(d, *c.MaxDiscount)
	}
	return max(d, 0)
}

// RedeemCoupon атомарно проверяет лимит и увеличивает счётчик использований на единицу.
func (e *CouponEngine) RedeemCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	const action = "redeem"
	code = validation.NormalizeCouponCode(code)

	c, err := e.repo.UpdateCoupon(ctx, code, func(c *model.Coupon) error {
		if !c.HasUsageLeft() {
			return model.Fail(model.ErrUsageLimitExceeded, model.EntityCoupon, c.Code, usageState(c), action, nil)
		}
		c.UsedCount++
		c.UpdatedAt = e.now()
		return nil
	})
	e.metrics.CouponRedemptions.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return nil, wrap(err, model.EntityCoupon, code, "", action)
	}

	e.logger.Info("Coupon redeemed",
		zap.String("code", c.Code),
		zap.Int64("used_count", c.UsedCount),
		zap.String("actor", model.ActorFromContext(ctx)))
	e.publish(ctx, events.CouponRedeemed, c.Code, redemption{UsedCount: c.UsedCount})

	return c, nil
}

// RedeemCouponForOrder повторяет все проверки для суммы заказа и погашает купон
// одной операцией под блокировкой купона. Возвращает зафиксированную скидку.
func (e *CouponEngine) RedeemCouponForOrder(ctx context.Context, code string, subtotal int64, now time.Time) (model.CouponValidation, error) {
	const action = "redeem for order"
	code = validation.NormalizeCouponCode(code)

	if subtotal < 0 {
		return model.CouponValidation{}, invalid(model.EntityCoupon, code, action, "subtotal must not be negative")
	}
	if now.IsZero() {
		now = e.now()
	}

	var result model.CouponValidation

	c, err := e.repo.UpdateCoupon(ctx, code, func(c *model.Coupon) error {
		result = evaluateCoupon(c, subtotal, now)
		if !result.Valid {
			return model.Fail(rejectionKind(result.Reason), model.EntityCoupon, c.Code, usageState(c), action,
				fmt.Errorf("coupon rejected: %s", result.Reason))
		}
		c.UsedCount++
		c.UpdatedAt = e.now()
		return nil
	})
	e.metrics.CouponRedemptions.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return model.CouponValidation{}, wrap(err, model.EntityCoupon, code, "", action)
	}

	e.logger.Info("Coupon redeemed for order",
		zap.String("code", c.Code),
		zap.Int64("subtotal", subtotal),
		zap.Int64("discount", result.DiscountAmount),
		zap.String("actor", model.ActorFromContext(ctx)))
	e.publish(ctx, events.CouponRedeemed, c.Code, redemption{
		UsedCount:      c.UsedCount,
		Subtotal:       &subtotal,
		DiscountAmount: &result.DiscountAmount,
	})

	return result, nil
}

func rejectionKind(reason model.ValidationReason) error {
	switch reason {
	case model.ReasonInactive, model.ReasonExpired:
		return model.ErrExpiredOrInactive
	case model.ReasonUsageLimitReached:
		return model.ErrUsageLimitExceeded
	case model.ReasonNotFound:
		return model.ErrNotFound
	}
	return model.ErrValidation
}

func usageState(c *model.Coupon) string {
	if c.UsageLimit == nil {
		return fmt.Sprintf("used=%d", c.UsedCount)
	}
	return fmt.Sprintf("used=%d/%d", c.UsedCount, *c.UsageLimit)
}

// GetCoupon возвращает купон.
func (e *CouponEngine) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	code = validation.NormalizeCouponCode(code)

	c, err := e.repo.GetCoupon(ctx, code)
	if err != nil {
		return nil, wrap(err, model.EntityCoupon, code, "", "get")
	}
	return c, nil
}

// CreateCoupon создаёт купон. Счётчик использований всегда начинается с нуля.
func (e *CouponEngine) CreateCoupon(ctx context.Context, c *model.Coupon) (*model.Coupon, error) {
	const action = "create"
	c.Code = validation.NormalizeCouponCode(c.Code)

	if !validation.IsValidCouponCode(c.Code) {
		return nil, invalid(model.EntityCoupon, c.Code, action, "invalid coupon code %q", c.Code)
	}
	if err := validateCouponTerms(c); err != nil {
		return nil, model.Fail(model.ErrValidation, model.EntityCoupon, c.Code, "", action, err)
	}

	now := e.now()
	c.UsedCount = 0
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := e.repo.CreateCoupon(ctx, c); err != nil {
		return nil, wrap(err, model.EntityCoupon, c.Code, "", action)
	}

	e.logger.Info("Coupon created",
		zap.String("code", c.Code),
		zap.String("actor", model.ActorFromContext(ctx)))

	return c, nil
}

// UpdateCoupon перезаписывает условия купона. Счётчик использований не меняется,
// а лимит нельзя опустить ниже уже сделанных использований.
func (e *CouponEngine) UpdateCoupon(ctx context.Context, code string, terms model.Coupon) (*model.Coupon, error) {
	const action = "update"
	code = validation.NormalizeCouponCode(code)

	if err := validateCouponTerms(&terms); err != nil {
		return nil, model.Fail(model.ErrValidation, model.EntityCoupon, code, "", action, err)
	}

	c, err := e.repo.UpdateCoupon(ctx, code, func(c *model.Coupon) error {
		if terms.UsageLimit != nil && *terms.UsageLimit < c.UsedCount {
			return model.Fail(model.ErrValidation, model.EntityCoupon, c.Code, usageState(c), action,
				errors.New("usage limit below used count"))
		}
		c.DiscountType = terms.DiscountType
		c.DiscountValue = terms.DiscountValue
		c.MinOrderValue = terms.MinOrderValue
		c.MaxDiscount = terms.MaxDiscount
		c.UsageLimit = terms.UsageLimit
		c.ValidFrom = terms.ValidFrom
		c.ValidUntil = terms.ValidUntil
		c.IsActive = terms.IsActive
		c.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityCoupon, code, "", action)
	}

	e.logger.Info("Coupon updated",
		zap.String("code", c.Code),
		zap.Bool("active", c.IsActive),
		zap.String("actor", model.ActorFromContext(ctx)))

	return c, nil
}

func validateCouponTerms(c *model.Coupon) error {
	switch c.DiscountType {
	case model.DiscountTypePercentage:
		if c.DiscountValue <= 0 || c.DiscountValue > 100 {
			return errors.New("percentage discount must be within 1..100")
		}
	case model.DiscountTypeFixed:
		if c.DiscountValue <= 0 {
			return errors.New("fixed discount must be positive")
		}
	default:
		return fmt.Errorf("unknown discount type %q", c.DiscountType)
	}

	switch {
	case c.MinOrderValue < 0:
		return errors.New("min order value must not be negative")
	case c.MaxDiscount != nil && *c.MaxDiscount < 0:
		return errors.New("max discount must not be negative")
	case c.UsageLimit != nil && *c.UsageLimit < 0:
		return errors.New("usage limit must not be negative")
	case c.ValidFrom.IsZero() || c.ValidUntil.IsZero():
		return errors.New("validity window is required")
	case c.ValidFrom.After(c.ValidUntil):
		return errors.New("valid from is after valid until")
	}

	return nil
}
