package model

import "time"

// DiscountType описывает вид скидки купона.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Coupon описывает купон. DiscountValue задаётся в целых процентах для процентной скидки
// и в минимальных единицах валюты для фиксированной.
type Coupon struct {
	Code          string
	DiscountType  DiscountType
	DiscountValue int64
	MinOrderValue int64
	MaxDiscount   *int64
	UsageLimit    *int64
	UsedCount     int64
	ValidFrom     time.Time
	ValidUntil    time.Time
	IsActive      bool
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasUsageLeft сообщает, остались ли использования купона.
func (c *Coupon) HasUsageLeft() bool {
	return c.UsageLimit == nil || c.UsedCount < *c.UsageLimit
}

// ValidationReason описывает причину отказа в применении купона.
type ValidationReason string

const (
	ReasonNone              ValidationReason = ""
	ReasonNotFound          ValidationReason = "not_found"
	ReasonInactive          ValidationReason = "inactive"
	ReasonExpired           ValidationReason = "expired"
	ReasonMinOrderNotMet    ValidationReason = "min_order_not_met"
	ReasonUsageLimitReached ValidationReason = "usage_limit_reached"
)

// CouponValidation содержит результат проверки купона для суммы заказа.
type CouponValidation struct {
	Valid          bool
	DiscountAmount int64
	Reason         ValidationReason
}
