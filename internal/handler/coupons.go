package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/grocery-console/internal/model"
)

type couponRequest struct {
	Code          string    `json:"code"`
	DiscountType  string    `json:"discountType"`
	DiscountValue string    `json:"discountValue"`
	MinOrderValue string    `json:"minOrderValue"`
	MaxDiscount   *string   `json:"maxDiscount"`
	UsageLimit    *int64    `json:"usageLimit"`
	ValidFrom     time.Time `json:"validFrom"`
	ValidUntil    time.Time `json:"validUntil"`
	IsActive      bool      `json:"isActive"`
}

type couponResponse struct {
	Code          string    `json:"code"`
	DiscountType  string    `json:"discountType"`
	DiscountValue string    `json:"discountValue"`
	MinOrderValue string    `json:"minOrderValue"`
	MaxDiscount   *string   `json:"maxDiscount,omitempty"`
	UsageLimit    *int64    `json:"usageLimit,omitempty"`
	UsedCount     int64     `json:"usedCount"`
	ValidFrom     time.Time `json:"validFrom"`
	ValidUntil    time.Time `json:"validUntil"`
	IsActive      bool      `json:"isActive"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// parseDiscountValue разбирает величину скидки: целые проценты или сумму в валюте.
func (h *Handler) parseDiscountValue(t model.DiscountType, s string) (int64, error) {
	if t != model.DiscountTypePercentage {
		return h.money.parse(s)
	}

	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return 0, fmt.Errorf("%w: percentage must be a whole number, got %q", model.ErrValidation, s)
	}
	return d.IntPart(), nil
}

func (h *Handler) formatDiscountValue(c *model.Coupon) string {
	if c.DiscountType == model.DiscountTypePercentage {
		return strconv.FormatInt(c.DiscountValue, 10)
	}
	return h.money.format(c.DiscountValue)
}

func (h *Handler) toCoupon(req couponRequest) (*model.Coupon, error) {
	c := &model.Coupon{
		Code:         req.Code,
		DiscountType: model.DiscountType(req.DiscountType),
		UsageLimit:   req.UsageLimit,
		ValidFrom:    req.ValidFrom,
		ValidUntil:   req.ValidUntil,
		IsActive:     req.IsActive,
	}

	var err error
	if c.DiscountValue, err = h.parseDiscountValue(c.DiscountType, req.DiscountValue); err != nil {
		return nil, err
	}
	if c.MinOrderValue, err = h.money.parseOptional(req.MinOrderValue); err != nil {
		return nil, err
	}
	if c.MaxDiscount, err = h.money.parsePtr(req.MaxDiscount); err != nil {
		return nil, err
	}

	return c, nil
}

func (h *Handler) couponResponse(c *model.Coupon) couponResponse {
	return couponResponse{
		Code:          c.Code,
		DiscountType:  string(c.DiscountType),
		DiscountValue: h.formatDiscountValue(c),
		MinOrderValue: h.money.format(c.MinOrderValue),
		MaxDiscount:   h.money.formatPtr(c.MaxDiscount),
		UsageLimit:    c.UsageLimit,
		UsedCount:     c.UsedCount,
		ValidFrom:     c.ValidFrom,
		ValidUntil:    c.ValidUntil,
		IsActive:      c.IsActive,
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// CreateCoupon создаёт купон.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.toCoupon(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.service.CreateCoupon(r.Context(), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, h.couponResponse(created))
}

// GetCoupon возвращает купон по коду.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCoupon(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.couponResponse(c))
}

// UpdateCoupon перезаписывает условия купона. Код берётся из пути.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	terms, err := h.toCoupon(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.UpdateCoupon(r.Context(), chi.URLParam(r, "code"), *terms)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.couponResponse(c))
}

type couponCheckRequest struct {
	Subtotal *string `json:"subtotal"`
}

type couponValidationResponse struct {
	Valid          bool   `json:"valid"`
	DiscountAmount string `json:"discountAmount"`
	Reason         string `json:"reason,omitempty"`
}

func (h *Handler) validationResponse(v model.CouponValidation) couponValidationResponse {
	return couponValidationResponse{
		Valid:          v.Valid,
		DiscountAmount: h.money.format(v.DiscountAmount),
		Reason:         string(v.Reason),
	}
}

// ValidateCoupon проверяет купон для суммы заказа. Отказ возвращается с кодом 200 и причиной.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponCheckRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Subtotal == nil {
		h.writeError(w, r, fmt.Errorf("%w: subtotal is required", model.ErrValidation))
		return
	}

	subtotal, err := h.money.parse(*req.Subtotal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.service.ValidateCoupon(r.Context(), chi.URLParam(r, "code"), subtotal, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.validationResponse(v))
}

// RedeemCoupon погашает купон. С суммой заказа в теле перед погашением повторяются все проверки
// и возвращается зафиксированная скидка; без неё проверяется только лимит использований.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponCheckRequest
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	code := chi.URLParam(r, "code")

	if req.Subtotal == nil {
		c, err := h.service.RedeemCoupon(r.Context(), code)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.couponResponse(c))
		return
	}

	subtotal, err := h.money.parse(*req.Subtotal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.service.RedeemCouponForOrder(r.Context(), code, subtotal, time.Time{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.validationResponse(v))
}
