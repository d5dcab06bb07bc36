// Package handler содержит HTTP API операторской консоли.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/mmeshcher/grocery-console/internal/middleware"
	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/service"
)

// Service описывает операции ядра, доступные через HTTP.
type Service interface {
	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	TransitionOrderStatus(ctx context.Context, orderID string, target model.OrderStatus) (*model.Order, error)
	AssignDeliveryPartner(ctx context.Context, orderID, partnerID string) (*model.Order, error)

	CreateCoupon(ctx context.Context, c *model.Coupon) (*model.Coupon, error)
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	UpdateCoupon(ctx context.Context, code string, terms model.Coupon) (*model.Coupon, error)
	ValidateCoupon(ctx context.Context, code string, subtotal int64, now time.Time) (model.CouponValidation, error)
	RedeemCoupon(ctx context.Context, code string) (*model.Coupon, error)
	RedeemCouponForOrder(ctx context.Context, code string, subtotal int64, now time.Time) (model.CouponValidation, error)

	ApplyEarnings(ctx context.Context, req service.ApplyRequest) (service.ApplyResult, error)
	GetEarnings(ctx context.Context, accountID string) (model.EarningsSummary, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)

	RequestWithdrawal(ctx context.Context, accountID string, amount int64) (*model.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, accountID string) ([]model.WithdrawalRequest, error)
	MarkWithdrawalProcessing(ctx context.Context, id, notes string) (*model.WithdrawalRequest, error)
	CompleteWithdrawal(ctx context.Context, id, transactionReference, notes string) (*model.WithdrawalRequest, error)
	RejectWithdrawal(ctx context.Context, id, reason, notes string) (*model.WithdrawalRequest, error)
}

// Handler обрабатывает HTTP-запросы консоли.
type Handler struct {
	service Service
	logger  *zap.Logger
	auth    *middleware.OperatorAuth
	money   moneyCodec
}

// NewHandler создаёт обработчик. Суммы в запросах и ответах выражены в валюте unit.
func NewHandler(service Service, logger *zap.Logger, auth *middleware.OperatorAuth, unit currency.Unit) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
		auth:    auth,
		money:   newMoneyCodec(unit),
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Entity    string `json:"entity,omitempty"`
	EntityID  string `json:"entityId,omitempty"`
	State     string `json:"state,omitempty"`
	Action    string `json:"action,omitempty"`
	Retryable bool   `json:"retryable"`
}

func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrInvalidTransition, model.ErrUsageLimitExceeded, model.ErrConcurrencyConflict:
		return http.StatusConflict
	case model.ErrInsufficientBalance:
		return http.StatusPaymentRequired
	case model.ErrExpiredOrInactive:
		return http.StatusUnprocessableEntity
	case model.ErrPersistenceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError отвечает ошибкой операции. Внутренние ошибки не раскрываются клиенту.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)

	resp := errorResponse{
		Error:     err.Error(),
		Kind:      model.KindName(err),
		Retryable: model.IsRetryable(err),
	}

	var opErr *model.OperationError
	if errors.As(err, &opErr) {
		resp.Entity = string(opErr.Entity)
		resp.EntityID = opErr.EntityID
		resp.State = opErr.State
		resp.Action = opErr.Action
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI))
		resp.Error = http.StatusText(code)
	}

	if resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}

	h.writeJSON(w, code, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

// decode читает JSON-тело запроса. Неизвестные поля отклоняются.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode request: %v", model.ErrValidation, err)
	}
	return nil
}

// decodeOptional читает JSON-тело, если оно есть. Пустое тело оставляет v без изменений.
func decodeOptional(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode request: %v", model.ErrValidation, err)
	}
	return nil
}

// Healthz сообщает, что процесс принимает запросы.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
