package model

import (
	"errors"
	"fmt"
)

// Виды ошибок ядра. Конкретная ошибка проверяется через errors.Is.
var (
	// ErrValidation: некорректные входные данные.
	ErrValidation = errors.New("validation error")
	// ErrNotFound: сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: нарушено правило конечного автомата.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInsufficientBalance: на счёте недостаточно средств.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUsageLimitExceeded: лимит использований купона исчерпан.
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")
	// ErrExpiredOrInactive: купон неактивен или вне срока действия.
	ErrExpiredOrInactive = errors.New("expired or inactive")
	// ErrConcurrencyConflict: проиграна гонка за сериализованное изменение. Можно повторить.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrPersistenceUnavailable: хранилище временно недоступно. Можно повторить.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrInvalidTransition,
	ErrInsufficientBalance,
	ErrUsageLimitExceeded,
	ErrExpiredOrInactive,
	ErrConcurrencyConflict,
	ErrPersistenceUnavailable,
}

// Entity задаёт тип сущности в ошибке операции.
type Entity string

const (
	EntityOrder      Entity = "order"
	EntityCoupon     Entity = "coupon"
	EntityAccount    Entity = "account"
	EntityWithdrawal Entity = "withdrawal"
)

// OperationError несёт контекст неудачной операции для журнала аудита:
// сущность, её текущее состояние и попытку действия.
type OperationError struct {
	Kind     error
	Entity   Entity
	EntityID string
	State    string
	Action   string
	Err      error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s %s %q", e.Action, e.Entity, e.EntityID)
	if e.State != "" {
		msg += " in state " + e.State
	}
	switch {
	case e.Err != nil:
		return msg + ": " + e.Err.Error()
	case e.Kind != nil:
		return msg + ": " + e.Kind.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf возвращает вид ошибки или nil, если ошибка не относится к таксономии ядра.
func KindOf(err error) error {
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Kind != nil {
		return opErr.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var kindNames = map[error]string{
	ErrValidation:             "validation",
	ErrNotFound:               "not_found",
	ErrInvalidTransition:      "invalid_transition",
	ErrInsufficientBalance:    "insufficient_balance",
	ErrUsageLimitExceeded:     "usage_limit_exceeded",
	ErrExpiredOrInactive:      "expired_or_inactive",
	ErrConcurrencyConflict:    "concurrency_conflict",
	ErrPersistenceUnavailable: "persistence_unavailable",
}

// KindName возвращает короткое имя вида ошибки для ответов API и меток метрик.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	if name, ok := kindNames[KindOf(err)]; ok {
		return name
	}
	return "internal"
}

// IsRetryable сообщает, может ли вызывающий повторить операцию без изменения входных данных.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistenceUnavailable)
}

// Fail строит ошибку операции. Если cause уже несёт вид из таксономии, он сохраняется.
func Fail(kind error, entity Entity, id, state, action string, cause error) *OperationError {
	if k := KindOf(cause); k != nil {
		kind = k
	}
	return &OperationError{
		Kind:     kind,
		Entity:   entity,
		EntityID: id,
		State:    state,
		Action:   action,
		Err:      cause,
	}
}
