package model

import (
	"fmt"
	"time"
)

// LedgerAction описывает операцию над балансом счёта.
type LedgerAction string

const (
	LedgerActionAdd    LedgerAction = "add"
	LedgerActionDeduct LedgerAction = "deduct"
	LedgerActionSet    LedgerAction = "set"
)

// ToLedgerAction преобразует строку в операцию реестра.
func ToLedgerAction(s string) (LedgerAction, error) {
	switch a := LedgerAction(s); a {
	case LedgerActionAdd, LedgerActionDeduct, LedgerActionSet:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown ledger action %q", ErrValidation, s)
}

// OwnerType описывает владельца счёта начислений.
type OwnerType string

const (
	OwnerTypeDeliveryPartner OwnerType = "delivery_partner"
	OwnerTypeVendor          OwnerType = "vendor"
)

// EarningsAccount описывает счёт начислений курьера или продавца.
type EarningsAccount struct {
	ID        string
	OwnerType OwnerType
	Balance   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry описывает неизменяемую запись реестра начислений.
type LedgerEntry struct {
	ID             string
	AccountID      string
	Action         LedgerAction
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	Reason         string
	Actor          string
	IdempotencyKey string
	CreatedAt      time.Time
}

// EarningsSummary содержит баланс счёта и производные суммы начислений за периоды.
type EarningsSummary struct {
	AccountID string
	Total     int64
	Held      int64
	Available int64
	Today     int64
	Week      int64
	Month     int64
}

// WithdrawalStatus описывает статус запроса на вывод средств.
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
)

// IsTerminal сообщает, что запрос завершён.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusCompleted || s == WithdrawalStatusRejected
}

// HoldsFunds сообщает, что запрос в этом статусе удерживает сумму.
func (s WithdrawalStatus) HoldsFunds() bool {
	return s == WithdrawalStatusPending || s == WithdrawalStatusProcessing
}

// WithdrawalRequest описывает запрос на вывод средств со счёта начислений.
// BalanceAfter заполнен тогда и только тогда, когда запрос завершён.
type WithdrawalRequest struct {
	ID                   string
	AccountID            string
	Amount               int64
	Status               WithdrawalStatus
	BalanceBefore        int64
	BalanceAfter         *int64
	AdminNotes           string
	RejectionReason      string
	TransactionReference string
	LedgerEntryID        string
	ResolvedBy           string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IdempotencyKey возвращает ключ записи реестра для списания по запросу.
func (w *WithdrawalRequest) IdempotencyKey() string {
	return "withdrawal:" + w.ID
}
