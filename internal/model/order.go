// Package model содержит доменные сущности операторской консоли и правила их состояний.
package model

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

// при добавлении статуса обновите orderFlow или IsTerminal
const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// orderFlow задаёт допустимый порядок статусов без отмены.
var orderFlow = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
}

// ToOrderStatus преобразует строку в статус заказа.
func ToOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if status == OrderStatusCancelled || lo.Contains(orderFlow, status) {
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, s)
}

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Rank возвращает позицию статуса в прямой последовательности или -1 для отмены.
func (s OrderStatus) Rank() int {
	return lo.IndexOf(orderFlow, s)
}

// Next возвращает непосредственного преемника статуса.
func (s OrderStatus) Next() (OrderStatus, bool) {
	i := s.Rank()
	if i < 0 || i+1 >= len(orderFlow) {
		return "", false
	}
	return orderFlow[i+1], true
}

// CanTransition проверяет переход без пропуска шагов; отмена допустима из любого нетерминального статуса.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if target == OrderStatusCancelled {
		return true
	}
	next, ok := s.Next()
	return ok && next == target
}

// AllowsPartnerAssignment сообщает, можно ли назначить курьера в этом статусе.
func (s OrderStatus) AllowsPartnerAssignment() bool {
	return s == OrderStatusConfirmed || s == OrderStatusProcessing
}

// OrderItem описывает позицию заказа. Цена в минимальных единицах валюты.
type OrderItem struct {
	ProductID string
	Name      string
	Price     int64
	Quantity  int64
}

// TimelineEntry описывает запись журнала статусов заказа. Записи только добавляются.
type TimelineEntry struct {
	Status    OrderStatus
	Timestamp time.Time
	Completed bool
	Actor     string
}

// Order описывает заказ. Все суммы в минимальных единицах валюты.
type Order struct {
	ID                string
	Status            OrderStatus
	Items             []OrderItem
	Subtotal          int64
	Discount          int64
	Shipping          int64
	Tax               int64
	Total             int64
	CouponCode        string
	PaymentMethod     string
	DeliveryPartnerID *string
	Timeline          []TimelineEntry
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	// MaxAmount ограничивает денежные суммы в минимальных единицах валюты.
	// Сумма нескольких таких значений не переполняет int64.
	MaxAmount int64 = 1 << 53
	// MaxItemQuantity ограничивает количество товара в одной позиции.
	MaxItemQuantity int64 = 1_000_000
)

// ItemsSubtotal возвращает сумму позиций заказа. Позиции должны быть проверены на переполнение заранее.
func (o *Order) ItemsSubtotal() int64 {
	return lo.SumBy(o.Items, func(it OrderItem) int64 {
		return it.Price * it.Quantity
	})
}

// ComputeTotal возвращает итог по формуле subtotal − discount + shipping + tax.
func (o *Order) ComputeTotal() int64 {
	return o.Subtotal - o.Discount + o.Shipping + o.Tax
}

// CreditStatus описывает состояние начисления курьеру за доставленный заказ.
type CreditStatus string

const (
	CreditStatusPending CreditStatus = "pending"
	CreditStatusApplied CreditStatus = "applied"
)

// DeliveryCredit описывает запланированное начисление стоимости доставки на счёт курьера.
// Ключом служит идентификатор заказа, поэтому на один заказ приходится не более одного начисления.
type DeliveryCredit struct {
	OrderID       string
	AccountID     string
	Amount        int64
	Status        CreditStatus
	Attempts      int
	LastError     string
	LedgerEntryID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdempotencyKey возвращает ключ записи реестра для начисления.
func (c DeliveryCredit) IdempotencyKey() string {
	return "delivery:" + c.OrderID
}
