package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/validation"
)

// CreditNotifier будит обработку начислений после доставки заказа.
type CreditNotifier interface {
	Notify()
}

// OrderLifecycle ведёт заказ по конечному автомату статусов.
type OrderLifecycle struct {
	base
	repo    OrderRepository
	credits CreditNotifier
}

type statusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CreateOrder сохраняет новый заказ в статусе pending. Сумма позиций и итог пересчитываются,
// скидка должна быть уже зафиксирована погашением купона.
func (l *OrderLifecycle) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	const action = "create"

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CouponCode = validation.NormalizeCouponCode(o.CouponCode)

	if err := validateNewOrder(o); err != nil {
		return nil, model.Fail(model.ErrValidation, model.EntityOrder, o.ID, "", action, err)
	}

	now := l.now()
	o.Status = model.OrderStatusPending
	o.Subtotal = o.ItemsSubtotal()
	o.Total = o.ComputeTotal()
	o.DeliveryPartnerID = nil
	o.Timeline = []model.TimelineEntry{{
		Status:    model.OrderStatusPending,
		Timestamp: now,
		Completed: true,
		Actor:     model.ActorFromContext(ctx),
	}}
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now

	if err := l.repo.CreateOrder(ctx, o); err != nil {
		return nil, wrap(err, model.EntityOrder, o.ID, "", action)
	}

	l.logger.Info("Order created",
		zap.String("order_id", o.ID),
		zap.Int64("total", o.Total),
		zap.String("actor", model.ActorFromContext(ctx)))

	return o, nil
}

func validateNewOrder(o *model.Order) error {
	if !validation.IsValidID(o.ID) {
		return fmt.Errorf("invalid order id %q", o.ID)
	}
	if len(o.Items) == 0 {
		return errors.New("order has no items")
	}

	var subtotal int64
	for i, it := range o.Items {
		if it.Price < 0 || it.Quantity <= 0 {
			return fmt.Errorf("item %d: price must not be negative and quantity must be positive", i)
		}
		if it.Price > model.MaxAmount || it.Quantity > model.MaxItemQuantity {
			return fmt.Errorf("item %d: price or quantity out of range", i)
		}
		// сравнение делением, чтобы произведение не переполнилось
		if it.Price > 0 && it.Quantity > (model.MaxAmount-subtotal)/it.Price {
			return fmt.Errorf("item %d: order subtotal exceeds %d", i, model.MaxAmount)
		}
		subtotal += it.Price * it.Quantity
	}

	if o.Discount < 0 || o.Shipping < 0 || o.Tax < 0 {
		return errors.New("amounts must not be negative")
	}
	if o.Discount > model.MaxAmount || o.Shipping > model.MaxAmount || o.Tax > model.MaxAmount {
		return errors.New("amounts out of range")
	}
	if o.Discount > subtotal {
		return errors.New("discount exceeds subtotal")
	}
	if subtotal-o.Discount+o.Shipping+o.Tax > model.MaxAmount {
		return fmt.Errorf("order total exceeds %d", model.MaxAmount)
	}
	if o.CouponCode != "" && !validation.IsValidCouponCode(o.CouponCode) {
		return fmt.Errorf("invalid coupon code %q", o.CouponCode)
	}
	return nil
}

// GetOrder возвращает заказ.
func (l *OrderLifecycle) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := l.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, wrap(err, model.EntityOrder, id, "", "get")
	}
	return o, nil
}

// TransitionOrderStatus переводит заказ в статус target. Шаги пропускать нельзя,
// отмена допустима из любого нетерминального статуса. При доставке в той же транзакции
// ставится в очередь начисление стоимости доставки курьеру.
func (l *OrderLifecycle) TransitionOrderStatus(ctx context.Context, orderID string, target model.OrderStatus) (*model.Order, error) {
	action := "transition to " + string(target)

	if _, err := model.ToOrderStatus(string(target)); err != nil {
		return nil, model.Fail(model.ErrValidation, model.EntityOrder, orderID, "", action, err)
	}

	actor := model.ActorFromContext(ctx)

	var (
		from   model.OrderStatus
		credit *model.DeliveryCredit
	)

	o, err := l.repo.UpdateOrder(ctx, orderID, func(o *model.Order) (*model.DeliveryCredit, error) {
		from = o.Status
		if !o.Status.CanTransition(target) {
			return nil, model.Fail(model.ErrInvalidTransition, model.EntityOrder, o.ID, string(o.Status), action, nil)
		}

		now := l.now()
		o.Status = target
		o.UpdatedAt = now
		o.Timeline = append(o.Timeline, model.TimelineEntry{
			Status:    target,
			Timestamp: now,
			Completed: true,
			Actor:     actor,
		})

		credit = nil
		if target == model.OrderStatusDelivered {
			credit = deliveryCredit(o, now)
		}
		return credit, nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityOrder, orderID, string(from), action)
	}

	l.metrics.OrderTransitions.WithLabelValues(string(target)).Inc()
	l.logger.Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor", actor))
	l.publish(ctx, events.OrderStatusChanged, o.ID, statusChange{From: string(from), To: string(target)})

	if target == model.OrderStatusDelivered {
		if credit == nil {
			l.logger.Info("No delivery credit scheduled",
				zap.String("order_id", o.ID),
				zap.Bool("has_partner", o.DeliveryPartnerID != nil),
				zap.Int64("shipping", o.Shipping))
		} else {
			l.credits.Notify()
		}
	}

	return o, nil
}

// deliveryCredit возвращает начисление стоимости доставки курьеру или nil,
// если курьер не назначен или доставка бесплатна.
func deliveryCredit(o *model.Order, now time.Time) *model.DeliveryCredit {
	if o.DeliveryPartnerID == nil || o.Shipping <= 0 {
		return nil
	}
	return &model.DeliveryCredit{
		OrderID:   o.ID,
		AccountID: *o.DeliveryPartnerID,
		Amount:    o.Shipping,
		Status:    model.CreditStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AssignDeliveryPartner назначает курьера. Допустимо только в статусах confirmed и processing.
func (l *OrderLifecycle) AssignDeliveryPartner(ctx context.Context, orderID, partnerID string) (*model.Order, error) {
	const action = "assign delivery partner"

	if !validation.IsValidID(partnerID) {
		return nil, invalid(model.EntityOrder, orderID, action, "invalid partner id %q", partnerID)
	}

	var state model.OrderStatus

	o, err := l.repo.UpdateOrder(ctx, orderID, func(o *model.Order) (*model.DeliveryCredit, error) {
		state = o.Status
		if !o.Status.AllowsPartnerAssignment() {
			return nil, model.Fail(model.ErrInvalidTransition, model.EntityOrder, o.ID, string(o.Status), action, nil)
		}
		o.DeliveryPartnerID = &partnerID
		o.UpdatedAt = l.now()
		return nil, nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityOrder, orderID, string(state), action)
	}

	l.logger.Info("Delivery partner assigned",
		zap.String("order_id", o.ID),
		zap.String("partner_id", partnerID),
		zap.String("actor", model.ActorFromContext(ctx)))
	l.publish(ctx, events.OrderPartnerAssigned, o.ID, map[string]string{"partnerId": partnerID})

	return o, nil
}
