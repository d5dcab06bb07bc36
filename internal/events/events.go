// Package events публикует доменные события консоли во внешнюю шину.
// Публикация выполняется после фиксации изменений и не влияет на их результат.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type задаёт тип доменного события.
type Type string

const (
	OrderStatusChanged      Type = "order.status_changed"
	OrderPartnerAssigned    Type = "order.partner_assigned"
	CouponRedeemed          Type = "coupon.redeemed"
	LedgerApplied           Type = "ledger.applied"
	WithdrawalStatusChanged Type = "withdrawal.status_changed"
)

// Event описывает конверт события.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	EntityID   string          `json:"entityId"`
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New собирает событие с новым идентификатором.
func New(t Type, entityID, actor string, at time.Time, payload any) (Event, error) {
	e := Event{
		ID:         uuid.NewString(),
		Type:       t,
		EntityID:   entityID,
		Actor:      actor,
		OccurredAt: at.UTC(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		e.Payload = data
	}

	return e, nil
}

// Publisher отправляет события.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher отбрасывает события. Используется, когда брокеры не настроены.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }
