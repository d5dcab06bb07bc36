package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/mmeshcher/grocery-console/internal/model"
)

const orderColumns = `id, status, subtotal, discount, shipping, tax, total, coupon_code, payment_method,
	delivery_partner_id, version, created_at, updated_at`

// CreateOrder сохраняет новый заказ вместе с позициями и начальной историей статусов.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, status, subtotal, discount, shipping, tax, total, coupon_code, payment_method,
				delivery_partner_id, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			o.ID, string(o.Status), o.Subtotal, o.Discount, o.Shipping, o.Tax, o.Total, o.CouponCode, o.PaymentMethod,
			o.DeliveryPartnerID, o.Version, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: order %s already exists", model.ErrValidation, o.ID)
			}
			return fmt.Errorf("insert order: %w", translateError(err))
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"order_items"},
			[]string{"order_id", "position", "product_id", "name", "price", "quantity"},
			pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
				it := o.Items[i]
				return []any{o.ID, i, it.ProductID, it.Name, it.Price, it.Quantity}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert order items: %w", translateError(err))
		}

		return insertTimeline(ctx, tx, o.ID, 0, o.Timeline)
	})
}

// GetOrder возвращает заказ с позициями и историей статусов.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := loadOrder(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateOrder блокирует строку заказа, применяет fn и сохраняет статус, курьера и новые записи истории.
// Если fn вернул начисление, оно ставится в очередь той же транзакцией.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) (*model.DeliveryCredit, error)) (*model.Order, error) {
	var updated *model.Order

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		o, err := loadOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}

		persisted := len(o.Timeline)

		credit, err := fn(o)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE orders SET status = $2, delivery_partner_id = $3, updated_at = $4, version = version + 1
			 WHERE id = $1
			 RETURNING version`,
			id, string(o.Status), o.DeliveryPartnerID, o.UpdatedAt,
		).Scan(&o.Version)
		if err != nil {
			return fmt.Errorf("update order: %w", translateError(err))
		}

		if len(o.Timeline) > persisted {
			if err := insertTimeline(ctx, tx, id, persisted, o.Timeline[persisted:]); err != nil {
				return err
			}
		}

		if credit != nil {
			_, err = tx.Exec(ctx,
				`INSERT INTO delivery_credits (order_id, account_id, amount, status, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $5)
				 ON CONFLICT (order_id) DO NOTHING`,
				credit.OrderID, credit.AccountID, credit.Amount, string(model.CreditStatusPending), credit.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("schedule delivery credit: %w", translateError(err))
			}
		}

		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// PendingCredits возвращает начисления, ещё не проведённые по реестру.
func (r *PostgresRepository) PendingCredits(ctx context.Context, limit int) ([]model.DeliveryCredit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, account_id, amount, status, attempts, last_error, ledger_entry_id, created_at, updated_at
		 FROM delivery_credits
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.CreditStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending credits: %w", translateError(err))
	}
	defer rows.Close()

	var res []model.DeliveryCredit
	for rows.Next() {
		var (
			c       model.DeliveryCredit
			status  string
			entryID *string
		)
		if err := rows.Scan(&c.OrderID, &c.AccountID, &c.Amount, &status, &c.Attempts, &c.LastError, &entryID,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		c.Status = model.CreditStatus(status)
		c.LedgerEntryID = lo.FromPtr(entryID)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", translateError(err))
	}

	return res, nil
}

// MarkCreditApplied отмечает начисление проведённым.
func (r *PostgresRepository) MarkCreditApplied(ctx context.Context, orderID, ledgerEntryID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE delivery_credits SET status = $2, ledger_entry_id = $3, last_error = '', updated_at = $5
		 WHERE order_id = $1 AND status = $4`,
		orderID, string(model.CreditStatusApplied), ledgerEntryID, string(model.CreditStatusPending), at,
	)
	if err != nil {
		return fmt.Errorf("mark credit applied: %w", translateError(err))
	}
	return nil
}

// MarkCreditFailed увеличивает счётчик попыток и сохраняет последнюю ошибку.
func (r *PostgresRepository) MarkCreditFailed(ctx context.Context, orderID, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE delivery_credits SET attempts = attempts + 1, last_error = $2, updated_at = $4
		 WHERE order_id = $1 AND status = $3`,
		orderID, reason, string(model.CreditStatusPending), at,
	)
	if err != nil {
		return fmt.Errorf("mark credit failed: %w", translateError(err))
	}
	return nil
}

func loadOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		o      model.Order
		status string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &status, &o.Subtotal, &o.Discount, &o.Shipping, &o.Tax, &o.Total, &o.CouponCode, &o.PaymentMethod,
		&o.DeliveryPartnerID, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select order: %w", translateError(err))
	}
	o.Status = model.OrderStatus(status)

	items, err := q.Query(ctx,
		`SELECT product_id, name, price, quantity FROM order_items WHERE order_id = $1 ORDER BY position`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", translateError(err))
	}
	defer items.Close()

	for items.Next() {
		var it model.OrderItem
		if err := items.Scan(&it.ProductID, &it.Name, &it.Price, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := items.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", translateError(err))
	}

	timeline, err := q.Query(ctx,
		`SELECT status, completed, actor, created_at FROM order_timeline WHERE order_id = $1 ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order timeline: %w", translateError(err))
	}
	defer timeline.Close()

	for timeline.Next() {
		var (
			e      model.TimelineEntry
			status string
		)
		if err := timeline.Scan(&status, &e.Completed, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		e.Status = model.OrderStatus(status)
		o.Timeline = append(o.Timeline, e)
	}
	if err := timeline.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", translateError(err))
	}

	return &o, nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, orderID string, firstSeq int, entries []model.TimelineEntry) error {
	for i, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO order_timeline (order_id, seq, status, completed, actor, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			orderID, firstSeq+i, string(e.Status), e.Completed, e.Actor, e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert timeline entry: %w", translateError(err))
		}
	}
	return nil
}
