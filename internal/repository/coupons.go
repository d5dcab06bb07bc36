package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/grocery-console/internal/model"
)

const couponColumns = `code, discount_type, discount_value, min_order_value, max_discount, usage_limit, used_count,
	valid_from, valid_until, is_active, version, created_at, updated_at`

// CreateCoupon сохраняет новый купон.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, c *model.Coupon) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO coupons (`+couponColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.Code, string(c.DiscountType), c.DiscountValue, c.MinOrderValue, c.MaxDiscount, c.UsageLimit, c.UsedCount,
		c.ValidFrom, c.ValidUntil, c.IsActive, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: coupon %s already exists", model.ErrValidation, c.Code)
		}
		return fmt.Errorf("insert coupon: %w", translateError(err))
	}
	return nil
}

// GetCoupon возвращает купон по коду.
func (r *PostgresRepository) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	return loadCoupon(ctx, r.pool, code, false)
}

// UpdateCoupon блокирует строку купона, применяет fn и сохраняет результат одной транзакцией.
// Через этот метод проходят и правки администратора, и увеличение счётчика использований.
func (r *PostgresRepository) UpdateCoupon(ctx context.Context, code string, fn func(c *model.Coupon) error) (*model.Coupon, error) {
	var updated *model.Coupon

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		c, err := loadCoupon(ctx, tx, code, true)
		if err != nil {
			return err
		}

		if err := fn(c); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE coupons SET discount_type = $2, discount_value = $3, min_order_value = $4, max_discount = $5,
				usage_limit = $6, used_count = $7, valid_from = $8, valid_until = $9, is_active = $10,
				updated_at = $11, version = version + 1
			 WHERE code = $1
			 RETURNING version`,
			code, string(c.DiscountType), c.DiscountValue, c.MinOrderValue, c.MaxDiscount, c.UsageLimit, c.UsedCount,
			c.ValidFrom, c.ValidUntil, c.IsActive, c.UpdatedAt,
		).Scan(&c.Version)
		if err != nil {
			return fmt.Errorf("update coupon: %w", translateError(err))
		}

		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func loadCoupon(ctx context.Context, q querier, code string, forUpdate bool) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		c            model.Coupon
		discountType string
	)
	err := q.QueryRow(ctx, query, code).Scan(
		&c.Code, &discountType, &c.DiscountValue, &c.MinOrderValue, &c.MaxDiscount, &c.UsageLimit, &c.UsedCount,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("coupon %s: %w", code, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select coupon: %w", translateError(err))
	}
	c.DiscountType = model.DiscountType(discountType)

	return &c, nil
}
