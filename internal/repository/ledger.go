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

const ledgerEntryColumns = `id, account_id, action, amount, balance_before, balance_after, reason, actor,
	idempotency_key, created_at`

// GetAccount возвращает счёт начислений.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*model.EarningsAccount, error) {
	var (
		acc       model.EarningsAccount
		ownerType string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_type, balance, version, created_at, updated_at FROM earnings_accounts WHERE id = $1`,
		id,
	).Scan(&acc.ID, &ownerType, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select account: %w", translateError(err))
	}
	acc.OwnerType = model.OwnerType(ownerType)
	return &acc, nil
}

// ApplyEntry сериализует изменения баланса одного счёта блокировкой его строки.
// Отсутствующий счёт создаётся с нулевым балансом в той же транзакции и исчезает при откате.
// Если запись с idempotencyKey уже есть, она возвращается с признаком replayed без изменения баланса.
func (r *PostgresRepository) ApplyEntry(
	ctx context.Context,
	accountID string,
	ownerType model.OwnerType,
	idempotencyKey string,
	fn func(acc model.EarningsAccount) (model.LedgerEntry, error),
) (model.LedgerEntry, bool, error) {
	var (
		entry    model.LedgerEntry
		replayed bool
	)

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO earnings_accounts (id, owner_type) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			accountID, string(ownerType),
		)
		if err != nil {
			return fmt.Errorf("ensure account: %w", translateError(err))
		}

		acc, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			existing, err := scanLedgerEntry(tx.QueryRow(ctx,
				`SELECT `+ledgerEntryColumns+` FROM ledger_entries WHERE idempotency_key = $1`,
				idempotencyKey,
			))
			if err == nil {
				entry, replayed = existing, true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("select entry by key: %w", translateError(err))
			}
		}

		e, err := fn(acc)
		if err != nil {
			return err
		}

		if err := writeEntry(ctx, tx, e); err != nil {
			return err
		}

		entry = e
		return nil
	})
	if err != nil {
		return model.LedgerEntry{}, false, err
	}

	return entry, replayed, nil
}

// ListLedgerEntries возвращает последние записи реестра счёта, новые первыми.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ledgerEntryColumns+`
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", translateError(err))
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", translateError(err))
	}

	return res, nil
}

// SumAdded возвращает сумму зачислений (add) на счёт начиная с since.
func (r *PostgresRepository) SumAdded(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM ledger_entries
		 WHERE account_id = $1 AND action = $2 AND created_at >= $3`,
		accountID, string(model.LedgerActionAdd), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", translateError(err))
	}
	return total, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (model.EarningsAccount, error) {
	var (
		acc   model.EarningsAccount
		owner string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, owner_type, balance, version, created_at, updated_at
		 FROM earnings_accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&acc.ID, &owner, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return model.EarningsAccount{}, fmt.Errorf("lock account: %w", translateError(err))
	}
	acc.OwnerType = model.OwnerType(owner)
	return acc, nil
}

// writeEntry переносит баланс из записи в строку счёта и добавляет запись в реестр.
func writeEntry(ctx context.Context, tx pgx.Tx, e model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`UPDATE earnings_accounts SET balance = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
		e.AccountID, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", translateError(err))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+ledgerEntryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AccountID, string(e.Action), e.Amount, e.BalanceBefore, e.BalanceAfter, e.Reason, e.Actor,
		lo.EmptyableToPtr(e.IdempotencyKey), e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ledger entry %s already recorded", model.ErrConcurrencyConflict, e.IdempotencyKey)
		}
		return fmt.Errorf("insert ledger entry: %w", translateError(err))
	}

	return nil
}

func scanLedgerEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		e      model.LedgerEntry
		action string
		key    *string
	)
	err := row.Scan(&e.ID, &e.AccountID, &action, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Reason, &e.Actor,
		&key, &e.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Action = model.LedgerAction(action)
	e.IdempotencyKey = lo.FromPtr(key)
	return e, nil
}
