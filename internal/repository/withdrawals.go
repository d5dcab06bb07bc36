package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/grocery-console/internal/model"
)

const withdrawalColumns = `id, account_id, amount, status, balance_before, balance_after, admin_notes, rejection_reason,
	transaction_reference, ledger_entry_id, resolved_by, version, created_at, updated_at`

// CreateWithdrawal создаёт запрос на вывод. Блокирует строку счёта, чтобы параллельные запросы
// не удержали одни и те же средства дважды; check получает баланс реестра и сумму текущих удержаний.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, check func(balance, held int64) error) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM earnings_accounts WHERE id = $1 FOR UPDATE`, w.AccountID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock account for update: %w", translateError(err))
		}

		held, err := heldAmount(ctx, tx, w.AccountID)
		if err != nil {
			return err
		}

		if err := check(balance, held); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawals (`+withdrawalColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			w.ID, w.AccountID, w.Amount, string(w.Status), w.BalanceBefore, w.BalanceAfter, w.AdminNotes,
			w.RejectionReason, w.TransactionReference, w.LedgerEntryID, w.ResolvedBy, w.Version, w.CreatedAt, w.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", translateError(err))
		}

		return nil
	})
}

// GetWithdrawal возвращает запрос на вывод.
func (r *PostgresRepository) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("withdrawal %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select withdrawal: %w", translateError(err))
	}
	return w, nil
}

// UpdateWithdrawal блокирует строку запроса, применяет fn и сохраняет результат.
func (r *PostgresRepository) UpdateWithdrawal(ctx context.Context, id string, fn func(w *model.WithdrawalRequest) error) (*model.WithdrawalRequest, error) {
	var updated *model.WithdrawalRequest

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWithdrawal(ctx, tx, id)
		if err != nil {
			return err
		}

		if err := fn(w); err != nil {
			return err
		}

		if err := saveWithdrawal(ctx, tx, w); err != nil {
			return err
		}

		updated = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// SettleWithdrawal проводит списание по запросу и смену его статуса одной транзакцией.
// Строки блокируются в порядке запрос, затем счёт. Если fn вернула nil-запись, ничего не меняется
// и возвращается запрос в текущем состоянии.
func (r *PostgresRepository) SettleWithdrawal(
	ctx context.Context,
	id string,
	fn func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error),
) (*model.WithdrawalRequest, error) {
	var settled *model.WithdrawalRequest

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWithdrawal(ctx, tx, id)
		if err != nil {
			return err
		}

		acc, err := lockAccount(ctx, tx, w.AccountID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		acc.ID = w.AccountID

		entry, err := fn(w, acc)
		if err != nil {
			return err
		}

		if entry == nil {
			settled = w
			return nil
		}

		if err := writeEntry(ctx, tx, *entry); err != nil {
			return err
		}
		if err := saveWithdrawal(ctx, tx, w); err != nil {
			return err
		}

		settled = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	return settled, nil
}

func lockWithdrawal(ctx context.Context, tx pgx.Tx, id string) (*model.WithdrawalRequest, error) {
	w, err := scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("withdrawal %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("lock withdrawal: %w", translateError(err))
	}
	return w, nil
}

func saveWithdrawal(ctx context.Context, tx pgx.Tx, w *model.WithdrawalRequest) error {
	err := tx.QueryRow(ctx,
		`UPDATE withdrawals SET status = $2, balance_after = $3, admin_notes = $4, rejection_reason = $5,
			transaction_reference = $6, ledger_entry_id = $7, resolved_by = $8, updated_at = $9,
			version = version + 1
		 WHERE id = $1
		 RETURNING version`,
		w.ID, string(w.Status), w.BalanceAfter, w.AdminNotes, w.RejectionReason, w.TransactionReference,
		w.LedgerEntryID, w.ResolvedBy, w.UpdatedAt,
	).Scan(&w.Version)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", translateError(err))
	}
	return nil
}

// ListWithdrawals возвращает историю запросов на вывод по счёту, новые первыми.
func (r *PostgresRepository) ListWithdrawals(ctx context.Context, accountID string) ([]model.WithdrawalRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+withdrawalColumns+`
		 FROM withdrawals
		 WHERE account_id = $1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", translateError(err))
	}
	defer rows.Close()

	var res []model.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		res = append(res, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", translateError(err))
	}

	return res, nil
}

// HeldAmount возвращает сумму, удерживаемую незавершёнными запросами на вывод.
func (r *PostgresRepository) HeldAmount(ctx context.Context, accountID string) (int64, error) {
	return heldAmount(ctx, r.pool, accountID)
}

func heldAmount(ctx context.Context, q querier, accountID string) (int64, error) {
	var held int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM withdrawals
		 WHERE account_id = $1 AND status IN ($2, $3)`,
		accountID, string(model.WithdrawalStatusPending), string(model.WithdrawalStatusProcessing),
	).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("sum held withdrawals: %w", translateError(err))
	}
	return held, nil
}

func scanWithdrawal(row pgx.Row) (*model.WithdrawalRequest, error) {
	var (
		w      model.WithdrawalRequest
		status string
	)
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &status, &w.BalanceBefore, &w.BalanceAfter, &w.AdminNotes,
		&w.RejectionReason, &w.TransactionReference, &w.LedgerEntryID, &w.ResolvedBy, &w.Version, &w.CreatedAt,
		&w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}
