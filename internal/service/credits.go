package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/metrics"
	"github.com/mmeshcher/grocery-console/internal/model"
)

const (
	creditMaxRetries = 3
	creditRetryCap   = 2 * time.Second
)

// CreditWorker проводит начисления за доставку вне пути запроса.
// Начисление остаётся в очереди, пока не будет проведено; ключ записи реестра
// по идентификатору заказа исключает двойное зачисление.
type CreditWorker struct {
	base
	repo      CreditRepository
	ledger    *EarningsLedger
	interval  time.Duration
	batchSize int
	retryBase time.Duration
	wake      chan struct{}
}

// Notify будит обработчик, не дожидаясь следующего тика. Не блокирует.
func (w *CreditWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run обрабатывает очередь по таймеру и по Notify до отмены ctx.
func (w *CreditWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessPending(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("Failed to process delivery credits", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// ProcessPending проводит одну порцию начислений и возвращает число проведённых.
func (w *CreditWorker) ProcessPending(ctx context.Context) (int, error) {
	credits, err := w.repo.PendingCredits(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, c := range credits {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}

		if err := w.apply(ctx, c); err != nil {
			w.metrics.CreditAttempts.WithLabelValues(metrics.Result(err)).Inc()
			w.logger.Warn("Delivery credit failed, will retry",
				zap.String("order_id", c.OrderID),
				zap.String("account_id", c.AccountID),
				zap.Int64("amount", c.Amount),
				zap.Int("attempts", c.Attempts+1),
				zap.Error(err))

			if markErr := w.repo.MarkCreditFailed(ctx, c.OrderID, err.Error(), w.now()); markErr != nil {
				w.logger.Warn("Failed to record credit attempt",
					zap.String("order_id", c.OrderID),
					zap.Error(markErr))
			}
			continue
		}

		w.metrics.CreditAttempts.WithLabelValues(metrics.Result(nil)).Inc()
		applied++
	}

	return applied, nil
}

// apply зачисляет стоимость доставки курьеру с повторами временных ошибок
// и отмечает начисление проведённым.
func (w *CreditWorker) apply(ctx context.Context, c model.DeliveryCredit) error {
	backoff := retry.NewExponential(w.retryBase)
	backoff = retry.WithCappedDuration(creditRetryCap, backoff)
	backoff = retry.WithMaxRetries(creditMaxRetries, backoff)

	ctx = model.WithActor(ctx, "system")

	var res ApplyResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := w.ledger.ApplyEarnings(ctx, ApplyRequest{
			AccountID:      c.AccountID,
			OwnerType:      model.OwnerTypeDeliveryPartner,
			Action:         model.LedgerActionAdd,
			Amount:         c.Amount,
			Reason:         c.IdempotencyKey(),
			IdempotencyKey: c.IdempotencyKey(),
		})
		if err != nil {
			if model.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return err
	}

	if err := w.repo.MarkCreditApplied(ctx, c.OrderID, res.Entry.ID, w.now()); err != nil {
		return errors.Join(errors.New("credit applied but not marked"), err)
	}

	w.logger.Info("Delivery credit applied",
		zap.String("order_id", c.OrderID),
		zap.String("account_id", c.AccountID),
		zap.Int64("amount", c.Amount),
		zap.Bool("replayed", res.Replayed))

	return nil
}
