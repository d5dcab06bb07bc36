package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/validation"
)

// WithdrawalProcessor ведёт запросы на вывод средств: pending, processing, затем completed или rejected.
// Средства только удерживаются до завершения, списание проводится в момент complete.
type WithdrawalProcessor struct {
	base
	repo   WithdrawalRepository
	ledger *EarningsLedger
}

type withdrawalChange struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
}

// RequestWithdrawal создаёт запрос в статусе pending, если сумма не превышает доступного
// остатка: баланс реестра минус удержания незавершённых запросов этого счёта.
func (p *WithdrawalProcessor) RequestWithdrawal(ctx context.Context, accountID string, amount int64) (*model.WithdrawalRequest, error) {
	const action = "request withdrawal"

	if !validation.IsValidID(accountID) {
		return nil, invalid(model.EntityAccount, accountID, action, "invalid account id %q", accountID)
	}
	if amount <= 0 {
		return nil, invalid(model.EntityAccount, accountID, action, "amount must be positive")
	}

	now := p.now()
	w := &model.WithdrawalRequest{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Status:    model.WithdrawalStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var state string
	err := p.repo.CreateWithdrawal(ctx, w, func(balance, held int64) error {
		state = fmt.Sprintf("balance=%d held=%d", balance, held)
		if amount > balance-held {
			return model.Fail(model.ErrInsufficientBalance, model.EntityAccount, accountID, state, action,
				fmt.Errorf("requested %d, available %d", amount, max(balance-held, 0)))
		}
		w.BalanceBefore = balance
		return nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityAccount, accountID, state, action)
	}

	p.recordTransition(ctx, w, "")
	return w, nil
}

// MarkWithdrawalProcessing переводит запрос из pending в processing.
func (p *WithdrawalProcessor) MarkWithdrawalProcessing(ctx context.Context, id, notes string) (*model.WithdrawalRequest, error) {
	const action = "mark processing"

	var from model.WithdrawalStatus
	w, err := p.repo.UpdateWithdrawal(ctx, id, func(w *model.WithdrawalRequest) error {
		from = w.Status
		if w.Status != model.WithdrawalStatusPending {
			return model.Fail(model.ErrInvalidTransition, model.EntityWithdrawal, w.ID, string(w.Status), action, nil)
		}
		w.Status = model.WithdrawalStatusProcessing
		w.AdminNotes = mergeNotes(w.AdminNotes, notes)
		w.UpdatedAt = p.now()
		return nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityWithdrawal, id, string(from), action)
	}

	p.recordTransition(ctx, w, from)
	return w, nil
}

// CompleteWithdrawal переводит запрос из processing в completed и списывает сумму со счёта
// одной транзакцией. Повторный вызов для завершённого запроса возвращает сохранённый результат
// без повторного списания.
func (p *WithdrawalProcessor) CompleteWithdrawal(ctx context.Context, id, transactionReference, notes string) (*model.WithdrawalRequest, error) {
	const action = "complete"

	transactionReference = strings.TrimSpace(transactionReference)
	if transactionReference == "" {
		return nil, invalid(model.EntityWithdrawal, id, action, "transaction reference is required")
	}

	actor := model.ActorFromContext(ctx)

	var (
		from     model.WithdrawalStatus
		replayed bool
		entry    model.LedgerEntry
	)

	w, err := p.repo.SettleWithdrawal(ctx, id, func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error) {
		from = w.Status
		if w.Status == model.WithdrawalStatusCompleted {
			replayed = true
			return nil, nil
		}
		if w.Status != model.WithdrawalStatusProcessing {
			return nil, model.Fail(model.ErrInvalidTransition, model.EntityWithdrawal, w.ID, string(w.Status), action, nil)
		}

		now := p.now()
		e, err := p.ledger.plan(acc, ApplyRequest{
			AccountID:      w.AccountID,
			Action:         model.LedgerActionDeduct,
			Amount:         w.Amount,
			Reason:         w.IdempotencyKey(),
			IdempotencyKey: w.IdempotencyKey(),
		}, now, actor)
		if err != nil {
			return nil, model.Fail(nil, model.EntityWithdrawal, w.ID, string(w.Status), action, err)
		}

		w.Status = model.WithdrawalStatusCompleted
		w.BalanceAfter = &e.BalanceAfter
		w.TransactionReference = transactionReference
		w.LedgerEntryID = e.ID
		w.ResolvedBy = actor
		w.AdminNotes = mergeNotes(w.AdminNotes, notes)
		w.UpdatedAt = now

		entry = e
		return &e, nil
	})
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			p.metrics.LedgerApplies.WithLabelValues(string(model.LedgerActionDeduct), "insufficient_balance").Inc()
		}
		return nil, wrap(err, model.EntityWithdrawal, id, string(from), action)
	}

	if replayed {
		p.logger.Info("Withdrawal already completed",
			zap.String("withdrawal_id", w.ID),
			zap.String("transaction_reference", w.TransactionReference))
		return w, nil
	}

	p.ledger.recordApplied(ctx, entry)
	p.recordTransition(ctx, w, from)
	return w, nil
}

// RejectWithdrawal отклоняет запрос в статусе pending или processing и снимает удержание.
// Реестр не меняется.
func (p *WithdrawalProcessor) RejectWithdrawal(ctx context.Context, id, reason, notes string) (*model.WithdrawalRequest, error) {
	const action = "reject"

	if !validation.IsValidReason(reason) {
		return nil, invalid(model.EntityWithdrawal, id, action, "rejection reason is required")
	}

	var from model.WithdrawalStatus
	w, err := p.repo.UpdateWithdrawal(ctx, id, func(w *model.WithdrawalRequest) error {
		from = w.Status
		if !w.Status.HoldsFunds() {
			return model.Fail(model.ErrInvalidTransition, model.EntityWithdrawal, w.ID, string(w.Status), action, nil)
		}
		w.Status = model.WithdrawalStatusRejected
		w.RejectionReason = strings.TrimSpace(reason)
		w.ResolvedBy = model.ActorFromContext(ctx)
		w.AdminNotes = mergeNotes(w.AdminNotes, notes)
		w.UpdatedAt = p.now()
		return nil
	})
	if err != nil {
		return nil, wrap(err, model.EntityWithdrawal, id, string(from), action)
	}

	p.recordTransition(ctx, w, from)
	return w, nil
}

// GetWithdrawal возвращает запрос на вывод.
func (p *WithdrawalProcessor) GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error) {
	w, err := p.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, wrap(err, model.EntityWithdrawal, id, "", "get")
	}
	return w, nil
}

// ListWithdrawals возвращает запросы на вывод по счёту, новые первыми.
func (p *WithdrawalProcessor) ListWithdrawals(ctx context.Context, accountID string) ([]model.WithdrawalRequest, error) {
	const action = "list withdrawals"

	if !validation.IsValidID(accountID) {
		return nil, invalid(model.EntityAccount, accountID, action, "invalid account id %q", accountID)
	}

	res, err := p.repo.ListWithdrawals(ctx, accountID)
	if err != nil {
		return nil, wrap(err, model.EntityAccount, accountID, "", action)
	}
	return res, nil
}

func (p *WithdrawalProcessor) recordTransition(ctx context.Context, w *model.WithdrawalRequest, from model.WithdrawalStatus) {
	p.metrics.WithdrawalTransitions.WithLabelValues(string(w.Status)).Inc()
	p.logger.Info("Withdrawal status changed",
		zap.String("withdrawal_id", w.ID),
		zap.String("account_id", w.AccountID),
		zap.Int64("amount", w.Amount),
		zap.String("from", string(from)),
		zap.String("to", string(w.Status)),
		zap.String("actor", model.ActorFromContext(ctx)))
	p.publish(ctx, events.WithdrawalStatusChanged, w.ID, withdrawalChange{
		AccountID: w.AccountID,
		Amount:    w.Amount,
		From:      string(from),
		To:        string(w.Status),
	})
}

// mergeNotes дописывает заметку администратора к уже сохранённым.
func mergeNotes(existing, notes string) string {
	notes = strings.TrimSpace(notes)
	switch {
	case notes == "":
		return existing
	case existing == "":
		return notes
	}
	return existing + "\n" + notes
}
