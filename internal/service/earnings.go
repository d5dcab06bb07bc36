package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/metrics"
	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/validation"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

// EarningsLedger изменяет балансы счетов начислений и ведёт реестр записей.
type EarningsLedger struct {
	base
	repo       LedgerRepository
	setEnabled bool
}

// ApplyRequest описывает изменение баланса счёта.
type ApplyRequest struct {
	AccountID string
	// OwnerType используется при создании счёта. По умолчанию delivery_partner.
	OwnerType model.OwnerType
	Action    model.LedgerAction
	Amount    int64
	Reason    string
	// Confirmed обязателен для set.
	Confirmed bool
	// IdempotencyKey делает повтор операции безопасным: запись с тем же ключом не создаётся дважды.
	IdempotencyKey string
}

// ApplyResult содержит балансы до и после операции и созданную запись.
type ApplyResult struct {
	BalanceBefore int64
	BalanceAfter  int64
	Entry         model.LedgerEntry
	// Replayed означает, что операция с этим ключом уже была проведена и баланс не менялся.
	Replayed bool
}

// ApplyEarnings применяет add, deduct или set к счёту. Изменения одного счёта сериализуются
// блокировкой счёта в хранилище. Каждая успешная операция добавляет ровно одну запись в реестр.
func (l *EarningsLedger) ApplyEarnings(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	action := string(req.Action)

	if err := l.checkRequest(&req); err != nil {
		opErr := model.Fail(model.ErrValidation, model.EntityAccount, req.AccountID, "", action, err)
		label := action
		if _, err := model.ToLedgerAction(action); err != nil {
			label = "unknown"
		}
		l.metrics.LedgerApplies.WithLabelValues(label, metrics.Result(opErr)).Inc()
		return ApplyResult{}, opErr
	}

	now := l.now()
	actor := model.ActorFromContext(ctx)

	var state string
	entry, replayed, err := l.repo.ApplyEntry(ctx, req.AccountID, req.OwnerType, req.IdempotencyKey,
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			state = balanceState(acc.Balance)
			return l.plan(acc, req, now, actor)
		})
	if err != nil {
		l.metrics.LedgerApplies.WithLabelValues(action, metrics.Result(err)).Inc()
		return ApplyResult{}, wrap(err, model.EntityAccount, req.AccountID, state, action)
	}

	res := ApplyResult{
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		Entry:         entry,
		Replayed:      replayed,
	}

	if replayed {
		l.logger.Info("Ledger entry already recorded",
			zap.String("account_id", req.AccountID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("entry_id", entry.ID))
		return res, nil
	}

	l.recordApplied(ctx, entry)
	return res, nil
}

func (l *EarningsLedger) checkRequest(req *ApplyRequest) error {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.OwnerType == "" {
		req.OwnerType = model.OwnerTypeDeliveryPartner
	}

	if !validation.IsValidID(req.AccountID) {
		return fmt.Errorf("invalid account id %q", req.AccountID)
	}
	if _, err := model.ToLedgerAction(string(req.Action)); err != nil {
		return err
	}
	if req.OwnerType != model.OwnerTypeDeliveryPartner && req.OwnerType != model.OwnerTypeVendor {
		return fmt.Errorf("unknown owner type %q", req.OwnerType)
	}
	if req.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if req.Amount > model.MaxAmount {
		return fmt.Errorf("amount exceeds %d", model.MaxAmount)
	}
	if !validation.IsValidReason(req.Reason) {
		return errors.New("reason is required")
	}

	if req.Action == model.LedgerActionSet {
		if !l.setEnabled {
			return errors.New("balance override is disabled")
		}
		if !req.Confirmed {
			return errors.New("balance override requires confirmation")
		}
	}

	return nil
}

// plan строит запись реестра для операции над счётом acc. Баланс после операции
// определяется только балансом до, видом операции и суммой.
func (l *EarningsLedger) plan(acc model.EarningsAccount, req ApplyRequest, now time.Time, actor string) (model.LedgerEntry, error) {
	after, err := nextBalance(acc.Balance, req.Action, req.Amount)
	if err != nil {
		return model.LedgerEntry{}, model.Fail(model.ErrInsufficientBalance, model.EntityAccount, acc.ID,
			balanceState(acc.Balance), string(req.Action), err)
	}

	return model.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      acc.ID,
		Action:         req.Action,
		Amount:         req.Amount,
		BalanceBefore:  acc.Balance,
		BalanceAfter:   after,
		Reason:         req.Reason,
		Actor:          actor,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}, nil
}

func nextBalance(before int64, action model.LedgerAction, amount int64) (int64, error) {
	switch action {
	case model.LedgerActionAdd:
		if before > model.MaxAmount-amount {
			return 0, fmt.Errorf("%w: add %d to %d exceeds balance limit %d", model.ErrValidation, amount, before, model.MaxAmount)
		}
		return before + amount, nil
	case model.LedgerActionDeduct:
		if before < amount {
			return 0, fmt.Errorf("deduct %d from %d", amount, before)
		}
		return before - amount, nil
	case model.LedgerActionSet:
		return amount, nil
	}
	return 0, fmt.Errorf("unknown ledger action %q", action)
}

// recordApplied пишет журнал, метрику и событие по проведённой записи.
func (l *EarningsLedger) recordApplied(ctx context.Context, e model.LedgerEntry) {
	l.metrics.LedgerApplies.WithLabelValues(string(e.Action), metrics.Result(nil)).Inc()

	fields := []zap.Field{
		zap.String("account_id", e.AccountID),
		zap.String("entry_id", e.ID),
		zap.String("action", string(e.Action)),
		zap.Int64("amount", e.Amount),
		zap.Int64("balance_before", e.BalanceBefore),
		zap.Int64("balance_after", e.BalanceAfter),
		zap.String("reason", e.Reason),
		zap.String("actor", e.Actor),
	}
	if e.Action == model.LedgerActionSet {
		l.logger.Warn("Ledger balance overridden", fields...)
	} else {
		l.logger.Info("Ledger entry applied", fields...)
	}

	l.publish(ctx, events.LedgerApplied, e.AccountID, ledgerApplied{
		EntryID:       e.ID,
		Action:        string(e.Action),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Reason:        e.Reason,
	})
}

type ledgerApplied struct {
	EntryID       string `json:"entryId"`
	Action        string `json:"action"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
	Reason        string `json:"reason"`
}

func balanceState(balance int64) string {
	return fmt.Sprintf("balance=%d", balance)
}

// GetEarnings возвращает баланс счёта, удержания и зачисления за сегодня, неделю и месяц.
// Неделя начинается с понедельника. Для счёта без операций возвращаются нули.
func (l *EarningsLedger) GetEarnings(ctx context.Context, accountID string) (model.EarningsSummary, error) {
	const action = "get earnings"

	if !validation.IsValidID(accountID) {
		return model.EarningsSummary{}, invalid(model.EntityAccount, accountID, action, "invalid account id %q", accountID)
	}

	summary := model.EarningsSummary{AccountID: accountID}

	acc, err := l.repo.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		summary.Total = acc.Balance
	case !errors.Is(err, model.ErrNotFound):
		return model.EarningsSummary{}, wrap(err, model.EntityAccount, accountID, "", action)
	}

	summary.Held, err = l.repo.HeldAmount(ctx, accountID)
	if err != nil {
		return model.EarningsSummary{}, wrap(err, model.EntityAccount, accountID, "", action)
	}
	summary.Available = max(summary.Total-summary.Held, 0)

	today, week, month := periodStarts(l.now())
	for _, p := range []struct {
		since time.Time
		dst   *int64
	}{
		{since: today, dst: &summary.Today},
		{since: week, dst: &summary.Week},
		{since: month, dst: &summary.Month},
	} {
		*p.dst, err = l.repo.SumAdded(ctx, accountID, p.since)
		if err != nil {
			return model.EarningsSummary{}, wrap(err, model.EntityAccount, accountID, "", action)
		}
	}

	return summary, nil
}

// periodStarts возвращает начало дня, недели (с понедельника) и месяца для now в его часовом поясе.
func periodStarts(now time.Time) (day, week, month time.Time) {
	y, m, d := now.Date()
	day = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	week = day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	month = time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	return day, week, month
}

// ListLedgerEntries возвращает последние записи реестра счёта, новые первыми.
func (l *EarningsLedger) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	const action = "list entries"

	if !validation.IsValidID(accountID) {
		return nil, invalid(model.EntityAccount, accountID, action, "invalid account id %q", accountID)
	}
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	limit = min(limit, maxEntriesLimit)

	entries, err := l.repo.ListLedgerEntries(ctx, accountID, limit)
	if err != nil {
		return nil, wrap(err, model.EntityAccount, accountID, "", action)
	}
	return entries, nil
}
