package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/grocery-console/internal/model"
)

func TestApplyEarningsAddAndDeduct(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionAdd,
		Amount:    700,
		Reason:    "bonus",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.BalanceBefore)
	assert.Equal(t, int64(700), res.BalanceAfter)
	assert.Equal(t, "operator-1", res.Entry.Actor)

	res, err = f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionDeduct,
		Amount:    200,
		Reason:    "penalty",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.BalanceBefore)
	assert.Equal(t, int64(500), res.BalanceAfter)
}

func TestApplyEarningsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "partner-1", 300)

	_, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionDeduct,
		Amount:    500,
		Reason:    "chargeback",
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	var opErr *model.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, model.EntityAccount, opErr.Entity)
	assert.Equal(t, "partner-1", opErr.EntityID)
	assert.Equal(t, "balance=300", opErr.State)
	assert.Equal(t, "deduct", opErr.Action)

	assert.Equal(t, int64(300), f.balance(t, "partner-1"))

	entries, err := f.svc.ListLedgerEntries(f.ctx, "partner-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyEarningsDeductOnMissingAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "nobody",
		Action:    model.LedgerActionDeduct,
		Amount:    1,
		Reason:    "test",
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = f.repo.GetAccount(f.ctx, "nobody")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApplyEarningsSetThenRead(t *testing.T) {
	for _, prior := range []int64{0, 50, 100_000} {
		t.Run(fmt.Sprintf("prior %d", prior), func(t *testing.T) {
			f := newFixture(t)
			if prior > 0 {
				f.fund(t, "partner-1", prior)
			}

			res, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
				AccountID: "partner-1",
				Action:    model.LedgerActionSet,
				Amount:    4200,
				Reason:    "reconciliation",
				Confirmed: true,
			})
			require.NoError(t, err)
			assert.Equal(t, prior, res.BalanceBefore)
			assert.Equal(t, int64(4200), f.balance(t, "partner-1"))
		})
	}
}

func TestApplyEarningsSetPolicy(t *testing.T) {
	req := ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionSet,
		Amount:    10,
		Reason:    "override",
	}

	f := newFixture(t)
	_, err := f.svc.ApplyEarnings(f.ctx, req)
	require.ErrorIs(t, err, model.ErrValidation, "set without confirmation")

	disabled := newFixture(t, func(o *Options) { o.LedgerSetEnabled = false })
	req.Confirmed = true
	_, err = disabled.svc.ApplyEarnings(disabled.ctx, req)
	require.ErrorIs(t, err, model.ErrValidation, "set while disabled")
}

func TestApplyEarningsValidation(t *testing.T) {
	tests := []struct {
		name string
		req  ApplyRequest
	}{
		{name: "zero amount", req: ApplyRequest{AccountID: "a-1", Action: model.LedgerActionAdd, Reason: "x"}},
		{name: "negative amount", req: ApplyRequest{AccountID: "a-1", Action: model.LedgerActionAdd, Amount: -5, Reason: "x"}},
		{name: "no reason", req: ApplyRequest{AccountID: "a-1", Action: model.LedgerActionAdd, Amount: 5, Reason: "  "}},
		{name: "unknown action", req: ApplyRequest{AccountID: "a-1", Action: "multiply", Amount: 5, Reason: "x"}},
		{name: "bad account", req: ApplyRequest{AccountID: "", Action: model.LedgerActionAdd, Amount: 5, Reason: "x"}},
		{name: "bad owner type", req: ApplyRequest{AccountID: "a-1", OwnerType: "courier", Action: model.LedgerActionAdd, Amount: 5, Reason: "x"}},
		{name: "amount above limit", req: ApplyRequest{AccountID: "a-1", Action: model.LedgerActionAdd, Amount: model.MaxAmount + 1, Reason: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.ApplyEarnings(f.ctx, tt.req)
			require.ErrorIs(t, err, model.ErrValidation)
			assert.False(t, model.IsRetryable(err))
		})
	}
}

func TestApplyEarningsBalanceLimit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "partner-1", model.MaxAmount-10)

	_, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionAdd,
		Amount:    11,
		Reason:    "bonus",
	})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.NotErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Equal(t, model.MaxAmount-10, f.balance(t, "partner-1"))

	res, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionAdd,
		Amount:    10,
		Reason:    "bonus",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MaxAmount, res.BalanceAfter)

	entries, err := f.svc.ListLedgerEntries(f.ctx, "partner-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestApplyEarningsIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := ApplyRequest{
		AccountID:      "partner-1",
		Action:         model.LedgerActionAdd,
		Amount:         250,
		Reason:         "delivery:ord-1",
		IdempotencyKey: "delivery:ord-1",
	}

	first, err := f.svc.ApplyEarnings(f.ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.ApplyEarnings(f.ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(250), f.balance(t, "partner-1"))
}

func TestApplyEarningsSerializedPerAccount(t *testing.T) {
	f := newFixture(t)

	const workers = 50
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account := "partner-a"
			if i%2 == 1 {
				account = "partner-b"
			}
			_, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
				AccountID: account,
				Action:    model.LedgerActionAdd,
				Amount:    10,
				Reason:    "tip",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(250), f.balance(t, "partner-a"))
	assert.Equal(t, int64(250), f.balance(t, "partner-b"))

	entries, err := f.svc.ListLedgerEntries(f.ctx, "partner-a", 100)
	require.NoError(t, err)
	require.Len(t, entries, 25)

	// каждая запись продолжает предыдущую
	for i := 0; i+1 < len(entries); i++ {
		assert.Equal(t, entries[i+1].BalanceAfter, entries[i].BalanceBefore)
	}
}

func TestGetEarningsPeriods(t *testing.T) {
	f := newFixture(t)

	// testNow приходится на среду, понедельник этой недели 9 марта
	f.clock.now = time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	f.fund(t, "partner-1", 1000)
	f.clock.now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	f.fund(t, "partner-1", 200)
	f.clock.now = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	f.fund(t, "partner-1", 30)
	f.clock.now = testNow.Add(-time.Hour)
	f.fund(t, "partner-1", 4)
	f.clock.now = testNow

	_, err := f.svc.ApplyEarnings(f.ctx, ApplyRequest{
		AccountID: "partner-1",
		Action:    model.LedgerActionDeduct,
		Amount:    34,
		Reason:    "fee",
	})
	require.NoError(t, err)

	_, err = f.svc.RequestWithdrawal(f.ctx, "partner-1", 500)
	require.NoError(t, err)

	summary, err := f.svc.GetEarnings(f.ctx, "partner-1")
	require.NoError(t, err)
	assert.Equal(t, model.EarningsSummary{
		AccountID: "partner-1",
		Total:     1200,
		Held:      500,
		Available: 700,
		Today:     4,
		Week:      34,
		Month:     234,
	}, summary)
}

func TestGetEarningsUnknownAccount(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.GetEarnings(f.ctx, "fresh-partner")
	require.NoError(t, err)
	assert.Equal(t, model.EarningsSummary{AccountID: "fresh-partner"}, summary)
}

func TestPeriodStarts(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)
	day, week, month := periodStarts(sunday)

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), day)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), week)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), month)
}
