package repository_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/grocery-console/internal/model"
	"github.com/mmeshcher/grocery-console/internal/service"
)

// Общие проверки хранилища. Выполняются и для памяти, и для PostgreSQL,
// поэтому идентификаторы случайные: база общая для всех тестов набора.

func testTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func fakeOrder(now time.Time) *model.Order {
	o := &model.Order{
		ID:            gofakeit.UUID(),
		Status:        model.OrderStatusPending,
		Shipping:      int64(gofakeit.IntRange(100, 999)),
		Tax:           int64(gofakeit.IntRange(0, 300)),
		PaymentMethod: gofakeit.RandomString([]string{"card", "cash"}),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for range gofakeit.IntRange(1, 4) {
		o.Items = append(o.Items, model.OrderItem{
			ProductID: gofakeit.UUID(),
			Name:      gofakeit.ProductName(),
			Price:     int64(gofakeit.IntRange(50, 5000)),
			Quantity:  int64(gofakeit.IntRange(1, 5)),
		})
	}
	o.Subtotal = o.ItemsSubtotal()
	o.Discount = o.Subtotal / 10
	o.Total = o.ComputeTotal()
	o.Timeline = []model.TimelineEntry{{
		Status:    model.OrderStatusPending,
		Timestamp: now,
		Completed: true,
		Actor:     "operator-1",
	}}
	return o
}

func fakeCoupon(now time.Time) *model.Coupon {
	return &model.Coupon{
		Code:          "C" + gofakeit.DigitN(10),
		DiscountType:  model.DiscountTypePercentage,
		DiscountValue: int64(gofakeit.IntRange(1, 100)),
		MinOrderValue: int64(gofakeit.IntRange(0, 1000)),
		UsageLimit:    lo.ToPtr[int64](2),
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(24 * time.Hour),
		IsActive:      true,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func ledgerEntry(acc model.EarningsAccount, action model.LedgerAction, amount int64, key string, at time.Time) model.LedgerEntry {
	after := acc.Balance + amount
	if action == model.LedgerActionDeduct {
		after = acc.Balance - amount
	}
	return model.LedgerEntry{
		ID:             gofakeit.UUID(),
		AccountID:      acc.ID,
		Action:         action,
		Amount:         amount,
		BalanceBefore:  acc.Balance,
		BalanceAfter:   after,
		Reason:         gofakeit.Sentence(3),
		Actor:          "operator-1",
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

func fund(t *testing.T, r service.Repository, accountID string, amount int64, at time.Time) {
	t.Helper()

	_, _, err := r.ApplyEntry(t.Context(), accountID, model.OwnerTypeDeliveryPartner, "",
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			return ledgerEntry(acc, model.LedgerActionAdd, amount, "", at), nil
		})
	require.NoError(t, err)
}

func assertEqual[T any](t *testing.T, expected, actual T) {
	t.Helper()

	diff := cmp.Diff(expected, actual, cmpopts.EquateEmpty())
	assert.Empty(t, diff)
}

func testOrders(t *testing.T, r service.Repository) {
	ctx := t.Context()
	now := testTime()

	o := fakeOrder(now)
	require.NoError(t, r.CreateOrder(ctx, o))

	got, err := r.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assertEqual(t, o, got)

	assert.ErrorIs(t, r.CreateOrder(ctx, o), model.ErrValidation)

	_, err = r.GetOrder(ctx, gofakeit.UUID())
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.UpdateOrder(ctx, o.ID, func(o *model.Order) (*model.DeliveryCredit, error) {
		o.Status = model.OrderStatusCancelled
		return nil, model.ErrInvalidTransition
	})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err = r.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)

	partner := gofakeit.UUID()
	later := now.Add(time.Minute)

	updated, err := r.UpdateOrder(ctx, o.ID, func(o *model.Order) (*model.DeliveryCredit, error) {
		o.Status = model.OrderStatusDelivered
		o.DeliveryPartnerID = &partner
		o.Timeline = append(o.Timeline, model.TimelineEntry{
			Status:    model.OrderStatusDelivered,
			Timestamp: later,
			Completed: true,
			Actor:     "operator-2",
		})
		o.UpdatedAt = later
		return &model.DeliveryCredit{OrderID: o.ID, AccountID: partner, Amount: o.Shipping, CreatedAt: later}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err = r.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assertEqual(t, updated, got)
	require.Len(t, got.Timeline, 2)

	pendingCredit := func() (model.DeliveryCredit, bool) {
		credits, err := r.PendingCredits(ctx, 1000)
		require.NoError(t, err)
		return lo.Find(credits, func(c model.DeliveryCredit) bool { return c.OrderID == o.ID })
	}

	c, found := pendingCredit()
	require.True(t, found)
	assert.Equal(t, partner, c.AccountID)
	assert.Equal(t, o.Shipping, c.Amount)
	assert.Equal(t, "delivery:"+o.ID, c.IdempotencyKey())

	failedAt := later.Add(time.Minute)
	require.NoError(t, r.MarkCreditFailed(ctx, o.ID, "ledger unavailable", failedAt))
	c, found = pendingCredit()
	require.True(t, found)
	assert.Equal(t, 1, c.Attempts)
	assert.Equal(t, "ledger unavailable", c.LastError)
	assert.True(t, failedAt.Equal(c.UpdatedAt), "updated at %v, want %v", c.UpdatedAt, failedAt)

	require.NoError(t, r.MarkCreditApplied(ctx, o.ID, gofakeit.UUID(), failedAt.Add(time.Minute)))
	_, found = pendingCredit()
	assert.False(t, found)
}

func testCoupons(t *testing.T, r service.Repository) {
	ctx := t.Context()
	now := testTime()

	c := fakeCoupon(now)
	require.NoError(t, r.CreateCoupon(ctx, c))

	got, err := r.GetCoupon(ctx, c.Code)
	require.NoError(t, err)
	assertEqual(t, c, got)

	assert.ErrorIs(t, r.CreateCoupon(ctx, c), model.ErrValidation)

	_, err = r.GetCoupon(ctx, "MISSING"+gofakeit.DigitN(6))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.UpdateCoupon(ctx, c.Code, func(c *model.Coupon) error {
		c.UsedCount = 100
		return model.ErrUsageLimitExceeded
	})
	require.ErrorIs(t, err, model.ErrUsageLimitExceeded)

	var redeemed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.UpdateCoupon(ctx, c.Code, func(c *model.Coupon) error {
				if !c.HasUsageLeft() {
					return model.ErrUsageLimitExceeded
				}
				c.UsedCount++
				return nil
			})
			if err == nil {
				redeemed.Add(1)
			} else {
				assert.ErrorIs(t, err, model.ErrUsageLimitExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), redeemed.Load())

	got, err = r.GetCoupon(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsedCount)
	assert.Equal(t, int64(3), got.Version)
}

func testLedger(t *testing.T, r service.Repository) {
	ctx := t.Context()
	now := testTime()
	accountID := gofakeit.UUID()
	key := "delivery:" + gofakeit.UUID()

	first, replayed, err := r.ApplyEntry(ctx, accountID, model.OwnerTypeVendor, key,
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			assert.Equal(t, accountID, acc.ID)
			assert.Zero(t, acc.Balance)
			return ledgerEntry(acc, model.LedgerActionAdd, 500, key, now.Add(-48*time.Hour)), nil
		})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(500), first.BalanceAfter)

	again, replayed, err := r.ApplyEntry(ctx, accountID, model.OwnerTypeVendor, key,
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			t.Fatalf("replayed key must not reach the closure")
			return model.LedgerEntry{}, nil
		})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)

	acc, err := r.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balance)
	assert.Equal(t, model.OwnerTypeVendor, acc.OwnerType)

	_, _, err = r.ApplyEntry(ctx, accountID, model.OwnerTypeVendor, "",
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			return model.LedgerEntry{}, model.ErrInsufficientBalance
		})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, _, err = r.ApplyEntry(ctx, accountID, model.OwnerTypeVendor, "",
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			return ledgerEntry(acc, model.LedgerActionAdd, 200, "", now.Add(-time.Hour)), nil
		})
	require.NoError(t, err)

	_, _, err = r.ApplyEntry(ctx, accountID, model.OwnerTypeVendor, "",
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			return ledgerEntry(acc, model.LedgerActionDeduct, 50, "", now), nil
		})
	require.NoError(t, err)

	entries, err := r.ListLedgerEntries(ctx, accountID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []model.LedgerAction{model.LedgerActionDeduct, model.LedgerActionAdd, model.LedgerActionAdd},
		lo.Map(entries, func(e model.LedgerEntry, _ int) model.LedgerAction { return e.Action }))
	assert.Equal(t, int64(650), entries[0].BalanceAfter)
	assert.Equal(t, key, entries[2].IdempotencyKey)

	limited, err := r.ListLedgerEntries(ctx, accountID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	recent, err := r.SumAdded(ctx, accountID, now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(200), recent)

	all, err := r.SumAdded(ctx, accountID, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(700), all)

	// неудачная первая операция не оставляет счёта
	ghost := gofakeit.UUID()
	_, _, err = r.ApplyEntry(ctx, ghost, model.OwnerTypeDeliveryPartner, "",
		func(acc model.EarningsAccount) (model.LedgerEntry, error) {
			return model.LedgerEntry{}, model.ErrInsufficientBalance
		})
	require.Error(t, err)
	_, err = r.GetAccount(ctx, ghost)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testLedgerSerialization(t *testing.T, r service.Repository) {
	ctx := t.Context()
	accountID := gofakeit.UUID()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.ApplyEntry(ctx, accountID, model.OwnerTypeDeliveryPartner, "",
				func(acc model.EarningsAccount) (model.LedgerEntry, error) {
					return ledgerEntry(acc, model.LedgerActionAdd, 10, "", testTime()), nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acc, err := r.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), acc.Balance)

	entries, err := r.ListLedgerEntries(ctx, accountID, 100)
	require.NoError(t, err)
	require.Len(t, entries, 20)

	// каждая запись начинается с баланса, на котором закончилась предыдущая
	befores := lo.Map(entries, func(e model.LedgerEntry, _ int) int64 { return e.BalanceBefore })
	assert.ElementsMatch(t, lo.RangeWithSteps[int64](0, 200, 10), befores)
}

func testWithdrawals(t *testing.T, r service.Repository) {
	ctx := t.Context()
	now := testTime()
	accountID := gofakeit.UUID()

	fund(t, r, accountID, 1000, now)

	newRequest := func(amount int64, at time.Time) *model.WithdrawalRequest {
		return &model.WithdrawalRequest{
			ID:        gofakeit.UUID(),
			AccountID: accountID,
			Amount:    amount,
			Status:    model.WithdrawalStatusPending,
			Version:   1,
			CreatedAt: at,
			UpdatedAt: at,
		}
	}

	w1 := newRequest(300, now)
	require.NoError(t, r.CreateWithdrawal(ctx, w1, func(balance, held int64) error {
		assert.Equal(t, int64(1000), balance)
		assert.Zero(t, held)
		w1.BalanceBefore = balance
		return nil
	}))

	w2 := newRequest(200, now.Add(time.Second))
	require.NoError(t, r.CreateWithdrawal(ctx, w2, func(balance, held int64) error {
		assert.Equal(t, int64(300), held)
		w2.BalanceBefore = balance
		return nil
	}))

	rejected := newRequest(900, now.Add(2*time.Second))
	err := r.CreateWithdrawal(ctx, rejected, func(balance, held int64) error {
		return model.ErrInsufficientBalance
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	_, err = r.GetWithdrawal(ctx, rejected.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	held, err := r.HeldAmount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), held)

	processing, err := r.UpdateWithdrawal(ctx, w1.ID, func(w *model.WithdrawalRequest) error {
		w.Status = model.WithdrawalStatusProcessing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), processing.Version)

	completed, err := r.SettleWithdrawal(ctx, w1.ID,
		func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error) {
			assert.Equal(t, model.WithdrawalStatusProcessing, w.Status)
			assert.Equal(t, int64(1000), acc.Balance)

			e := ledgerEntry(acc, model.LedgerActionDeduct, w.Amount, w.IdempotencyKey(), now)
			w.Status = model.WithdrawalStatusCompleted
			w.BalanceAfter = &e.BalanceAfter
			w.LedgerEntryID = e.ID
			return &e, nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(3), completed.Version)

	got, err := r.GetWithdrawal(ctx, w1.ID)
	require.NoError(t, err)
	assertEqual(t, completed, got)
	require.NotNil(t, got.BalanceAfter)
	assert.Equal(t, int64(700), *got.BalanceAfter)

	acc, err := r.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), acc.Balance)

	held, err = r.HeldAmount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), held)

	unchanged, err := r.SettleWithdrawal(ctx, w1.ID,
		func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error) {
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, completed.Version, unchanged.Version)

	_, err = r.SettleWithdrawal(ctx, w1.ID,
		func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error) {
			e := ledgerEntry(acc, model.LedgerActionDeduct, w.Amount, w.IdempotencyKey(), now)
			return &e, nil
		})
	require.ErrorIs(t, err, model.ErrConcurrencyConflict)

	acc, err = r.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), acc.Balance)

	_, err = r.SettleWithdrawal(ctx, gofakeit.UUID(),
		func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error) {
			return nil, errors.New("must not be called")
		})
	assert.ErrorIs(t, err, model.ErrNotFound)

	list, err := r.ListWithdrawals(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []string{w2.ID, w1.ID}, lo.Map(list, func(w model.WithdrawalRequest, _ int) string { return w.ID }))
}
