package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mmeshcher/grocery-console/internal/model"
)

// MemoryRepository хранит данные в памяти процесса с блокировками по ключу сущности.
// Подходит для тестов и запуска в одном экземпляре.
type MemoryRepository struct {
	locks keyLocks

	mu          sync.RWMutex
	orders      map[string]*model.Order
	credits     map[string]*model.DeliveryCredit
	coupons     map[string]*model.Coupon
	accounts    map[string]*model.EarningsAccount
	entries     map[string][]model.LedgerEntry
	entryByKey  map[string]model.LedgerEntry
	withdrawals map[string]*model.WithdrawalRequest
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:       keyLocks{locks: make(map[string]*keyLock)},
		orders:      make(map[string]*model.Order),
		credits:     make(map[string]*model.DeliveryCredit),
		coupons:     make(map[string]*model.Coupon),
		accounts:    make(map[string]*model.EarningsAccount),
		entries:     make(map[string][]model.LedgerEntry),
		entryByKey:  make(map[string]model.LedgerEntry),
		withdrawals: make(map[string]*model.WithdrawalRequest),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// CreateOrder сохраняет новый заказ.
func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", model.ErrValidation, o.ID)
	}
	r.orders[o.ID] = cloneOrder(o)
	return nil
}

// GetOrder возвращает копию заказа.
func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	return cloneOrder(o), nil
}

// UpdateOrder применяет fn под блокировкой заказа. Сохраняются только добавленные записи истории.
func (r *MemoryRepository) UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) (*model.DeliveryCredit, error)) (*model.Order, error) {
	unlock := r.locks.lock("order:" + id)
	defer unlock()

	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	persisted := slices.Clone(o.Timeline)

	credit, err := fn(o)
	if err != nil {
		return nil, err
	}

	if len(o.Timeline) > len(persisted) {
		o.Timeline = append(persisted, o.Timeline[len(persisted):]...)
	} else {
		o.Timeline = persisted
	}
	o.Version++

	r.mu.Lock()
	defer r.mu.Unlock()

	r.orders[id] = cloneOrder(o)
	if credit != nil {
		if _, ok := r.credits[credit.OrderID]; !ok {
			c := *credit
			c.Status = model.CreditStatusPending
			c.UpdatedAt = c.CreatedAt
			r.credits[credit.OrderID] = &c
		}
	}

	return o, nil
}

// PendingCredits возвращает непроведённые начисления в порядке постановки.
func (r *MemoryRepository) PendingCredits(_ context.Context, limit int) ([]model.DeliveryCredit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.DeliveryCredit
	for _, c := range r.credits {
		if c.Status == model.CreditStatusPending {
			res = append(res, *c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].OrderID < res[j].OrderID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// MarkCreditApplied отмечает начисление проведённым.
func (r *MemoryRepository) MarkCreditApplied(_ context.Context, orderID, ledgerEntryID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.credits[orderID]; ok && c.Status == model.CreditStatusPending {
		c.Status = model.CreditStatusApplied
		c.LedgerEntryID = ledgerEntryID
		c.LastError = ""
		c.UpdatedAt = at
	}
	return nil
}

// MarkCreditFailed увеличивает счётчик попыток начисления.
func (r *MemoryRepository) MarkCreditFailed(_ context.Context, orderID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.credits[orderID]; ok && c.Status == model.CreditStatusPending {
		c.Attempts++
		c.LastError = reason
		c.UpdatedAt = at
	}
	return nil
}

// Credit возвращает начисление по заказу.
func (r *MemoryRepository) Credit(orderID string) (model.DeliveryCredit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.credits[orderID]
	if !ok {
		return model.DeliveryCredit{}, false
	}
	return *c, true
}

// CreateCoupon сохраняет новый купон.
func (r *MemoryRepository) CreateCoupon(_ context.Context, c *model.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.coupons[c.Code]; ok {
		return fmt.Errorf("%w: coupon %s already exists", model.ErrValidation, c.Code)
	}
	r.coupons[c.Code] = cloneCoupon(c)
	return nil
}

// GetCoupon возвращает копию купона.
func (r *MemoryRepository) GetCoupon(_ context.Context, code string) (*model.Coupon, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.coupons[code]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", code, model.ErrNotFound)
	}
	return cloneCoupon(c), nil
}

// UpdateCoupon применяет fn под блокировкой купона.
func (r *MemoryRepository) UpdateCoupon(ctx context.Context, code string, fn func(c *model.Coupon) error) (*model.Coupon, error) {
	unlock := r.locks.lock("coupon:" + code)
	defer unlock()

	c, err := r.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := fn(c); err != nil {
		return nil, err
	}
	c.Version++

	r.mu.Lock()
	r.coupons[code] = cloneCoupon(c)
	r.mu.Unlock()

	return c, nil
}

// GetAccount возвращает копию счёта начислений.
func (r *MemoryRepository) GetAccount(_ context.Context, id string) (*model.EarningsAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	cp := *acc
	return &cp, nil
}

// ApplyEntry применяет fn под блокировкой счёта и добавляет запись в реестр.
func (r *MemoryRepository) ApplyEntry(
	_ context.Context,
	accountID string,
	ownerType model.OwnerType,
	idempotencyKey string,
	fn func(acc model.EarningsAccount) (model.LedgerEntry, error),
) (model.LedgerEntry, bool, error) {
	unlock := r.locks.lock("account:" + accountID)
	defer unlock()

	r.mu.RLock()
	existing, replayed := r.entryByKey[idempotencyKey]
	acc, found := r.accounts[accountID]
	r.mu.RUnlock()

	if idempotencyKey != "" && replayed {
		return existing, true, nil
	}

	current := model.EarningsAccount{ID: accountID, OwnerType: ownerType}
	if found {
		current = *acc
	}

	entry, err := fn(current)
	if err != nil {
		return model.LedgerEntry{}, false, err
	}

	r.mu.Lock()
	r.storeEntry(current, found, entry)
	r.mu.Unlock()

	return entry, false, nil
}

// storeEntry вызывается под r.mu.
func (r *MemoryRepository) storeEntry(acc model.EarningsAccount, existed bool, entry model.LedgerEntry) {
	if !existed {
		acc.CreatedAt = entry.CreatedAt
	}
	acc.Balance = entry.BalanceAfter
	acc.Version++
	acc.UpdatedAt = entry.CreatedAt

	r.accounts[acc.ID] = &acc
	r.entries[acc.ID] = append(r.entries[acc.ID], entry)
	if entry.IdempotencyKey != "" {
		r.entryByKey[entry.IdempotencyKey] = entry
	}
}

// ListLedgerEntries возвращает последние записи реестра, новые первыми.
func (r *MemoryRepository) ListLedgerEntries(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := slices.Clone(r.entries[accountID])
	slices.Reverse(res)
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SumAdded возвращает сумму зачислений на счёт начиная с since.
func (r *MemoryRepository) SumAdded(_ context.Context, accountID string, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.SumBy(r.entries[accountID], func(e model.LedgerEntry) int64 {
		if e.Action != model.LedgerActionAdd || e.CreatedAt.Before(since) {
			return 0
		}
		return e.Amount
	}), nil
}

// CreateWithdrawal создаёт запрос на вывод под блокировкой счёта.
func (r *MemoryRepository) CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, check func(balance, held int64) error) error {
	unlock := r.locks.lock("account:" + w.AccountID)
	defer unlock()

	var balance int64
	r.mu.RLock()
	if acc, ok := r.accounts[w.AccountID]; ok {
		balance = acc.Balance
	}
	r.mu.RUnlock()

	held, err := r.HeldAmount(ctx, w.AccountID)
	if err != nil {
		return err
	}

	if err := check(balance, held); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.withdrawals[w.ID]; ok {
		return fmt.Errorf("%w: withdrawal %s already exists", model.ErrValidation, w.ID)
	}
	r.withdrawals[w.ID] = cloneWithdrawal(w)
	return nil
}

// GetWithdrawal возвращает копию запроса на вывод.
func (r *MemoryRepository) GetWithdrawal(_ context.Context, id string) (*model.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, model.ErrNotFound)
	}
	return cloneWithdrawal(w), nil
}

// UpdateWithdrawal применяет fn под блокировкой запроса.
func (r *MemoryRepository) UpdateWithdrawal(ctx context.Context, id string, fn func(w *model.WithdrawalRequest) error) (*model.WithdrawalRequest, error) {
	unlock := r.locks.lock("withdrawal:" + id)
	defer unlock()

	w, err := r.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(w); err != nil {
		return nil, err
	}
	w.Version++

	r.mu.Lock()
	r.withdrawals[id] = cloneWithdrawal(w)
	r.mu.Unlock()

	return w, nil
}

// SettleWithdrawal применяет fn под блокировками запроса и счёта (в этом порядке)
// и сохраняет запрос вместе с записью реестра.
func (r *MemoryRepository) SettleWithdrawal(
	ctx context.Context,
	id string,
	fn func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error),
) (*model.WithdrawalRequest, error) {
	unlock := r.locks.lock("withdrawal:" + id)
	defer unlock()

	w, err := r.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}

	unlockAccount := r.locks.lock("account:" + w.AccountID)
	defer unlockAccount()

	r.mu.RLock()
	acc, found := r.accounts[w.AccountID]
	r.mu.RUnlock()

	current := model.EarningsAccount{ID: w.AccountID}
	if found {
		current = *acc
	}

	entry, err := fn(w, current)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return w, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entryByKey[entry.IdempotencyKey]; entry.IdempotencyKey != "" && dup {
		return nil, fmt.Errorf("%w: ledger entry %s already recorded", model.ErrConcurrencyConflict, entry.IdempotencyKey)
	}

	w.Version++
	r.storeEntry(current, found, *entry)
	r.withdrawals[id] = cloneWithdrawal(w)

	return w, nil
}

// ListWithdrawals возвращает запросы на вывод по счёту, новые первыми.
func (r *MemoryRepository) ListWithdrawals(_ context.Context, accountID string) ([]model.WithdrawalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.WithdrawalRequest
	for _, w := range r.withdrawals {
		if w.AccountID == accountID {
			res = append(res, *cloneWithdrawal(w))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// HeldAmount возвращает сумму удержаний по незавершённым запросам.
func (r *MemoryRepository) HeldAmount(_ context.Context, accountID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var held int64
	for _, w := range r.withdrawals {
		if w.AccountID == accountID && w.Status.HoldsFunds() {
			held += w.Amount
		}
	}
	return held, nil
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks выдаёт мьютекс на ключ и удаляет его, когда ключ никто не держит.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func cloneOrder(o *model.Order) *model.Order {
	cp := *o
	cp.Items = slices.Clone(o.Items)
	cp.Timeline = slices.Clone(o.Timeline)
	if o.DeliveryPartnerID != nil {
		cp.DeliveryPartnerID = lo.ToPtr(*o.DeliveryPartnerID)
	}
	return &cp
}

func cloneCoupon(c *model.Coupon) *model.Coupon {
	cp := *c
	if c.MaxDiscount != nil {
		cp.MaxDiscount = lo.ToPtr(*c.MaxDiscount)
	}
	if c.UsageLimit != nil {
		cp.UsageLimit = lo.ToPtr(*c.UsageLimit)
	}
	return &cp
}

func cloneWithdrawal(w *model.WithdrawalRequest) *model.WithdrawalRequest {
	cp := *w
	if w.BalanceAfter != nil {
		cp.BalanceAfter = lo.ToPtr(*w.BalanceAfter)
	}
	return &cp
}
