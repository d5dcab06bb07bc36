// Package service реализует транзакционное ядро операторской консоли:
// жизненный цикл заказов, купоны, реестр начислений и вывод средств.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/grocery-console/internal/events"
	"github.com/mmeshcher/grocery-console/internal/metrics"
	"github.com/mmeshcher/grocery-console/internal/model"
)

// OrderRepository описывает хранение заказов.
type OrderRepository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) (*model.DeliveryCredit, error)) (*model.Order, error)
}

// CreditRepository описывает очередь начислений за доставку.
type CreditRepository interface {
	PendingCredits(ctx context.Context, limit int) ([]model.DeliveryCredit, error)
	MarkCreditApplied(ctx context.Context, orderID, ledgerEntryID string, at time.Time) error
	MarkCreditFailed(ctx context.Context, orderID, reason string, at time.Time) error
}

// CouponRepository описывает хранение купонов.
type CouponRepository interface {
	CreateCoupon(ctx context.Context, c *model.Coupon) error
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	UpdateCoupon(ctx context.Context, code string, fn func(c *model.Coupon) error) (*model.Coupon, error)
}

// LedgerRepository описывает хранение счетов и реестра начислений.
type LedgerRepository interface {
	GetAccount(ctx context.Context, id string) (*model.EarningsAccount, error)
	ApplyEntry(
		ctx context.Context,
		accountID string,
		ownerType model.OwnerType,
		idempotencyKey string,
		fn func(acc model.EarningsAccount) (model.LedgerEntry, error),
	) (model.LedgerEntry, bool, error)
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	SumAdded(ctx context.Context, accountID string, since time.Time) (int64, error)
	HeldAmount(ctx context.Context, accountID string) (int64, error)
}

// WithdrawalRepository описывает хранение запросов на вывод.
type WithdrawalRepository interface {
	CreateWithdrawal(ctx context.Context, w *model.WithdrawalRequest, check func(balance, held int64) error) error
	GetWithdrawal(ctx context.Context, id string) (*model.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, id string, fn func(w *model.WithdrawalRequest) error) (*model.WithdrawalRequest, error)
	SettleWithdrawal(
		ctx context.Context,
		id string,
		fn func(w *model.WithdrawalRequest, acc model.EarningsAccount) (*model.LedgerEntry, error),
	) (*model.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, accountID string) ([]model.WithdrawalRequest, error)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	OrderRepository
	CreditRepository
	CouponRepository
	LedgerRepository
	WithdrawalRepository
}

// Options задаёт политику и параметры фонового начисления.
type Options struct {
	// Now возвращает текущее время. По умолчанию time.Now.
	Now func() time.Time
	// LedgerSetEnabled разрешает административную установку баланса.
	LedgerSetEnabled bool
	// CreditInterval задаёт период опроса очереди начислений.
	CreditInterval time.Duration
	// CreditBatchSize ограничивает число начислений за проход.
	CreditBatchSize int
	// CreditRetryBase задаёт начальную задержку повтора начисления.
	CreditRetryBase time.Duration
}

const (
	defaultCreditInterval  = 5 * time.Second
	defaultCreditBatchSize = 100
	defaultCreditRetryBase = 100 * time.Millisecond
)

// Service объединяет компоненты ядра. Методы компонентов доступны напрямую.
type Service struct {
	*OrderLifecycle
	*CouponEngine
	*EarningsLedger
	*WithdrawalProcessor

	Credits *CreditWorker

	repo Repository
}

// NewService создаёт сервис поверх репозитория. publisher, m и logger могут быть nil.
func NewService(repo Repository, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CreditInterval <= 0 {
		opts.CreditInterval = defaultCreditInterval
	}
	if opts.CreditBatchSize <= 0 {
		opts.CreditBatchSize = defaultCreditBatchSize
	}
	if opts.CreditRetryBase <= 0 {
		opts.CreditRetryBase = defaultCreditRetryBase
	}

	b := base{
		logger:    logger,
		publisher: publisher,
		metrics:   m,
		now:       opts.Now,
	}

	ledger := &EarningsLedger{base: b, repo: repo, setEnabled: opts.LedgerSetEnabled}
	credits := &CreditWorker{
		base:      b,
		repo:      repo,
		ledger:    ledger,
		interval:  opts.CreditInterval,
		batchSize: opts.CreditBatchSize,
		retryBase: opts.CreditRetryBase,
		wake:      make(chan struct{}, 1),
	}

	return &Service{
		OrderLifecycle:      &OrderLifecycle{base: b, repo: repo, credits: credits},
		CouponEngine:        &CouponEngine{base: b, repo: repo},
		EarningsLedger:      ledger,
		WithdrawalProcessor: &WithdrawalProcessor{base: b, repo: repo, ledger: ledger},
		Credits:             credits,
		repo:                repo,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// base хранит общее окружение компонентов.
type base struct {
	logger    *zap.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// publish отправляет событие после фиксации изменения. Ошибка только логируется.
func (b base) publish(ctx context.Context, t events.Type, entityID string, payload any) {
	e, err := events.New(t, entityID, model.ActorFromContext(ctx), b.now(), payload)
	if err == nil {
		err = b.publisher.Publish(ctx, e)
	}
	if err != nil {
		b.logger.Warn("Failed to publish event",
			zap.String("type", string(t)),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// wrap дополняет ошибку хранилища контекстом операции. Уже собранный контекст сохраняется.
func wrap(err error, entity model.Entity, id, state, action string) error {
	var opErr *model.OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return model.Fail(nil, entity, id, state, action, err)
}

func invalid(entity model.Entity, id, action, format string, args ...any) error {
	return model.Fail(model.ErrValidation, entity, id, "", action, fmt.Errorf(format, args...))
}
