package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"billing-api/internal/cache"
	"billing-api/internal/external"
	"billing-api/internal/models"
	"billing-api/internal/repository"
)

// In-memory fakes backing the engine tests. Mutation tests, and the
// concurrency tests in particular, need repositories with real state and a
// lock manager that actually blocks, which call-recording mocks cannot
// provide.

type fakeBalanceRepo struct {
	mu       sync.Mutex
	balances map[int64]*models.Balance
}

func newFakeBalanceRepo() *fakeBalanceRepo {
	return &fakeBalanceRepo{balances: make(map[int64]*models.Balance)}
}

func copyBalance(b *models.Balance) *models.Balance {
	c := *b
	return &c
}

func (r *fakeBalanceRepo) Create(ctx context.Context, balance *models.Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.balances[balance.UserID]; ok {
		return repository.ErrAlreadyExists
	}
	balance.ID = primitive.NewObjectID()
	r.balances[balance.UserID] = copyBalance(balance)
	return nil
}

func (r *fakeBalanceRepo) GetByUserID(ctx context.Context, userID int64) (*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyBalance(balance), nil
}

func (r *fakeBalanceRepo) Update(ctx context.Context, balance *models.Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.balances[balance.UserID]; !ok {
		return repository.ErrNotFound
	}
	r.balances[balance.UserID] = copyBalance(balance)
	return nil
}

func (r *fakeBalanceRepo) ListDebtors(ctx context.Context) ([]*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var debtors []*models.Balance
	for _, balance := range r.balances {
		if balance.HasDebt() {
			debtors = append(debtors, copyBalance(balance))
		}
	}
	sort.Slice(debtors, func(i, j int) bool {
		return debtors[i].Debt.GreaterThan(debtors[j].Debt)
	})
	return debtors, nil
}

func (r *fakeBalanceRepo) List(ctx context.Context, limit, offset int) ([]*models.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*models.Balance
	for _, balance := range r.balances {
		all = append(all, copyBalance(balance))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *fakeBalanceRepo) CreateIndexes(ctx context.Context) error { return nil }

type fakeTransactionRepo struct {
	mu           sync.Mutex
	transactions []*models.Transaction
	byID         map[string]*models.Transaction
	bySource     map[string]*models.Transaction
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{
		byID:     make(map[string]*models.Transaction),
		bySource: make(map[string]*models.Transaction),
	}
}

func sourceKey(source models.TransactionSource, sourceID string) string {
	return fmt.Sprintf("%s|%s", source, sourceID)
}

func copyTransaction(t *models.Transaction) *models.Transaction {
	c := *t
	return &c
}

func (r *fakeTransactionRepo) Create(ctx context.Context, transaction *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if transaction.SourceID != nil {
		if _, ok := r.bySource[sourceKey(transaction.Source, *transaction.SourceID)]; ok {
			return repository.ErrDuplicateSource
		}
	}
	transaction.ID = primitive.NewObjectID()
	stored := copyTransaction(transaction)
	r.transactions = append(r.transactions, stored)
	r.byID[transaction.TransactionID] = stored
	if transaction.SourceID != nil {
		r.bySource[sourceKey(transaction.Source, *transaction.SourceID)] = stored
	}
	return nil
}

func (r *fakeTransactionRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transaction, ok := r.byID[transactionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyTransaction(transaction), nil
}

func (r *fakeTransactionRepo) GetBySource(ctx context.Context, source models.TransactionSource, sourceID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transaction, ok := r.bySource[sourceKey(source, sourceID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyTransaction(transaction), nil
}

func (r *fakeTransactionRepo) ExistsBySource(ctx context.Context, source models.TransactionSource, sourceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySource[sourceKey(source, sourceID)]
	return ok, nil
}

func (r *fakeTransactionRepo) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*models.Transaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*models.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].UserID == userID {
			matched = append(matched, copyTransaction(r.transactions[i]))
		}
	}
	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *fakeTransactionRepo) GetLatestByUser(ctx context.Context, userID int64) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].UserID == userID {
			return copyTransaction(r.transactions[i]), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeTransactionRepo) CreateIndexes(ctx context.Context) error { return nil }

func (r *fakeTransactionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

type fakePaymentRepo struct {
	mu         sync.Mutex
	byID       map[string]*models.Payment
	byExternal map[string]*models.Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		byID:       make(map[string]*models.Payment),
		byExternal: make(map[string]*models.Payment),
	}
}

func copyPayment(p *models.Payment) *models.Payment {
	c := *p
	return &c
}

func (r *fakePaymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[payment.PaymentID]; ok {
		return repository.ErrAlreadyExists
	}
	payment.ID = primitive.NewObjectID()
	r.byID[payment.PaymentID] = copyPayment(payment)
	return nil
}

func (r *fakePaymentRepo) GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.byID[paymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyPayment(payment), nil
}

func (r *fakePaymentRepo) GetByExternalID(ctx context.Context, externalPaymentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.byExternal[externalPaymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyPayment(payment), nil
}

func (r *fakePaymentRepo) Update(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[payment.PaymentID]; !ok {
		return repository.ErrNotFound
	}
	stored := copyPayment(payment)
	r.byID[payment.PaymentID] = stored
	if payment.ExternalPaymentID != nil {
		r.byExternal[*payment.ExternalPaymentID] = stored
	}
	return nil
}

func (r *fakePaymentRepo) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*models.Payment
	for _, payment := range r.byID {
		if payment.Status == status {
			matched = append(matched, copyPayment(payment))
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (r *fakePaymentRepo) CreateIndexes(ctx context.Context) error { return nil }

// fakeLockManager serializes on in-process mutexes keyed the same way the
// Redis-backed manager keys its locks.
type fakeLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{locks: make(map[string]*sync.Mutex)}
}

func (m *fakeLockManager) lock(key string) *repository.DistributedLock {
	m.mu.Lock()
	keyed, ok := m.locks[key]
	if !ok {
		keyed = &sync.Mutex{}
		m.locks[key] = keyed
	}
	m.mu.Unlock()

	keyed.Lock()
	return &repository.DistributedLock{Key: key, AcquiredAt: time.Now()}
}

func (m *fakeLockManager) LockUser(ctx context.Context, userID int64) (*repository.DistributedLock, error) {
	return m.lock(fmt.Sprintf("user:%d:balance", userID)), nil
}

func (m *fakeLockManager) LockPayment(ctx context.Context, paymentID string) (*repository.DistributedLock, error) {
	return m.lock(fmt.Sprintf("payment:%s", paymentID)), nil
}

func (m *fakeLockManager) Release(ctx context.Context, lock *repository.DistributedLock) error {
	m.mu.Lock()
	keyed := m.locks[lock.Key]
	m.mu.Unlock()
	keyed.Unlock()
	return nil
}

// fakeTxRunner runs the function directly; the fakes have no sessions to
// coordinate.
type fakeTxRunner struct{}

func (fakeTxRunner) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// recordingCache misses every read and counts invalidations.
type recordingCache struct {
	mu                 sync.Mutex
	balanceInvalidated map[int64]int
	historyInvalidated map[int64]int
	debtorsInvalidated int
	paymentInvalidated map[string]int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{
		balanceInvalidated: make(map[int64]int),
		historyInvalidated: make(map[int64]int),
		paymentInvalidated: make(map[string]int),
	}
}

func (c *recordingCache) GetBalance(ctx context.Context, userID int64) (*models.Balance, error) {
	return nil, cache.ErrCacheMiss
}
func (c *recordingCache) SetBalance(ctx context.Context, balance *models.Balance) error { return nil }
func (c *recordingCache) InvalidateBalance(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceInvalidated[userID]++
	return nil
}

func (c *recordingCache) GetHistoryPage(ctx context.Context, userID int64, page, pageSize int) (*cache.HistoryPage, error) {
	return nil, cache.ErrCacheMiss
}
func (c *recordingCache) SetHistoryPage(ctx context.Context, userID int64, page, pageSize int, history *cache.HistoryPage) error {
	return nil
}
func (c *recordingCache) InvalidateHistory(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyInvalidated[userID]++
	return nil
}

func (c *recordingCache) GetDebtors(ctx context.Context) ([]*models.Balance, error) {
	return nil, cache.ErrCacheMiss
}
func (c *recordingCache) SetDebtors(ctx context.Context, debtors []*models.Balance) error { return nil }
func (c *recordingCache) InvalidateDebtors(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debtorsInvalidated++
	return nil
}

func (c *recordingCache) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return nil, cache.ErrCacheMiss
}
func (c *recordingCache) SetPayment(ctx context.Context, payment *models.Payment) error { return nil }
func (c *recordingCache) InvalidatePayment(ctx context.Context, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentInvalidated[paymentID]++
	return nil
}

func (c *recordingCache) Ping(ctx context.Context) error { return nil }
func (c *recordingCache) Close() error                   { return nil }

// recordingPublisher collects emitted events.
type recordingPublisher struct {
	mu                sync.Mutex
	transactionEvents []*external.TransactionEvent
	paymentEvents     []*external.PaymentEvent
}

func (p *recordingPublisher) PublishTransactionEvent(ctx context.Context, event *external.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactionEvents = append(p.transactionEvents, event)
	return nil
}

func (p *recordingPublisher) PublishPaymentEvent(ctx context.Context, event *external.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paymentEvents = append(p.paymentEvents, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
