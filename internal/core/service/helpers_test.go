package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	return m.Called(ctx, orderID).Error(0)
}

func (m *mockNotifier) SendOrderStatusUpdate(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return m.Called(ctx, orderID, status).Error(0)
}

func newQuietNotifier() *mockNotifier {
	n := &mockNotifier{}
	n.On("SendOrderConfirmation", mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("SendOrderStatusUpdate", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return n
}

// mockCacheRepo mirrors the redis idempotency contract in memory.
type mockCacheRepo struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{entries: make(map[string]string)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = ""
	return true, nil
}

func (m *mockCacheRepo) CompleteIdempotency(ctx context.Context, key, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.entries[key]; ok && v == "" {
		m.entries[key] = result
	}
	return nil
}

func (m *mockCacheRepo) GetIdempotency(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// flakyRepo fails the first n outermost transactions with a conflict.
type flakyRepo struct {
	port.DatabaseRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if !port.InTx(ctx) {
		f.calls.Add(1)
		if f.failures.Add(-1) >= 0 {
			return domain.ErrConcurrencyConflict
		}
	}
	return f.DatabaseRepository.WithinTx(ctx, fn)
}

type fixture struct {
	store     *storage.MemoryAdapter
	repo      port.DatabaseRepository
	alerts    *AlertMonitor
	inventory *InventoryService
	orders    *OrderService
	notifier  *mockNotifier
	cache     *mockCacheRepo
	log       *logrus.Logger
	logs      *logtest.Hook
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	repo        func(*storage.MemoryAdapter) port.DatabaseRepository
	alertOpts   []AlertOption
	notifier    *mockNotifier
	orderOpts   []OrderOption
	maxAttempts int
}

func withRepo(wrap func(*storage.MemoryAdapter) port.DatabaseRepository) fixtureOption {
	return func(c *fixtureConfig) { c.repo = wrap }
}

func withAlertOptions(opts ...AlertOption) fixtureOption {
	return func(c *fixtureConfig) { c.alertOpts = append(c.alertOpts, opts...) }
}

func withNotifier(n *mockNotifier) fixtureOption {
	return func(c *fixtureConfig) { c.notifier = n }
}

func withMaxAttempts(n int) fixtureOption {
	return func(c *fixtureConfig) { c.maxAttempts = n }
}

func withOrderOptions(opts ...OrderOption) fixtureOption {
	return func(c *fixtureConfig) { c.orderOpts = append(c.orderOpts, opts...) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	store := storage.NewMemoryAdapter()
	var repo port.DatabaseRepository = store
	if cfg.repo != nil {
		repo = cfg.repo(store)
	}
	notifier := cfg.notifier
	if notifier == nil {
		notifier = newQuietNotifier()
	}
	cache := newMockCacheRepo()

	alerts := NewAlertMonitor(repo, log, cfg.alertOpts...)
	inventory := NewInventoryService(repo, alerts, log, WithMaxAttempts(cfg.maxAttempts))
	orderOpts := append([]OrderOption{WithIdempotency(cache), WithNotifyRetry(2, 0)}, cfg.orderOpts...)
	orderOpts = append(orderOpts, WithOrderMaxAttempts(cfg.maxAttempts))
	orders := NewOrderService(repo, store, inventory, notifier, log, orderOpts...)

	return &fixture{
		store:     store,
		repo:      repo,
		alerts:    alerts,
		inventory: inventory,
		orders:    orders,
		notifier:  notifier,
		cache:     cache,
		log:       log,
		logs:      hook,
	}
}

func (f *fixture) product(t *testing.T, name string, stock, threshold int) domain.Product {
	t.Helper()
	p, err := f.store.SeedProduct(context.Background(), domain.Product{
		SKU:               "SKU-" + name,
		Name:              name,
		PriceCents:        1250,
		CurrentStock:      stock,
		LowStockThreshold: threshold,
		TrackInventory:    true,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.CurrentStock
}

func (f *fixture) cart(t *testing.T, id string, items ...domain.CartItem) {
	t.Helper()
	user := "user-1"
	require.NoError(t, f.store.SeedCart(context.Background(), domain.Cart{ID: id, UserID: &user, Items: items}))
}

func validShipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name:       "Ada Lovelace",
		Email:      "ada@example.com",
		Phone:      "+44 20 7946 0000",
		Address:    "12 Analytical Row",
		City:       "London",
		PostalCode: "NW1 6XE",
		Country:    "GB",
	}
}
