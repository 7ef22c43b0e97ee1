package storage_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/inventory-ledger/internal/adapter/notifier"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

type integrationEnv struct {
	db        *sqlx.DB
	rdb       *redis.Client
	orders    *service.OrderService
	inventory *service.InventoryService
}

func setupIntegration(t *testing.T) *integrationEnv {
	redisAddr := os.Getenv("LEDGER_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	dsn := os.Getenv("LEDGER_MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/ledger_test?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		rdb.Close()
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	require.NoError(t, storage.Migrate(dsn, true))
	t.Cleanup(func() {
		rdb.Close()
		db.Close()
	})

	log, _ := logtest.NewNullLogger()
	store := storage.NewMySQLAdapter(db)
	alerts := service.NewAlertMonitor(store, log)
	inventory := service.NewInventoryService(store, alerts, log, service.WithMaxAttempts(5))
	orders := service.NewOrderService(store, store, inventory, notifier.NewLogNotifier(log), log,
		service.WithIdempotency(storage.NewRedisAdapter(rdb, 0)),
		service.WithOrderMaxAttempts(5),
		service.WithNotifyRetry(1, 0),
	)
	return &integrationEnv{db: db, rdb: rdb, orders: orders, inventory: inventory}
}

func (e *integrationEnv) product(t *testing.T, stock, threshold int) int64 {
	t.Helper()
	res, err := e.db.Exec(`
		INSERT INTO products (sku, name, price_cents, current_stock, low_stock_threshold, track_inventory)
		VALUES (?, ?, ?, ?, ?, 1)`,
		"IT-"+uuid.NewString()[:8], "integration item", 2500, stock, threshold)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func (e *integrationEnv) cart(t *testing.T, items ...domain.CartItem) string {
	t.Helper()
	id := uuid.NewString()
	_, err := e.db.Exec(`INSERT INTO carts (id, user_id) VALUES (?, ?)`, id, "it-user")
	require.NoError(t, err)
	for _, item := range items {
		_, err := e.db.Exec(`INSERT INTO cart_items (cart_id, product_id, quantity) VALUES (?, ?, ?)`,
			id, item.ProductID, item.Quantity)
		require.NoError(t, err)
	}
	return id
}

func integrationShipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name: "Ada Lovelace", Email: "ada@example.com", Phone: "555-0199",
		Address: "12 Engine Row", City: "London", PostalCode: "N1 9GU", Country: "GB",
	}
}

func TestIntegration_ConcurrentOrdersNeverOversell(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	productID := env.product(t, 10, 2)

	carts := make([]string, 25)
	for i := range carts {
		carts[i] = env.cart(t, domain.CartItem{ProductID: productID, Quantity: 1})
	}

	var success, soldOut atomic.Int32
	var wg sync.WaitGroup
	for _, cartID := range carts {
		wg.Add(1)
		go func(cartID string) {
			defer wg.Done()
			_, err := env.orders.PlaceOrder(ctx, domain.PlaceOrderRequest{CartID: cartID, Shipping: integrationShipping()})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				t.Errorf("unexpected order failure: %v", err)
			}
		}(cartID)
	}
	wg.Wait()

	assert.Equal(t, int32(10), success.Load())
	assert.Equal(t, int32(15), soldOut.Load())

	report, err := env.inventory.VerifyLedger(ctx, productID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 0, report.CurrentStock)
	assert.Equal(t, 10, report.MovementCount)

	alerts, err := env.inventory.GetStockAlerts(ctx, false)
	require.NoError(t, err)
	var forProduct []domain.StockAlert
	for _, a := range alerts {
		if a.ProductID == productID {
			forProduct = append(forProduct, a)
		}
	}
	assert.Len(t, forProduct, 1)
}

func TestIntegration_MultiItemOrderIsAtomic(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	a := env.product(t, 10, 0)
	b := env.product(t, 1, 0)
	cartID := env.cart(t,
		domain.CartItem{ProductID: a, Quantity: 3},
		domain.CartItem{ProductID: b, Quantity: 2},
	)

	_, err := env.orders.PlaceOrder(ctx, domain.PlaceOrderRequest{CartID: cartID, Shipping: integrationShipping()})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	for id, want := range map[int64]int{a: 10, b: 1} {
		p, err := env.inventory.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, p.CurrentStock)
	}
	var orders int
	require.NoError(t, env.db.Get(&orders, `SELECT COUNT(*) FROM orders WHERE cart_id = ?`, cartID))
	assert.Zero(t, orders)
}

func TestIntegration_IdempotentPlaceAndCancel(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	productID := env.product(t, 5, 0)
	cartID := env.cart(t, domain.CartItem{ProductID: productID, Quantity: 2})
	req := domain.PlaceOrderRequest{CartID: cartID, RequestID: uuid.NewString(), Shipping: integrationShipping()}

	first, err := env.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)
	replay, err := env.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	order, err := env.orders.GetOrder(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(5000), order.TotalCents)

	require.NoError(t, env.orders.CancelOrder(ctx, first.OrderID))
	require.NoError(t, env.orders.CancelOrder(ctx, first.OrderID))

	p, err := env.inventory.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.CurrentStock)

	report, err := env.inventory.VerifyLedger(ctx, productID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.MovementCount)
}

func TestIntegration_ConcurrentCancelRestoresOnce(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()
	a := env.product(t, 10, 0)
	b := env.product(t, 6, 0)
	cartID := env.cart(t,
		domain.CartItem{ProductID: a, Quantity: 3},
		domain.CartItem{ProductID: b, Quantity: 4},
	)

	placed, err := env.orders.PlaceOrder(ctx, domain.PlaceOrderRequest{CartID: cartID, Shipping: integrationShipping()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.orders.CancelOrder(ctx, placed.OrderID))
		}()
	}
	wg.Wait()

	var returns []struct {
		Reference string `db:"reference"`
		Count     int    `db:"n"`
	}
	require.NoError(t, env.db.Select(&returns, `
		SELECT reference, COUNT(*) AS n FROM stock_movements
		WHERE order_id = ? AND movement_type = 'RETURN'
		GROUP BY reference`, placed.OrderID))
	require.Len(t, returns, 2)
	for _, r := range returns {
		assert.Equal(t, 1, r.Count, "item %s restored more than once", r.Reference)
	}

	for id, want := range map[int64]int{a: 10, b: 6} {
		report, err := env.inventory.VerifyLedger(ctx, id)
		require.NoError(t, err)
		assert.True(t, report.Consistent)
		assert.Equal(t, want, report.CurrentStock)
		assert.Equal(t, 2, report.MovementCount)
	}

	order, err := env.orders.GetOrder(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
}
