package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/adapter/notifier"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

type testEnv struct {
	store     *storage.MemoryAdapter
	orders    *service.OrderService
	inventory *service.InventoryService
	log       *logrus.Logger
	logs      *logtest.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	store := storage.NewMemoryAdapter()
	alerts := service.NewAlertMonitor(store, log)
	inventory := service.NewInventoryService(store, alerts, log)
	orders := service.NewOrderService(store, store, inventory, notifier.NewLogNotifier(log), log)
	return &testEnv{store: store, orders: orders, inventory: inventory, log: log, logs: hook}
}

func (e *testEnv) seedProduct(t *testing.T, name string, stock, threshold int) domain.Product {
	t.Helper()
	p, err := e.store.SeedProduct(context.Background(), domain.Product{
		SKU: "SKU-" + name, Name: name, PriceCents: 999,
		CurrentStock: stock, LowStockThreshold: threshold, TrackInventory: true,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) seedCart(t *testing.T, id string, items ...domain.CartItem) {
	t.Helper()
	require.NoError(t, e.store.SeedCart(context.Background(), domain.Cart{ID: id, Items: items}))
}

func shipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name: "Grace Hopper", Email: "grace@example.com", Phone: "555-0100",
		Address: "1 Compiler Way", City: "Arlington", PostalCode: "22201", Country: "US",
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
