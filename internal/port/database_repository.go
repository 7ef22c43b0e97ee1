package port

import (
	"context"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type DatabaseRepository interface {
	// WithinTx runs fn in one transaction. A context that already carries a
	// transaction from the same repository joins it instead of opening a new one.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetProduct retrieves a product by ID
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)

	// ListLowStockProducts returns tracked products at or below their threshold, lowest stock first
	ListLowStockProducts(ctx context.Context, limit int) ([]domain.Product, error)

	// ListMovements returns movements newest first
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)

	// ListProductLedger returns every movement of a product in ledger order
	ListProductLedger(ctx context.Context, productID int64) ([]domain.StockMovement, error)

	// ListAlerts returns alerts filtered by resolution state, newest first
	ListAlerts(ctx context.Context, resolved bool) ([]domain.StockAlert, error)

	// GetOrder retrieves an order with its items
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// Tx exposes the statements that must run under one transaction's lock scope.
type Tx interface {
	// GetProductForUpdate reads a product and holds its row lock until the transaction ends
	GetProductForUpdate(ctx context.Context, productID int64) (*domain.Product, error)

	// LockProducts locks products in ascending ID order and returns them keyed by ID
	LockProducts(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error)

	// UpdateProductStock writes a new stock value with version check for optimistic locking
	UpdateProductStock(ctx context.Context, productID int64, newStock, expectedVersion int) error

	// InsertMovement appends to the stock ledger
	InsertMovement(ctx context.Context, movement domain.StockMovement) error

	// MovementExists reports whether a movement for the order/reference/type was already recorded
	MovementExists(ctx context.Context, orderID, reference string, movementType domain.MovementType) (bool, error)

	// FindOpenAlert returns the unresolved alert of a product, or nil
	FindOpenAlert(ctx context.Context, productID int64) (*domain.StockAlert, error)

	// InsertAlert persists a new unresolved alert
	InsertAlert(ctx context.Context, alert domain.StockAlert) error

	// GetAlertForUpdate reads an alert and locks it
	GetAlertForUpdate(ctx context.Context, alertID string) (*domain.StockAlert, error)

	// ResolveAlert marks an alert resolved
	ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error

	// NextOrderNumber allocates the next sequential order number
	NextOrderNumber(ctx context.Context) (int64, error)

	// InsertOrder persists an order with its items
	InsertOrder(ctx context.Context, order domain.Order) error

	// GetOrderForUpdate reads an order with its items and locks the order row
	GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error)

	// UpdateOrderStatus changes an order's status
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error
}
