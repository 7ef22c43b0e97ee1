package port

import (
	"context"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// Notifier is only called after the order transaction has committed.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, orderID string) error
	SendOrderStatusUpdate(ctx context.Context, orderID string, status domain.OrderStatus) error
}
