// Package notifier delivers post-commit order notifications. Every transport
// publishes the same event document.
package notifier

import (
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const (
	EventOrderConfirmation = "order.confirmation"
	EventOrderStatusUpdate = "order.status_updated"
)

type orderEvent struct {
	Event      string             `json:"event"`
	OrderID    string             `json:"order_id"`
	Status     domain.OrderStatus `json:"status,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

func confirmationEvent(orderID string, now time.Time) orderEvent {
	return orderEvent{Event: EventOrderConfirmation, OrderID: orderID, Status: domain.OrderStatusPending, OccurredAt: now}
}

func statusEvent(orderID string, status domain.OrderStatus, now time.Time) orderEvent {
	return orderEvent{Event: EventOrderStatusUpdate, OrderID: orderID, Status: status, OccurredAt: now}
}
