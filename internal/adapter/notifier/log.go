package notifier

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// LogNotifier only records the notification. Used when no transport is
// configured.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	n.log.WithFields(logrus.Fields{"event": EventOrderConfirmation, "order_id": orderID}).Info("notification")
	return nil
}

func (n *LogNotifier) SendOrderStatusUpdate(ctx context.Context, orderID string, status domain.OrderStatus) error {
	n.log.WithFields(logrus.Fields{"event": EventOrderStatusUpdate, "order_id": orderID, "status": status}).Info("notification")
	return nil
}
