package notifier

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// WebhookNotifier POSTs order events to an HTTP endpoint.
type WebhookNotifier struct {
	client  *resty.Client
	baseURL string
	now     func() time.Time
}

func NewWebhookNotifier(baseURL string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (n *WebhookNotifier) SendOrderConfirmation(ctx context.Context, orderID string) error {
	return n.post(ctx, "/orders/confirmation", confirmationEvent(orderID, n.now()))
}

func (n *WebhookNotifier) SendOrderStatusUpdate(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return n.post(ctx, "/orders/status", statusEvent(orderID, status, n.now()))
}

func (n *WebhookNotifier) post(ctx context.Context, path string, event orderEvent) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("X-Event-Type", event.Event).
		SetBody(event).
		Post(n.baseURL + path)
	if err != nil {
		return errors.Wrapf(err, "post %s", event.Event)
	}
	if resp.IsError() {
		return errors.Errorf("post %s: webhook returned %s", event.Event, resp.Status())
	}
	return nil
}
