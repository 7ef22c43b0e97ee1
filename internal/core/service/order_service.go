package service

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	saleReason   = "order placed"
	cancelReason = "order cancelled"
)

// OrderService turns carts into orders. Placement is all-or-nothing across
// every line item; cancellation restores stock item by item and can be
// re-driven until every restore has landed.
type OrderService struct {
	repo          port.DatabaseRepository
	carts         port.CartRepository
	inventory     *InventoryService
	notifier      port.Notifier
	cache         port.CacheRepository
	log           logrus.FieldLogger
	tracer        trace.Tracer
	validate      *validator.Validate
	maxAttempts   int
	notifyRetries int
	notifyBackoff time.Duration
	now           func() time.Time
}

type OrderOption func(*OrderService)

// WithIdempotency enables request-id deduplication for PlaceOrder.
func WithIdempotency(cache port.CacheRepository) OrderOption {
	return func(s *OrderService) { s.cache = cache }
}

func WithOrderMaxAttempts(n int) OrderOption {
	return func(s *OrderService) { s.maxAttempts = n }
}

func WithNotifyRetry(attempts int, backoff time.Duration) OrderOption {
	return func(s *OrderService) {
		s.notifyRetries = attempts
		s.notifyBackoff = backoff
	}
}

func WithOrderClock(now func() time.Time) OrderOption {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(
	repo port.DatabaseRepository,
	carts port.CartRepository,
	inventory *InventoryService,
	notifier port.Notifier,
	log logrus.FieldLogger,
	opts ...OrderOption,
) *OrderService {
	s := &OrderService{
		repo:          repo,
		carts:         carts,
		inventory:     inventory,
		notifier:      notifier,
		log:           log,
		tracer:        tracer(),
		validate:      newValidator(),
		maxAttempts:   defaultMaxAttempts,
		notifyRetries: 3,
		notifyBackoff: 200 * time.Millisecond,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.PlacedOrder, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder")
	defer span.End()
	span.SetAttributes(attribute.String("cart.id", req.CartID))

	if err := s.validateRequest(req); err != nil {
		recordError(span, err)
		return nil, err
	}

	cart, err := s.carts.GetCart(ctx, req.CartID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if cart.IsEmpty() {
		// the cart of a completed request is empty; answer the replay first
		if placed, err := s.completedRequest(ctx, req.RequestID); err != nil || placed != nil {
			return placed, err
		}
		recordError(span, domain.ErrEmptyCart)
		return nil, domain.ErrEmptyCart
	}

	idempotencyKey := ""
	if s.cache != nil && req.RequestID != "" {
		idempotencyKey = req.RequestID
		placed, err := s.claimRequest(ctx, idempotencyKey)
		if err != nil || placed != nil {
			return placed, err
		}
	}

	var order *domain.Order
	err = retryOnConflict(ctx, s.maxAttempts, s.log.WithField("cart_id", req.CartID), func(ctx context.Context) error {
		var err error
		order, err = s.placeOrderTx(ctx, req)
		return err
	})
	if err != nil {
		if idempotencyKey != "" {
			if releaseErr := s.cache.ReleaseIdempotency(ctx, idempotencyKey); releaseErr != nil {
				s.log.WithError(releaseErr).WithField("request_id", req.RequestID).Error("failed to release idempotency key")
			}
		}
		recordError(span, err)
		return nil, err
	}

	if idempotencyKey != "" {
		if err := s.cache.CompleteIdempotency(ctx, idempotencyKey, order.ID); err != nil {
			s.log.WithError(err).WithField("request_id", req.RequestID).Error("failed to record idempotency result")
		}
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int64("order.number", order.OrderNumber))
	s.log.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"cart_id":      order.CartID,
		"items":        len(order.Items),
		"total_cents":  order.TotalCents,
	}).Info("order placed")

	s.notify(ctx, order.ID, "order confirmation", func(ctx context.Context) error {
		return s.notifier.SendOrderConfirmation(ctx, order.ID)
	})

	return &domain.PlacedOrder{OrderID: order.ID, OrderNumber: order.OrderNumber}, nil
}

func (s *OrderService) placeOrderTx(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error) {
	var order domain.Order
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		cart, err := s.carts.GetCart(ctx, req.CartID)
		if err != nil {
			return err
		}
		if cart.IsEmpty() {
			return domain.ErrEmptyCart
		}

		products, err := tx.LockProducts(ctx, productIDs(cart.Items))
		if err != nil {
			return err
		}

		for _, item := range cart.Items {
			if item.Quantity <= 0 {
				return &domain.ValidationError{Field: "quantity", Message: fmt.Sprintf("product %d has quantity %d", item.ProductID, item.Quantity)}
			}
			p := products[item.ProductID]
			if p.TrackInventory && p.CurrentStock < item.Quantity {
				return &domain.InsufficientStockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Requested:   item.Quantity,
					Available:   p.CurrentStock,
				}
			}
		}

		number, err := tx.NextOrderNumber(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		order = domain.Order{
			ID:          uuid.NewString(),
			OrderNumber: number,
			CartID:      cart.ID,
			UserID:      cart.UserID,
			Status:      domain.OrderStatusPending,
			Shipping:    req.Shipping,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, item := range cart.Items {
			p := products[item.ProductID]
			line := domain.OrderItem{
				ID:             uuid.NewString(),
				OrderID:        order.ID,
				ProductID:      p.ID,
				SKU:            p.SKU,
				ProductName:    p.Name,
				UnitPriceCents: p.PriceCents,
				Quantity:       item.Quantity,
				LineTotalCents: p.PriceCents * int64(item.Quantity),
			}
			order.SubtotalCents += line.LineTotalCents
			order.Items = append(order.Items, line)
		}
		order.TotalCents = order.SubtotalCents

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		actor := ""
		if cart.UserID != nil {
			actor = *cart.UserID
		}
		for _, item := range order.Items {
			if _, err := s.inventory.Deduct(ctx, item.ProductID, item.Quantity, order.ID, saleReason,
				WithReference(item.ID), WithActor(actor)); err != nil {
				return err
			}
		}

		return s.carts.ClearCart(ctx, cart.ID)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder moves the order to CANCELLED and then restores each item's
// stock in its own transaction. Calling it again on a cancelled order
// re-drives the restores that have not landed yet.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	var (
		order        *domain.Order
		transitioned bool
	)
	err := retryOnConflict(ctx, s.maxAttempts, s.log.WithField("order_id", orderID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if order.Status == domain.OrderStatusCancelled {
				transitioned = false
				return nil
			}
			if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
				return &domain.TransitionError{From: order.Status, To: domain.OrderStatusCancelled}
			}
			transitioned = true
			return tx.UpdateOrderStatus(ctx, orderID, domain.OrderStatusCancelled, s.now())
		})
	})
	if err != nil {
		recordError(span, err)
		return err
	}

	if transitioned {
		s.log.WithFields(logrus.Fields{"order_id": orderID, "order_number": order.OrderNumber}).Info("order cancelled")
	}

	var failed []string
	for _, item := range order.Items {
		if err := s.restoreItem(ctx, order, item); err != nil {
			s.log.WithFields(logrus.Fields{
				"order_id":   orderID,
				"item_id":    item.ID,
				"product_id": item.ProductID,
			}).WithError(err).Error("stock restore failed")
			failed = append(failed, item.ID)
		}
	}

	if transitioned {
		s.notify(ctx, orderID, "order status update", func(ctx context.Context) error {
			return s.notifier.SendOrderStatusUpdate(ctx, orderID, domain.OrderStatusCancelled)
		})
	}

	if len(failed) > 0 {
		err := errors.Wrapf(domain.ErrCompensationIncomplete, "order %s: items %s", orderID, strings.Join(failed, ","))
		recordError(span, err)
		return err
	}
	return nil
}

// restoreItem returns one item's stock at most once. Concurrent re-drives
// serialize on the product row lock, so the existence check below sees any
// RETURN committed by the other caller.
func (s *OrderService) restoreItem(ctx context.Context, order *domain.Order, item domain.OrderItem) error {
	err := retryOnConflict(ctx, s.maxAttempts, s.log.WithField("order_id", order.ID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			if _, err := tx.GetProductForUpdate(ctx, item.ProductID); err != nil {
				return err
			}
			done, err := tx.MovementExists(ctx, order.ID, item.ID, domain.MovementReturn)
			if err != nil || done {
				return err
			}
			actor := ""
			if order.UserID != nil {
				actor = *order.UserID
			}
			_, err = s.inventory.Restore(ctx, item.ProductID, item.Quantity, order.ID, cancelReason,
				WithReference(item.ID), WithActor(actor))
			return err
		})
	})
	if errors.Is(err, domain.ErrDuplicateMovement) {
		s.log.WithFields(logrus.Fields{"order_id": order.ID, "item_id": item.ID}).Info("stock already restored")
		return nil
	}
	return err
}

// UpdateStatus advances an order along the fulfillment state machine.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	if status == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}

	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.status", string(status)))

	err := retryOnConflict(ctx, s.maxAttempts, s.log.WithField("order_id", orderID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			order, err := tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if !order.Status.CanTransitionTo(status) {
				return &domain.TransitionError{From: order.Status, To: status}
			}
			return tx.UpdateOrderStatus(ctx, orderID, status, s.now())
		})
	})
	if err != nil {
		recordError(span, err)
		return err
	}

	s.log.WithFields(logrus.Fields{"order_id": orderID, "status": status}).Info("order status updated")
	s.notify(ctx, orderID, "order status update", func(ctx context.Context) error {
		return s.notifier.SendOrderStatusUpdate(ctx, orderID, status)
	})
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *OrderService) validateRequest(req domain.PlaceOrderRequest) error {
	if strings.TrimSpace(req.CartID) == "" {
		return &domain.ValidationError{Field: "cart_id", Message: "is required"}
	}
	if err := s.validate.Struct(req.Shipping); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &domain.ValidationError{
				Field:   "shipping." + fe.Field(),
				Message: fmt.Sprintf("failed %q check", fe.Tag()),
			}
		}
		return &domain.ValidationError{Field: "shipping", Message: err.Error()}
	}
	return nil
}

// claimRequest returns the earlier result when the request id was already
// completed, ErrDuplicateRequest while it is still in flight, and nil, nil
// when this call owns the request.
func (s *OrderService) claimRequest(ctx context.Context, key string) (*domain.PlacedOrder, error) {
	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency check failed")
	}
	if ok {
		return nil, nil
	}

	placed, err := s.completedRequest(ctx, key)
	if err != nil || placed != nil {
		return placed, err
	}
	return nil, domain.ErrDuplicateRequest
}

// completedRequest returns the order a finished request id produced, or nil
// when the id is unknown, still in flight, or idempotency is off.
func (s *OrderService) completedRequest(ctx context.Context, key string) (*domain.PlacedOrder, error) {
	if s.cache == nil || key == "" {
		return nil, nil
	}
	orderID, err := s.cache.GetIdempotency(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup failed")
	}
	if orderID == "" {
		return nil, nil
	}

	existing, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &domain.PlacedOrder{OrderID: existing.ID, OrderNumber: existing.OrderNumber}, nil
}

// notify delivers a post-commit notification. Failures are logged and never
// returned: the order is already committed.
func (s *OrderService) notify(ctx context.Context, orderID, kind string, send func(ctx context.Context) error) {
	attempts := s.notifyRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = send(ctx); err == nil {
			return
		}
		s.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"kind":     kind,
			"attempt":  attempt,
		}).WithError(err).Warn("notification failed")

		if attempt < attempts && s.notifyBackoff > 0 {
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(time.Duration(attempt) * s.notifyBackoff):
			}
		}
	}
	s.log.WithFields(logrus.Fields{"order_id": orderID, "kind": kind}).WithError(err).Error("notification dropped")
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// productIDs returns the distinct product ids of the cart in ascending order,
// the order every multi-product lock is taken in.
func productIDs(items []domain.CartItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
