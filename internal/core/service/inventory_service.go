package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// InventoryService is the only writer of Product.CurrentStock. Every change
// goes through ApplyMovement, which updates the counter, appends the ledger
// entry and evaluates alerts in one transaction.
type InventoryService struct {
	repo        port.DatabaseRepository
	alerts      *AlertMonitor
	log         logrus.FieldLogger
	tracer      trace.Tracer
	maxAttempts int
	now         func() time.Time
}

type InventoryOption func(*InventoryService)

func WithMaxAttempts(n int) InventoryOption {
	return func(s *InventoryService) { s.maxAttempts = n }
}

func WithClock(now func() time.Time) InventoryOption {
	return func(s *InventoryService) { s.now = now }
}

func NewInventoryService(repo port.DatabaseRepository, alerts *AlertMonitor, log logrus.FieldLogger, opts ...InventoryOption) *InventoryService {
	s := &InventoryService{
		repo:        repo,
		alerts:      alerts,
		log:         log,
		tracer:      tracer(),
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MovementOption fills the optional ledger fields of a movement.
type MovementOption func(*domain.MovementRequest)

func WithReference(ref string) MovementOption {
	return func(r *domain.MovementRequest) { r.Reference = ref }
}

func WithActor(userID string) MovementOption {
	return func(r *domain.MovementRequest) { r.CreatedBy = userID }
}

func (s *InventoryService) Deduct(ctx context.Context, productID int64, quantity int, orderID, reason string, opts ...MovementOption) (*domain.StockMovement, error) {
	if quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return s.ApplyMovement(ctx, buildRequest(productID, -quantity, domain.MovementSale, orderID, reason, opts))
}

func (s *InventoryService) Restore(ctx context.Context, productID int64, quantity int, orderID, reason string, opts ...MovementOption) (*domain.StockMovement, error) {
	if quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return s.ApplyMovement(ctx, buildRequest(productID, quantity, domain.MovementReturn, orderID, reason, opts))
}

func (s *InventoryService) AddStock(ctx context.Context, productID int64, quantity int, reason string, opts ...MovementOption) (*domain.StockMovement, error) {
	if quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	return s.ApplyMovement(ctx, buildRequest(productID, quantity, domain.MovementRestock, "", reason, opts))
}

// AdjustTo sets the stock to target through an ADJUSTMENT movement. The
// current value is read under the same lock the movement is applied with. A
// target equal to the current stock records nothing and returns nil.
func (s *InventoryService) AdjustTo(ctx context.Context, productID int64, target int, reason string, opts ...MovementOption) (*domain.StockMovement, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.AdjustTo")
	defer span.End()
	span.SetAttributes(attribute.Int64("product.id", productID), attribute.Int("stock.target", target))

	var movement *domain.StockMovement
	err := retryOnConflict(ctx, s.maxAttempts, s.log.WithField("product_id", productID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			product, err := tx.GetProductForUpdate(ctx, productID)
			if err != nil {
				return err
			}
			delta := target - product.CurrentStock
			if delta == 0 || !product.TrackInventory {
				movement = nil
				return nil
			}
			req := buildRequest(productID, delta, domain.MovementAdjustment, "", reason, opts)
			movement, err = s.applyInTx(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return movement, nil
}

// ApplyMovement is the single primitive behind every stock change. It returns
// nil without recording anything for products that do not track inventory.
func (s *InventoryService) ApplyMovement(ctx context.Context, req domain.MovementRequest) (*domain.StockMovement, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.ApplyMovement")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.String("movement.type", string(req.Type)),
		attribute.Int("movement.delta", req.Delta),
	)

	if err := req.Validate(); err != nil {
		recordError(span, err)
		return nil, err
	}

	var movement *domain.StockMovement
	err := retryOnConflict(ctx, s.maxAttempts, s.log.WithField("product_id", req.ProductID), func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			movement, err = s.applyInTx(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return movement, nil
}

func (s *InventoryService) applyInTx(ctx context.Context, tx port.Tx, req domain.MovementRequest) (*domain.StockMovement, error) {
	product, err := tx.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.TrackInventory {
		return nil, nil
	}

	previous := product.CurrentStock
	next := previous + req.Delta
	if next < 0 {
		return nil, &domain.InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   -req.Delta,
			Available:   previous,
		}
	}

	if err := tx.UpdateProductStock(ctx, product.ID, next, product.Version); err != nil {
		return nil, err
	}

	movement := domain.StockMovement{
		ID:            uuid.NewString(),
		ProductID:     product.ID,
		OrderID:       optionalString(req.OrderID),
		Type:          req.Type,
		QuantityDelta: req.Delta,
		PreviousStock: previous,
		NewStock:      next,
		Reason:        req.Reason,
		Reference:     req.Reference,
		CreatedAt:     s.now(),
		CreatedBy:     optionalString(req.CreatedBy),
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, err
	}

	if _, err := s.alerts.EvaluateThreshold(ctx, tx, product.ID, next, product.LowStockThreshold); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"product_id":     product.ID,
		"movement_type":  req.Type,
		"delta":          req.Delta,
		"previous_stock": previous,
		"new_stock":      next,
		"order_id":       req.OrderID,
	}).Debug("stock movement applied")

	return &movement, nil
}

func (s *InventoryService) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

func (s *InventoryService) GetLowStockProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx, clampLimit(limit))
}

func (s *InventoryService) GetStockMovements(ctx context.Context, productID *int64, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListMovements(ctx, domain.MovementFilter{ProductID: productID, Limit: clampLimit(limit)})
}

func (s *InventoryService) GetStockAlerts(ctx context.Context, resolved bool) ([]domain.StockAlert, error) {
	return s.alerts.GetStockAlerts(ctx, resolved)
}

func (s *InventoryService) ResolveAlert(ctx context.Context, alertID string) error {
	return s.alerts.ResolveAlert(ctx, alertID)
}

// VerifyLedger replays the movement chain of a product and checks it against
// the stored counter.
func (s *InventoryService) VerifyLedger(ctx context.Context, productID int64) (*domain.LedgerReport, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.VerifyLedger")
	defer span.End()
	span.SetAttributes(attribute.Int64("product.id", productID))

	var (
		product   *domain.Product
		movements []domain.StockMovement
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		if product, err = tx.GetProductForUpdate(ctx, productID); err != nil {
			return err
		}
		movements, err = s.repo.ListProductLedger(ctx, productID)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	report := &domain.LedgerReport{
		ProductID:     productID,
		CurrentStock:  product.CurrentStock,
		InitialStock:  product.CurrentStock,
		MovementCount: len(movements),
		Consistent:    true,
	}
	if len(movements) == 0 {
		return report, nil
	}

	report.InitialStock = movements[0].PreviousStock
	running := report.InitialStock
	for _, m := range movements {
		report.SumOfDeltas += m.QuantityDelta
		if m.PreviousStock != running || m.NewStock != m.PreviousStock+m.QuantityDelta || m.NewStock < 0 {
			report.Consistent = false
			report.BrokenAtSeq = m.Seq
			break
		}
		running = m.NewStock
	}
	if report.Consistent && running != product.CurrentStock {
		report.Consistent = false
		report.BrokenAtSeq = movements[len(movements)-1].Seq
	}

	if !report.Consistent {
		s.log.WithFields(logrus.Fields{"product_id": productID, "broken_at_seq": report.BrokenAtSeq}).Error("stock ledger inconsistent")
	}
	return report, nil
}

func buildRequest(productID int64, delta int, t domain.MovementType, orderID, reason string, opts []MovementOption) domain.MovementRequest {
	req := domain.MovementRequest{
		ProductID: productID,
		Delta:     delta,
		Type:      t,
		OrderID:   orderID,
		Reason:    reason,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
