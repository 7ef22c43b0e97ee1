package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

type AlertMonitor struct {
	repo        port.DatabaseRepository
	log         logrus.FieldLogger
	tracer      trace.Tracer
	autoResolve bool
	now         func() time.Time
}

type AlertOption func(*AlertMonitor)

// WithAutoResolve resolves the open alert when stock rises above the threshold.
func WithAutoResolve(enabled bool) AlertOption {
	return func(m *AlertMonitor) { m.autoResolve = enabled }
}

func WithAlertClock(now func() time.Time) AlertOption {
	return func(m *AlertMonitor) { m.now = now }
}

func NewAlertMonitor(repo port.DatabaseRepository, log logrus.FieldLogger, opts ...AlertOption) *AlertMonitor {
	m := &AlertMonitor{
		repo:   repo,
		log:    log,
		tracer: tracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EvaluateThreshold must run inside the transaction that changed the stock.
// It opens at most one alert per product; an existing unresolved alert is
// left untouched even if the stock has since dropped to zero.
func (m *AlertMonitor) EvaluateThreshold(ctx context.Context, tx port.Tx, productID int64, newStock, threshold int) (*domain.StockAlert, error) {
	open, err := tx.FindOpenAlert(ctx, productID)
	if err != nil {
		return nil, err
	}

	if newStock > threshold {
		if open != nil && m.autoResolve {
			if err := tx.ResolveAlert(ctx, open.ID, m.now()); err != nil {
				return nil, err
			}
			m.log.WithFields(logrus.Fields{"alert_id": open.ID, "product_id": productID}).Info("stock alert auto-resolved")
		}
		return nil, nil
	}

	if open != nil {
		return nil, nil
	}

	alert := domain.StockAlert{
		ID:                     uuid.NewString(),
		ProductID:              productID,
		AlertType:              domain.AlertTypeFor(newStock),
		ThresholdAtCreation:    threshold,
		CurrentStockAtCreation: newStock,
		CreatedAt:              m.now(),
	}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"product_id": productID,
		"alert_type": alert.AlertType,
		"stock":      newStock,
		"threshold":  threshold,
	}).Warn("stock alert raised")

	return &alert, nil
}

func (m *AlertMonitor) ResolveAlert(ctx context.Context, alertID string) error {
	ctx, span := m.tracer.Start(ctx, "AlertMonitor.ResolveAlert")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", alertID))

	return m.repo.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		alert, err := tx.GetAlertForUpdate(ctx, alertID)
		if err != nil {
			return err
		}
		if alert.IsResolved {
			return nil
		}
		if err := tx.ResolveAlert(ctx, alertID, m.now()); err != nil {
			return errors.Wrapf(err, "resolve alert %s", alertID)
		}
		m.log.WithFields(logrus.Fields{"alert_id": alertID, "product_id": alert.ProductID}).Info("stock alert resolved")
		return nil
	})
}

func (m *AlertMonitor) GetStockAlerts(ctx context.Context, resolved bool) ([]domain.StockAlert, error) {
	return m.repo.ListAlerts(ctx, resolved)
}
