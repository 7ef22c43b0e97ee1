package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

func (t *mysqlTx) GetProductForUpdate(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = ? FOR UPDATE`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("product", productID)
	}
	if err != nil {
		return nil, translateErr("lock product", err)
	}
	return &p, nil
}

// LockProducts takes the row locks in primary key order so two multi-item
// orders touching the same products cannot deadlock each other.
func (t *mysqlTx) LockProducts(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+productColumns+` FROM products WHERE id IN (?) ORDER BY id FOR UPDATE`, productIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build lock products query")
	}

	var products []domain.Product
	if err := t.tx.SelectContext(ctx, &products, t.tx.Rebind(query), args...); err != nil {
		return nil, translateErr("lock products", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	for _, id := range productIDs {
		if _, ok := out[id]; !ok {
			return nil, domain.NewNotFound("product", id)
		}
	}
	return out, nil
}

func (t *mysqlTx) UpdateProductStock(ctx context.Context, productID int64, newStock, expectedVersion int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET current_stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		newStock, productID, expectedVersion,
	)
	if err != nil {
		return translateErr("update product stock", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return translateErr("update product stock", err)
	}
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (t *mysqlTx) InsertMovement(ctx context.Context, movement domain.StockMovement) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_movements
			(id, product_id, order_id, movement_type, quantity_delta, previous_stock, new_stock, reason, reference, created_at, created_by)
		VALUES
			(:id, :product_id, :order_id, :movement_type, :quantity_delta, :previous_stock, :new_stock, :reason, :reference, :created_at, :created_by)`,
		movement,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry && strings.Contains(myErr.Message, orderRefKey) {
		return errors.Wrapf(domain.ErrDuplicateMovement, "order %s reference %s", ptrValue(movement.OrderID), movement.Reference)
	}
	if err != nil {
		return translateErr("insert stock movement", err)
	}
	return nil
}

func (t *mysqlTx) MovementExists(ctx context.Context, orderID, reference string, movementType domain.MovementType) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM stock_movements
			WHERE order_id = ? AND reference = ? AND movement_type = ?
		)`, orderID, reference, string(movementType))
	if err != nil {
		return false, translateErr("query movement", err)
	}
	return exists, nil
}

func (t *mysqlTx) FindOpenAlert(ctx context.Context, productID int64) (*domain.StockAlert, error) {
	var alert domain.StockAlert
	err := t.tx.GetContext(ctx, &alert,
		`SELECT `+alertColumns+` FROM stock_alerts WHERE product_id = ? AND is_resolved = 0 LIMIT 1 FOR UPDATE`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr("query open alert", err)
	}
	return &alert, nil
}

func (t *mysqlTx) InsertAlert(ctx context.Context, alert domain.StockAlert) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_alerts
			(id, product_id, alert_type, threshold_at_creation, current_stock_at_creation, created_at, resolved_at, is_resolved)
		VALUES
			(:id, :product_id, :alert_type, :threshold_at_creation, :current_stock_at_creation, :created_at, :resolved_at, :is_resolved)`,
		alert,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry {
		// another transaction opened the alert first
		return errors.Wrap(domain.ErrConcurrencyConflict, "insert stock alert")
	}
	if err != nil {
		return translateErr("insert stock alert", err)
	}
	return nil
}

func (t *mysqlTx) GetAlertForUpdate(ctx context.Context, alertID string) (*domain.StockAlert, error) {
	var alert domain.StockAlert
	err := t.tx.GetContext(ctx, &alert, `SELECT `+alertColumns+` FROM stock_alerts WHERE id = ? FOR UPDATE`, alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("alert", alertID)
	}
	if err != nil {
		return nil, translateErr("lock alert", err)
	}
	return &alert, nil
}

func (t *mysqlTx) ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE stock_alerts SET is_resolved = 1, resolved_at = ? WHERE id = ?`, resolvedAt, alertID)
	if err != nil {
		return translateErr("resolve alert", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.NewNotFound("alert", alertID)
	}
	return nil
}

// NextOrderNumber bumps the single-row sequence; LAST_INSERT_ID(expr) hands
// the new value back through the OK packet without a second query.
func (t *mysqlTx) NextOrderNumber(ctx context.Context) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE order_sequence SET next_value = LAST_INSERT_ID(next_value + 1) WHERE id = 1`)
	if err != nil {
		return 0, translateErr("allocate order number", err)
	}
	n, err := result.LastInsertId()
	if err != nil {
		return 0, translateErr("allocate order number", err)
	}
	return n, nil
}

func (t *mysqlTx) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders
			(`+orderColumns+`)
		VALUES
			(:id, :order_number, :cart_id, :user_id, :status, :subtotal_cents, :total_cents,
			 :shipping_name, :shipping_email, :shipping_phone, :shipping_address, :shipping_city,
			 :shipping_postal_code, :shipping_country, :created_at, :updated_at)`,
		newOrderRow(order),
	)
	if err != nil {
		return translateErr("insert order", err)
	}

	for i, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items
				(id, order_id, position, product_id, sku, product_name, unit_price_cents, quantity, line_total_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, order.ID, i, item.ProductID, item.SKU, item.ProductName,
			item.UnitPriceCents, item.Quantity, item.LineTotalCents,
		)
		if err != nil {
			return translateErr("insert order item", err)
		}
	}
	return nil
}

func (t *mysqlTx) GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, t.tx, orderID, true)
}

func (t *mysqlTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, string(status), updatedAt, orderID)
	if err != nil {
		return translateErr("update order status", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.NewNotFound("order", orderID)
	}
	return nil
}

func ptrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
