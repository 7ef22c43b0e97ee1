package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrCheckViolated   = 3819

	// one movement per (order, reference, type) when both are set
	orderRefKey = "uq_stock_movements_order_ref"
)

const (
	productColumns   = `id, sku, name, price_cents, current_stock, low_stock_threshold, track_inventory, version, created_at, updated_at`
	movementColumns  = `seq, id, product_id, order_id, movement_type, quantity_delta, previous_stock, new_stock, reason, reference, created_at, created_by`
	alertColumns     = `id, product_id, alert_type, threshold_at_creation, current_stock_at_creation, created_at, resolved_at, is_resolved`
	orderColumns     = `id, order_number, cart_id, user_id, status, subtotal_cents, total_cents, shipping_name, shipping_email, shipping_phone, shipping_address, shipping_city, shipping_postal_code, shipping_country, created_at, updated_at`
	orderItemColumns = `id, order_id, product_id, sku, product_name, unit_price_cents, quantity, line_total_cents`
)

var ErrOptimisticLock = errors.Wrap(domain.ErrConcurrencyConflict, "optimistic lock conflict")

type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

type mysqlTx struct {
	adapter *MySQLAdapter
	tx      *sqlx.Tx
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if tx, ok := m.ownTx(ctx); ok {
		return fn(ctx, tx)
	}

	sqlTx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateErr("begin tx", err)
	}
	defer sqlTx.Rollback()

	tx := &mysqlTx{adapter: m, tx: sqlTx}
	if err := fn(port.ContextWithTx(ctx, tx), tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translateErr("commit tx", err)
	}
	return nil
}

func (m *MySQLAdapter) ownTx(ctx context.Context) (*mysqlTx, bool) {
	tx, ok := port.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	mtx, ok := tx.(*mysqlTx)
	if !ok || mtx.adapter != m {
		return nil, false
	}
	return mtx, true
}

// querier returns the transaction carried by ctx, or the pool.
func (m *MySQLAdapter) querier(ctx context.Context) sqlx.ExtContext {
	if tx, ok := m.ownTx(ctx); ok {
		return tx.tx
	}
	return m.db
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := sqlx.GetContext(ctx, m.querier(ctx), &p, `SELECT `+productColumns+` FROM products WHERE id = ?`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("product", productID)
	}
	if err != nil {
		return nil, translateErr("query product", err)
	}
	return &p, nil
}

func (m *MySQLAdapter) ListLowStockProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	var products []domain.Product
	err := sqlx.SelectContext(ctx, m.querier(ctx), &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE track_inventory = 1 AND current_stock <= low_stock_threshold
		ORDER BY current_stock, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, translateErr("query low stock products", err)
	}
	return products, nil
}

func (m *MySQLAdapter) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements`
	args := []interface{}{}
	if filter.ProductID != nil {
		query += ` WHERE product_id = ?`
		args = append(args, *filter.ProductID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, filter.Limit)

	var movements []domain.StockMovement
	if err := sqlx.SelectContext(ctx, m.querier(ctx), &movements, query, args...); err != nil {
		return nil, translateErr("query stock movements", err)
	}
	return movements, nil
}

func (m *MySQLAdapter) ListProductLedger(ctx context.Context, productID int64) ([]domain.StockMovement, error) {
	var movements []domain.StockMovement
	err := sqlx.SelectContext(ctx, m.querier(ctx), &movements,
		`SELECT `+movementColumns+` FROM stock_movements WHERE product_id = ? ORDER BY seq`, productID)
	if err != nil {
		return nil, translateErr("query product ledger", err)
	}
	return movements, nil
}

func (m *MySQLAdapter) ListAlerts(ctx context.Context, resolved bool) ([]domain.StockAlert, error) {
	var alerts []domain.StockAlert
	err := sqlx.SelectContext(ctx, m.querier(ctx), &alerts,
		`SELECT `+alertColumns+` FROM stock_alerts WHERE is_resolved = ? ORDER BY created_at DESC, id`, resolved)
	if err != nil {
		return nil, translateErr("query stock alerts", err)
	}
	return alerts, nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, m.querier(ctx), orderID, false)
}

func (m *MySQLAdapter) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	q := m.querier(ctx)
	query := `SELECT id, user_id FROM carts WHERE id = ?`
	if _, inTx := m.ownTx(ctx); inTx {
		query += ` FOR UPDATE`
	}

	var cart domain.Cart
	err := sqlx.GetContext(ctx, q, &cart, query, cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("cart", cartID)
	}
	if err != nil {
		return nil, translateErr("query cart", err)
	}

	if err := sqlx.SelectContext(ctx, q, &cart.Items,
		`SELECT product_id, quantity FROM cart_items WHERE cart_id = ? ORDER BY id`, cartID); err != nil {
		return nil, translateErr("query cart items", err)
	}
	return &cart, nil
}

func (m *MySQLAdapter) ClearCart(ctx context.Context, cartID string) error {
	if _, err := m.querier(ctx).ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cartID); err != nil {
		return translateErr("clear cart", err)
	}
	return nil
}

type orderRow struct {
	ID                 string    `db:"id"`
	OrderNumber        int64     `db:"order_number"`
	CartID             string    `db:"cart_id"`
	UserID             *string   `db:"user_id"`
	Status             string    `db:"status"`
	SubtotalCents      int64     `db:"subtotal_cents"`
	TotalCents         int64     `db:"total_cents"`
	ShippingName       string    `db:"shipping_name"`
	ShippingEmail      string    `db:"shipping_email"`
	ShippingPhone      string    `db:"shipping_phone"`
	ShippingAddress    string    `db:"shipping_address"`
	ShippingCity       string    `db:"shipping_city"`
	ShippingPostalCode string    `db:"shipping_postal_code"`
	ShippingCountry    string    `db:"shipping_country"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func newOrderRow(o domain.Order) orderRow {
	return orderRow{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		CartID:             o.CartID,
		UserID:             o.UserID,
		Status:             string(o.Status),
		SubtotalCents:      o.SubtotalCents,
		TotalCents:         o.TotalCents,
		ShippingName:       o.Shipping.Name,
		ShippingEmail:      o.Shipping.Email,
		ShippingPhone:      o.Shipping.Phone,
		ShippingAddress:    o.Shipping.Address,
		ShippingCity:       o.Shipping.City,
		ShippingPostalCode: o.Shipping.PostalCode,
		ShippingCountry:    o.Shipping.Country,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
}

func (r orderRow) toDomain(items []domain.OrderItem) domain.Order {
	return domain.Order{
		ID:            r.ID,
		OrderNumber:   r.OrderNumber,
		CartID:        r.CartID,
		UserID:        r.UserID,
		Status:        domain.OrderStatus(r.Status),
		SubtotalCents: r.SubtotalCents,
		TotalCents:    r.TotalCents,
		Shipping: domain.ShippingInfo{
			Name:       r.ShippingName,
			Email:      r.ShippingEmail,
			Phone:      r.ShippingPhone,
			Address:    r.ShippingAddress,
			City:       r.ShippingCity,
			PostalCode: r.ShippingPostalCode,
			Country:    r.ShippingCountry,
		},
		Items:     items,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, orderID string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("order", orderID)
	}
	if err != nil {
		return nil, translateErr("query order", err)
	}

	var items []domain.OrderItem
	if err := sqlx.SelectContext(ctx, q, &items,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ? ORDER BY position`, orderID); err != nil {
		return nil, translateErr("query order items", err)
	}

	order := row.toDomain(items)
	return &order, nil
}

// translateErr maps driver failures onto the domain taxonomy: lock waits and
// deadlocks become conflicts the caller can retry, the rest persistence errors.
func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return errors.Wrap(domain.ErrConcurrencyConflict, op)
		case mysqlErrCheckViolated:
			return errors.Wrapf(domain.ErrInsufficientStock, "%s: %s", op, myErr.Message)
		}
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
