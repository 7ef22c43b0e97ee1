package storage

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const defaultLockWait = 5 * time.Second

// memoryState is copied on every transaction start so a failed transaction
// can be rolled back by swapping the copy back in. Values stored in the maps
// are never mutated in place.
type memoryState struct {
	products    map[int64]domain.Product
	movements   []domain.StockMovement
	alerts      []domain.StockAlert
	orders      map[string]domain.Order
	carts       map[string]domain.Cart
	nextProduct int64
	nextSeq     int64
	nextOrder   int64
}

func (s *memoryState) clone() *memoryState {
	c := *s
	c.products = make(map[int64]domain.Product, len(s.products))
	for k, v := range s.products {
		c.products[k] = v
	}
	c.movements = append([]domain.StockMovement(nil), s.movements...)
	c.alerts = append([]domain.StockAlert(nil), s.alerts...)
	c.orders = make(map[string]domain.Order, len(s.orders))
	for k, v := range s.orders {
		c.orders[k] = v
	}
	c.carts = make(map[string]domain.Cart, len(s.carts))
	for k, v := range s.carts {
		c.carts[k] = v
	}
	return &c
}

// MemoryAdapter implements the repository ports in process. Transactions are
// serialized by a single lock that is acquired with a bounded wait, so a
// transaction that cannot get in time fails with ErrConcurrencyConflict.
type MemoryAdapter struct {
	sem      chan struct{}
	lockWait time.Duration
	state    *memoryState
	now      func() time.Time
}

type MemoryOption func(*MemoryAdapter)

func WithLockWait(d time.Duration) MemoryOption {
	return func(m *MemoryAdapter) { m.lockWait = d }
}

func NewMemoryAdapter(opts ...MemoryOption) *MemoryAdapter {
	m := &MemoryAdapter{
		sem:      make(chan struct{}, 1),
		lockWait: defaultLockWait,
		state: &memoryState{
			products: make(map[int64]domain.Product),
			orders:   make(map[string]domain.Order),
			carts:    make(map[string]domain.Cart),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type memoryTx struct {
	store *MemoryAdapter
}

func (m *MemoryAdapter) acquire(ctx context.Context) error {
	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()

	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrConcurrencyConflict
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryAdapter) release() {
	<-m.sem
}

func (m *MemoryAdapter) ownTx(ctx context.Context) (*memoryTx, bool) {
	tx, ok := port.TxFromContext(ctx)
	if !ok {
		return nil, false
	}
	mtx, ok := tx.(*memoryTx)
	if !ok || mtx.store != m {
		return nil, false
	}
	return mtx, true
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	if tx, ok := m.ownTx(ctx); ok {
		return fn(ctx, tx)
	}

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	snapshot := m.state.clone()
	tx := &memoryTx{store: m}
	if err := fn(port.ContextWithTx(ctx, tx), tx); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// read runs fn under the store lock unless ctx already holds it.
func (m *MemoryAdapter) read(ctx context.Context, fn func(st *memoryState) error) error {
	if _, ok := m.ownTx(ctx); ok {
		return fn(m.state)
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	return fn(m.state)
}

// SeedProduct stores a catalog product, assigning an ID when it has none.
func (m *MemoryAdapter) SeedProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	err := m.WithinTx(ctx, func(ctx context.Context, _ port.Tx) error {
		st := m.state
		if p.ID == 0 {
			st.nextProduct++
			p.ID = st.nextProduct
		} else if p.ID > st.nextProduct {
			st.nextProduct = p.ID
		}
		now := m.now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		st.products[p.ID] = p
		return nil
	})
	return p, err
}

// SeedCart stores or replaces a cart.
func (m *MemoryAdapter) SeedCart(ctx context.Context, cart domain.Cart) error {
	return m.WithinTx(ctx, func(ctx context.Context, _ port.Tx) error {
		cart.Items = append([]domain.CartItem(nil), cart.Items...)
		m.state.carts[cart.ID] = cart
		return nil
	})
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	var out *domain.Product
	err := m.read(ctx, func(st *memoryState) error {
		p, ok := st.products[productID]
		if !ok {
			return domain.NewNotFound("product", productID)
		}
		out = &p
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) ListLowStockProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	var out []domain.Product
	err := m.read(ctx, func(st *memoryState) error {
		for _, p := range st.products {
			if p.IsLowStock() {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentStock != out[j].CurrentStock {
			return out[i].CurrentStock < out[j].CurrentStock
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (m *MemoryAdapter) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := m.read(ctx, func(st *memoryState) error {
		for i := len(st.movements) - 1; i >= 0; i-- {
			mv := st.movements[i]
			if filter.ProductID != nil && mv.ProductID != *filter.ProductID {
				continue
			}
			out = append(out, mv)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) ListProductLedger(ctx context.Context, productID int64) ([]domain.StockMovement, error) {
	var out []domain.StockMovement
	err := m.read(ctx, func(st *memoryState) error {
		for _, mv := range st.movements {
			if mv.ProductID == productID {
				out = append(out, mv)
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) ListAlerts(ctx context.Context, resolved bool) ([]domain.StockAlert, error) {
	var out []domain.StockAlert
	err := m.read(ctx, func(st *memoryState) error {
		for i := len(st.alerts) - 1; i >= 0; i-- {
			if st.alerts[i].IsResolved == resolved {
				out = append(out, st.alerts[i])
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := m.read(ctx, func(st *memoryState) error {
		o, ok := st.orders[orderID]
		if !ok {
			return domain.NewNotFound("order", orderID)
		}
		o.Items = append([]domain.OrderItem(nil), o.Items...)
		out = &o
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	var out *domain.Cart
	err := m.read(ctx, func(st *memoryState) error {
		c, ok := st.carts[cartID]
		if !ok {
			return domain.NewNotFound("cart", cartID)
		}
		c.Items = append([]domain.CartItem(nil), c.Items...)
		out = &c
		return nil
	})
	return out, err
}

func (m *MemoryAdapter) ClearCart(ctx context.Context, cartID string) error {
	return m.WithinTx(ctx, func(ctx context.Context, _ port.Tx) error {
		c, ok := m.state.carts[cartID]
		if !ok {
			return domain.NewNotFound("cart", cartID)
		}
		c.Items = nil
		m.state.carts[cartID] = c
		return nil
	})
}

func (t *memoryTx) GetProductForUpdate(ctx context.Context, productID int64) (*domain.Product, error) {
	p, ok := t.store.state.products[productID]
	if !ok {
		return nil, domain.NewNotFound("product", productID)
	}
	return &p, nil
}

func (t *memoryTx) LockProducts(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error) {
	ids := append([]int64(nil), productIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := t.store.state.products[id]
		if !ok {
			return nil, domain.NewNotFound("product", id)
		}
		out[id] = p
	}
	return out, nil
}

func (t *memoryTx) UpdateProductStock(ctx context.Context, productID int64, newStock, expectedVersion int) error {
	p, ok := t.store.state.products[productID]
	if !ok {
		return domain.NewNotFound("product", productID)
	}
	if p.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	p.CurrentStock = newStock
	p.Version++
	p.UpdatedAt = t.store.now()
	t.store.state.products[productID] = p
	return nil
}

func (t *memoryTx) InsertMovement(ctx context.Context, movement domain.StockMovement) error {
	st := t.store.state
	if movement.OrderID != nil && movement.Reference != "" {
		if dup, _ := t.MovementExists(ctx, *movement.OrderID, movement.Reference, movement.Type); dup {
			return errors.Wrapf(domain.ErrDuplicateMovement, "order %s reference %s", *movement.OrderID, movement.Reference)
		}
	}
	st.nextSeq++
	movement.Seq = st.nextSeq
	st.movements = append(st.movements, movement)
	return nil
}

func (t *memoryTx) MovementExists(ctx context.Context, orderID, reference string, movementType domain.MovementType) (bool, error) {
	for _, mv := range t.store.state.movements {
		if mv.OrderID != nil && *mv.OrderID == orderID && mv.Reference == reference && mv.Type == movementType {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) FindOpenAlert(ctx context.Context, productID int64) (*domain.StockAlert, error) {
	for _, a := range t.store.state.alerts {
		if a.ProductID == productID && !a.IsResolved {
			alert := a
			return &alert, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) InsertAlert(ctx context.Context, alert domain.StockAlert) error {
	for _, a := range t.store.state.alerts {
		if a.ProductID == alert.ProductID && !a.IsResolved {
			return domain.ErrConcurrencyConflict
		}
	}
	t.store.state.alerts = append(t.store.state.alerts, alert)
	return nil
}

func (t *memoryTx) GetAlertForUpdate(ctx context.Context, alertID string) (*domain.StockAlert, error) {
	for _, a := range t.store.state.alerts {
		if a.ID == alertID {
			alert := a
			return &alert, nil
		}
	}
	return nil, domain.NewNotFound("alert", alertID)
}

func (t *memoryTx) ResolveAlert(ctx context.Context, alertID string, resolvedAt time.Time) error {
	alerts := t.store.state.alerts
	for i := range alerts {
		if alerts[i].ID == alertID {
			at := resolvedAt
			alerts[i].IsResolved = true
			alerts[i].ResolvedAt = &at
			return nil
		}
	}
	return domain.NewNotFound("alert", alertID)
}

func (t *memoryTx) NextOrderNumber(ctx context.Context) (int64, error) {
	t.store.state.nextOrder++
	return t.store.state.nextOrder, nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if _, exists := t.store.state.orders[order.ID]; exists {
		return &domain.PersistenceError{Op: "insert order", Err: domain.ErrDuplicateRequest}
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	t.store.state.orders[order.ID] = order
	return nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	o, ok := t.store.state.orders[orderID]
	if !ok {
		return nil, domain.NewNotFound("order", orderID)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return &o, nil
}

func (t *memoryTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	o, ok := t.store.state.orders[orderID]
	if !ok {
		return domain.NewNotFound("order", orderID)
	}
	o.Status = status
	o.UpdatedAt = updatedAt
	t.store.state.orders[orderID] = o
	return nil
}
