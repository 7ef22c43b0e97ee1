package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Product carries the stock fields of a catalog product. Only the inventory
// service writes CurrentStock.
type Product struct {
	ID                int64     `db:"id" json:"id"`
	SKU               string    `db:"sku" json:"sku"`
	Name              string    `db:"name" json:"name"`
	PriceCents        int64     `db:"price_cents" json:"price_cents"`
	CurrentStock      int       `db:"current_stock" json:"current_stock"`
	LowStockThreshold int       `db:"low_stock_threshold" json:"low_stock_threshold"`
	TrackInventory    bool      `db:"track_inventory" json:"track_inventory"`
	Version           int       `db:"version" json:"version"` // optimistic locking
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

func (p Product) IsLowStock() bool {
	return p.TrackInventory && p.CurrentStock <= p.LowStockThreshold
}

type MovementType string

const (
	MovementSale       MovementType = "SALE"
	MovementReturn     MovementType = "RETURN"
	MovementRestock    MovementType = "RESTOCK"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementSale, MovementReturn, MovementRestock, MovementAdjustment:
		return true
	}
	return false
}

// AcceptsDelta reports whether delta has the sign this movement type allows.
func (t MovementType) AcceptsDelta(delta int) bool {
	switch t {
	case MovementSale:
		return delta < 0
	case MovementReturn, MovementRestock:
		return delta > 0
	case MovementAdjustment:
		return delta != 0
	}
	return false
}

func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown movement type %q", s)}
	}
	return t, nil
}

func (t *MovementType) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into MovementType", src)
	}
	parsed, err := ParseMovementType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t MovementType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid movement type %q", string(t))
	}
	return string(t), nil
}

// StockMovement is one immutable entry of the stock ledger. Seq gives the
// total order of movements; per product, PreviousStock of each entry equals
// NewStock of the one before it.
type StockMovement struct {
	Seq           int64        `db:"seq" json:"seq"`
	ID            string       `db:"id" json:"id"`
	ProductID     int64        `db:"product_id" json:"product_id"`
	OrderID       *string      `db:"order_id" json:"order_id,omitempty"`
	Type          MovementType `db:"movement_type" json:"type"`
	QuantityDelta int          `db:"quantity_delta" json:"quantity_delta"`
	PreviousStock int          `db:"previous_stock" json:"previous_stock"`
	NewStock      int          `db:"new_stock" json:"new_stock"`
	Reason        string       `db:"reason" json:"reason"`
	Reference     string       `db:"reference" json:"reference"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	CreatedBy     *string      `db:"created_by" json:"created_by,omitempty"`
}

type MovementRequest struct {
	ProductID int64
	Delta     int
	Type      MovementType
	OrderID   string
	Reason    string
	Reference string
	CreatedBy string
}

func (r MovementRequest) Validate() error {
	if r.ProductID <= 0 {
		return &ValidationError{Field: "product_id", Message: "must be positive"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown movement type %q", string(r.Type))}
	}
	if !r.Type.AcceptsDelta(r.Delta) {
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("delta %d not allowed for %s", r.Delta, r.Type)}
	}
	return nil
}

type MovementFilter struct {
	ProductID *int64
	Limit     int
}

type LedgerReport struct {
	ProductID     int64 `json:"product_id"`
	CurrentStock  int   `json:"current_stock"`
	InitialStock  int   `json:"initial_stock"`
	MovementCount int   `json:"movement_count"`
	SumOfDeltas   int   `json:"sum_of_deltas"`
	Consistent    bool  `json:"consistent"`
	BrokenAtSeq   int64 `json:"broken_at_seq,omitempty"`
}
