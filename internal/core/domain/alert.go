package domain

import "time"

type AlertType string

const (
	AlertLowStock   AlertType = "LOW_STOCK"
	AlertOutOfStock AlertType = "OUT_OF_STOCK"
)

// AlertTypeFor picks the alert raised for a stock level at or below threshold.
func AlertTypeFor(stock int) AlertType {
	if stock == 0 {
		return AlertOutOfStock
	}
	return AlertLowStock
}

type StockAlert struct {
	ID                     string     `db:"id" json:"id"`
	ProductID              int64      `db:"product_id" json:"product_id"`
	AlertType              AlertType  `db:"alert_type" json:"alert_type"`
	ThresholdAtCreation    int        `db:"threshold_at_creation" json:"threshold_at_creation"`
	CurrentStockAtCreation int        `db:"current_stock_at_creation" json:"current_stock_at_creation"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt             *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	IsResolved             bool       `db:"is_resolved" json:"is_resolved"`
}
