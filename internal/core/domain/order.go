package domain

import (
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	switch st {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown order status %q", s)}
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ShippingInfo struct {
	Name       string `json:"name" validate:"required,max=255"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required,max=32"`
	Address    string `json:"address" validate:"required,max=512"`
	City       string `json:"city" validate:"required,max=128"`
	PostalCode string `json:"postal_code" validate:"required,max=32"`
	Country    string `json:"country" validate:"required,len=2"`
}

type Order struct {
	ID            string       `json:"id"`
	OrderNumber   int64        `json:"order_number"`
	CartID        string       `json:"cart_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Status        OrderStatus  `json:"status"`
	SubtotalCents int64        `json:"subtotal_cents"`
	TotalCents    int64        `json:"total_cents"`
	Shipping      ShippingInfo `json:"shipping"`
	Items         []OrderItem  `json:"items"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OrderItem freezes product name and price at the time the order was placed.
type OrderItem struct {
	ID             string `db:"id" json:"id"`
	OrderID        string `db:"order_id" json:"order_id"`
	ProductID      int64  `db:"product_id" json:"product_id"`
	SKU            string `db:"sku" json:"sku"`
	ProductName    string `db:"product_name" json:"product_name"`
	UnitPriceCents int64  `db:"unit_price_cents" json:"unit_price_cents"`
	Quantity       int    `db:"quantity" json:"quantity"`
	LineTotalCents int64  `db:"line_total_cents" json:"line_total_cents"`
}

type PlaceOrderRequest struct {
	CartID    string
	RequestID string
	Shipping  ShippingInfo
}

type PlacedOrder struct {
	OrderID     string `json:"order_id"`
	OrderNumber int64  `json:"order_number"`
}

// FormatOrderNumber renders the customer-facing order number.
func FormatOrderNumber(n int64) string {
	return fmt.Sprintf("ORD-%08d", n)
}
