package domain

type Cart struct {
	ID     string     `db:"id" json:"id"`
	UserID *string    `db:"user_id" json:"user_id,omitempty"`
	Items  []CartItem `json:"items"`
}

type CartItem struct {
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}
