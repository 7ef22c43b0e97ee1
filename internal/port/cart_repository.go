package port

import (
	"context"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// CartRepository is the cart collaborator. Both calls join the transaction
// carried by ctx when there is one.
type CartRepository interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	ClearCart(ctx context.Context, cartID string) error
}
