package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusProcessing, OrderStatusCancelled, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusPending, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}

	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())
}

func TestParseOrderStatus(t *testing.T) {
	st, err := ParseOrderStatus("SHIPPED")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusShipped, st)

	_, err = ParseOrderStatus("shipped")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMovementType_AcceptsDelta(t *testing.T) {
	assert.True(t, MovementSale.AcceptsDelta(-1))
	assert.False(t, MovementSale.AcceptsDelta(1))
	assert.True(t, MovementReturn.AcceptsDelta(2))
	assert.False(t, MovementRestock.AcceptsDelta(0))
	assert.True(t, MovementAdjustment.AcceptsDelta(-4))
	assert.False(t, MovementAdjustment.AcceptsDelta(0))
	assert.False(t, MovementType("GIFT").AcceptsDelta(1))
}

func TestMovementType_Scan(t *testing.T) {
	var mt MovementType
	require.NoError(t, mt.Scan([]byte("RESTOCK")))
	assert.Equal(t, MovementRestock, mt)

	assert.Error(t, mt.Scan("LOST"))
	assert.Error(t, mt.Scan(42))

	_, err := MovementType("LOST").Value()
	assert.Error(t, err)
}

func TestMovementRequest_Validate(t *testing.T) {
	ok := MovementRequest{ProductID: 1, Delta: -2, Type: MovementSale}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.ProductID = 0
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.Delta = 2
	assert.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestAlertTypeFor(t *testing.T) {
	assert.Equal(t, AlertOutOfStock, AlertTypeFor(0))
	assert.Equal(t, AlertLowStock, AlertTypeFor(3))
}

func TestProduct_IsLowStock(t *testing.T) {
	assert.True(t, Product{TrackInventory: true, CurrentStock: 5, LowStockThreshold: 5}.IsLowStock())
	assert.False(t, Product{TrackInventory: true, CurrentStock: 6, LowStockThreshold: 5}.IsLowStock())
	assert.False(t, Product{CurrentStock: 0, LowStockThreshold: 5}.IsLowStock())
}

func TestErrors_MatchSentinels(t *testing.T) {
	assert.ErrorIs(t, errors.Wrap(&InsufficientStockError{ProductName: "B"}, "place order"), ErrInsufficientStock)
	assert.ErrorIs(t, NewNotFound("order", "o-1"), ErrNotFound)
	assert.ErrorIs(t, &TransitionError{From: OrderStatusDelivered, To: OrderStatusPending}, ErrInvalidTransition)
	assert.ErrorIs(t, ErrEmptyCart, ErrValidation)

	cause := errors.New("connection reset")
	perr := &PersistenceError{Op: "insert order", Err: cause}
	assert.ErrorIs(t, perr, ErrPersistence)
	assert.ErrorIs(t, perr, cause)

	assert.Contains(t, (&InsufficientStockError{ProductName: "B", Requested: 1}).Error(), `"B"`)
	assert.Equal(t, "ORD-00000042", FormatOrderNumber(42))
}

func TestCart_IsEmpty(t *testing.T) {
	var nilCart *Cart
	assert.True(t, nilCart.IsEmpty())
	assert.True(t, (&Cart{}).IsEmpty())
	assert.False(t, (&Cart{Items: []CartItem{{ProductID: 1, Quantity: 1}}}).IsEmpty())
}
