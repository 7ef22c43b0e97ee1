package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrNotFound               = errors.New("not found")
	ErrPersistence            = errors.New("persistence failure")
	ErrInvalidTransition      = errors.New("invalid order status transition")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrCompensationIncomplete = errors.New("order compensation incomplete")
)

var ErrEmptyCart = &ValidationError{Field: "cart", Message: "cart has no items"}

// ErrDuplicateMovement is returned when a movement with the same order,
// reference and type is already in the ledger.
var ErrDuplicateMovement = errors.Wrap(ErrDuplicateRequest, "movement already recorded")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError names the product that could not cover the request.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFound(entity string, id interface{}) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PersistenceError wraps a storage failure. The enclosing transaction has
// been rolled back when one of these surfaces.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
