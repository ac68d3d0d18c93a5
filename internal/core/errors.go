package core

import (
	"errors"
	"fmt"
)

// Expected business conditions and illegal state transitions. Callers match
// with errors.Is / errors.As; anything else coming out of the services is an
// infrastructure failure.
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrCartLineNotFound  = errors.New("cart line not found")
	ErrCartEmpty         = errors.New("cart is empty")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderItemNotFound = errors.New("order item not found")
	// ErrNotEditable marks an item mutation attempted after the order left PENDING.
	ErrNotEditable = errors.New("order is not editable")
	// ErrEmptyOrder marks a mutation that would leave an order with no items.
	ErrEmptyOrder = errors.New("order must contain at least one item")

	ErrSessionNotFound      = errors.New("shipment session not found")
	ErrSessionAlreadyActive = errors.New("a shipment session for this order is already active")
	ErrNotSessionOwner      = errors.New("only the employee who started the session may operate it")
	ErrIncompleteLoading    = errors.New("order is not fully loaded")
	ErrNotReadyForShipment  = errors.New("order is not ready for shipment")
)

// ValidationError reports malformed input: blank ids, non-positive or
// oversized quantities. Never retried, always surfaced immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StockExceededError is returned when a user's requested total would pass the
// orderable maximum. It carries both the global available count and the
// user's own held amount so the caller can render a precise message.
type StockExceededError struct {
	ProductID int64
	Requested int
	Available int
	OwnHeld   int
}

func (e *StockExceededError) Error() string {
	return fmt.Sprintf("stock exceeded for product %d: requested %d, available %d (plus %d already held by you)",
		e.ProductID, e.Requested, e.Available, e.OwnHeld)
}

// InsufficientStockError is returned when the ledger cannot cover a
// reservation delta.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}
