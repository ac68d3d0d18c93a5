package core_test

import (
	"context"
	"errors"
	"testing"

	"fulfillment-engine/internal/core"

	"github.com/shopspring/decimal"
)

// makeOrder builds a PENDING order for the user from the given cart contents.
func makeOrder(t *testing.T, ctx context.Context, svc testServices, userID string, items map[int64]int) *core.Order {
	t.Helper()
	for pid, qty := range items {
		if _, err := svc.cart.AddToCart(ctx, userID, pid, qty); err != nil {
			t.Fatalf("AddToCart(%d, %d) failed: %v", pid, qty, err)
		}
	}
	order, err := svc.orders.CreateFromCart(ctx, userID, "integration test", svc.cart)
	if err != nil {
		t.Fatalf("CreateFromCart failed: %v", err)
	}
	return order
}

func TestOrder_CreateFromCart(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4})

	if order.Status != core.OrderStatusPending {
		t.Errorf("Expected PENDING, got %s", order.Status)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 4 {
		t.Fatalf("Expected one item of quantity 4, got %+v", order.Items)
	}

	// 4 × 12.50 = 50.00 net, 19% VAT = 9.50, gross 59.50.
	if !order.TotalNet.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("Expected net 50.00, got %s", order.TotalNet)
	}
	if !order.TotalVAT.Equal(decimal.RequireFromString("9.50")) {
		t.Errorf("Expected VAT 9.50, got %s", order.TotalVAT)
	}
	if !order.TotalGross.Equal(decimal.RequireFromString("59.50")) {
		t.Errorf("Expected gross 59.50, got %s", order.TotalGross)
	}

	// Reservation ownership moved from the cart to the order: the ledger
	// still shows 4 reserved, the cart is gone.
	available, reserved := stockCounters(t, ctx, pool, 1)
	if available != 6 || reserved != 4 {
		t.Errorf("Expected stock 6/4 after checkout, got %d/%d", available, reserved)
	}
	lines, err := svc.cart.GetCart(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCart failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected cart cleared, got %d lines", len(lines))
	}
}

func TestOrder_CreateFromEmptyCart(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	if _, err := svc.orders.CreateFromCart(ctx, "alice", "", svc.cart); !errors.Is(err, core.ErrCartEmpty) {
		t.Errorf("Expected ErrCartEmpty, got %v", err)
	}
}

// Product 1 starts at 10/0. Alice orders 4, raises to 7; that leaves 3 for
// everyone else, so Bob's attempt at 5 fails with precise counts.
func TestOrder_UpdateItemQuantity(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4})

	updated, changed, err := svc.orders.UpdateItemQuantity(ctx, order.ID, 1, 7)
	if err != nil {
		t.Fatalf("UpdateItemQuantity failed: %v", err)
	}
	if !changed {
		t.Error("Expected changed=true")
	}
	if updated.Items[0].Quantity != 7 {
		t.Errorf("Expected quantity 7, got %d", updated.Items[0].Quantity)
	}
	available, reserved := stockCounters(t, ctx, pool, 1)
	if available != 3 || reserved != 7 {
		t.Errorf("Expected stock 3/7, got %d/%d", available, reserved)
	}

	_, err = svc.cart.AddToCart(ctx, "bob", 1, 5)
	var exceeded *core.StockExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Expected StockExceededError for bob, got %v", err)
	}
	if exceeded.Available != 3 || exceeded.OwnHeld != 0 {
		t.Errorf("Expected 3 available / 0 own in bob's error, got %+v", exceeded)
	}

	// Zero delta is a no-op reported as unchanged, not an error.
	_, changed, err = svc.orders.UpdateItemQuantity(ctx, order.ID, 1, 7)
	if err != nil {
		t.Fatalf("Zero-delta update failed: %v", err)
	}
	if changed {
		t.Error("Expected changed=false for zero delta")
	}

	// Lowering releases the delta.
	_, _, err = svc.orders.UpdateItemQuantity(ctx, order.ID, 1, 2)
	if err != nil {
		t.Fatalf("Lowering quantity failed: %v", err)
	}
	available, reserved = stockCounters(t, ctx, pool, 1)
	if available != 8 || reserved != 2 {
		t.Errorf("Expected stock 8/2, got %d/%d", available, reserved)
	}
}

func TestOrder_UpdateAfterConfirmRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4})
	if _, err := svc.orders.Confirm(ctx, order.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if _, _, err := svc.orders.UpdateItemQuantity(ctx, order.ID, 1, 5); !errors.Is(err, core.ErrNotEditable) {
		t.Errorf("Expected ErrNotEditable, got %v", err)
	}
	if _, err := svc.orders.RemoveItem(ctx, order.ID, 1); !errors.Is(err, core.ErrNotEditable) {
		t.Errorf("Expected ErrNotEditable, got %v", err)
	}
	if _, err := svc.orders.UpdateBatch(ctx, order.ID, []core.BatchLineInput{{ProductID: 1, Quantity: 2}}); !errors.Is(err, core.ErrNotEditable) {
		t.Errorf("Expected ErrNotEditable, got %v", err)
	}
}

func TestOrder_RemoveItem(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4, 2: 10})

	updated, err := svc.orders.RemoveItem(ctx, order.ID, 2)
	if err != nil {
		t.Fatalf("RemoveItem failed: %v", err)
	}
	if len(updated.Items) != 1 {
		t.Fatalf("Expected 1 item left, got %d", len(updated.Items))
	}
	if available, reserved := stockCounters(t, ctx, pool, 2); available != 100 || reserved != 0 {
		t.Errorf("Expected product 2 fully released at 100/0, got %d/%d", available, reserved)
	}

	// An order is never valid with zero items.
	if _, err := svc.orders.RemoveItem(ctx, order.ID, 1); !errors.Is(err, core.ErrEmptyOrder) {
		t.Errorf("Expected ErrEmptyOrder, got %v", err)
	}
	if available, reserved := stockCounters(t, ctx, pool, 1); available != 6 || reserved != 4 {
		t.Errorf("Expected product 1 untouched at 6/4 after rejected removal, got %d/%d", available, reserved)
	}
}

// Batch asks for 20 of the scarce product 3 (5 orderable): the line is
// downgraded to 5 with a warning, not failed.
func TestOrder_UpdateBatchDowngrade(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4})

	result, err := svc.orders.UpdateBatch(ctx, order.ID, []core.BatchLineInput{
		{ProductID: 1, Quantity: 4},
		{ProductID: 3, Quantity: 20},
	})
	if err != nil {
		t.Fatalf("UpdateBatch failed: %v", err)
	}

	if len(result.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %+v", result.Warnings)
	}
	w := result.Warnings[0]
	if w.ProductID != 3 || w.Requested != 20 || w.Available != 5 || w.FinalQuantity != 5 {
		t.Errorf("Expected warning {3, 20, 5, 5}, got %+v", w)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Expected no line errors, got %+v", result.Errors)
	}

	var qty3 int
	for _, it := range result.Order.Items {
		if it.ProductID == 3 {
			qty3 = it.Quantity
		}
	}
	if qty3 != 5 {
		t.Errorf("Expected product 3 item at quantity 5, got %d", qty3)
	}
	if available, reserved := stockCounters(t, ctx, pool, 3); available != 0 || reserved != 5 {
		t.Errorf("Expected product 3 at 0/5, got %d/%d", available, reserved)
	}
}

func TestOrder_UpdateBatchRemovalsAndLineErrors(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4, 2: 10})

	result, err := svc.orders.UpdateBatch(ctx, order.ID, []core.BatchLineInput{
		{ProductID: 1, Quantity: 6},    // raise
		{ProductID: 3, Quantity: -2},   // malformed, skipped
		{ProductID: 999, Quantity: 5},  // unknown product, skipped
		// product 2 absent: removed and released
	})
	if err != nil {
		t.Fatalf("UpdateBatch failed: %v", err)
	}

	if len(result.Errors) != 2 {
		t.Fatalf("Expected 2 line errors, got %+v", result.Errors)
	}
	if len(result.Order.Items) != 1 || result.Order.Items[0].ProductID != 1 || result.Order.Items[0].Quantity != 6 {
		t.Errorf("Expected single item {1, 6}, got %+v", result.Order.Items)
	}

	if available, reserved := stockCounters(t, ctx, pool, 2); available != 100 || reserved != 0 {
		t.Errorf("Expected product 2 released at 100/0, got %d/%d", available, reserved)
	}
	if available, reserved := stockCounters(t, ctx, pool, 1); available != 4 || reserved != 6 {
		t.Errorf("Expected product 1 at 4/6, got %d/%d", available, reserved)
	}

	// Totals recomputed once from final state: 6 × 12.50 = 75.00.
	if !result.Order.TotalNet.Equal(decimal.RequireFromString("75.00")) {
		t.Errorf("Expected net 75.00, got %s", result.Order.TotalNet)
	}
}

func TestOrder_UpdateBatchHardFailures(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4})

	var vErr *core.ValidationError
	if _, err := svc.orders.UpdateBatch(ctx, order.ID, nil); !errors.As(err, &vErr) {
		t.Errorf("Expected ValidationError for empty desired set, got %v", err)
	}
	if _, err := svc.orders.UpdateBatch(ctx, 9999, []core.BatchLineInput{{ProductID: 1, Quantity: 1}}); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	// A batch that would leave the order without items is rejected whole:
	// the only item is absent from the desired set and the one target is bad.
	_, err := svc.orders.UpdateBatch(ctx, order.ID, []core.BatchLineInput{{ProductID: 999, Quantity: 5}})
	if !errors.Is(err, core.ErrEmptyOrder) {
		t.Fatalf("Expected ErrEmptyOrder, got %v", err)
	}
	// And nothing committed: item and reservation still in place.
	refreshed, err := svc.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if len(refreshed.Items) != 1 || refreshed.Items[0].Quantity != 4 {
		t.Errorf("Expected order unchanged with item {1, 4}, got %+v", refreshed.Items)
	}
	if available, reserved := stockCounters(t, ctx, pool, 1); available != 6 || reserved != 4 {
		t.Errorf("Expected product 1 untouched at 6/4, got %d/%d", available, reserved)
	}
}

func TestOrder_CancelReleasesReservations(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	order := makeOrder(t, ctx, svc, "alice", map[int64]int{1: 4, 3: 5})
	if _, err := svc.orders.Confirm(ctx, order.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	cancelled, err := svc.orders.Cancel(ctx, order.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != core.OrderStatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Error("Expected cancelled_at to be set")
	}

	if available, reserved := stockCounters(t, ctx, pool, 1); available != 10 || reserved != 0 {
		t.Errorf("Expected product 1 back at 10/0, got %d/%d", available, reserved)
	}
	if available, reserved := stockCounters(t, ctx, pool, 3); available != 5 || reserved != 0 {
		t.Errorf("Expected product 3 back at 5/0, got %d/%d", available, reserved)
	}

	if _, err := svc.orders.Cancel(ctx, order.ID); !errors.Is(err, core.ErrNotEditable) {
		t.Errorf("Expected ErrNotEditable for double cancel, got %v", err)
	}
}
