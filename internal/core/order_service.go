package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchLineInput is one desired (product, quantity) target for UpdateBatch.
type BatchLineInput struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// BatchWarning records a downgraded line: the request was clamped to what was
// orderable instead of failing the batch.
type BatchWarning struct {
	ProductID     int64 `json:"product_id"`
	Requested     int   `json:"requested"`
	Available     int   `json:"available"`
	FinalQuantity int   `json:"final_quantity"`
}

// BatchLineError records a malformed line that was skipped.
type BatchLineError struct {
	ProductID int64  `json:"product_id"`
	Reason    string `json:"reason"`
}

// BatchResult separates soft per-line issues from the committed outcome. A
// hard failure (order missing, not editable, empty desired set) is returned
// as an error instead and nothing commits.
type BatchResult struct {
	Order    *Order           `json:"order"`
	Warnings []BatchWarning   `json:"warnings,omitempty"`
	Errors   []BatchLineError `json:"errors,omitempty"`
}

// OrderService converts carts into committed orders and manages post-
// submission edits. Every item mutation keeps the stock ledger and the order
// row consistent inside one transaction and recomputes totals from final item
// state.
type OrderService interface {
	// CreateFromCart reserves the user's whole cart, builds the order and its
	// items at current unit prices, and clears the cart. If anything fails
	// after reservation, the reservations are released before the error
	// propagates.
	CreateFromCart(ctx context.Context, userID, notes string, cart CartService) (*Order, error)
	// UpdateItemQuantity sets one item to newQty while the order is PENDING.
	// A zero delta is a no-op reported via changed=false.
	UpdateItemQuantity(ctx context.Context, orderID, productID int64, newQty int) (order *Order, changed bool, err error)
	// RemoveItem releases the item's reservation and removes it; removing the
	// last item fails with ErrEmptyOrder and leaves the order untouched.
	RemoveItem(ctx context.Context, orderID, productID int64) (*Order, error)
	// UpdateBatch reconciles the order against a complete target item set in
	// one atomic unit, downgrading over-asks and skipping malformed lines.
	UpdateBatch(ctx context.Context, orderID int64, desired []BatchLineInput) (*BatchResult, error)
	// Confirm transitions PENDING → CONFIRMED; reservations stay live.
	Confirm(ctx context.Context, orderID int64) (*Order, error)
	// Cancel transitions PENDING or CONFIRMED → CANCELLED and releases every
	// item reservation back to available.
	Cancel(ctx context.Context, orderID int64) (*Order, error)
	GetOrder(ctx context.Context, orderID int64) (*Order, error)
	GetOrders(ctx context.Context, userID string) ([]Order, error)
}

type orderService struct {
	pool     *pgxpool.Pool
	ledger   *StockLedger
	notifier Notifier
	logger   *zap.Logger
	vatRate  decimal.Decimal
}

func NewOrderService(pool *pgxpool.Pool, ledger *StockLedger, notifier Notifier, logger *zap.Logger, vatRate decimal.Decimal) OrderService {
	return &orderService{pool: pool, ledger: ledger, notifier: notifier, logger: logger, vatRate: vatRate}
}

func (s *orderService) CreateFromCart(ctx context.Context, userID, notes string, cart CartService) (*Order, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user", Reason: "user id must not be empty"}
	}

	lines, err := cart.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrCartEmpty
	}

	// Checkout step: every line re-validated and fully backed, all-or-nothing.
	if err := cart.ReserveAll(ctx, userID); err != nil {
		return nil, err
	}

	order, err := s.buildOrderFromCart(ctx, userID, notes)
	if err != nil {
		// Compensating action: the reservations are handed back before the
		// original error propagates. ReleaseAll logs its own failures so
		// cleanup cannot mask the root cause.
		cart.ReleaseAll(ctx, userID)
		return nil, err
	}

	s.notifier.Notify(ctx, "order.created", map[string]any{
		"order_id":    order.ID,
		"user_id":     order.UserID,
		"total_gross": order.TotalGross.String(),
	})
	return order, nil
}

// buildOrderFromCart creates the order row and items and clears the cart in
// one transaction. Reservation ownership transfers from cart lines to order
// items; the ledger counters do not move here.
func (s *orderService) buildOrderFromCart(ctx context.Context, userID, notes string) (*Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lines, err := fetchCartLinesTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrCartEmpty
	}

	var orderID int64
	err = tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, status, notes) VALUES ($1, $2, $3) RETURNING id",
		userID, OrderStatusPending, notes,
	).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, line := range lines {
		var unitPrice decimal.Decimal
		if err := tx.QueryRow(ctx,
			"SELECT unit_price FROM products WHERE id = $1",
			line.ProductID,
		).Scan(&unitPrice); err != nil {
			return nil, fmt.Errorf("failed to read unit price for product %d: %w", line.ProductID, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)",
			orderID, line.ProductID, line.Quantity, unitPrice,
		); err != nil {
			return nil, fmt.Errorf("failed to create order item for product %d: %w", line.ProductID, err)
		}
	}

	if _, err := tx.Exec(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		return nil, fmt.Errorf("failed to clear cart: %w", err)
	}
	if err := s.recomputeTotalsTx(ctx, tx, orderID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order creation: %w", err)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *orderService) UpdateItemQuantity(ctx context.Context, orderID, productID int64, newQty int) (*Order, bool, error) {
	if newQty <= 0 || newQty > maxLineQuantity {
		return nil, false, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("quantity must be between 1 and %d, got %d", maxLineQuantity, newQty)}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockEditableOrderTx(ctx, tx, orderID); err != nil {
		return nil, false, err
	}

	available, _, err := s.ledger.lockProductTx(ctx, tx, productID)
	if err != nil {
		return nil, false, err
	}
	current, err := orderItemQuantityTx(ctx, tx, orderID, productID)
	if err != nil {
		return nil, false, err
	}

	delta := newQty - current
	if delta == 0 {
		order, err := s.GetOrder(ctx, orderID)
		return order, false, err
	}
	if delta > 0 {
		// The item's own reservation is added back before comparing against
		// the requested total.
		if newQty > available+current {
			return nil, false, &StockExceededError{ProductID: productID, Requested: newQty, Available: available, OwnHeld: current}
		}
		if err := s.ledger.ReserveTx(ctx, tx, productID, delta); err != nil {
			return nil, false, err
		}
	} else {
		if err := s.ledger.ReleaseTx(ctx, tx, productID, -delta); err != nil {
			return nil, false, err
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE order_items SET quantity = $3 WHERE order_id = $1 AND product_id = $2",
		orderID, productID, newQty,
	); err != nil {
		return nil, false, fmt.Errorf("failed to update order item: %w", err)
	}
	if err := s.recomputeTotalsTx(ctx, tx, orderID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit quantity update: %w", err)
	}

	s.notifier.Notify(ctx, "order.item_updated", map[string]any{
		"order_id":   orderID,
		"product_id": productID,
		"quantity":   newQty,
	})
	order, err := s.GetOrder(ctx, orderID)
	return order, true, err
}

func (s *orderService) RemoveItem(ctx context.Context, orderID, productID int64) (*Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockEditableOrderTx(ctx, tx, orderID); err != nil {
		return nil, err
	}

	var itemCount int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM order_items WHERE order_id = $1",
		orderID,
	).Scan(&itemCount); err != nil {
		return nil, fmt.Errorf("failed to count order items: %w", err)
	}

	if _, _, err := s.ledger.lockProductTx(ctx, tx, productID); err != nil {
		return nil, err
	}
	qty, err := orderItemQuantityTx(ctx, tx, orderID, productID)
	if err != nil {
		return nil, err
	}
	if itemCount <= 1 {
		return nil, fmt.Errorf("cannot remove the last item from order %d: %w", orderID, ErrEmptyOrder)
	}

	if err := s.ledger.ReleaseTx(ctx, tx, productID, qty); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM order_items WHERE order_id = $1 AND product_id = $2",
		orderID, productID,
	); err != nil {
		return nil, fmt.Errorf("failed to delete order item: %w", err)
	}
	if err := s.recomputeTotalsTx(ctx, tx, orderID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit item removal: %w", err)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *orderService) UpdateBatch(ctx context.Context, orderID int64, desired []BatchLineInput) (*BatchResult, error) {
	if len(desired) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "desired item set must not be empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockEditableOrderTx(ctx, tx, orderID); err != nil {
		return nil, err
	}

	items, err := fetchOrderItemsTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	currentByProduct := make(map[int64]OrderItem, len(items))
	for _, it := range items {
		currentByProduct[it.ProductID] = it
	}

	result := &BatchResult{}

	// Malformed lines are recorded and skipped. A product that appears in the
	// desired set at all, even on a malformed line, is not treated as a removal.
	mentioned := make(map[int64]bool, len(desired))
	wanted := make(map[int64]int, len(desired))
	for _, in := range desired {
		mentioned[in.ProductID] = true
		switch {
		case in.ProductID <= 0:
			result.Errors = append(result.Errors, BatchLineError{ProductID: in.ProductID, Reason: "product id must be positive"})
		case in.Quantity <= 0:
			result.Errors = append(result.Errors, BatchLineError{ProductID: in.ProductID, Reason: "quantity must be positive"})
		case in.Quantity > maxLineQuantity:
			result.Errors = append(result.Errors, BatchLineError{ProductID: in.ProductID, Reason: fmt.Sprintf("quantity exceeds the maximum of %d", maxLineQuantity)})
		default:
			if _, dup := wanted[in.ProductID]; dup {
				result.Errors = append(result.Errors, BatchLineError{ProductID: in.ProductID, Reason: "duplicate line"})
				continue
			}
			wanted[in.ProductID] = in.Quantity
		}
	}

	// One pass over the union of removals and targets, in ascending product
	// id order: the lock acquisition order shared with single-item updates.
	touched := make(map[int64]bool)
	var productIDs []int64
	for pid := range currentByProduct {
		if !mentioned[pid] {
			touched[pid] = true
			productIDs = append(productIDs, pid)
		}
	}
	for pid := range wanted {
		if !touched[pid] {
			productIDs = append(productIDs, pid)
		}
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	for _, pid := range productIDs {
		current, exists := currentByProduct[pid]

		desiredQty, isTarget := wanted[pid]
		if !isTarget {
			// Absent from the desired set: remove and release in full.
			if _, _, err := s.ledger.lockProductTx(ctx, tx, pid); err != nil {
				return nil, err
			}
			if err := s.ledger.ReleaseTx(ctx, tx, pid, current.Quantity); err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx,
				"DELETE FROM order_items WHERE order_id = $1 AND product_id = $2",
				orderID, pid,
			); err != nil {
				return nil, fmt.Errorf("failed to delete order item: %w", err)
			}
			continue
		}

		available, _, err := s.ledger.lockProductTx(ctx, tx, pid)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				result.Errors = append(result.Errors, BatchLineError{ProductID: pid, Reason: "product not found"})
				continue
			}
			return nil, err
		}

		currentQty := 0
		if exists {
			currentQty = current.Quantity
		}
		final, delta, downgraded := planLineChange(currentQty, desiredQty, available)
		if downgraded {
			result.Warnings = append(result.Warnings, BatchWarning{
				ProductID: pid, Requested: desiredQty, Available: available, FinalQuantity: final,
			})
		}
		if delta > 0 {
			if err := s.ledger.ReserveTx(ctx, tx, pid, delta); err != nil {
				return nil, err
			}
		} else if delta < 0 {
			if err := s.ledger.ReleaseTx(ctx, tx, pid, -delta); err != nil {
				return nil, err
			}
		}

		switch {
		case final == 0:
			// A new line clamped all the way down: nothing orderable, no item.
		case exists:
			if _, err := tx.Exec(ctx,
				"UPDATE order_items SET quantity = $3 WHERE order_id = $1 AND product_id = $2",
				orderID, pid, final,
			); err != nil {
				return nil, fmt.Errorf("failed to update order item: %w", err)
			}
		default:
			var unitPrice decimal.Decimal
			if err := tx.QueryRow(ctx, "SELECT unit_price FROM products WHERE id = $1", pid).Scan(&unitPrice); err != nil {
				return nil, fmt.Errorf("failed to read unit price for product %d: %w", pid, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO order_items (order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)",
				orderID, pid, final, unitPrice,
			); err != nil {
				return nil, fmt.Errorf("failed to create order item for product %d: %w", pid, err)
			}
		}
	}

	var remaining int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM order_items WHERE order_id = $1", orderID).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("failed to count order items: %w", err)
	}
	if remaining == 0 {
		return nil, fmt.Errorf("batch update would leave order %d without items: %w", orderID, ErrEmptyOrder)
	}

	// Totals recomputed once, from final item state.
	if err := s.recomputeTotalsTx(ctx, tx, orderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch update: %w", err)
	}

	s.notifier.Notify(ctx, "order.batch_updated", map[string]any{
		"order_id":   orderID,
		"warnings":   len(result.Warnings),
		"errors":     len(result.Errors),
		"item_count": remaining,
	})

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result.Order = order
	return result, nil
}

func (s *orderService) Confirm(ctx context.Context, orderID int64) (*Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderStatusPending {
		return nil, fmt.Errorf("order %d cannot be confirmed: status is %s: %w", orderID, status, ErrNotEditable)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET status = $2, confirmed_at = NOW() WHERE id = $1",
		orderID, OrderStatusConfirmed,
	); err != nil {
		return nil, fmt.Errorf("failed to confirm order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order confirmation: %w", err)
	}

	s.notifier.Notify(ctx, "order.confirmed", map[string]any{"order_id": orderID})
	return s.GetOrder(ctx, orderID)
}

func (s *orderService) Cancel(ctx context.Context, orderID int64) (*Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderStatusPending && status != OrderStatusConfirmed {
		return nil, fmt.Errorf("order %d cannot be cancelled: status is %s: %w", orderID, status, ErrNotEditable)
	}

	items, err := fetchOrderItemsTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, _, err := s.ledger.lockProductTx(ctx, tx, it.ProductID); err != nil {
			return nil, err
		}
		if err := s.ledger.ReleaseTx(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET status = $2, cancelled_at = NOW() WHERE id = $1",
		orderID, OrderStatusCancelled,
	); err != nil {
		return nil, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order cancellation: %w", err)
	}

	s.notifier.Notify(ctx, "order.cancelled", map[string]any{"order_id": orderID})
	return s.GetOrder(ctx, orderID)
}

func (s *orderService) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, notes, total_net, total_vat, total_gross,
		       truck_id, loading_started_at, loading_seconds,
		       created_at, confirmed_at, shipped_at, cancelled_at
		FROM orders WHERE id = $1
	`, orderID).Scan(
		&o.ID, &o.UserID, &o.Status, &o.Notes, &o.TotalNet, &o.TotalVAT, &o.TotalGross,
		&o.TruckID, &o.LoadingStartedAt, &o.LoadingSeconds,
		&o.CreatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT oi.id, oi.order_id, oi.product_id, p.code, p.name, oi.quantity, oi.unit_price
		FROM order_items oi
		JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.product_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductCode, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (s *orderService) GetOrders(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, status, notes, total_net, total_vat, total_gross,
		       truck_id, loading_started_at, loading_seconds,
		       created_at, confirmed_at, shipped_at, cancelled_at
		FROM orders WHERE user_id = $1
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.Status, &o.Notes, &o.TotalNet, &o.TotalVAT, &o.TotalGross,
			&o.TruckID, &o.LoadingStartedAt, &o.LoadingSeconds,
			&o.CreatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.CancelledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ── Row helpers ──────────────────────────────────────────────────────────────

// lockOrderTx locks the order header and returns its status.
func lockOrderTx(ctx context.Context, tx pgx.Tx, orderID int64) (string, error) {
	var status string
	err := tx.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		return "", fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}
	return status, nil
}

func lockEditableOrderTx(ctx context.Context, tx pgx.Tx, orderID int64) error {
	status, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if status != OrderStatusPending {
		return fmt.Errorf("order %d cannot be edited: status is %s: %w", orderID, status, ErrNotEditable)
	}
	return nil
}

func orderItemQuantityTx(ctx context.Context, tx pgx.Tx, orderID, productID int64) (int, error) {
	var qty int
	err := tx.QueryRow(ctx,
		"SELECT quantity FROM order_items WHERE order_id = $1 AND product_id = $2 FOR UPDATE",
		orderID, productID,
	).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("order %d has no item for product %d: %w", orderID, productID, ErrOrderItemNotFound)
		}
		return 0, fmt.Errorf("failed to lock order item: %w", err)
	}
	return qty, nil
}

// fetchOrderItemsTx returns the order's items in ascending product id order,
// matching the product lock acquisition order.
func fetchOrderItemsTx(ctx context.Context, tx pgx.Tx, orderID int64) ([]OrderItem, error) {
	rows, err := tx.Query(ctx,
		"SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY product_id",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// recomputeTotalsTx derives net/VAT/gross from the current items and writes
// them to the order header. Totals are never mutated anywhere else.
func (s *orderService) recomputeTotalsTx(ctx context.Context, tx pgx.Tx, orderID int64) error {
	items, err := fetchOrderItemsTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	totals := CalculateTotals(items, s.vatRate)
	_, err = tx.Exec(ctx,
		"UPDATE orders SET total_net = $2, total_vat = $3, total_gross = $4 WHERE id = $1",
		orderID, totals.Net, totals.VAT, totals.Gross,
	)
	if err != nil {
		return fmt.Errorf("failed to update order totals: %w", err)
	}
	return nil
}
