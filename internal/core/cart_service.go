package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// maxLineQuantity caps a single cart or order line.
const maxLineQuantity = 999

// CartService manages a user's tentative holds. Every mutation re-derives the
// orderable maximum under the product row lock, so validation and reservation
// are a single atomic step as observed by other requests.
type CartService interface {
	// AddToCart raises the user's hold by qty, reserving the delta. The new
	// line total may not pass MaxOrderable; failures carry the available and
	// own-held counts (*StockExceededError).
	AddToCart(ctx context.Context, userID string, productID int64, qty int) (*CartLine, error)
	// UpdateQuantity sets the hold to newQty, reserving or releasing the delta.
	UpdateQuantity(ctx context.Context, userID string, productID int64, newQty int) (*CartLine, error)
	RemoveItem(ctx context.Context, userID string, productID int64) error
	// Clear removes every line, releasing its reservations; returns lines removed.
	Clear(ctx context.Context, userID string) (int, error)
	GetCart(ctx context.Context, userID string) ([]CartLine, error)
	// MaxOrderable is the ceiling this user may request for the product:
	// global available stock plus their own existing hold.
	MaxOrderable(ctx context.Context, userID string, productID int64) (int, error)
	// ReserveAll is the checkout step: re-validates every line under its
	// product lock and tops unbacked holds up to a full reservation.
	// All-or-nothing; a shortfall on any line rolls the whole call back with
	// *InsufficientStockError.
	ReserveAll(ctx context.Context, userID string) error
	// ReleaseAll is the best-effort inverse used when order creation fails
	// after reservation: drops the ledger backing of every line but keeps the
	// lines. Per-line failures are logged, never returned.
	ReleaseAll(ctx context.Context, userID string)
}

type cartService struct {
	pool   *pgxpool.Pool
	ledger *StockLedger
	logger *zap.Logger
}

func NewCartService(pool *pgxpool.Pool, ledger *StockLedger, logger *zap.Logger) CartService {
	return &cartService{pool: pool, ledger: ledger, logger: logger}
}

func validateCartInput(userID string, productID int64) error {
	if userID == "" {
		return &ValidationError{Field: "user", Reason: "user id must not be empty"}
	}
	if productID <= 0 {
		return &ValidationError{Field: "product", Reason: fmt.Sprintf("product id must be positive, got %d", productID)}
	}
	return nil
}

func (s *cartService) AddToCart(ctx context.Context, userID string, productID int64, qty int) (*CartLine, error) {
	if err := validateCartInput(userID, productID); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("quantity must be positive, got %d", qty)}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	available, _, err := s.ledger.lockProductTx(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	existingQty, existingReserved, err := lockCartLineTx(ctx, tx, userID, productID)
	if err != nil && !errors.Is(err, ErrCartLineNotFound) {
		return nil, err
	}

	newTotal := existingQty + qty
	if newTotal > maxLineQuantity {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("line total %d exceeds the maximum of %d", newTotal, maxLineQuantity)}
	}
	if newTotal > available+existingReserved {
		return nil, &StockExceededError{ProductID: productID, Requested: newTotal, Available: available, OwnHeld: existingReserved}
	}

	if err := s.ledger.ReserveTx(ctx, tx, productID, newTotal-existingReserved); err != nil {
		return nil, err
	}
	if err := upsertCartLineTx(ctx, tx, userID, productID, newTotal); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit add to cart: %w", err)
	}
	return s.getLine(ctx, userID, productID)
}

func (s *cartService) UpdateQuantity(ctx context.Context, userID string, productID int64, newQty int) (*CartLine, error) {
	if err := validateCartInput(userID, productID); err != nil {
		return nil, err
	}
	if newQty <= 0 || newQty > maxLineQuantity {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("quantity must be between 1 and %d, got %d", maxLineQuantity, newQty)}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	available, _, err := s.ledger.lockProductTx(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	_, existingReserved, err := lockCartLineTx(ctx, tx, userID, productID)
	if err != nil {
		return nil, err
	}

	if newQty > available+existingReserved {
		return nil, &StockExceededError{ProductID: productID, Requested: newQty, Available: available, OwnHeld: existingReserved}
	}

	delta := newQty - existingReserved
	if delta > 0 {
		if err := s.ledger.ReserveTx(ctx, tx, productID, delta); err != nil {
			return nil, err
		}
	} else if delta < 0 {
		if err := s.ledger.ReleaseTx(ctx, tx, productID, -delta); err != nil {
			return nil, err
		}
	}
	if err := upsertCartLineTx(ctx, tx, userID, productID, newQty); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit quantity update: %w", err)
	}
	return s.getLine(ctx, userID, productID)
}

func (s *cartService) RemoveItem(ctx context.Context, userID string, productID int64) error {
	if err := validateCartInput(userID, productID); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, _, err := s.ledger.lockProductTx(ctx, tx, productID); err != nil {
		return err
	}
	_, reserved, err := lockCartLineTx(ctx, tx, userID, productID)
	if err != nil {
		return err
	}
	if err := s.ledger.ReleaseTx(ctx, tx, productID, reserved); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2",
		userID, productID,
	); err != nil {
		return fmt.Errorf("failed to delete cart line: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cart removal: %w", err)
	}
	return nil
}

func (s *cartService) Clear(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, &ValidationError{Field: "user", Reason: "user id must not be empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lines, err := fetchCartLinesTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	// Products locked one per iteration, in ascending id order.
	for _, line := range lines {
		if _, _, err := s.ledger.lockProductTx(ctx, tx, line.ProductID); err != nil {
			return 0, err
		}
		if err := s.ledger.ReleaseTx(ctx, tx, line.ProductID, line.ReservedQty); err != nil {
			return 0, err
		}
	}
	ct, err := tx.Exec(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit cart clear: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) ([]CartLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ci.id, ci.user_id, ci.product_id, p.code, p.name, ci.quantity, ci.reserved_qty, ci.created_at, ci.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1
		ORDER BY ci.product_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart: %w", err)
	}
	defer rows.Close()

	var lines []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ID, &l.UserID, &l.ProductID, &l.ProductCode, &l.ProductName,
			&l.Quantity, &l.ReservedQty, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *cartService) MaxOrderable(ctx context.Context, userID string, productID int64) (int, error) {
	if err := validateCartInput(userID, productID); err != nil {
		return 0, err
	}
	var available, ownHeld int
	err := s.pool.QueryRow(ctx, `
		SELECT p.available_qty, COALESCE(ci.reserved_qty, 0)
		FROM products p
		LEFT JOIN cart_items ci ON ci.product_id = p.id AND ci.user_id = $2
		WHERE p.id = $1 AND p.is_active = true
	`, productID, userID).Scan(&available, &ownHeld)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return 0, fmt.Errorf("failed to compute orderable maximum: %w", err)
	}
	return available + ownHeld, nil
}

func (s *cartService) ReserveAll(ctx context.Context, userID string) error {
	if userID == "" {
		return &ValidationError{Field: "user", Reason: "user id must not be empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lines, err := fetchCartLinesTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return ErrCartEmpty
	}

	for _, line := range lines {
		need := line.Quantity - line.ReservedQty
		if need <= 0 {
			continue
		}
		available, _, err := s.ledger.lockProductTx(ctx, tx, line.ProductID)
		if err != nil {
			return err
		}
		// Check-then-act stays inside the product lock.
		if line.Quantity > available+line.ReservedQty {
			return &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: available}
		}
		if err := s.ledger.ReserveTx(ctx, tx, line.ProductID, need); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE cart_items SET reserved_qty = quantity, updated_at = NOW() WHERE id = $1",
			line.ID,
		); err != nil {
			return fmt.Errorf("failed to mark cart line reserved: %w", err)
		}
	}

	// Rollback via the deferred call undoes every reservation made above if
	// any line fell short. The operation is all-or-nothing.
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cart reservation: %w", err)
	}
	return nil
}

func (s *cartService) ReleaseAll(ctx context.Context, userID string) {
	lines, err := s.GetCart(ctx, userID)
	if err != nil {
		s.logger.Error("release all: failed to load cart", zap.String("user_id", userID), zap.Error(err))
		return
	}

	// One transaction per line: a failure on one product must not block the
	// release of the others.
	for _, line := range lines {
		if line.ReservedQty == 0 {
			continue
		}
		if err := s.releaseLine(ctx, line); err != nil {
			s.logger.Error("release all: line release failed",
				zap.String("user_id", userID),
				zap.Int64("product_id", line.ProductID),
				zap.Int("reserved", line.ReservedQty),
				zap.Error(err),
			)
		}
	}
}

func (s *cartService) releaseLine(ctx context.Context, line CartLine) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, _, err := s.ledger.lockProductTx(ctx, tx, line.ProductID); err != nil {
		return err
	}
	if err := s.ledger.ReleaseTx(ctx, tx, line.ProductID, line.ReservedQty); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE cart_items SET reserved_qty = 0, updated_at = NOW() WHERE id = $1",
		line.ID,
	); err != nil {
		return fmt.Errorf("failed to mark cart line released: %w", err)
	}
	return tx.Commit(ctx)
}

// ── Row helpers ──────────────────────────────────────────────────────────────

// lockCartLineTx locks the user's line for the product and returns its state.
// The product row lock must already be held; product before cart line is the
// lock order everywhere.
func lockCartLineTx(ctx context.Context, tx pgx.Tx, userID string, productID int64) (quantity, reserved int, err error) {
	err = tx.QueryRow(ctx,
		"SELECT quantity, reserved_qty FROM cart_items WHERE user_id = $1 AND product_id = $2 FOR UPDATE",
		userID, productID,
	).Scan(&quantity, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrCartLineNotFound
		}
		return 0, 0, fmt.Errorf("failed to lock cart line: %w", err)
	}
	return quantity, reserved, nil
}

func upsertCartLineTx(ctx context.Context, tx pgx.Tx, userID string, productID int64, quantity int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity, reserved_qty)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = $3, reserved_qty = $3, updated_at = NOW()
	`, userID, productID, quantity)
	if err != nil {
		return fmt.Errorf("failed to upsert cart line: %w", err)
	}
	return nil
}

// fetchCartLinesTx returns the user's lines ordered by product id, which is
// the lock acquisition order for every multi-product operation.
func fetchCartLinesTx(ctx context.Context, tx pgx.Tx, userID string) ([]CartLine, error) {
	rows, err := tx.Query(ctx,
		"SELECT id, product_id, quantity, reserved_qty FROM cart_items WHERE user_id = $1 ORDER BY product_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart lines: %w", err)
	}
	defer rows.Close()

	var lines []CartLine
	for rows.Next() {
		var l CartLine
		l.UserID = userID
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.ReservedQty); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *cartService) getLine(ctx context.Context, userID string, productID int64) (*CartLine, error) {
	var l CartLine
	err := s.pool.QueryRow(ctx, `
		SELECT ci.id, ci.user_id, ci.product_id, p.code, p.name, ci.quantity, ci.reserved_qty, ci.created_at, ci.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1 AND ci.product_id = $2
	`, userID, productID).Scan(&l.ID, &l.UserID, &l.ProductID, &l.ProductCode, &l.ProductName,
		&l.Quantity, &l.ReservedQty, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartLineNotFound
		}
		return nil, fmt.Errorf("failed to fetch cart line: %w", err)
	}
	return &l, nil
}
