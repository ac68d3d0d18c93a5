package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// StockLedger applies reservation arithmetic to the per-product counters.
// Every mutation runs against a product row held under FOR UPDATE, so
// concurrent attempts for the same product serialize and can never both act
// on a stale AvailableQty. All Tx-scoped methods expect the caller's
// transaction; the read-then-write stays inside it.
type StockLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStockLedger(pool *pgxpool.Pool, logger *zap.Logger) *StockLedger {
	return &StockLedger{pool: pool, logger: logger}
}

// lockProductTx locks the product row and returns its current counters.
func (l *StockLedger) lockProductTx(ctx context.Context, tx pgx.Tx, productID int64) (available, reserved int, err error) {
	err = tx.QueryRow(ctx,
		"SELECT available_qty, reserved_qty FROM products WHERE id = $1 AND is_active = true FOR UPDATE",
		productID,
	).Scan(&available, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return 0, 0, fmt.Errorf("failed to lock product %d: %w", productID, err)
	}
	return available, reserved, nil
}

// ReserveTx moves qty units from available to reserved. The caller must
// already hold the product row lock (lockProductTx) in this transaction;
// availability was checked against that same locked read.
func (l *StockLedger) ReserveTx(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return nil
	}
	ct, err := tx.Exec(ctx, `
		UPDATE products
		SET available_qty = available_qty - $2, reserved_qty = reserved_qty + $2, updated_at = NOW()
		WHERE id = $1 AND available_qty >= $2
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to reserve %d units of product %d: %w", qty, productID, err)
	}
	if ct.RowsAffected() != 1 {
		// The guarded UPDATE is the atomic check-and-commit; reaching here
		// means the locked read and this write disagree.
		var available int
		_ = tx.QueryRow(ctx, "SELECT available_qty FROM products WHERE id = $1", productID).Scan(&available)
		return &InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}
	return nil
}

// ReleaseTx moves qty units from reserved back to available. A delta larger
// than what is currently reserved is clamped and logged, never an error:
// this is the safety net against drift from double-release bugs, and it keeps
// available from ever exceeding physical stock.
func (l *StockLedger) ReleaseTx(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return nil
	}
	var reserved int
	err := tx.QueryRow(ctx,
		"SELECT reserved_qty FROM products WHERE id = $1 FOR UPDATE",
		productID,
	).Scan(&reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return fmt.Errorf("failed to lock product %d for release: %w", productID, err)
	}

	release := qty
	if release > reserved {
		l.logger.Warn("release clamped to reserved quantity",
			zap.Int64("product_id", productID),
			zap.Int("requested", qty),
			zap.Int("reserved", reserved),
		)
		release = reserved
	}
	if release == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE products
		SET available_qty = available_qty + $2, reserved_qty = reserved_qty - $2, updated_at = NOW()
		WHERE id = $1
	`, productID, release)
	if err != nil {
		return fmt.Errorf("failed to release %d units of product %d: %w", release, productID, err)
	}
	return nil
}

// ConsumeTx permanently removes qty units from reserved stock, used when a
// loaded order ships: the goods leave the warehouse, available is untouched.
func (l *StockLedger) ConsumeTx(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return nil
	}
	ct, err := tx.Exec(ctx, `
		UPDATE products
		SET reserved_qty = reserved_qty - $2, updated_at = NOW()
		WHERE id = $1 AND reserved_qty >= $2
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("failed to consume %d units of product %d: %w", qty, productID, err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("cannot consume %d units of product %d: reserved quantity too low", qty, productID)
	}
	return nil
}

// Receive records a goods receipt: qty units of new physical stock become
// available. Standalone operation with its own transaction.
func (l *StockLedger) Receive(ctx context.Context, productID int64, qty int) error {
	if qty <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("receive quantity must be positive, got %d", qty)}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, _, err := l.lockProductTx(ctx, tx, productID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"UPDATE products SET available_qty = available_qty + $2, updated_at = NOW() WHERE id = $1",
		productID, qty,
	)
	if err != nil {
		return fmt.Errorf("failed to receive %d units of product %d: %w", qty, productID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit goods receipt: %w", err)
	}
	return nil
}

// GetProduct is a plain read of a product and its counters.
func (l *StockLedger) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	var p Product
	err := l.pool.QueryRow(ctx, `
		SELECT id, code, name, unit_price, available_qty, reserved_qty, is_active, created_at
		FROM products WHERE id = $1
	`, productID).Scan(&p.ID, &p.Code, &p.Name, &p.UnitPrice, &p.AvailableQty, &p.ReservedQty, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return nil, fmt.Errorf("failed to fetch product %d: %w", productID, err)
	}
	return &p, nil
}
