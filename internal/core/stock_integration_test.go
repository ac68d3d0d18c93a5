package core_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"fulfillment-engine/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Clean and seed test DB. Product 1 is the general-purpose item, product 3
	// is deliberately scarce, product 4 is inactive.
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE shipment_sessions, order_items, orders, cart_items, products CASCADE;

		INSERT INTO products (id, code, name, unit_price, available_qty, reserved_qty, is_active) VALUES
		(1, 'P001', 'Euro pallet',          12.50, 10,  0, true),
		(2, 'P002', 'Shipping box, small',   0.85, 100, 0, true),
		(3, 'P003', 'Stretch wrap roll',     6.40, 5,   0, true),
		(4, 'P004', 'Discontinued strap',    1.00, 50,  0, false);

		SELECT setval('products_id_seq', 100);
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

type testServices struct {
	ledger    *core.StockLedger
	cart      core.CartService
	orders    core.OrderService
	shipments core.ShipmentService
}

func newTestServices(pool *pgxpool.Pool) testServices {
	logger := zap.NewNop()
	ledger := core.NewStockLedger(pool, logger)
	return testServices{
		ledger:    ledger,
		cart:      core.NewCartService(pool, ledger, logger),
		orders:    core.NewOrderService(pool, ledger, core.NopNotifier{}, logger, decimal.RequireFromString("0.19")),
		shipments: core.NewShipmentService(pool, ledger, core.NopNotifier{}, logger),
	}
}

// stockCounters fetches the product's counters directly.
func stockCounters(t *testing.T, ctx context.Context, pool *pgxpool.Pool, productID int64) (available, reserved int) {
	t.Helper()
	err := pool.QueryRow(ctx,
		"SELECT available_qty, reserved_qty FROM products WHERE id = $1", productID,
	).Scan(&available, &reserved)
	if err != nil {
		t.Fatalf("Failed to read stock counters for product %d: %v", productID, err)
	}
	return available, reserved
}

func TestStockLedger_ReserveAndRelease(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := svc.ledger.ReserveTx(ctx, tx, 1, 4); err != nil {
		t.Fatalf("ReserveTx failed: %v", err)
	}

	err = svc.ledger.ReserveTx(ctx, tx, 1, 100)
	var insufficient *core.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("Expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 6 {
		t.Errorf("Expected available 6 in error, got %d", insufficient.Available)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	available, reserved := stockCounters(t, ctx, pool, 1)
	if available != 6 || reserved != 4 {
		t.Errorf("Expected 6/4 after reserve, got %d/%d", available, reserved)
	}
}

func TestStockLedger_ReleaseClampsOverRelease(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := svc.ledger.ReserveTx(ctx, tx, 1, 4); err != nil {
		t.Fatalf("ReserveTx failed: %v", err)
	}
	// Over-release: clamped to the 4 actually reserved, never an error.
	if err := svc.ledger.ReleaseTx(ctx, tx, 1, 100); err != nil {
		t.Fatalf("ReleaseTx failed: %v", err)
	}
	// Releasing again must not push available past the physical ceiling.
	if err := svc.ledger.ReleaseTx(ctx, tx, 1, 100); err != nil {
		t.Fatalf("Second ReleaseTx failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	available, reserved := stockCounters(t, ctx, pool, 1)
	if available != 10 || reserved != 0 {
		t.Errorf("Expected 10/0 after clamped releases, got %d/%d", available, reserved)
	}
}

func TestStockLedger_Receive(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newTestServices(pool)
	ctx := context.Background()

	if err := svc.ledger.Receive(ctx, 1, 15); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	available, _ := stockCounters(t, ctx, pool, 1)
	if available != 25 {
		t.Errorf("Expected available 25 after receipt, got %d", available)
	}

	err := svc.ledger.Receive(ctx, 1, 0)
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("Expected ValidationError for zero receipt, got %v", err)
	}

	if err := svc.ledger.Receive(ctx, 4, 5); !errors.Is(err, core.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound for inactive product, got %v", err)
	}
}
