package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"fulfillment-engine/internal/config"
	"fulfillment-engine/internal/db"
)

// Checks the two ledger invariants across all products:
//
//  1. available_qty >= 0 (also enforced by a CHECK constraint);
//  2. reserved_qty equals the sum of live holds: cart reserved quantities
//     plus item quantities of PENDING/CONFIRMED orders.
//
// Exits non-zero when drift is found so it can gate deploys.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[CONNECT] %v", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT p.id, p.code, p.available_qty, p.reserved_qty,
		       COALESCE(c.held, 0) + COALESCE(o.held, 0) AS live_holds
		FROM products p
		LEFT JOIN (
			SELECT product_id, SUM(reserved_qty) AS held
			FROM cart_items GROUP BY product_id
		) c ON c.product_id = p.id
		LEFT JOIN (
			SELECT oi.product_id, SUM(oi.quantity) AS held
			FROM order_items oi
			JOIN orders ord ON ord.id = oi.order_id
			WHERE ord.status IN ('PENDING', 'CONFIRMED')
			GROUP BY oi.product_id
		) o ON o.product_id = p.id
		ORDER BY p.id
	`)
	if err != nil {
		log.Fatalf("[QUERY] %v", err)
	}
	defer rows.Close()

	products, drifted := 0, 0
	for rows.Next() {
		var id int64
		var code string
		var available, reserved, liveHolds int
		if err := rows.Scan(&id, &code, &available, &reserved, &liveHolds); err != nil {
			log.Fatalf("[SCAN] %v", err)
		}
		products++

		if available < 0 {
			drifted++
			log.Printf("[DRIFT] product %d (%s): available_qty is negative: %d", id, code, available)
		}
		if reserved != liveHolds {
			drifted++
			log.Printf("[DRIFT] product %d (%s): reserved_qty=%d but live holds sum to %d", id, code, reserved, liveHolds)
		}
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("[QUERY] %v", err)
	}

	if drifted > 0 {
		log.Printf("[FAIL] %d drift(s) across %d products", drifted, products)
		os.Exit(1)
	}
	log.Printf("[OK] %d products verified, ledger consistent", products)
}
