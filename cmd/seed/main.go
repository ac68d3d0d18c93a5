// seed is a one-shot tool that loads a small demo catalog into the database.
// Run it against a fresh (migrated) database to have something to order.
//
// Usage: go run ./cmd/seed
package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"fulfillment-engine/internal/config"
	"fulfillment-engine/internal/db"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	log.Println("Seeding demo catalog...")
	_, err = pool.Exec(ctx, `
		INSERT INTO products (code, name, unit_price, available_qty) VALUES
		('PAL-EUR',  'Euro pallet',              12.50, 400),
		('BOX-S',    'Shipping box, small',       0.85, 2500),
		('BOX-L',    'Shipping box, large',       1.95, 1200),
		('WRAP-01',  'Stretch wrap roll',         6.40, 300),
		('TAPE-48',  'Packing tape 48mm',         2.10, 800),
		('LBL-A6',   'Label sheets A6 (100)',     4.75, 150)
		ON CONFLICT (code) DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to seed products: %v", err)
	}

	log.Println("Done.")
}
