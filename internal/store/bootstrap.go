package store

import (
	"context"
	"database/sql"
	"fmt"

	errx "github.com/dataquery-core-poc/server/internal/core/error"
)

// datasetSchema mirrors the cleaned CSV layout produced by the preprocessing
// pipeline. The column set must stay in sync with the schema descriptor text
// embedded in the generation prompt.
const datasetSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	store_id TEXT NOT NULL,
	customer_id TEXT,
	external_location_id TEXT,
	external_order_id TEXT,
	total_amount_in_cents INTEGER,
	discount_amount_in_cents INTEGER,
	delivery_fee_in_cents INTEGER,
	created_at TEXT,
	updated_at TEXT,
	fulfillment_type TEXT,
	tip_amount_in_cents INTEGER,
	service_fee_in_cents INTEGER,
	subscription_discounts_metadata TEXT,
	notes TEXT,
	delivery_info TEXT,
	risk_level INTEGER,
	order_type TEXT,
	perdiem_platform_fee_in_cents INTEGER,
	scheduled_fulfillment_at TEXT
);
CREATE TABLE IF NOT EXISTS customers (
	customer_id TEXT PRIMARY KEY,
	store_id TEXT NOT NULL,
	external_customer_id TEXT
);
CREATE TABLE IF NOT EXISTS stores (
	store_id TEXT PRIMARY KEY,
	external_store_id TEXT,
	name TEXT NOT NULL,
	active INTEGER,
	created_at TEXT,
	updated_at TEXT,
	delivery_fee TEXT,
	platform_fee TEXT,
	consumer_fee TEXT,
	pre_sale TEXT
);
`

// Bootstrap creates an empty dataset at path with the three-table schema and
// returns a writable handle for loading rows. Production datasets come out of
// the CSV preprocessing pipeline; this exists for fixtures and local seeding.
func Bootstrap(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errx.WrapSQLite(fmt.Errorf("open dataset for bootstrap: %w", err))
	}
	if _, err := db.ExecContext(ctx, datasetSchema); err != nil {
		_ = db.Close()
		return nil, errx.WrapSQLite(fmt.Errorf("create dataset schema: %w", err))
	}
	return db, nil
}
