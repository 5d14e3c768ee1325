package postgres

import (
	"context"
	"fmt"
)

type migration struct {
	version string
	name    string
	up      string
}

// migrations are applied in order and recorded in schema_migrations. Never
// edit a released migration; append a new one.
var migrations = []migration{
	{
		version: "20260501000001",
		name:    "create_catalog",
		up: `
CREATE TABLE IF NOT EXISTS products (
    shop_id             TEXT NOT NULL,
    id                  TEXT NOT NULL,
    sku                 TEXT NOT NULL,
    barcode             TEXT,
    name                TEXT NOT NULL,
    category_id         TEXT,
    cost_price_cents    BIGINT NOT NULL DEFAULT 0 CHECK (cost_price_cents >= 0),
    selling_price_cents BIGINT NOT NULL CHECK (selling_price_cents >= 0),
    active              BOOLEAN NOT NULL DEFAULT true,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (shop_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_shop_sku ON products (shop_id, sku);

CREATE TABLE IF NOT EXISTS customers (
    shop_id            TEXT NOT NULL,
    id                 TEXT NOT NULL,
    name               TEXT NOT NULL,
    phone              TEXT,
    credit_limit_cents BIGINT NOT NULL DEFAULT 0 CHECK (credit_limit_cents >= 0),
    soft_credit_limit  BOOLEAN NOT NULL DEFAULT false,
    active             BOOLEAN NOT NULL DEFAULT true,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (shop_id, id)
);
`,
	},
	{
		version: "20260501000002",
		name:    "create_inventory",
		up: `
CREATE TABLE IF NOT EXISTS stock_levels (
    shop_id       TEXT NOT NULL,
    product_id    TEXT NOT NULL,
    quantity      INT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
    reorder_level INT NOT NULL DEFAULT 0,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (shop_id, product_id)
);

CREATE TABLE IF NOT EXISTS stock_movements (
    id          TEXT PRIMARY KEY,
    shop_id     TEXT NOT NULL,
    product_id  TEXT NOT NULL,
    delta       INT NOT NULL CHECK (delta <> 0),
    reason      TEXT NOT NULL,
    sale_id     TEXT,
    reversal_of TEXT,
    note        TEXT,
    created_by  TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements (shop_id, product_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stock_movements_sale ON stock_movements (sale_id) WHERE sale_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_stock_movements_reversal ON stock_movements (reversal_of) WHERE reversal_of IS NOT NULL;
`,
	},
	{
		version: "20260501000003",
		name:    "create_sales",
		up: `
CREATE TABLE IF NOT EXISTS sales (
    id                    TEXT PRIMARY KEY,
    invoice_number        TEXT NOT NULL UNIQUE,
    shop_id               TEXT NOT NULL,
    cashier_id            TEXT NOT NULL,
    customer_id           TEXT,
    idempotency_key       TEXT,
    payment_method        TEXT NOT NULL,
    subtotal_cents        BIGINT NOT NULL,
    discount_cents        BIGINT NOT NULL DEFAULT 0,
    tax_cents             BIGINT NOT NULL DEFAULT 0,
    total_cents           BIGINT NOT NULL,
    amount_tendered_cents BIGINT NOT NULL,
    change_cents          BIGINT NOT NULL DEFAULT 0,
    status                TEXT NOT NULL,
    debt_id               TEXT,
    created_at            TIMESTAMPTZ NOT NULL,
    voided_at             TIMESTAMPTZ,
    void_reason           TEXT,
    voided_by             TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_idempotency ON sales (shop_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sales_shop_created ON sales (shop_id, created_at);

CREATE TABLE IF NOT EXISTS sale_items (
    sale_id             TEXT NOT NULL REFERENCES sales (id) ON DELETE CASCADE,
    line_no             INT NOT NULL,
    product_id          TEXT NOT NULL,
    sku                 TEXT NOT NULL,
    quantity            INT NOT NULL CHECK (quantity > 0),
    unit_price_cents    BIGINT NOT NULL,
    unit_cost_cents     BIGINT NOT NULL DEFAULT 0,
    price_overridden    BOOLEAN NOT NULL DEFAULT false,
    line_discount_cents BIGINT NOT NULL DEFAULT 0,
    line_total_cents    BIGINT NOT NULL,
    PRIMARY KEY (sale_id, line_no)
);

CREATE TABLE IF NOT EXISTS posting_intents (
    id         TEXT PRIMARY KEY,
    shop_id    TEXT NOT NULL,
    sale_id    TEXT NOT NULL,
    status     TEXT NOT NULL,
    steps      JSONB NOT NULL DEFAULT '[]',
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posting_intents_pending ON posting_intents (updated_at) WHERE status = 'PENDING';
`,
	},
	{
		version: "20260501000004",
		name:    "create_debts",
		up: `
CREATE TABLE IF NOT EXISTS debts (
    id              TEXT PRIMARY KEY,
    shop_id         TEXT NOT NULL,
    customer_id     TEXT NOT NULL,
    sale_id         TEXT,
    principal_cents BIGINT NOT NULL CHECK (principal_cents > 0),
    paid_cents      BIGINT NOT NULL DEFAULT 0 CHECK (paid_cents >= 0 AND paid_cents <= principal_cents),
    status          TEXT NOT NULL,
    due_date        TIMESTAMPTZ NOT NULL,
    created_by      TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    settled_at      TIMESTAMPTZ,
    cancelled_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_debts_open_customer ON debts (shop_id, customer_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_debts_sale ON debts (sale_id) WHERE sale_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS debt_payments (
    id           TEXT PRIMARY KEY,
    debt_id      TEXT NOT NULL REFERENCES debts (id),
    shop_id      TEXT NOT NULL,
    amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
    method       TEXT NOT NULL,
    note         TEXT,
    created_by   TEXT,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_debt_payments_debt ON debt_payments (debt_id, created_at);
`,
	},
	{
		version: "20260501000005",
		name:    "create_revenue_and_users",
		up: `
CREATE TABLE IF NOT EXISTS revenue_summaries (
    shop_id           TEXT NOT NULL,
    summary_date      DATE NOT NULL,
    transactions      INT NOT NULL DEFAULT 0,
    gross_sales_cents BIGINT NOT NULL DEFAULT 0,
    discount_cents    BIGINT NOT NULL DEFAULT 0,
    tax_cents         BIGINT NOT NULL DEFAULT 0,
    net_sales_cents   BIGINT NOT NULL DEFAULT 0,
    total_cents       BIGINT NOT NULL DEFAULT 0,
    cost_cents        BIGINT NOT NULL DEFAULT 0,
    profit_cents      BIGINT NOT NULL DEFAULT 0,
    by_method         JSONB NOT NULL DEFAULT '{}',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (shop_id, summary_date)
);

CREATE TABLE IF NOT EXISTS revenue_applied (
    shop_id      TEXT NOT NULL,
    summary_date DATE NOT NULL,
    event_key    TEXT NOT NULL,
    applied_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (shop_id, summary_date, event_key)
);

CREATE TABLE IF NOT EXISTS app_users (
    username   TEXT PRIMARY KEY,
    password   TEXT NOT NULL,
    role       TEXT NOT NULL,
    shop_id    TEXT,
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
}

// Migrate applies every migration not yet recorded. It returns the versions
// it applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make([]string, 0, len(migrations))
	for _, m := range migrations {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
			return applied, err
		}
		if exists {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return applied, err
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return applied, err
		}
		if err := tx.Commit(); err != nil {
			return applied, err
		}
		applied = append(applied, m.version)
	}
	return applied, nil
}
