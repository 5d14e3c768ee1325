package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

const defaultLockTimeout = 3 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, lockTimeout: defaultLockTimeout}, nil
}

// SetLockTimeout bounds how long a stock update waits on a contended row
// before failing with store.ErrSerialization.
func (s *Store) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Catalog

const productColumns = `id, shop_id, sku, COALESCE(barcode, ''), name, COALESCE(category_id, ''),
	cost_price_cents, selling_price_cents, active, created_at`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.ShopID, &p.SKU, &p.Barcode, &p.Name, &p.CategoryID,
		&p.CostPriceCents, &p.SellingPriceCents, &p.Active, &p.CreatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, shopID string, productID string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE shop_id = $1 AND id = $2
	`, shopID, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, shopID string, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE shop_id = $1 AND id = ANY($2)
	`, shopID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, shopID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, COALESCE(phone, ''), credit_limit_cents, soft_credit_limit, active, created_at
		FROM customers
		WHERE shop_id = $1 AND id = $2
	`, shopID, customerID).Scan(&c.ID, &c.ShopID, &c.Name, &c.Phone, &c.CreditLimitCents, &c.SoftCreditLimit, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// UpsertProduct is used by seeding and imports; posting never writes products.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ShopID == "" || p.ID == "" || p.SKU == "" || p.Name == "" || p.SellingPriceCents < 0 {
		return domain.NewValidationError("product", "shop, id, sku, name and a non-negative price are required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, shop_id, sku, barcode, name, category_id, cost_price_cents, selling_price_cents, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (shop_id, id)
		DO UPDATE SET sku = EXCLUDED.sku, barcode = EXCLUDED.barcode, name = EXCLUDED.name,
			category_id = EXCLUDED.category_id, cost_price_cents = EXCLUDED.cost_price_cents,
			selling_price_cents = EXCLUDED.selling_price_cents, active = EXCLUDED.active
	`, p.ID, p.ShopID, p.SKU, nullIfEmpty(p.Barcode), p.Name, nullIfEmpty(p.CategoryID),
		p.CostPriceCents, p.SellingPriceCents, p.Active, p.CreatedAt)
	return mapErr(err)
}

func (s *Store) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	if c.ShopID == "" || c.ID == "" || c.Name == "" || c.CreditLimitCents < 0 {
		return domain.NewValidationError("customer", "shop, id, name and a non-negative credit limit are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, shop_id, name, phone, credit_limit_cents, soft_credit_limit, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (shop_id, id)
		DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone,
			credit_limit_cents = EXCLUDED.credit_limit_cents,
			soft_credit_limit = EXCLUDED.soft_credit_limit, active = EXCLUDED.active
	`, c.ID, c.ShopID, c.Name, nullIfEmpty(c.Phone), c.CreditLimitCents, c.SoftCreditLimit, c.Active, c.CreatedAt)
	return mapErr(err)
}

// SetReorderLevel creates the stock row at zero if it does not exist yet.
func (s *Store) SetReorderLevel(ctx context.Context, shopID string, productID string, level int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (shop_id, product_id, quantity, reorder_level, updated_at)
		VALUES ($1,$2,0,$3,now())
		ON CONFLICT (shop_id, product_id)
		DO UPDATE SET reorder_level = EXCLUDED.reorder_level, updated_at = now()
	`, shopID, productID, level)
	return mapErr(err)
}

// Inventory

func (s *Store) GetStockLevel(ctx context.Context, shopID string, productID string) (domain.StockLevel, error) {
	level := domain.StockLevel{ShopID: shopID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity, reorder_level, updated_at
		FROM stock_levels
		WHERE shop_id = $1 AND product_id = $2
	`, shopID, productID).Scan(&level.Quantity, &level.ReorderLevel, &level.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLevel{}, store.ErrNotFound
		}
		return domain.StockLevel{}, err
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return level, nil
}

func (s *Store) ListStockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, reorder_level, updated_at
		FROM stock_levels
		WHERE shop_id = $1
		ORDER BY product_id ASC
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 64)
	for rows.Next() {
		level := domain.StockLevel{ShopID: shopID}
		if err := rows.Scan(&level.ProductID, &level.Quantity, &level.ReorderLevel, &level.UpdatedAt); err != nil {
			return nil, err
		}
		level.UpdatedAt = level.UpdatedAt.UTC()
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// ApplyMovement writes the movement and moves the level in one transaction.
// Decrements use a conditional update so the level can never go negative; a
// reversal that was already recorded is a no-op returning the current level.
func (s *Store) ApplyMovement(ctx context.Context, movement domain.StockMovement) (domain.StockLevel, error) {
	if movement.Delta == 0 || !movement.Reason.Valid() {
		return domain.StockLevel{}, domain.NewValidationError("movement", "delta must be non-zero with a known reason")
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StockLevel{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return domain.StockLevel{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, shop_id, product_id, delta, reason, sale_id, reversal_of, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (reversal_of) WHERE reversal_of IS NOT NULL DO NOTHING
	`, movement.ID, movement.ShopID, movement.ProductID, movement.Delta, string(movement.Reason),
		nullIfEmpty(movement.SaleID), nullIfEmpty(movement.ReversalOf), nullIfEmpty(movement.Note),
		nullIfEmpty(movement.CreatedBy), movement.CreatedAt)
	if err != nil {
		return domain.StockLevel{}, mapErr(err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return domain.StockLevel{}, err
	} else if affected == 0 {
		_ = tx.Rollback()
		return s.GetStockLevel(ctx, movement.ShopID, movement.ProductID)
	}

	level := domain.StockLevel{ShopID: movement.ShopID, ProductID: movement.ProductID}
	if movement.Delta > 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO stock_levels (shop_id, product_id, quantity, reorder_level, updated_at)
			VALUES ($1,$2,$3,0,$4)
			ON CONFLICT (shop_id, product_id)
			DO UPDATE SET quantity = stock_levels.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
			RETURNING quantity, reorder_level, updated_at
		`, movement.ShopID, movement.ProductID, movement.Delta, movement.CreatedAt).
			Scan(&level.Quantity, &level.ReorderLevel, &level.UpdatedAt)
		if err != nil {
			return domain.StockLevel{}, mapErr(err)
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE stock_levels
			SET quantity = quantity + $3, updated_at = $4
			WHERE shop_id = $1 AND product_id = $2 AND quantity + $3 >= 0
			RETURNING quantity, reorder_level, updated_at
		`, movement.ShopID, movement.ProductID, movement.Delta, movement.CreatedAt).
			Scan(&level.Quantity, &level.ReorderLevel, &level.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			available := 0
			qerr := tx.QueryRowContext(ctx, `
				SELECT quantity FROM stock_levels WHERE shop_id = $1 AND product_id = $2
			`, movement.ShopID, movement.ProductID).Scan(&available)
			if qerr != nil && !errors.Is(qerr, sql.ErrNoRows) {
				return domain.StockLevel{}, mapErr(qerr)
			}
			return domain.StockLevel{}, &store.StockShortfall{Available: available}
		}
		if err != nil {
			return domain.StockLevel{}, mapErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.StockLevel{}, mapErr(err)
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return level, nil
}

const movementColumns = `id, shop_id, product_id, delta, reason, COALESCE(sale_id, ''), COALESCE(reversal_of, ''),
	COALESCE(note, ''), COALESCE(created_by, ''), created_at`

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		var m domain.StockMovement
		var reason string
		if err := rows.Scan(&m.ID, &m.ShopID, &m.ProductID, &m.Delta, &reason, &m.SaleID, &m.ReversalOf,
			&m.Note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Reason = domain.MovementReason(reason)
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ListMovements returns the newest movements first. A limit of zero or less
// returns all of them.
func (s *Store) ListMovements(ctx context.Context, shopID string, productID string, limit int) ([]domain.StockMovement, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE shop_id = $1 AND product_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, shopID, productID, lim)
}

func (s *Store) ListMovementsBySale(ctx context.Context, shopID string, saleID string) ([]domain.StockMovement, error) {
	return s.queryMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE shop_id = $1 AND sale_id = $2
		ORDER BY created_at ASC, id ASC
	`, shopID, saleID)
}

func (s *Store) SumMovements(ctx context.Context, shopID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(delta), 0)
		FROM stock_movements
		WHERE shop_id = $1
		GROUP BY product_id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]int, 64)
	for rows.Next() {
		var productID string
		var sum int64
		if err := rows.Scan(&productID, &sum); err != nil {
			return nil, err
		}
		sums[productID] = int(sum)
	}
	return sums, rows.Err()
}

// Debts

const debtColumns = `id, shop_id, customer_id, COALESCE(sale_id, ''), principal_cents, paid_cents, status,
	due_date, COALESCE(created_by, ''), created_at, settled_at, cancelled_at`

func scanDebt(row rowScanner) (*domain.Debt, error) {
	var d domain.Debt
	var status string
	var settledAt, cancelledAt sql.NullTime
	if err := row.Scan(&d.ID, &d.ShopID, &d.CustomerID, &d.SaleID, &d.PrincipalCents, &d.PaidCents, &status,
		&d.DueDate, &d.CreatedBy, &d.CreatedAt, &settledAt, &cancelledAt); err != nil {
		return nil, err
	}
	d.Status = domain.DebtStatus(status)
	d.DueDate = d.DueDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.SettledAt = timePtr(settledAt)
	d.CancelledAt = timePtr(cancelledAt)
	return &d, nil
}

func (s *Store) CreateDebt(ctx context.Context, debt domain.Debt) (*domain.Debt, error) {
	if debt.PrincipalCents <= 0 {
		return nil, domain.NewValidationError("principal_cents", "must be positive")
	}
	if debt.Status == "" {
		debt.Status = domain.DebtOpen
	}
	created, err := scanDebt(s.db.QueryRowContext(ctx, `
		INSERT INTO debts (id, shop_id, customer_id, sale_id, principal_cents, paid_cents, status, due_date, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+debtColumns,
		debt.ID, debt.ShopID, debt.CustomerID, nullIfEmpty(debt.SaleID), debt.PrincipalCents, debt.PaidCents,
		string(debt.Status), debt.DueDate, nullIfEmpty(debt.CreatedBy), debt.CreatedAt))
	if err != nil {
		return nil, mapErr(err)
	}
	return created, nil
}

func (s *Store) GetDebt(ctx context.Context, debtID string) (*domain.Debt, error) {
	d, err := scanDebt(s.db.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM debts WHERE id = $1`, debtID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) FindDebtBySale(ctx context.Context, saleID string) (*domain.Debt, error) {
	d, err := scanDebt(s.db.QueryRowContext(ctx, `
		SELECT `+debtColumns+`
		FROM debts
		WHERE sale_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Store) ListOpenDebts(ctx context.Context, shopID string, customerID string) ([]domain.Debt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+debtColumns+`
		FROM debts
		WHERE shop_id = $1 AND customer_id = $2 AND status = $3
		ORDER BY created_at ASC
	`, shopID, customerID, string(domain.DebtOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debts := make([]domain.Debt, 0, 8)
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		debts = append(debts, *d)
	}
	return debts, rows.Err()
}

func (s *Store) AddDebtPayment(ctx context.Context, payment domain.DebtPayment) (*domain.Debt, error) {
	if payment.AmountCents <= 0 {
		return nil, domain.NewValidationError("amount_cents", "must be positive")
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := scanDebt(tx.QueryRowContext(ctx, `
		UPDATE debts
		SET paid_cents = paid_cents + $2,
			status = CASE WHEN paid_cents + $2 >= principal_cents THEN $4 ELSE status END,
			settled_at = CASE WHEN paid_cents + $2 >= principal_cents THEN $3 ELSE settled_at END
		WHERE id = $1 AND status = $5 AND paid_cents + $2 <= principal_cents
		RETURNING `+debtColumns,
		payment.DebtID, payment.AmountCents, payment.CreatedAt, string(domain.DebtSettled), string(domain.DebtOpen)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missingOrConflict(ctx, tx, payment.DebtID)
		}
		return nil, mapErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO debt_payments (id, debt_id, shop_id, amount_cents, method, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, payment.ID, payment.DebtID, updated.ShopID, payment.AmountCents, string(payment.Method),
		nullIfEmpty(payment.Note), nullIfEmpty(payment.CreatedBy), payment.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return updated, nil
}

func (s *Store) missingOrConflict(ctx context.Context, tx *sql.Tx, debtID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM debts WHERE id = $1)`, debtID).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStateConflict
}

func (s *Store) ListDebtPayments(ctx context.Context, debtID string) ([]domain.DebtPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, debt_id, shop_id, amount_cents, method, COALESCE(note, ''), COALESCE(created_by, ''), created_at
		FROM debt_payments
		WHERE debt_id = $1
		ORDER BY created_at ASC, id ASC
	`, debtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.DebtPayment, 0, 4)
	for rows.Next() {
		var p domain.DebtPayment
		var method string
		if err := rows.Scan(&p.ID, &p.DebtID, &p.ShopID, &p.AmountCents, &method, &p.Note, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Method = domain.PaymentMethod(method)
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) CancelDebt(ctx context.Context, debtID string, at time.Time) (*domain.Debt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cancelled, err := scanDebt(tx.QueryRowContext(ctx, `
		UPDATE debts
		SET status = $3, cancelled_at = $2
		WHERE id = $1 AND status = $4 AND paid_cents = 0
			AND NOT EXISTS (SELECT 1 FROM debt_payments WHERE debt_id = $1)
		RETURNING `+debtColumns,
		debtID, at, string(domain.DebtCancelled), string(domain.DebtOpen)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missingOrConflict(ctx, tx, debtID)
		}
		return nil, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return cancelled, nil
}

// Sales

const saleColumns = `id, invoice_number, shop_id, cashier_id, COALESCE(customer_id, ''), COALESCE(idempotency_key, ''),
	payment_method, subtotal_cents, discount_cents, tax_cents, total_cents, amount_tendered_cents, change_cents,
	status, COALESCE(debt_id, ''), created_at, voided_at, COALESCE(void_reason, ''), COALESCE(voided_by, '')`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var method, status string
	var voidedAt sql.NullTime
	if err := row.Scan(&sale.ID, &sale.InvoiceNumber, &sale.ShopID, &sale.CashierID, &sale.CustomerID, &sale.IdempotencyKey,
		&method, &sale.SubtotalCents, &sale.DiscountCents, &sale.TaxCents, &sale.TotalCents, &sale.AmountTenderedCents,
		&sale.ChangeCents, &status, &sale.DebtID, &sale.CreatedAt, &voidedAt, &sale.VoidReason, &sale.VoidedBy); err != nil {
		return nil, err
	}
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.Status = domain.SaleStatus(status)
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.VoidedAt = timePtr(voidedAt)
	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, domain.NewValidationError("items", "a sale needs at least one item")
	}
	if sale.Status == "" {
		sale.Status = domain.SaleCompleted
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, shop_id, cashier_id, customer_id, idempotency_key, payment_method,
			subtotal_cents, discount_cents, tax_cents, total_cents, amount_tendered_cents, change_cents,
			status, debt_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.InvoiceNumber, sale.ShopID, sale.CashierID, nullIfEmpty(sale.CustomerID),
		nullIfEmpty(sale.IdempotencyKey), string(sale.PaymentMethod), sale.SubtotalCents, sale.DiscountCents,
		sale.TaxCents, sale.TotalCents, sale.AmountTenderedCents, sale.ChangeCents, string(sale.Status),
		nullIfEmpty(sale.DebtID), sale.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	for i, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, line_no, product_id, sku, quantity, unit_price_cents, unit_cost_cents,
				price_overridden, line_discount_cents, line_total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, i+1, item.ProductID, item.SKU, item.Quantity, item.UnitPriceCents, item.UnitCostCents,
			item.PriceOverridden, item.LineDiscountCents, item.LineTotalCents)
		if err != nil {
			return nil, mapErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	created := sale
	return &created, nil
}

func (s *Store) loadItems(ctx context.Context, sales []*domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	byID := make(map[string]*domain.Sale, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
		byID[sale.ID] = sale
		sale.Items = make([]domain.SaleItem, 0, 4)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, sku, quantity, unit_price_cents, unit_cost_cents,
			price_overridden, line_discount_cents, line_total_cents
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := rows.Scan(&saleID, &item.ProductID, &item.SKU, &item.Quantity, &item.UnitPriceCents,
			&item.UnitCostCents, &item.PriceOverridden, &item.LineDiscountCents, &item.LineTotalCents); err != nil {
			return err
		}
		if sale, ok := byID[saleID]; ok {
			sale.Items = append(sale.Items, item)
		}
	}
	return rows.Err()
}

func (s *Store) findSale(ctx context.Context, where string, args ...any) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadItems(ctx, []*domain.Sale{sale}); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, shopID string, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, `shop_id = $1 AND id = $2`, shopID, saleID)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, shopID string, key string) (*domain.Sale, error) {
	return s.findSale(ctx, `shop_id = $1 AND idempotency_key = $2`, shopID, key)
}

func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, by string, at time.Time) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_by = $4, voided_at = $5
		WHERE id = $1 AND status = $6
	`, saleID, string(domain.SaleVoid), reason, nullIfEmpty(by), at, string(domain.SaleCompleted))
	if err != nil {
		return nil, mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	sale, err := s.findSale(ctx, `id = $1`, saleID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrStateConflict
	}
	return sale, nil
}

// ListSales returns sales created in [from, to), oldest first.
func (s *Store) ListSales(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC, id ASC
	`, shopID, from, to)
	if err != nil {
		return nil, err
	}

	ptrs := make([]*domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		ptrs = append(ptrs, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.loadItems(ctx, ptrs); err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, len(ptrs))
	for _, sale := range ptrs {
		sales = append(sales, *sale)
	}
	return sales, nil
}

// Intents

func (s *Store) CreateIntent(ctx context.Context, intent domain.PostingIntent) error {
	steps, err := json.Marshal(nonNilSteps(intent.Steps))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO posting_intents (id, shop_id, sale_id, status, steps, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, intent.ID, intent.ShopID, intent.SaleID, string(intent.Status), string(steps),
		nullIfEmpty(intent.LastError), intent.CreatedAt, intent.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateIntent(ctx context.Context, intent domain.PostingIntent) error {
	steps, err := json.Marshal(nonNilSteps(intent.Steps))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE posting_intents
		SET status = $2, steps = $3, last_error = $4, updated_at = $5
		WHERE id = $1
	`, intent.ID, string(intent.Status), string(steps), nullIfEmpty(intent.LastError), intent.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]domain.PostingIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, sale_id, status, steps, COALESCE(last_error, ''), created_at, updated_at
		FROM posting_intents
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at ASC
	`, string(domain.IntentPending), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intents := make([]domain.PostingIntent, 0, 4)
	for rows.Next() {
		var intent domain.PostingIntent
		var status string
		var steps []byte
		if err := rows.Scan(&intent.ID, &intent.ShopID, &intent.SaleID, &status, &steps, &intent.LastError,
			&intent.CreatedAt, &intent.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(steps, &intent.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of intent %s: %w", intent.ID, err)
		}
		intent.Status = domain.IntentStatus(status)
		intent.CreatedAt = intent.CreatedAt.UTC()
		intent.UpdatedAt = intent.UpdatedAt.UTC()
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

func nonNilSteps(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}

// Revenue

const summaryColumns = `shop_id, to_char(summary_date, 'YYYY-MM-DD'), transactions, gross_sales_cents, discount_cents,
	tax_cents, net_sales_cents, total_cents, cost_cents, profit_cents, by_method, updated_at`

func scanSummary(row rowScanner) (*domain.RevenueSummary, error) {
	var sum domain.RevenueSummary
	var byMethod []byte
	if err := row.Scan(&sum.ShopID, &sum.Date, &sum.Transactions, &sum.GrossSalesCents, &sum.DiscountCents,
		&sum.TaxCents, &sum.NetSalesCents, &sum.TotalCents, &sum.CostCents, &sum.ProfitCents, &byMethod,
		&sum.UpdatedAt); err != nil {
		return nil, err
	}
	sum.ByMethod = map[domain.PaymentMethod]int64{}
	if len(byMethod) > 0 {
		if err := json.Unmarshal(byMethod, &sum.ByMethod); err != nil {
			return nil, fmt.Errorf("decode by_method: %w", err)
		}
	}
	sum.UpdatedAt = sum.UpdatedAt.UTC()
	return &sum, nil
}

func (s *Store) GetSummary(ctx context.Context, shopID string, date string) (*domain.RevenueSummary, error) {
	sum, err := scanSummary(s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM revenue_summaries
		WHERE shop_id = $1 AND summary_date = $2::date
	`, shopID, date))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sum, nil
}

func (s *Store) ListSummaries(ctx context.Context, shopID string, fromDate string, toDate string) ([]domain.RevenueSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM revenue_summaries
		WHERE shop_id = $1 AND summary_date BETWEEN $2::date AND $3::date
		ORDER BY summary_date ASC
	`, shopID, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.RevenueSummary, 0, 31)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *sum)
	}
	return summaries, rows.Err()
}

// ApplySummaryDelta records key and folds delta into the row in one
// transaction. The applied-key insert is the idempotency gate.
func (s *Store) ApplySummaryDelta(ctx context.Context, key string, delta domain.RevenueSummary) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO revenue_applied (shop_id, summary_date, event_key, applied_at)
		VALUES ($1, $2::date, $3, now())
		ON CONFLICT DO NOTHING
	`, delta.ShopID, delta.Date, key)
	if err != nil {
		return false, mapErr(err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, err
	} else if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revenue_summaries (shop_id, summary_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING
	`, delta.ShopID, delta.Date); err != nil {
		return false, mapErr(err)
	}

	current, err := scanSummary(tx.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM revenue_summaries
		WHERE shop_id = $1 AND summary_date = $2::date
		FOR UPDATE
	`, delta.ShopID, delta.Date))
	if err != nil {
		return false, mapErr(err)
	}
	current.Add(delta)
	current.UpdatedAt = time.Now().UTC()

	if err := writeSummary(ctx, tx, *current); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

func (s *Store) ReplaceSummary(ctx context.Context, summary domain.RevenueSummary, appliedKeys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM revenue_applied WHERE shop_id = $1 AND summary_date = $2::date
	`, summary.ShopID, summary.Date); err != nil {
		return mapErr(err)
	}
	for _, key := range appliedKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revenue_applied (shop_id, summary_date, event_key, applied_at)
			VALUES ($1, $2::date, $3, now())
			ON CONFLICT DO NOTHING
		`, summary.ShopID, summary.Date, key); err != nil {
			return mapErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO revenue_summaries (shop_id, summary_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING
	`, summary.ShopID, summary.Date); err != nil {
		return mapErr(err)
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	if err := writeSummary(ctx, tx, summary); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func writeSummary(ctx context.Context, tx *sql.Tx, sum domain.RevenueSummary) error {
	byMethod := sum.ByMethod
	if byMethod == nil {
		byMethod = map[domain.PaymentMethod]int64{}
	}
	encoded, err := json.Marshal(byMethod)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE revenue_summaries
		SET transactions = $3, gross_sales_cents = $4, discount_cents = $5, tax_cents = $6,
			net_sales_cents = $7, total_cents = $8, cost_cents = $9, profit_cents = $10,
			by_method = $11, updated_at = $12
		WHERE shop_id = $1 AND summary_date = $2::date
	`, sum.ShopID, sum.Date, sum.Transactions, sum.GrossSalesCents, sum.DiscountCents, sum.TaxCents,
		sum.NetSalesCents, sum.TotalCents, sum.CostCents, sum.ProfitCents, string(encoded), sum.UpdatedAt)
	return mapErr(err)
}

// Users

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.NewValidationError("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, shop_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, nullIfEmpty(user.ShopID), user.Active, user.CreatedAt)
	return mapErr(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, COALESCE(shop_id, ''), active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.ShopID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.NewValidationError("password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapErr translates Postgres failures into store sentinels. Lock timeouts,
// deadlocks and serialization failures are all retryable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", store.ErrSerialization, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
