// Package posting turns a checkout request into a posted sale. A checkout
// moves BUILDING -> VALIDATED -> POSTED, and a posted sale may later move to
// VOIDED. Nothing is written before VALIDATED; the POSTED step runs as a saga
// whose partial writes are compensated on failure.
package posting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/pricing"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// Notifier hears about sales after they commit. Implementations must not
// block; the revenue worker and the Kafka publisher both queue internally.
type Notifier interface {
	SalePosted(sale domain.Sale)
	SaleVoided(sale domain.Sale)
}

// Notifiers fans one notification out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) SalePosted(sale domain.Sale) {
	for _, notifier := range n {
		notifier.SalePosted(sale)
	}
}

func (n Notifiers) SaleVoided(sale domain.Sale) {
	for _, notifier := range n {
		notifier.SaleVoided(sale)
	}
}

// RevenueReader is the read side of the revenue aggregator.
type RevenueReader interface {
	Summary(ctx context.Context, shopID, date string) (domain.RevenueSummary, error)
	Range(ctx context.Context, shopID, fromDate, toDate string) ([]domain.RevenueSummary, error)
	DateOf(at time.Time) string
}

type Dependencies struct {
	Catalog   store.Catalog
	Sales     store.Sales
	Intents   store.Intents
	Inventory *inventory.Ledger
	Debts     *debt.Ledger
	Locker    lock.Locker
	Notifier  Notifier
	Revenue   RevenueReader
}

type Engine struct {
	catalog   store.Catalog
	sales     store.Sales
	intents   store.Intents
	inventory *inventory.Ledger
	debts     *debt.Ledger
	locker    lock.Locker
	notifier  Notifier
	revenue   RevenueReader
	taxRate   decimal.Decimal
	log       zerolog.Logger
	now       func() time.Time
}

func New(deps Dependencies, defaultTaxRate decimal.Decimal) *Engine {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = Notifiers{}
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedLocker(lock.DefaultTimeout)
	}
	return &Engine{
		catalog:   deps.Catalog,
		sales:     deps.Sales,
		intents:   deps.Intents,
		inventory: deps.Inventory,
		debts:     deps.Debts,
		locker:    locker,
		notifier:  notifier,
		revenue:   deps.Revenue,
		taxRate:   defaultTaxRate,
		log:       logger.WithComponent("posting"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// checkout carries one request through the posting states.
type checkout struct {
	state     domain.PostingState
	actor     domain.ActorContext
	req       domain.CheckoutRequest
	sale      domain.Sale
	shortfall int64
}

func (c *checkout) advance(to domain.PostingState) error {
	if !domain.CanTransition(c.state, to) {
		return fmt.Errorf("illegal posting transition %s -> %s", c.state, to)
	}
	c.state = to
	return nil
}

// PostSale validates, prices and posts one checkout. A request whose
// idempotency key was already posted returns that sale with Duplicate set.
func (e *Engine) PostSale(ctx context.Context, actor domain.ActorContext, req domain.CheckoutRequest) (domain.PostedSale, error) {
	c := &checkout{state: domain.StateBuilding, actor: actor, req: req}
	if err := e.build(c); err != nil {
		return domain.PostedSale{}, err
	}

	if key := c.req.IdempotencyKey; key != "" {
		// Held until post returns, so a concurrent retry waits and then
		// finds the sale instead of competing for the same stock.
		release, err := e.locker.Acquire(ctx, lock.IdempotencyKey(c.req.ShopID, key))
		if err != nil {
			return domain.PostedSale{}, err
		}
		defer release()

		existing, err := e.sales.FindSaleByIdempotency(ctx, c.req.ShopID, key)
		if err == nil {
			return e.duplicate(ctx, *existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.PostedSale{}, err
		}
	}

	if err := e.validate(ctx, c); err != nil {
		return domain.PostedSale{}, err
	}
	if err := c.advance(domain.StateValidated); err != nil {
		return domain.PostedSale{}, err
	}

	posted, err := e.post(ctx, c)
	if err != nil {
		return domain.PostedSale{}, err
	}
	if posted.Duplicate {
		return posted, nil
	}
	if err := c.advance(domain.StatePosted); err != nil {
		return domain.PostedSale{}, err
	}

	e.notifier.SalePosted(posted.Sale)
	e.log.Info().
		Str("shop_id", posted.Sale.ShopID).
		Str("sale_id", posted.Sale.ID).
		Str("invoice", posted.Sale.InvoiceNumber).
		Int64("total_cents", posted.Sale.TotalCents).
		Str("payment_method", string(posted.Sale.PaymentMethod)).
		Bool("debt", posted.Debt != nil).
		Msg("sale posted")
	return posted, nil
}

// build normalizes the request and checks what the actor may do. It reads nothing.
func (e *Engine) build(c *checkout) error {
	req := &c.req
	req.ShopID = strings.TrimSpace(req.ShopID)
	if req.ShopID == "" {
		return domain.NewValidationError("shop_id", "is required")
	}
	if !c.actor.CanActOn(req.ShopID) {
		return fmt.Errorf("%w: actor cannot post sales for shop %s", domain.ErrForbidden, req.ShopID)
	}
	if req.CashierID == "" {
		req.CashierID = c.actor.UserID
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	req.PaymentMethod = domain.PaymentMethod(strings.ToUpper(string(req.PaymentMethod)))
	if !req.PaymentMethod.Valid() {
		return domain.NewValidationError("payment_method", fmt.Sprintf("unsupported payment method %q", req.PaymentMethod))
	}
	if req.AmountTenderedCents < 0 {
		return domain.NewValidationError("amount_tendered_cents", "must not be negative")
	}
	if len(req.Lines) == 0 {
		return domain.NewValidationError("lines", "at least one line is required")
	}
	for i, line := range req.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return &domain.LineError{Line: i, Reason: "product_id is required"}
		}
		if line.UnitPriceOverrideCents != nil && !c.actor.IsAdmin() {
			return fmt.Errorf("%w: unit price override requires admin role", domain.ErrForbidden)
		}
	}
	return nil
}

// validate resolves products, prices the lines and runs the early stock and
// credit checks. Any failure here leaves nothing behind.
func (e *Engine) validate(ctx context.Context, c *checkout) error {
	req := c.req
	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := e.catalog.GetProducts(ctx, req.ShopID, ids)
	if err != nil {
		return fmt.Errorf("resolve products: %w", err)
	}

	lines := make([]pricing.Line, 0, len(req.Lines))
	for i, line := range req.Lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return &domain.LineError{Line: i, ProductID: line.ProductID, Reason: "unknown or inactive product"}
		}
		lines = append(lines, pricing.Line{
			ProductID:              line.ProductID,
			Quantity:               line.Quantity,
			UnitPriceCents:         product.SellingPriceCents,
			UnitPriceOverrideCents: line.UnitPriceOverrideCents,
			LineDiscountCents:      line.LineDiscountCents,
		})
	}

	rate, err := pricing.ParseRate(req.TaxRate, e.taxRate)
	if err != nil {
		return err
	}
	quote, err := pricing.Calculate(pricing.Input{Lines: lines, DiscountCents: req.DiscountCents, TaxRate: rate})
	if err != nil {
		return err
	}

	if err := e.checkStock(ctx, req.ShopID, quote.Lines); err != nil {
		return err
	}

	c.shortfall = quote.TotalCents - req.AmountTenderedCents
	if c.shortfall > 0 {
		if req.PaymentMethod != domain.PaymentCredit {
			return domain.NewValidationError("amount_tendered_cents", "less than total; use CREDIT to leave a balance")
		}
		if req.CustomerID == "" {
			return domain.NewValidationError("customer_id", "is required for a credit sale")
		}
		if err := e.debts.CheckCredit(ctx, req.ShopID, req.CustomerID, c.shortfall); err != nil {
			return err
		}
	} else if req.PaymentMethod == domain.PaymentCredit && req.CustomerID == "" {
		return domain.NewValidationError("customer_id", "is required for a credit sale")
	}

	now := e.now()
	items := make([]domain.SaleItem, 0, len(quote.Lines))
	for _, q := range quote.Lines {
		product := products[q.ProductID]
		items = append(items, domain.SaleItem{
			ProductID:         q.ProductID,
			SKU:               product.SKU,
			Quantity:          q.Quantity,
			UnitPriceCents:    q.UnitPriceCents,
			UnitCostCents:     product.CostPriceCents,
			PriceOverridden:   q.Overridden,
			LineDiscountCents: q.LineDiscountCents,
			LineTotalCents:    q.LineTotalCents,
		})
	}
	c.sale = domain.Sale{
		ID:                  xid.New("sale"),
		InvoiceNumber:       xid.Invoice(now),
		ShopID:              req.ShopID,
		CashierID:           req.CashierID,
		CustomerID:          req.CustomerID,
		IdempotencyKey:      req.IdempotencyKey,
		PaymentMethod:       req.PaymentMethod,
		SubtotalCents:       quote.SubtotalCents,
		DiscountCents:       quote.DiscountCents,
		TaxCents:            quote.TaxCents,
		TotalCents:          quote.TotalCents,
		AmountTenderedCents: req.AmountTenderedCents,
		ChangeCents:         max(-c.shortfall, 0),
		Status:              domain.SaleCompleted,
		Items:               items,
		CreatedAt:           now,
	}
	return nil
}

// checkStock is advisory: it sums quantities per product and rejects early.
// The deduction itself re-checks atomically.
func (e *Engine) checkStock(ctx context.Context, shopID string, lines []pricing.QuotedLine) error {
	wanted := make(map[string]int, len(lines))
	for _, line := range lines {
		wanted[line.ProductID] += line.Quantity
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ok, err := e.inventory.CheckAvailability(ctx, shopID, id, wanted[id])
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		available := 0
		if level, err := e.inventory.StockLevel(ctx, shopID, id); err == nil {
			available = level.Quantity
		}
		return &domain.InsufficientStockError{ShopID: shopID, ProductID: id, Requested: wanted[id], Available: available}
	}
	return nil
}

func (e *Engine) duplicate(ctx context.Context, sale domain.Sale) (domain.PostedSale, error) {
	posted := domain.PostedSale{Sale: sale, Duplicate: true}
	if sale.DebtID != "" {
		d, err := e.debts.Get(ctx, sale.ShopID, sale.DebtID)
		if err != nil {
			return domain.PostedSale{}, err
		}
		posted.Debt = &d
	}
	return posted, nil
}
