package posting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/revenue"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
)

const shop = "shop-a"

var (
	cashier = domain.ActorContext{UserID: "kasir-1", Role: domain.RoleCashier, ShopID: shop}
	admin   = domain.ActorContext{UserID: "admin-1", Role: domain.RoleShopAdmin, ShopID: shop}
)

type recordingNotifier struct {
	mu     sync.Mutex
	posted []string
	voided []string
}

func (n *recordingNotifier) SalePosted(sale domain.Sale) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, sale.ID)
}

func (n *recordingNotifier) SaleVoided(sale domain.Sale) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.voided = append(n.voided, sale.ID)
}

// syncAggregator applies notifications inline so tests can read summaries.
type syncAggregator struct{ agg *revenue.Aggregator }

func (s syncAggregator) SalePosted(sale domain.Sale) {
	_ = s.agg.OnSalePosted(context.Background(), sale)
}
func (s syncAggregator) SaleVoided(sale domain.Sale) {
	_ = s.agg.OnSaleVoided(context.Background(), sale)
}

type failingSales struct {
	store.Sales
	err error
}

func (f failingSales) CreateSale(context.Context, domain.Sale) (*domain.Sale, error) {
	return nil, f.err
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	debts  *debt.Ledger
	notes  *recordingNotifier
}

func newFixture(t *testing.T, sales store.Sales) *fixture {
	t.Helper()
	st := memory.New()
	st.PutProduct(domain.Product{ID: "p1", ShopID: shop, SKU: "P1", SellingPriceCents: 100, CostPriceCents: 70, Active: true})
	st.PutProduct(domain.Product{ID: "p2", ShopID: shop, SKU: "P2", SellingPriceCents: 250, CostPriceCents: 200, Active: true})
	st.PutCustomer(domain.Customer{ID: "c1", ShopID: shop, Name: "Budi", CreditLimitCents: 1000, Active: true})
	if err := st.SeedStock(shop, "p1", 5, 1); err != nil {
		t.Fatalf("seed p1: %v", err)
	}
	if err := st.SeedStock(shop, "p2", 20, 1); err != nil {
		t.Fatalf("seed p2: %v", err)
	}
	if sales == nil {
		sales = st
	}

	locker := lock.NewKeyedLocker(time.Second)
	debts := debt.NewLedger(debt.Dependencies{Debts: st, Catalog: st, Locker: locker}, 30)
	agg := revenue.NewAggregator(revenue.Dependencies{Summaries: st, Sales: st}, revenue.Options{Location: time.UTC})
	notes := &recordingNotifier{}
	engine := New(Dependencies{
		Catalog:   st,
		Sales:     sales,
		Intents:   st,
		Inventory: inventory.NewLedger(st),
		Debts:     debts,
		Locker:    locker,
		Notifier:  Notifiers{notes, syncAggregator{agg}},
		Revenue:   agg,
	}, decimal.RequireFromString("0.10"))
	return &fixture{engine: engine, store: st, debts: debts, notes: notes}
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	level, err := f.engine.StockLevel(context.Background(), admin, shop, productID)
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	return level.Quantity
}

func checkoutOf(qty int, method domain.PaymentMethod, tendered int64) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		ShopID:              shop,
		Lines:               []domain.CheckoutLine{{ProductID: "p1", Quantity: qty}},
		PaymentMethod:       method,
		AmountTenderedCents: tendered,
	}
}

func TestPostSaleFullyPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	posted, err := f.engine.PostSale(ctx, cashier, checkoutOf(5, domain.PaymentCash, 600))
	if err != nil {
		t.Fatalf("post sale: %v", err)
	}
	sale := posted.Sale
	if sale.SubtotalCents != 500 || sale.TaxCents != 50 || sale.TotalCents != 550 {
		t.Fatalf("expected 500 + 50 tax = 550, got %d + %d = %d", sale.SubtotalCents, sale.TaxCents, sale.TotalCents)
	}
	if sale.ChangeCents != 50 || sale.CashierID != "kasir-1" || sale.Status != domain.SaleCompleted {
		t.Fatalf("unexpected sale %+v", sale)
	}
	if posted.Debt != nil || sale.DebtID != "" {
		t.Fatalf("expected no debt, got %+v", posted.Debt)
	}
	if got := f.stock(t, "p1"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	if intent, ok := f.store.Intent(sale.ID); !ok || intent.Status != domain.IntentCommitted {
		t.Fatalf("expected committed intent, got %+v", intent)
	}
	if len(f.notes.posted) != 1 || f.notes.posted[0] != sale.ID {
		t.Fatalf("expected one posted notification, got %v", f.notes.posted)
	}

	summary, err := f.engine.DailyRevenue(ctx, admin, shop, sale.CreatedAt.Format(time.DateOnly))
	if err != nil {
		t.Fatalf("daily revenue: %v", err)
	}
	if summary.TotalCents != 550 || summary.ByMethod[domain.PaymentCash] != 550 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestLastUnitRaceHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.engine.PostSale(ctx, cashier, checkoutOf(4, domain.PaymentCash, 1000)); err != nil {
		t.Fatalf("drain to one unit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.PostSale(ctx, cashier, checkoutOf(1, domain.PaymentCash, 200))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("expected InsufficientStockError for the loser, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if got := f.stock(t, "p1"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	discrepancies, err := inventory.NewLedger(f.store).Reconcile(ctx, shop)
	if err != nil || len(discrepancies) != 0 {
		t.Fatalf("expected stock to reconcile, got %v (%v)", discrepancies, err)
	}
}

func TestCreditSaleRecordsDebt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(5, domain.PaymentCredit, 100)
	req.CustomerID = "c1"

	posted, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if posted.Debt == nil || posted.Debt.PrincipalCents != 450 || posted.Debt.SaleID != posted.Sale.ID {
		t.Fatalf("expected 450 debt tied to the sale, got %+v", posted.Debt)
	}
	if posted.Sale.DebtID != posted.Debt.ID || posted.Sale.ChangeCents != 0 {
		t.Fatalf("unexpected sale %+v", posted.Sale)
	}
	balance, err := f.engine.OutstandingBalance(ctx, cashier, shop, "c1")
	if err != nil || balance != 450 {
		t.Fatalf("expected balance 450, got %d (%v)", balance, err)
	}
}

func TestCreditLimitRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.debts.RecordDebt(ctx, debt.DebtInput{ShopID: shop, CustomerID: "c1", PrincipalCents: 900}); err != nil {
		t.Fatalf("seed debt: %v", err)
	}

	req := checkoutOf(2, domain.PaymentCredit, 0)
	req.CustomerID = "c1"
	req.TaxRate = "0"
	_, err := f.engine.PostSale(ctx, cashier, req)
	var limitErr *domain.CreditLimitExceededError
	if !errors.As(err, &limitErr) || limitErr.RequestedCents != 200 || limitErr.OutstandingCents != 900 {
		t.Fatalf("expected CreditLimitExceededError for 900 + 200, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 5 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestUnderpaymentNeedsCredit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.PostSale(ctx, cashier, checkoutOf(1, domain.PaymentCash, 50))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = f.engine.PostSale(ctx, cashier, checkoutOf(1, domain.PaymentCredit, 0))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing customer to be rejected, got %v", err)
	}
	_, err = f.engine.PostSale(ctx, cashier, checkoutOf(0, domain.PaymentCash, 500))
	var lineErr *domain.LineError
	if !errors.As(err, &lineErr) {
		t.Fatalf("expected LineError for zero quantity, got %v", err)
	}
	if got := f.stock(t, "p1"); got != 5 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestPostThenVoidRestoresEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(3, domain.PaymentCredit, 0)
	req.CustomerID = "c1"
	req.Lines = append(req.Lines, domain.CheckoutLine{ProductID: "p2", Quantity: 1})

	posted, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	voided, err := f.engine.VoidSale(ctx, admin, shop, posted.Sale.ID, "customer changed mind")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.SaleVoid || voided.VoidedBy != "admin-1" || voided.VoidedAt == nil {
		t.Fatalf("unexpected voided sale %+v", voided)
	}
	if f.stock(t, "p1") != 5 || f.stock(t, "p2") != 20 {
		t.Fatalf("expected stock restored, got p1=%d p2=%d", f.stock(t, "p1"), f.stock(t, "p2"))
	}
	d, err := f.debts.Get(ctx, shop, posted.Debt.ID)
	if err != nil || d.Status != domain.DebtCancelled {
		t.Fatalf("expected cancelled debt, got %+v (%v)", d, err)
	}
	balance, _ := f.engine.OutstandingBalance(ctx, admin, shop, "c1")
	if balance != 0 {
		t.Fatalf("expected credit headroom restored, got outstanding %d", balance)
	}
	summary, _ := f.engine.DailyRevenue(ctx, admin, shop, posted.Sale.CreatedAt.Format(time.DateOnly))
	if summary.Transactions != 0 || summary.TotalCents != 0 {
		t.Fatalf("expected void to net the summary to zero, got %+v", summary)
	}

	_, err = f.engine.VoidSale(ctx, admin, shop, posted.Sale.ID, "again")
	if !errors.Is(err, domain.ErrVoidNotAllowed) {
		t.Fatalf("expected second void to be refused, got %v", err)
	}
	if len(f.notes.voided) != 1 {
		t.Fatalf("expected one void notification, got %v", f.notes.voided)
	}
}

func TestVoidRefusedOncePaymentsExist(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(2, domain.PaymentCredit, 0)
	req.CustomerID = "c1"
	posted, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	if _, err := f.engine.RecordDebtPayment(ctx, cashier, shop, posted.Debt.ID, domain.DebtPaymentRequest{AmountCents: 20, Method: "cash"}); err != nil {
		t.Fatalf("payment: %v", err)
	}

	_, err = f.engine.VoidSale(ctx, admin, shop, posted.Sale.ID, "mistake")
	var voidErr *domain.VoidNotAllowedError
	if !errors.As(err, &voidErr) || voidErr.DebtID != posted.Debt.ID {
		t.Fatalf("expected VoidNotAllowedError naming the debt, got %v", err)
	}
	sale, _ := f.engine.GetSale(ctx, admin, shop, posted.Sale.ID)
	if sale.Status != domain.SaleCompleted {
		t.Fatalf("expected sale still completed, got %s", sale.Status)
	}
	if got := f.stock(t, "p1"); got != 3 {
		t.Fatalf("expected stock still deducted, got %d", got)
	}
}

func TestDebtPaymentsSettleThenOverpay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(1, domain.PaymentCredit, 0)
	req.CustomerID = "c1"
	req.TaxRate = "0.5"
	posted, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if posted.Debt.PrincipalCents != 150 {
		t.Fatalf("expected 150 principal, got %d", posted.Debt.PrincipalCents)
	}

	res, err := f.engine.RecordDebtPayment(ctx, cashier, shop, posted.Debt.ID, domain.DebtPaymentRequest{AmountCents: 100})
	if err != nil || res.Debt.Status != domain.DebtOpen {
		t.Fatalf("expected open debt after 100, got %+v (%v)", res.Debt, err)
	}
	res, err = f.engine.RecordDebtPayment(ctx, cashier, shop, posted.Debt.ID, domain.DebtPaymentRequest{AmountCents: 50})
	if err != nil || res.Debt.Status != domain.DebtSettled {
		t.Fatalf("expected settled debt after 50, got %+v (%v)", res.Debt, err)
	}
	_, err = f.engine.RecordDebtPayment(ctx, cashier, shop, posted.Debt.ID, domain.DebtPaymentRequest{AmountCents: 1})
	if !errors.Is(err, domain.ErrOverpayment) {
		t.Fatalf("expected overpayment, got %v", err)
	}
}

func TestStorageFailureIsCompensated(t *testing.T) {
	st := memory.New()
	f := newFixture(t, failingSales{Sales: st, err: errors.New("disk full")})
	ctx := context.Background()
	req := checkoutOf(2, domain.PaymentCredit, 50)
	req.CustomerID = "c1"

	_, err := f.engine.PostSale(ctx, cashier, req)
	var failed *domain.PostingFailedError
	if !errors.As(err, &failed) || failed.Step != stepSale {
		t.Fatalf("expected PostingFailedError at the sale step, got %v", err)
	}
	if !errors.Is(err, domain.ErrPostingFailed) {
		t.Fatalf("expected error to match ErrPostingFailed")
	}
	if got := f.stock(t, "p1"); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}
	if balance, _ := f.engine.OutstandingBalance(ctx, admin, shop, "c1"); balance != 0 {
		t.Fatalf("expected compensating debt cancel, outstanding %d", balance)
	}
	intent, ok := f.store.Intent(failed.SaleID)
	if !ok || intent.Status != domain.IntentAborted || intent.LastError == "" {
		t.Fatalf("expected aborted intent with error, got %+v", intent)
	}
	if len(f.notes.posted) != 0 {
		t.Fatalf("expected no notification for a failed posting")
	}
}

func TestIdempotentRetryReturnsOriginal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(2, domain.PaymentCash, 300)
	req.IdempotencyKey = "till-3-0001"

	first, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.engine.PostSale(ctx, cashier, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !second.Duplicate || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Sale.ID, second)
	}
	if got := f.stock(t, "p1"); got != 3 {
		t.Fatalf("expected one deduction, stock %d", got)
	}
	if len(f.notes.posted) != 1 {
		t.Fatalf("expected one notification, got %v", f.notes.posted)
	}
}

func TestActorCapabilities(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	outsider := domain.ActorContext{UserID: "kasir-9", Role: domain.RoleCashier, ShopID: "shop-b"}
	if _, err := f.engine.PostSale(ctx, outsider, checkoutOf(1, domain.PaymentCash, 200)); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected cashier of another shop to be forbidden, got %v", err)
	}

	override := int64(10)
	req := checkoutOf(1, domain.PaymentCash, 200)
	req.Lines[0].UnitPriceOverrideCents = &override
	if _, err := f.engine.PostSale(ctx, cashier, req); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected cashier price override to be forbidden, got %v", err)
	}
	posted, err := f.engine.PostSale(ctx, admin, req)
	if err != nil {
		t.Fatalf("admin override: %v", err)
	}
	if posted.Sale.Items[0].UnitPriceCents != 10 || !posted.Sale.Items[0].PriceOverridden {
		t.Fatalf("expected overridden price, got %+v", posted.Sale.Items[0])
	}

	if _, err := f.engine.VoidSale(ctx, cashier, shop, posted.Sale.ID, "x"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected cashier void to be forbidden, got %v", err)
	}
	siteAdmin := domain.ActorContext{UserID: "owner", Role: domain.RoleSiteAdmin}
	if _, err := f.engine.VoidSale(ctx, siteAdmin, shop, posted.Sale.ID, "x"); err != nil {
		t.Fatalf("expected site admin void to pass, got %v", err)
	}
}

func TestRecoverPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ledger := inventory.NewLedger(f.store)
	stale := time.Now().UTC().Add(-10 * time.Minute)

	// Crashed before the sale row: stock was taken and must come back.
	if _, err := ledger.ApplyMovement(ctx, inventory.MovementInput{ShopID: shop, ProductID: "p1", Delta: -2, Reason: domain.MovementSale, SaleID: "sale-lost"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	lostDebt, err := f.debts.RecordDebt(ctx, debt.DebtInput{ShopID: shop, CustomerID: "c1", SaleID: "sale-lost", PrincipalCents: 200})
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if err := f.store.CreateIntent(ctx, domain.PostingIntent{ID: "sale-lost", ShopID: shop, SaleID: "sale-lost", Status: domain.IntentPending, CreatedAt: stale, UpdatedAt: stale}); err != nil {
		t.Fatalf("intent: %v", err)
	}

	// Crashed after the sale row: the posting stands.
	done := domain.Sale{ID: "sale-done", ShopID: shop, PaymentMethod: domain.PaymentCash, TotalCents: 100, Status: domain.SaleCompleted, CreatedAt: stale}
	if _, err := f.store.CreateSale(ctx, done); err != nil {
		t.Fatalf("sale: %v", err)
	}
	if err := f.store.CreateIntent(ctx, domain.PostingIntent{ID: "sale-done", ShopID: shop, SaleID: "sale-done", Status: domain.IntentPending, CreatedAt: stale, UpdatedAt: stale}); err != nil {
		t.Fatalf("intent: %v", err)
	}

	report, err := f.engine.RecoverPending(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Scanned != 2 || report.RolledFwd != 1 || report.Compensated != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := f.stock(t, "p1"); got != 5 {
		t.Fatalf("expected stock restored, got %d", got)
	}
	if d, _ := f.debts.Get(ctx, shop, lostDebt.ID); d.Status != domain.DebtCancelled {
		t.Fatalf("expected orphan debt cancelled, got %s", d.Status)
	}
	if intent, _ := f.store.Intent("sale-lost"); intent.Status != domain.IntentAborted {
		t.Fatalf("expected aborted, got %s", intent.Status)
	}
	if intent, _ := f.store.Intent("sale-done"); intent.Status != domain.IntentCommitted {
		t.Fatalf("expected committed, got %s", intent.Status)
	}
	if len(f.notes.posted) != 1 || f.notes.posted[0] != "sale-done" {
		t.Fatalf("expected rolled-forward sale to be announced, got %v", f.notes.posted)
	}

	again, _ := f.engine.RecoverPending(ctx, time.Minute)
	if again.Scanned != 0 {
		t.Fatalf("expected nothing left pending, got %+v", again)
	}
}

func TestStateTransitions(t *testing.T) {
	c := &checkout{state: domain.StateBuilding}
	if err := c.advance(domain.StatePosted); err == nil {
		t.Fatalf("expected BUILDING -> POSTED to be illegal")
	}
	for _, next := range []domain.PostingState{domain.StateValidated, domain.StatePosted, domain.StateVoided} {
		if err := c.advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if err := c.advance(domain.StatePosted); err == nil {
		t.Fatalf("expected VOIDED to be terminal")
	}
}

func TestConcurrentRetriesWithOneKeyPostOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := checkoutOf(5, domain.PaymentCash, 600)
	req.IdempotencyKey = "till-1-0042"

	var wg sync.WaitGroup
	results := make([]domain.PostedSale, 4)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.PostSale(ctx, cashier, req)
		}(i)
	}
	wg.Wait()

	originals := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("retry %d: expected the original sale, got %v", i, err)
		}
		if !results[i].Duplicate {
			originals++
		}
		if results[i].Sale.ID != results[0].Sale.ID {
			t.Fatalf("expected every retry to return %s, got %s", results[0].Sale.ID, results[i].Sale.ID)
		}
	}
	if originals != 1 {
		t.Fatalf("expected exactly one original posting, got %d", originals)
	}
	if got := f.stock(t, "p1"); got != 0 {
		t.Fatalf("expected a single deduction of 5, stock %d", got)
	}
}

func TestVoidAndPaymentRaceNeverMix(t *testing.T) {
	for round := 0; round < 25; round++ {
		f := newFixture(t, nil)
		ctx := context.Background()
		req := checkoutOf(2, domain.PaymentCredit, 0)
		req.CustomerID = "c1"
		posted, err := f.engine.PostSale(ctx, cashier, req)
		if err != nil {
			t.Fatalf("round %d post: %v", round, err)
		}

		var wg sync.WaitGroup
		var voidErr, payErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, voidErr = f.engine.VoidSale(ctx, admin, shop, posted.Sale.ID, "wrong customer")
		}()
		go func() {
			defer wg.Done()
			_, payErr = f.engine.RecordDebtPayment(ctx, cashier, shop, posted.Debt.ID, domain.DebtPaymentRequest{AmountCents: 50})
		}()
		wg.Wait()

		d, err := f.debts.Get(ctx, shop, posted.Debt.ID)
		if err != nil {
			t.Fatalf("round %d debt: %v", round, err)
		}
		payments, err := f.debts.Payments(ctx, shop, posted.Debt.ID)
		if err != nil {
			t.Fatalf("round %d payments: %v", round, err)
		}
		sale, _ := f.engine.GetSale(ctx, admin, shop, posted.Sale.ID)

		switch {
		case voidErr == nil:
			if payErr == nil || len(payments) != 0 || d.Status != domain.DebtCancelled {
				t.Fatalf("round %d: void won but payment=%v payments=%d debt=%s", round, payErr, len(payments), d.Status)
			}
			if sale.Status != domain.SaleVoid || f.stock(t, "p1") != 5 {
				t.Fatalf("round %d: void won but sale=%s stock=%d", round, sale.Status, f.stock(t, "p1"))
			}
		case errors.Is(voidErr, domain.ErrVoidNotAllowed):
			if payErr != nil || len(payments) != 1 || d.PaidCents != 50 {
				t.Fatalf("round %d: payment won but payment=%v payments=%d paid=%d", round, payErr, len(payments), d.PaidCents)
			}
			if sale.Status != domain.SaleCompleted || f.stock(t, "p1") != 3 {
				t.Fatalf("round %d: payment won but sale=%s stock=%d", round, sale.Status, f.stock(t, "p1"))
			}
		default:
			t.Fatalf("round %d: unexpected void error %v", round, voidErr)
		}
	}
}

func TestAdjustStockRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.AdjustStock(ctx, cashier, shop, "p1", domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: 5}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected cashier adjustment to be forbidden, got %v", err)
	}
	if _, err := f.engine.AdjustStock(ctx, admin, shop, "p1", domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected negative restock to be rejected, got %v", err)
	}
	if _, err := f.engine.AdjustStock(ctx, admin, shop, "p1", domain.StockAdjustmentRequest{Reason: domain.MovementSale, Delta: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected SALE reason to be rejected, got %v", err)
	}
	if _, err := f.engine.AdjustStock(ctx, admin, shop, "nope", domain.StockAdjustmentRequest{Reason: domain.MovementRestock, Delta: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown product, got %v", err)
	}

	res, err := f.engine.AdjustStock(ctx, admin, shop, "p1", domain.StockAdjustmentRequest{Reason: "restock", Delta: 10, Note: "supplier delivery"})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if res.Level.Quantity != 15 || res.Movement.Reason != domain.MovementRestock || res.Movement.CreatedBy != "admin-1" {
		t.Fatalf("unexpected restock result %+v", res)
	}

	_, err = f.engine.AdjustStock(ctx, admin, shop, "p1", domain.StockAdjustmentRequest{Reason: domain.MovementAdjustment, Delta: -16})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.Available != 15 {
		t.Fatalf("expected adjustment below zero to be refused with 15 available, got %v", err)
	}
	res, err = f.engine.AdjustStock(ctx, admin, shop, "p1", domain.StockAdjustmentRequest{Reason: domain.MovementAdjustment, Delta: -3, Note: "shelf count"})
	if err != nil || res.Level.Quantity != 12 {
		t.Fatalf("expected 12 after count, got %+v (%v)", res, err)
	}

	moves, err := f.engine.StockMovements(ctx, cashier, shop, "p1", 2)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(moves) != 2 || moves[0].Reason != domain.MovementAdjustment || moves[1].Reason != domain.MovementRestock {
		t.Fatalf("expected newest first, got %+v", moves)
	}
	discrepancies, err := inventory.NewLedger(f.store).Reconcile(ctx, shop)
	if err != nil || len(discrepancies) != 0 {
		t.Fatalf("expected adjustments to reconcile, got %v (%v)", discrepancies, err)
	}
}
