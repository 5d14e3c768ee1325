package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store/memory"
)

const shop = "shop-a"

func newTestLedger(t *testing.T, qty int) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	st.PutProduct(domain.Product{ID: "p1", ShopID: shop, SKU: "P1", SellingPriceCents: 100, Active: true})
	if err := st.SeedStock(shop, "p1", qty, 2); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return NewLedger(st), st
}

func TestApplyMovementRejectsNegativeResult(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()

	_, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: -4, Reason: domain.MovementSale})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Available != 3 || stockErr.Requested != 4 {
		t.Fatalf("unexpected shortfall detail %+v", stockErr)
	}

	level, err := ledger.StockLevel(ctx, shop, "p1")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	if level.Quantity != 3 {
		t.Fatalf("expected level untouched at 3, got %d", level.Quantity)
	}
}

func TestApplyMovementValidatesInput(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()

	if _, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: 0, Reason: domain.MovementSale}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for zero delta, got %v", err)
	}
	if _, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: 1, Reason: "GIFT"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown reason, got %v", err)
	}
}

func TestConcurrentDeductionsNeverOversell(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: -1, Reason: domain.MovementSale})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected exactly 10 successful deductions, got %d", succeeded)
	}
	level, _ := ledger.StockLevel(ctx, shop, "p1")
	if level.Quantity != 0 {
		t.Fatalf("expected stock 0, got %d", level.Quantity)
	}
	discrepancies, err := ledger.Reconcile(ctx, shop)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(discrepancies) != 0 {
		t.Fatalf("expected level to equal movement sum, got %+v", discrepancies)
	}
}

func TestReverseIsIdempotent(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	for _, qty := range []int{2, 3} {
		if _, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: -qty, Reason: domain.MovementSale, SaleID: "sale-1"}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	reversed, err := ledger.Reverse(ctx, shop, "sale-1", "admin")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if len(reversed) != 2 {
		t.Fatalf("expected two reversal movements, got %d", len(reversed))
	}
	for _, m := range reversed {
		if m.Reason != domain.MovementReturn || m.ReversalOf == "" || m.Delta <= 0 {
			t.Fatalf("unexpected reversal %+v", m)
		}
	}

	again, err := ledger.Reverse(ctx, shop, "sale-1", "admin")
	if err != nil {
		t.Fatalf("second reverse: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected second reverse to be a no-op, got %d movements", len(again))
	}

	level, _ := ledger.StockLevel(ctx, shop, "p1")
	if level.Quantity != 10 {
		t.Fatalf("expected stock restored to 10, got %d", level.Quantity)
	}
	history, err := ledger.Movements(ctx, shop, "p1", 0)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected opening + 2 sales + 2 reversals, got %d", len(history))
	}
}

func TestLowStockUsesReorderLevel(t *testing.T) {
	ledger, st := newTestLedger(t, 5)
	ctx := context.Background()
	st.PutProduct(domain.Product{ID: "p2", ShopID: shop, SKU: "P2", Active: true})
	if err := st.SeedStock(shop, "p2", 50, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := ledger.ApplyMovement(ctx, MovementInput{ShopID: shop, ProductID: "p1", Delta: -3, Reason: domain.MovementAdjustment}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	low, err := ledger.LowStock(ctx, shop)
	if err != nil {
		t.Fatalf("low stock: %v", err)
	}
	if len(low) != 1 || low[0].ProductID != "p1" {
		t.Fatalf("expected only p1 to need reorder, got %+v", low)
	}
}

func TestCheckAvailability(t *testing.T) {
	ledger, _ := newTestLedger(t, 2)
	ctx := context.Background()

	ok, err := ledger.CheckAvailability(ctx, shop, "p1", 2)
	if err != nil || !ok {
		t.Fatalf("expected 2 units available, got %v (%v)", ok, err)
	}
	ok, _ = ledger.CheckAvailability(ctx, shop, "p1", 3)
	if ok {
		t.Fatalf("expected 3 units to be unavailable")
	}
	ok, err = ledger.CheckAvailability(ctx, shop, "missing", 1)
	if err != nil || ok {
		t.Fatalf("expected unknown product to be unavailable without error, got %v (%v)", ok, err)
	}
}
