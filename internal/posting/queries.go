package posting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/inventory"
)

func authorizeRead(actor domain.ActorContext, shopID string) error {
	if !actor.CanActOn(shopID) {
		return fmt.Errorf("%w: actor cannot read shop %s", domain.ErrForbidden, shopID)
	}
	return nil
}

func (e *Engine) GetSale(ctx context.Context, actor domain.ActorContext, shopID, saleID string) (domain.Sale, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return domain.Sale{}, err
	}
	sale, err := e.sales.GetSale(ctx, shopID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (e *Engine) StockLevel(ctx context.Context, actor domain.ActorContext, shopID, productID string) (domain.StockLevel, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return domain.StockLevel{}, err
	}
	return e.inventory.StockLevel(ctx, shopID, productID)
}

// StockMovements lists the product's most recent movements, newest first.
func (e *Engine) StockMovements(ctx context.Context, actor domain.ActorContext, shopID, productID string, limit int) ([]domain.StockMovement, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return nil, err
	}
	if _, err := e.catalog.GetProduct(ctx, shopID, productID); err != nil {
		return nil, err
	}
	return e.inventory.Movements(ctx, shopID, productID, limit)
}

// AdjustStock records a manual RESTOCK or ADJUSTMENT movement. Only shop
// admins may move stock outside a sale, and no adjustment may take the level
// below zero.
func (e *Engine) AdjustStock(ctx context.Context, actor domain.ActorContext, shopID, productID string, req domain.StockAdjustmentRequest) (domain.StockAdjustmentResult, error) {
	if !actor.CanActOn(shopID) || !actor.IsAdmin() {
		return domain.StockAdjustmentResult{}, fmt.Errorf("%w: adjusting stock requires an admin of shop %s", domain.ErrForbidden, shopID)
	}
	reason := domain.MovementReason(strings.ToUpper(strings.TrimSpace(string(req.Reason))))
	switch reason {
	case domain.MovementRestock:
		if req.Delta <= 0 {
			return domain.StockAdjustmentResult{}, domain.NewValidationError("delta", "restock must be positive")
		}
	case domain.MovementAdjustment:
		if req.Delta == 0 {
			return domain.StockAdjustmentResult{}, domain.NewValidationError("delta", "must not be zero")
		}
	default:
		return domain.StockAdjustmentResult{}, domain.NewValidationError("reason", "must be RESTOCK or ADJUSTMENT")
	}
	if _, err := e.catalog.GetProduct(ctx, shopID, productID); err != nil {
		return domain.StockAdjustmentResult{}, err
	}

	movement, err := e.inventory.ApplyMovement(ctx, inventory.MovementInput{
		ShopID:    shopID,
		ProductID: productID,
		Delta:     req.Delta,
		Reason:    reason,
		Note:      strings.TrimSpace(req.Note),
		CreatedBy: actor.UserID,
	})
	if err != nil {
		return domain.StockAdjustmentResult{}, err
	}
	level, err := e.inventory.StockLevel(ctx, shopID, productID)
	if err != nil {
		return domain.StockAdjustmentResult{}, err
	}
	e.log.Info().
		Str("shop_id", shopID).
		Str("product_id", productID).
		Str("reason", string(reason)).
		Int("delta", req.Delta).
		Int("quantity", level.Quantity).
		Str("by", actor.UserID).
		Msg("stock adjusted")
	return domain.StockAdjustmentResult{Movement: movement, Level: level}, nil
}

func (e *Engine) LowStock(ctx context.Context, actor domain.ActorContext, shopID string) ([]domain.StockLevel, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return nil, err
	}
	return e.inventory.LowStock(ctx, shopID)
}

func (e *Engine) OutstandingBalance(ctx context.Context, actor domain.ActorContext, shopID, customerID string) (int64, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return 0, err
	}
	if _, err := e.catalog.GetCustomer(ctx, shopID, customerID); err != nil {
		return 0, err
	}
	return e.debts.OutstandingBalance(ctx, shopID, customerID)
}

func (e *Engine) DebtPayments(ctx context.Context, actor domain.ActorContext, shopID, debtID string) ([]domain.DebtPayment, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return nil, err
	}
	return e.debts.Payments(ctx, shopID, debtID)
}

func (e *Engine) CustomerAging(ctx context.Context, actor domain.ActorContext, shopID, customerID string, asOf time.Time) (domain.AgingReport, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return domain.AgingReport{}, err
	}
	return e.debts.Aging(ctx, shopID, customerID, asOf)
}

// DailyRevenue reads the day's summary. An empty date means today in the
// aggregator's timezone. Summaries lag posting slightly.
func (e *Engine) DailyRevenue(ctx context.Context, actor domain.ActorContext, shopID, date string) (domain.RevenueSummary, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return domain.RevenueSummary{}, err
	}
	if e.revenue == nil {
		return domain.RevenueSummary{}, fmt.Errorf("revenue summaries are not configured")
	}
	date = strings.TrimSpace(date)
	if date == "" {
		date = e.revenue.DateOf(e.now())
	}
	return e.revenue.Summary(ctx, shopID, date)
}

// RevenueRange lists stored daily summaries from fromDate to toDate inclusive.
func (e *Engine) RevenueRange(ctx context.Context, actor domain.ActorContext, shopID, fromDate, toDate string) ([]domain.RevenueSummary, error) {
	if err := authorizeRead(actor, shopID); err != nil {
		return nil, err
	}
	if e.revenue == nil {
		return nil, fmt.Errorf("revenue summaries are not configured")
	}
	return e.revenue.Range(ctx, shopID, strings.TrimSpace(fromDate), strings.TrimSpace(toDate))
}
