// Package inventory owns stock levels and the append-only movement log.
// Every change to a level goes through ApplyMovement; nothing edits history.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

type MovementInput struct {
	ShopID    string
	ProductID string
	Delta     int
	Reason    domain.MovementReason
	SaleID    string
	Note      string
	CreatedBy string
}

// Discrepancy is a (shop, product) whose level disagrees with its movements.
type Discrepancy struct {
	ProductID     string `json:"product_id"`
	LevelQuantity int    `json:"level_quantity"`
	MovementSum   int    `json:"movement_sum"`
	Difference    int    `json:"difference"`
}

type Ledger struct {
	store store.Inventory
	log   zerolog.Logger
	now   func() time.Time
}

func NewLedger(st store.Inventory) *Ledger {
	return &Ledger{
		store: st,
		log:   logger.WithComponent("inventory"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CheckAvailability is an early, read-only rejection. It does not reserve
// anything; ApplyMovement re-checks atomically.
func (l *Ledger) CheckAvailability(ctx context.Context, shopID, productID string, quantity int) (bool, error) {
	level, err := l.store.GetStockLevel(ctx, shopID, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, translate(err, shopID, productID)
	}
	return level.Quantity >= quantity, nil
}

func (l *Ledger) ApplyMovement(ctx context.Context, in MovementInput) (domain.StockMovement, error) {
	if in.Delta == 0 {
		return domain.StockMovement{}, domain.NewValidationError("delta", "must not be zero")
	}
	if !in.Reason.Valid() {
		return domain.StockMovement{}, domain.NewValidationError("reason", fmt.Sprintf("unknown movement reason %q", in.Reason))
	}
	movement := domain.StockMovement{
		ID:        xid.New("mov"),
		ShopID:    in.ShopID,
		ProductID: in.ProductID,
		Delta:     in.Delta,
		Reason:    in.Reason,
		SaleID:    in.SaleID,
		Note:      in.Note,
		CreatedBy: in.CreatedBy,
		CreatedAt: l.now(),
	}
	if _, err := l.store.ApplyMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, translateShortfall(err, in.ShopID, in.ProductID, -in.Delta)
	}
	return movement, nil
}

// Reverse appends a RETURN movement negating every movement tied to saleID
// that has not already been reversed. Running it twice is a no-op.
func (l *Ledger) Reverse(ctx context.Context, shopID, saleID, actor string) ([]domain.StockMovement, error) {
	movements, err := l.store.ListMovementsBySale(ctx, shopID, saleID)
	if err != nil {
		return nil, fmt.Errorf("list movements for sale %s: %w", saleID, err)
	}

	reversed := make(map[string]bool, len(movements))
	for _, m := range movements {
		if m.ReversalOf != "" {
			reversed[m.ReversalOf] = true
		}
	}

	applied := make([]domain.StockMovement, 0, len(movements))
	for _, m := range movements {
		if m.ReversalOf != "" || reversed[m.ID] {
			continue
		}
		reversal := domain.StockMovement{
			ID:         xid.New("mov"),
			ShopID:     m.ShopID,
			ProductID:  m.ProductID,
			Delta:      -m.Delta,
			Reason:     domain.MovementReturn,
			SaleID:     saleID,
			ReversalOf: m.ID,
			Note:       "reversal of " + m.ID,
			CreatedBy:  actor,
			CreatedAt:  l.now(),
		}
		if _, err := l.store.ApplyMovement(ctx, reversal); err != nil {
			return applied, translateShortfall(err, m.ShopID, m.ProductID, m.Delta)
		}
		applied = append(applied, reversal)
	}
	if len(applied) > 0 {
		l.log.Info().Str("shop_id", shopID).Str("sale_id", saleID).Int("movements", len(applied)).Msg("stock movements reversed")
	}
	return applied, nil
}

func (l *Ledger) StockLevel(ctx context.Context, shopID, productID string) (domain.StockLevel, error) {
	level, err := l.store.GetStockLevel(ctx, shopID, productID)
	if err != nil {
		return domain.StockLevel{}, translate(err, shopID, productID)
	}
	return level, nil
}

func (l *Ledger) Movements(ctx context.Context, shopID, productID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListMovements(ctx, shopID, productID, limit)
}

// LowStock lists products at or below their reorder level.
func (l *Ledger) LowStock(ctx context.Context, shopID string) ([]domain.StockLevel, error) {
	levels, err := l.store.ListStockLevels(ctx, shopID)
	if err != nil {
		return nil, err
	}
	low := make([]domain.StockLevel, 0, len(levels))
	for _, level := range levels {
		if level.NeedsReorder() {
			low = append(low, level)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].Quantity == low[j].Quantity {
			return low[i].ProductID < low[j].ProductID
		}
		return low[i].Quantity < low[j].Quantity
	})
	return low, nil
}

// Reconcile compares every level in the shop against the sum of its movements.
func (l *Ledger) Reconcile(ctx context.Context, shopID string) ([]Discrepancy, error) {
	levels, err := l.store.ListStockLevels(ctx, shopID)
	if err != nil {
		return nil, err
	}
	sums, err := l.store.SumMovements(ctx, shopID)
	if err != nil {
		return nil, err
	}

	found := make([]Discrepancy, 0)
	seen := make(map[string]bool, len(levels))
	for _, level := range levels {
		seen[level.ProductID] = true
		if sum := sums[level.ProductID]; sum != level.Quantity {
			found = append(found, Discrepancy{ProductID: level.ProductID, LevelQuantity: level.Quantity, MovementSum: sum, Difference: level.Quantity - sum})
		}
	}
	for productID, sum := range sums {
		if !seen[productID] && sum != 0 {
			found = append(found, Discrepancy{ProductID: productID, MovementSum: sum, Difference: -sum})
		}
	}
	if len(found) > 0 {
		l.log.Warn().Str("shop_id", shopID).Int("discrepancies", len(found)).Msg("stock levels disagree with movement log")
	}
	return found, nil
}

func translateShortfall(err error, shopID, productID string, requested int) error {
	var shortfall *store.StockShortfall
	if errors.As(err, &shortfall) {
		return &domain.InsufficientStockError{ShopID: shopID, ProductID: productID, Requested: requested, Available: shortfall.Available}
	}
	return translate(err, shopID, productID)
}

func translate(err error, shopID, productID string) error {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return &domain.InsufficientStockError{ShopID: shopID, ProductID: productID}
	case errors.Is(err, store.ErrSerialization):
		return &domain.ConcurrencyConflictError{Resource: "stock:" + shopID + ":" + productID, Err: err}
	}
	return err
}
