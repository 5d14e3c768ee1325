package posting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/store"
)

// VoidSale reverses a posted sale. The debt it raised is cancelled first,
// under the debt lock, so a sale whose debt has payments is refused before
// any stock moves. Every step is idempotent; retrying a failed void resumes it.
func (e *Engine) VoidSale(ctx context.Context, actor domain.ActorContext, shopID, saleID, reason string) (domain.Sale, error) {
	if !actor.CanActOn(shopID) || !actor.IsAdmin() {
		return domain.Sale{}, fmt.Errorf("%w: voiding a sale requires an admin of shop %s", domain.ErrForbidden, shopID)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	release, err := e.locker.Acquire(ctx, lock.SaleKey(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	defer release()

	sale, err := e.sales.GetSale(ctx, shopID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if !domain.CanTransition(domain.StateOf(sale.Status), domain.StateVoided) {
		return domain.Sale{}, &domain.VoidNotAllowedError{SaleID: saleID, Reason: "sale is already void"}
	}

	if sale.DebtID != "" {
		if _, err := e.debts.CancelForVoid(ctx, shopID, sale.DebtID, saleID); err != nil {
			return domain.Sale{}, err
		}
	}
	if _, err := e.inventory.Reverse(ctx, shopID, saleID, actor.UserID); err != nil {
		return domain.Sale{}, fmt.Errorf("reverse stock for sale %s: %w", saleID, err)
	}

	voided, err := e.sales.VoidSale(ctx, saleID, reason, actor.UserID, e.now())
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return domain.Sale{}, &domain.VoidNotAllowedError{SaleID: saleID, Reason: "sale is already void"}
		}
		return domain.Sale{}, fmt.Errorf("mark sale %s void: %w", saleID, err)
	}

	e.notifier.SaleVoided(*voided)
	e.log.Info().
		Str("shop_id", shopID).
		Str("sale_id", saleID).
		Str("voided_by", actor.UserID).
		Str("reason", reason).
		Msg("sale voided")
	return *voided, nil
}

// RecordDebtPayment applies a payment against one of the shop's debts.
func (e *Engine) RecordDebtPayment(ctx context.Context, actor domain.ActorContext, shopID, debtID string, req domain.DebtPaymentRequest) (domain.DebtPaymentResult, error) {
	if !actor.CanActOn(shopID) {
		return domain.DebtPaymentResult{}, fmt.Errorf("%w: actor cannot record payments for shop %s", domain.ErrForbidden, shopID)
	}
	payment, updated, err := e.debts.RecordPayment(ctx, debt.PaymentInput{
		ShopID:      shopID,
		DebtID:      debtID,
		AmountCents: req.AmountCents,
		Method:      domain.PaymentMethod(strings.ToUpper(string(req.Method))),
		Note:        req.Note,
		CreatedBy:   actor.UserID,
	})
	if err != nil {
		return domain.DebtPaymentResult{}, err
	}
	e.log.Info().
		Str("shop_id", shopID).
		Str("debt_id", debtID).
		Int64("amount_cents", payment.AmountCents).
		Int64("remaining_cents", updated.RemainingCents()).
		Msg("debt payment recorded")
	return domain.DebtPaymentResult{Payment: payment, Debt: updated}, nil
}
