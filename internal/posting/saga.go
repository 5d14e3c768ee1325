package posting

import (
	"context"
	"errors"
	"fmt"

	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/store"
)

const (
	stepIntent = "intent"
	stepStock  = "stock"
	stepDebt   = "debt"
	stepSale   = "sale"
)

// post runs the POSTED unit of work. The sale row is written last and is the
// commit point: a crash before it leaves a PENDING intent that RecoverPending
// compensates, a crash after it is rolled forward.
func (e *Engine) post(ctx context.Context, c *checkout) (domain.PostedSale, error) {
	sale := c.sale
	release, err := e.locker.Acquire(ctx, lock.SaleKey(sale.ID))
	if err != nil {
		return domain.PostedSale{}, err
	}
	defer release()

	now := e.now()
	intent := domain.PostingIntent{
		ID:        sale.ID,
		ShopID:    sale.ShopID,
		SaleID:    sale.ID,
		Status:    domain.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.intents.CreateIntent(ctx, intent); err != nil {
		return domain.PostedSale{}, &domain.PostingFailedError{SaleID: sale.ID, Step: stepIntent, Err: err}
	}
	intent.Steps = append(intent.Steps, stepIntent)

	var created *domain.Debt
	fail := func(step string, cause error) (domain.PostedSale, error) {
		e.abort(ctx, &intent, created, c.actor.UserID, cause)
		return domain.PostedSale{}, classify(sale.ID, step, cause)
	}

	for _, item := range sale.Items {
		_, err := e.inventory.ApplyMovement(ctx, inventory.MovementInput{
			ShopID:    sale.ShopID,
			ProductID: item.ProductID,
			Delta:     -item.Quantity,
			Reason:    domain.MovementSale,
			SaleID:    sale.ID,
			Note:      sale.InvoiceNumber,
			CreatedBy: c.actor.UserID,
		})
		if err != nil {
			return fail(stepStock, err)
		}
	}
	intent.Steps = append(intent.Steps, stepStock)

	if c.shortfall > 0 {
		d, err := e.debts.RecordDebt(ctx, debt.DebtInput{
			ShopID:         sale.ShopID,
			CustomerID:     sale.CustomerID,
			SaleID:         sale.ID,
			PrincipalCents: c.shortfall,
			CreatedBy:      c.actor.UserID,
		})
		if err != nil {
			return fail(stepDebt, err)
		}
		created = &d
		sale.DebtID = d.ID
		intent.Steps = append(intent.Steps, stepDebt)
	}

	stored, err := e.sales.CreateSale(ctx, sale)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) && sale.IdempotencyKey != "" {
			// Lost a race with a concurrent retry of the same request.
			e.abort(ctx, &intent, created, c.actor.UserID, err)
			existing, findErr := e.sales.FindSaleByIdempotency(ctx, sale.ShopID, sale.IdempotencyKey)
			if findErr != nil {
				return domain.PostedSale{}, classify(sale.ID, stepSale, findErr)
			}
			return e.duplicate(ctx, *existing)
		}
		return fail(stepSale, err)
	}
	intent.Steps = append(intent.Steps, stepSale)

	intent.Status = domain.IntentCommitted
	intent.UpdatedAt = e.now()
	if err := e.intents.UpdateIntent(context.WithoutCancel(ctx), intent); err != nil {
		// The sale exists, so recovery will roll this intent forward.
		e.log.Warn().Err(err).Str("sale_id", sale.ID).Msg("mark posting intent committed")
	}

	return domain.PostedSale{Sale: *stored, Debt: created}, nil
}

// abort undoes whatever the saga wrote, newest first. If a compensation
// fails the intent stays PENDING so recovery can finish the job.
func (e *Engine) abort(ctx context.Context, intent *domain.PostingIntent, created *domain.Debt, actor string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := e.log.With().Str("shop_id", intent.ShopID).Str("sale_id", intent.SaleID).Logger()

	if err := e.compensate(ctx, intent.ShopID, intent.SaleID, created, actor); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("posting compensation incomplete; intent left pending")
		intent.LastError = fmt.Sprintf("%v; compensation: %v", cause, err)
		intent.UpdatedAt = e.now()
		if err := e.intents.UpdateIntent(ctx, *intent); err != nil {
			log.Error().Err(err).Msg("record posting failure on intent")
		}
		return
	}

	intent.Status = domain.IntentAborted
	intent.LastError = cause.Error()
	intent.UpdatedAt = e.now()
	if err := e.intents.UpdateIntent(ctx, *intent); err != nil {
		log.Warn().Err(err).Msg("mark posting intent aborted")
	}
	if !domain.IsPolicyRejection(cause) {
		log.Warn().Err(cause).Strs("steps", intent.Steps).Msg("posting rolled back")
	}
}

func (e *Engine) compensate(ctx context.Context, shopID, saleID string, created *domain.Debt, actor string) error {
	if created != nil {
		if _, err := e.debts.CancelForVoid(ctx, shopID, created.ID, saleID); err != nil {
			return fmt.Errorf("cancel debt %s: %w", created.ID, err)
		}
	}
	if _, err := e.inventory.Reverse(ctx, shopID, saleID, actor); err != nil {
		return fmt.Errorf("reverse stock: %w", err)
	}
	return nil
}

// classify passes typed rejections through and wraps anything unexpected.
func classify(saleID, step string, err error) error {
	if domain.IsPolicyRejection(err) || domain.IsRetryable(err) || errors.Is(err, domain.ErrPostingFailed) {
		return err
	}
	return &domain.PostingFailedError{SaleID: saleID, Step: step, Err: err}
}
