package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/store"
)

type RecoveryReport struct {
	Scanned     int      `json:"scanned"`
	RolledFwd   int      `json:"rolled_forward"`
	Compensated int      `json:"compensated"`
	Failed      []string `json:"failed,omitempty"`
}

// RecoverPending settles intents left PENDING longer than olderThan, usually
// by a crash mid-posting. If the sale row exists the posting committed and
// the intent is rolled forward; otherwise its stock and debt are undone.
func (e *Engine) RecoverPending(ctx context.Context, olderThan time.Duration) (RecoveryReport, error) {
	intents, err := e.intents.ListPendingIntents(ctx, e.now().Add(-olderThan))
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list pending intents: %w", err)
	}

	report := RecoveryReport{Scanned: len(intents)}
	for _, intent := range intents {
		committed, err := e.recoverOne(ctx, intent)
		switch {
		case err != nil:
			e.log.Error().Err(err).Str("sale_id", intent.SaleID).Msg("recover posting intent")
			report.Failed = append(report.Failed, intent.SaleID)
		case committed:
			report.RolledFwd++
		default:
			report.Compensated++
		}
	}
	if report.Scanned > 0 {
		e.log.Warn().
			Int("scanned", report.Scanned).
			Int("rolled_forward", report.RolledFwd).
			Int("compensated", report.Compensated).
			Int("failed", len(report.Failed)).
			Msg("pending postings recovered")
	}
	return report, nil
}

func (e *Engine) recoverOne(ctx context.Context, intent domain.PostingIntent) (bool, error) {
	release, err := e.locker.Acquire(ctx, lock.SaleKey(intent.SaleID))
	if err != nil {
		return false, err
	}
	defer release()

	sale, err := e.sales.GetSale(ctx, intent.ShopID, intent.SaleID)
	switch {
	case err == nil:
		intent.Status = domain.IntentCommitted
		intent.UpdatedAt = e.now()
		if err := e.intents.UpdateIntent(ctx, intent); err != nil {
			return false, err
		}
		// The notification may never have gone out; summaries ignore repeats.
		if sale.Status == domain.SaleCompleted {
			e.notifier.SalePosted(*sale)
		}
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	var created *domain.Debt
	found, err := e.debts.FindBySale(ctx, intent.SaleID)
	if err != nil {
		return false, err
	}
	if found != nil && found.Status != domain.DebtCancelled {
		created = found
	}
	if err := e.compensate(ctx, intent.ShopID, intent.SaleID, created, "recovery"); err != nil {
		return false, err
	}
	intent.Status = domain.IntentAborted
	if intent.LastError == "" {
		intent.LastError = "abandoned before commit"
	}
	intent.UpdatedAt = e.now()
	return false, e.intents.UpdateIntent(ctx, intent)
}
