// Package revenue folds posted and voided sales into daily per-shop summaries.
// Summaries are a cache of the sale log and can be rebuilt from it at any time.
package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/store"
)

const (
	postedKeyPrefix = "posted:"
	voidedKeyPrefix = "voided:"
)

type Dependencies struct {
	Summaries store.Revenue
	Sales     store.Sales
	Cache     cache.SummaryCache
}

type Options struct {
	Location *time.Location
	CacheTTL time.Duration
}

type Aggregator struct {
	summaries store.Revenue
	sales     store.Sales
	cache     cache.SummaryCache
	cacheTTL  time.Duration
	loc       *time.Location
	log       zerolog.Logger
}

func NewAggregator(deps Dependencies, opts Options) *Aggregator {
	c := deps.Cache
	if c == nil {
		c = cache.NoopSummaryCache{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Aggregator{
		summaries: deps.Summaries,
		sales:     deps.Sales,
		cache:     c,
		cacheTTL:  ttl,
		loc:       loc,
		log:       logger.WithComponent("revenue"),
	}
}

// DateOf is the summary date a timestamp falls on in the shop's timezone.
func (a *Aggregator) DateOf(at time.Time) string {
	return at.In(a.loc).Format(time.DateOnly)
}

// OnSalePosted adds the sale to its day. Redelivery of the same sale is a no-op.
func (a *Aggregator) OnSalePosted(ctx context.Context, sale domain.Sale) error {
	return a.apply(ctx, postedKeyPrefix+sale.ID, sale, 1)
}

// OnSaleVoided takes the sale back out of the day it was posted on.
func (a *Aggregator) OnSaleVoided(ctx context.Context, sale domain.Sale) error {
	return a.apply(ctx, voidedKeyPrefix+sale.ID, sale, -1)
}

func (a *Aggregator) apply(ctx context.Context, key string, sale domain.Sale, sign int64) error {
	delta := domain.SaleContribution(sale, sign)
	delta.Date = a.DateOf(sale.CreatedAt)

	applied, err := a.summaries.ApplySummaryDelta(ctx, key, delta)
	if err != nil {
		return fmt.Errorf("apply %s to %s/%s: %w", key, sale.ShopID, delta.Date, err)
	}
	if !applied {
		a.log.Debug().Str("key", key).Str("shop_id", sale.ShopID).Msg("summary delta already applied")
		return nil
	}
	a.invalidate(ctx, sale.ShopID, delta.Date)
	return nil
}

// Rebuild recomputes one day from the sale log and replaces the stored row.
// A voided sale contributes its posting and its reversal, netting to zero.
// Deltas applied between the read and the replace are overwritten, so the
// sale log is read a second time and anything the first read missed is
// applied through its usual key.
func (a *Aggregator) Rebuild(ctx context.Context, shopID, date string) (domain.RevenueSummary, error) {
	day, err := time.ParseInLocation(time.DateOnly, date, a.loc)
	if err != nil {
		return domain.RevenueSummary{}, domain.NewValidationError("date", "must be YYYY-MM-DD")
	}
	from, to := day, day.AddDate(0, 0, 1)
	sales, err := a.sales.ListSales(ctx, shopID, from, to)
	if err != nil {
		return domain.RevenueSummary{}, fmt.Errorf("list sales for %s/%s: %w", shopID, date, err)
	}

	summary := domain.RevenueSummary{ShopID: shopID, Date: date, ByMethod: map[domain.PaymentMethod]int64{}}
	counted := make(map[string]bool, len(sales))
	keys := make([]string, 0, len(sales))
	for _, sale := range sales {
		summary.Add(domain.SaleContribution(sale, 1))
		keys = append(keys, postedKeyPrefix+sale.ID)
		if sale.Status == domain.SaleVoid {
			summary.Add(domain.SaleContribution(sale, -1))
			keys = append(keys, voidedKeyPrefix+sale.ID)
		}
	}
	for _, key := range keys {
		counted[key] = true
	}
	summary.UpdatedAt = time.Now().UTC()

	if err := a.summaries.ReplaceSummary(ctx, summary, keys); err != nil {
		return domain.RevenueSummary{}, fmt.Errorf("replace summary %s/%s: %w", shopID, date, err)
	}
	a.invalidate(ctx, shopID, date)

	late, err := a.sales.ListSales(ctx, shopID, from, to)
	if err != nil {
		return domain.RevenueSummary{}, fmt.Errorf("list late sales for %s/%s: %w", shopID, date, err)
	}
	caughtUp := 0
	for _, sale := range late {
		if !counted[postedKeyPrefix+sale.ID] {
			if err := a.OnSalePosted(ctx, sale); err != nil {
				return domain.RevenueSummary{}, err
			}
			caughtUp++
		}
		if sale.Status == domain.SaleVoid && !counted[voidedKeyPrefix+sale.ID] {
			if err := a.OnSaleVoided(ctx, sale); err != nil {
				return domain.RevenueSummary{}, err
			}
			caughtUp++
		}
	}
	if caughtUp > 0 {
		stored, err := a.summaries.GetSummary(ctx, shopID, date)
		if err != nil {
			return domain.RevenueSummary{}, fmt.Errorf("read rebuilt summary %s/%s: %w", shopID, date, err)
		}
		summary = *stored
	}

	a.log.Info().Str("shop_id", shopID).Str("date", date).Int("sales", len(sales)).Int("caught_up", caughtUp).Msg("revenue summary rebuilt")
	return summary, nil
}

// Summary reads one day, through the cache when one is configured. A day with
// no sales yields a zero summary rather than an error.
func (a *Aggregator) Summary(ctx context.Context, shopID, date string) (domain.RevenueSummary, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return domain.RevenueSummary{}, domain.NewValidationError("date", "must be YYYY-MM-DD")
	}
	key := cache.SummaryKey(shopID, date)
	if cached, ok, err := a.cache.Get(ctx, key); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("summary cache read failed")
	} else if ok {
		return *cached, nil
	}

	summary, err := a.summaries.GetSummary(ctx, shopID, date)
	if errors.Is(err, store.ErrNotFound) {
		return domain.RevenueSummary{ShopID: shopID, Date: date, ByMethod: map[domain.PaymentMethod]int64{}}, nil
	}
	if err != nil {
		return domain.RevenueSummary{}, err
	}
	if err := a.cache.Set(ctx, key, summary, a.cacheTTL); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("summary cache write failed")
	}
	return *summary, nil
}

// MaxRangeDays bounds how many days one Range call may span.
const MaxRangeDays = 366

// Range lists the stored summaries from fromDate to toDate inclusive. Days
// without sales have no row and are left out.
func (a *Aggregator) Range(ctx context.Context, shopID, fromDate, toDate string) ([]domain.RevenueSummary, error) {
	from, err := time.Parse(time.DateOnly, fromDate)
	if err != nil {
		return nil, domain.NewValidationError("from", "must be YYYY-MM-DD")
	}
	to, err := time.Parse(time.DateOnly, toDate)
	if err != nil {
		return nil, domain.NewValidationError("to", "must be YYYY-MM-DD")
	}
	if from.After(to) {
		return nil, domain.NewValidationError("from", "must not be after to")
	}
	if to.Sub(from) > MaxRangeDays*24*time.Hour {
		return nil, domain.NewValidationError("to", fmt.Sprintf("range must not exceed %d days", MaxRangeDays))
	}
	return a.summaries.ListSummaries(ctx, shopID, fromDate, toDate)
}

func (a *Aggregator) invalidate(ctx context.Context, shopID, date string) {
	if err := a.cache.Delete(ctx, cache.SummaryKey(shopID, date)); err != nil {
		a.log.Warn().Err(err).Str("shop_id", shopID).Str("date", date).Msg("summary cache invalidation failed")
	}
}
