package cache

import (
	"context"
	"fmt"
	"time"

	"tokoledger/backend/internal/domain"
)

// SummaryKey is the cache key for one (shop, date) revenue summary.
func SummaryKey(shopID, date string) string {
	return fmt.Sprintf("revenue:%s:%s", shopID, date)
}

type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.RevenueSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.RevenueSummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.RevenueSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.RevenueSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ string) error {
	return nil
}
