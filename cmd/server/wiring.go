package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tokoledger/backend/internal/cache"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/debt"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/lock"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/posting"
	"tokoledger/backend/internal/revenue"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
	pgstore "tokoledger/backend/internal/store/postgres"
)

// app holds the components every subcommand shares.
type app struct {
	cfg        config.Config
	repo       store.Repository
	pg         *pgstore.Store
	redis      *redis.Client
	locker     lock.Locker
	aggregator *revenue.Aggregator
	inventory  *inventory.Ledger
	debts      *debt.Ledger
	closers    []func() error
	log        zerolog.Logger
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.WithComponent("wiring")}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to fall back to memory: %w", err)
		}
		pg.SetLockTimeout(cfg.LockTimeout)
		a.pg = pg
		a.repo = pg
		a.closers = append(a.closers, pg.Close)
		a.log.Info().Msg("repository: postgres")
	} else {
		a.repo = memory.NewSeeded()
		a.log.Warn().Msg("repository: in-memory demo store; data is lost on exit")
	}

	a.locker = lock.NewKeyedLocker(cfg.LockTimeout)
	var summaryCache cache.SummaryCache = cache.NoopSummaryCache{}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(connectCtx).Err(); err != nil {
			_ = client.Close()
			a.log.Warn().Err(err).Msg("redis unavailable; using in-process locks and no summary cache")
		} else {
			a.redis = client
			a.locker = lock.NewRedisLocker(client, cfg.LockTimeout, 30*time.Second)
			summaryCache = cache.NewRedisSummaryCache(client)
			a.closers = append(a.closers, client.Close)
			a.log.Info().Msg("locks and cache: redis")
		}
	} else {
		a.log.Info().Msg("locks: in-process, cache: noop")
	}

	a.aggregator = revenue.NewAggregator(
		revenue.Dependencies{Summaries: a.repo, Sales: a.repo, Cache: summaryCache},
		revenue.Options{Location: cfg.Location(), CacheTTL: time.Duration(cfg.RevenueCacheTTLSeconds) * time.Second},
	)
	a.inventory = inventory.NewLedger(a.repo)
	a.debts = debt.NewLedger(debt.Dependencies{Debts: a.repo, Catalog: a.repo, Locker: a.locker}, cfg.DebtTermDays)
	return a, nil
}

func (a *app) engine(notifier posting.Notifier) *posting.Engine {
	return posting.New(posting.Dependencies{
		Catalog:   a.repo,
		Sales:     a.repo,
		Intents:   a.repo,
		Inventory: a.inventory,
		Debts:     a.debts,
		Locker:    a.locker,
		Notifier:  notifier,
		Revenue:   a.aggregator,
	}, a.cfg.DefaultTaxRate)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}
