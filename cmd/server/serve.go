package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tokoledger/backend/internal/events"
	"tokoledger/backend/internal/httpapi"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/posting"
	"tokoledger/backend/internal/revenue"
)

const eventProducer = "tokoledger-api"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. With KAFKA_BROKERS set, sale notifications are
published to KAFKA_TOPIC and the revenue aggregator consumes them from
there; otherwise an in-process worker applies them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("no-consumer", false, "publish sale events but do not run the revenue consumer in this process")
	serveCmd.Flags().Bool("no-recovery", false, "disable the periodic recovery of stuck postings")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("server")
	if err := validateSecurityConfig(cfg); err != nil {
		return err
	}
	noConsumer, _ := cmd.Flags().GetBool("no-consumer")
	noRecovery, _ := cmd.Flags().GetBool("no-recovery")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// background work gets its own context so it outlives the signal until
	// the HTTP server has drained
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var notifier posting.Notifier
	var drain func()
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), eventProducer, cfg.RevenueWorkerBuffer)
		publisher.Start()
		notifier = publisher
		drain = publisher.Close
		if !noConsumer {
			consumer := events.NewConsumer(events.NewReader(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic), a.aggregator, cfg.RevenueMaxAttempts)
			go func() {
				if err := consumer.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("revenue consumer stopped")
				}
			}()
		}
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("sale events: kafka")
	} else {
		worker := revenue.NewWorker(a.aggregator, cfg.RevenueWorkerBuffer, cfg.RevenueMaxAttempts)
		worker.Start(bgCtx)
		notifier = worker
		drain = worker.Close
		log.Info().Msg("sale events: in-process worker")
	}

	engine := a.engine(notifier)
	if !noRecovery {
		go runRecoveryLoop(bgCtx, engine, cfg.RecoverPendingAfter)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, a.repo)
	api := httpapi.New(engine, auth, cfg.AllowedOrigin)
	if a.pg != nil {
		api.AddHealthCheck("postgres", a.pg.Ping)
	}
	if a.redis != nil {
		api.AddHealthCheck("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	// queued notifications are flushed before the consumer and stores go away
	drain()
	cancelBg()
	return nil
}

// runRecoveryLoop settles stuck postings once at startup and then every
// half of olderThan.
func runRecoveryLoop(ctx context.Context, engine *posting.Engine, olderThan time.Duration) {
	log := logger.WithComponent("recovery")
	interval := olderThan / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}

	run := func() {
		report, err := engine.RecoverPending(ctx, olderThan)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("recover pending postings")
			}
			return
		}
		if report.Scanned > 0 {
			log.Info().
				Int("scanned", report.Scanned).
				Int("rolled_forward", report.RolledFwd).
				Int("compensated", report.Compensated).
				Int("failed", len(report.Failed)).
				Msg("recovered pending postings")
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
