package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/httpapi"
	"tokoledger/backend/internal/inventory"
	"tokoledger/backend/internal/logger"
	"tokoledger/backend/internal/revenue"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations",
	RunE:  runMigrate,
}

var rebuildRevenueCmd = &cobra.Command{
	Use:   "rebuild-revenue",
	Short: "Recompute a shop's daily revenue summary from its sales",
	RunE:  runRebuildRevenue,
}

var reconcileStockCmd = &cobra.Command{
	Use:   "reconcile-stock",
	Short: "Compare stock levels against the movement ledger",
	RunE:  runReconcileStock,
}

var recoverPostingsCmd = &cobra.Command{
	Use:   "recover-postings",
	Short: "Settle posting intents left pending by a crash",
	RunE:  runRecoverPostings,
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Sign an access token for an actor",
	RunE:  runIssueToken,
}

func init() {
	migrateCmd.Flags().Bool("seed", false, "also load the demo catalog, opening stock and accounts")

	rebuildRevenueCmd.Flags().String("shop", memory.DefaultShopID, "shop id")
	rebuildRevenueCmd.Flags().String("date", "", "business date YYYY-MM-DD (default: today in APP_TIMEZONE)")

	reconcileStockCmd.Flags().String("shop", memory.DefaultShopID, "shop id")

	recoverPostingsCmd.Flags().Duration("older-than", 0, "only settle intents older than this (default: RECOVER_PENDING_AFTER_SECONDS)")

	issueTokenCmd.Flags().String("user", "", "user id placed in the token subject")
	issueTokenCmd.Flags().String("role", domain.RoleCashier, "cashier, shop_admin or site_admin")
	issueTokenCmd.Flags().String("shop", "", "shop id (not needed for site_admin)")
	issueTokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: ACCESS_TOKEN_TTL_MINUTES)")
	_ = issueTokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(migrateCmd, rebuildRevenueCmd, reconcileStockCmd, recoverPostingsCmd, issueTokenCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set to migrate")
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	applied, err := a.pg.Migrate(ctx)
	if err != nil {
		return err
	}
	log := logger.WithComponent("migrate")
	log.Info().Strs("applied", applied).Msg("migrations done")

	seed, _ := cmd.Flags().GetBool("seed")
	if !seed {
		return nil
	}
	return seedDemo(ctx, a)
}

// seedDemo loads the demo shop. It can be run repeatedly: opening stock is
// only written for products whose level is still zero.
func seedDemo(ctx context.Context, a *app) error {
	log := logger.WithComponent("seed")
	now := time.Now().UTC()
	products, customers := memory.DemoCatalog(now)

	for _, p := range products {
		if err := a.pg.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		if err := a.pg.SetReorderLevel(ctx, p.ShopID, p.ID, memory.DemoReorderLevel); err != nil {
			return fmt.Errorf("seed reorder level %s: %w", p.ID, err)
		}
		level, err := a.inventory.StockLevel(ctx, p.ShopID, p.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("read stock %s: %w", p.ID, err)
		}
		if level.Quantity > 0 {
			continue
		}
		if _, err := a.inventory.ApplyMovement(ctx, inventory.MovementInput{
			ShopID:    p.ShopID,
			ProductID: p.ID,
			Delta:     memory.DemoOpeningStock,
			Reason:    domain.MovementRestock,
			Note:      "opening stock",
			CreatedBy: "seed",
		}); err != nil {
			return fmt.Errorf("seed stock %s: %w", p.ID, err)
		}
	}
	for _, c := range customers {
		if err := a.pg.UpsertCustomer(ctx, c); err != nil {
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	for _, u := range memory.SeedUsers(now) {
		if err := a.pg.CreateUser(ctx, u); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}
	log.Info().Int("products", len(products)).Int("customers", len(customers)).Msg("demo data seeded")
	return nil
}

func runRebuildRevenue(cmd *cobra.Command, args []string) error {
	shopID, _ := cmd.Flags().GetString("shop")
	date, _ := cmd.Flags().GetString("date")

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if date == "" {
		date = a.aggregator.DateOf(time.Now())
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}

	summary, err := a.aggregator.Rebuild(ctx, shopID, date)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

func runReconcileStock(cmd *cobra.Command, args []string) error {
	shopID, _ := cmd.Flags().GetString("shop")

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	discrepancies, err := a.inventory.Reconcile(ctx, shopID)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), map[string]any{"shop_id": shopID, "discrepancies": discrepancies}); err != nil {
		return err
	}
	if len(discrepancies) > 0 {
		return fmt.Errorf("%d product(s) out of balance", len(discrepancies))
	}
	return nil
}

func runRecoverPostings(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		olderThan = cfg.RecoverPendingAfter
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Rolled-forward sales are re-announced; the worker applies them before
	// the command exits.
	worker := revenue.NewWorker(a.aggregator, cfg.RevenueWorkerBuffer, cfg.RevenueMaxAttempts)
	worker.Start(ctx)
	engine := a.engine(worker)

	report, err := engine.RecoverPending(ctx, olderThan)
	worker.Close()
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d intent(s) could not be settled", len(report.Failed))
	}
	return nil
}

func runIssueToken(cmd *cobra.Command, args []string) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	shopID, _ := cmd.Flags().GetString("shop")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, ttl, cfg.ManagerPIN, nil)
	token, expiresAt, err := auth.IssueToken(strings.TrimSpace(user), role, strings.TrimSpace(shopID))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
