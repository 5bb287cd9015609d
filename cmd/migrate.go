// services/lockplane/cmd/migrate.go
package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/lockplane/internal/core"
	"example.com/backstage/services/lockplane/internal/infrastructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations, seeds default pricing tiers and bootstraps the operator credential.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(ctx context.Context) error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")
	for _, model := range core.AllModels() {
		if err := db.Migrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	serviceConfig, err := buildServiceConfig()
	if err != nil {
		return err
	}
	services := core.NewServiceRegistry(core.NewDataStore(db.DB), serviceConfig, core.Collaborators{}, logger)

	if err := insertDefaultTiers(ctx, services.Biller); err != nil {
		logger.WithError(err).Warn("Failed to insert default pricing tiers")
	}

	if cfg.Auth.BootstrapAdmin != "" && cfg.Auth.BootstrapSecret != "" {
		if err := services.Auth.SetOperatorPassword(ctx, cfg.Auth.BootstrapAdmin, cfg.Auth.BootstrapSecret); err != nil {
			return fmt.Errorf("failed to bootstrap operator credential: %w", err)
		}
		logger.WithField("subject", cfg.Auth.BootstrapAdmin).Info("Operator credential bootstrapped")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultTiers(ctx context.Context, biller *core.EnrollmentBiller) error {
	tiers, err := biller.ListPricingTiers(ctx)
	if err != nil {
		return err
	}
	if len(tiers) > 0 {
		return nil
	}

	logger.Info("Inserting default pricing tiers...")
	defaults := []*core.PricingTier{
		{Name: "starter", MinVolume: 0, MaxVolume: intPtr(49), PricePerDevice: decimal.NewFromInt(1500)},
		{Name: "growth", MinVolume: 50, MaxVolume: intPtr(199), PricePerDevice: decimal.NewFromInt(1200)},
		{Name: "scale", MinVolume: 200, PricePerDevice: decimal.NewFromInt(900)},
	}
	for _, tier := range defaults {
		if err := biller.CreatePricingTier(ctx, tier); err != nil {
			logger.WithError(err).WithField("tier", tier.Name).Warn("Failed to create pricing tier")
			continue
		}
		logger.WithField("tier", tier.Name).Info("Created pricing tier")
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
