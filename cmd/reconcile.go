// services/lockplane/cmd/reconcile.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"example.com/backstage/services/lockplane/internal/core"
	"example.com/backstage/services/lockplane/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare enrollment billing records with wallet ledger entries",
	Long: `Matches ENROLL- debits and REFUND- credits against enrollment billing records
and prints a JSON report. Exits non-zero when discrepancies are found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(ctx context.Context) error {
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	reconciler := core.NewReconciler(core.NewDataStore(db.DB), logger)
	report, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"enrollment_debits": report.EnrollmentDebits,
		"refund_credits":    report.RefundCredits,
		"billings_checked":  report.BillingsChecked,
		"discrepancies":     len(report.Discrepancies),
	}).Info("Reconciliation completed")

	if !report.Clean() {
		return fmt.Errorf("found %d discrepancies", len(report.Discrepancies))
	}
	return nil
}
