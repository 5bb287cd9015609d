// services/lockplane/cmd/redeliver.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"example.com/backstage/services/lockplane/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	redeliverSinceHours  int
	redeliverLimit       int
	redeliverDryRun      bool
	redeliverConcurrency int
	redeliverEvents      bool
)

var redeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Re-push undelivered lock command wake-ups to device agents",
	Long: `Finds lock events whose MQTT wake-up never reached the agent and pushes them again.
Agents converge on their next policy poll regardless; this shortens the window.
With --events, domain events spooled after a failed Service Bus publish are replayed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRedeliver(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(redeliverCmd)

	redeliverCmd.Flags().IntVar(&redeliverSinceHours, "since-hours", 24, "Only redeliver events created in the last N hours")
	redeliverCmd.Flags().IntVarP(&redeliverLimit, "limit", "l", 1000, "Maximum number of events to process")
	redeliverCmd.Flags().BoolVar(&redeliverDryRun, "dry-run", false, "Show what would be redelivered without pushing")
	redeliverCmd.Flags().IntVar(&redeliverConcurrency, "concurrency", 10, "Number of concurrent workers")
	redeliverCmd.Flags().BoolVar(&redeliverEvents, "events", false, "Replay spooled domain events to Service Bus")
}

func runRedeliver(ctx context.Context) error {
	if redeliverEvents {
		return replaySpool(ctx)
	}
	logger.Info("Starting lock event redelivery...")

	if redeliverSinceHours <= 0 {
		return fmt.Errorf("--since-hours must be positive")
	}
	if redeliverConcurrency <= 0 {
		redeliverConcurrency = 1
	}

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	pusher, err := infrastructure.NewAgentPusher(mqttConfig(), logger)
	if err != nil {
		return fmt.Errorf("invalid MQTT configuration: %w", err)
	}
	if !redeliverDryRun {
		if err := pusher.Start(); err != nil {
			return fmt.Errorf("MQTT connection failed: %w", err)
		}
		defer pusher.Stop()
	}

	serviceConfig, err := buildServiceConfig()
	if err != nil {
		return err
	}
	services := core.NewServiceRegistry(core.NewDataStore(db.DB), serviceConfig, core.Collaborators{Notifier: pusher}, logger)

	redeliverer := &LockEventRedeliverer{
		commands:    services.Commands,
		logger:      logger,
		dryRun:      redeliverDryRun,
		concurrency: redeliverConcurrency,
	}

	since := time.Now().UTC().Add(-time.Duration(redeliverSinceHours) * time.Hour)
	stats, err := redeliverer.Redeliver(ctx, since, redeliverLimit)
	if err != nil {
		return fmt.Errorf("redelivery failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"failed":          stats.Failed,
		"dry_run":         redeliverDryRun,
	}).Info("Redelivery completed")

	if stats.Failed > 0 {
		logger.Warnf("Failed to redeliver %d events", stats.Failed)
	}
	return nil
}

// RedeliveryStats contains statistics about one redelivery pass.
type RedeliveryStats struct {
	TotalProcessed int
	Successful     int
	Failed         int
}

// LockEventRedeliverer re-pushes undelivered lock events with bounded concurrency.
type LockEventRedeliverer struct {
	commands    *core.CommandChannel
	logger      *logrus.Logger
	dryRun      bool
	concurrency int
}

// Redeliver pushes every undelivered event created since the cutoff.
func (r *LockEventRedeliverer) Redeliver(ctx context.Context, since time.Time, limit int) (*RedeliveryStats, error) {
	stats := &RedeliveryStats{}

	events, err := r.commands.Undelivered(ctx, since, limit)
	if err != nil {
		return stats, fmt.Errorf("failed to get undelivered events: %w", err)
	}

	stats.TotalProcessed = len(events)
	r.logger.Infof("Found %d undelivered events", len(events))

	if r.dryRun {
		r.logger.Info("DRY RUN: No wake-ups will be sent")
		for i, event := range events {
			if i >= 10 {
				r.logger.Infof("... and %d more events", len(events)-10)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"event_id":   event.ID,
				"imei":       event.DeviceIMEI,
				"command":    event.Command,
				"attempts":   event.DeliveryAttempts,
				"created_at": event.CreatedAt,
			}).Info("Would redeliver event")
		}
		return stats, nil
	}

	semaphore := make(chan struct{}, r.concurrency)
	results := make(chan bool, len(events))

	for _, event := range events {
		semaphore <- struct{}{} // Acquire
		go func(event *core.LockEvent) {
			defer func() { <-semaphore }() // Release
			results <- r.commands.Redeliver(ctx, event)
		}(event)
	}

	for i := 0; i < len(events); i++ {
		if <-results {
			stats.Successful++
		} else {
			stats.Failed++
		}
	}

	return stats, nil
}

// replaySpool republishes domain events spooled by the serve command.
func replaySpool(ctx context.Context) error {
	if cfg.ServiceBus.ConnectionString == "" || cfg.ServiceBus.SpoolPath == "" {
		return fmt.Errorf("service_bus.connection_string and service_bus.spool_path are required")
	}

	spool, err := infrastructure.NewEventSpool(cfg.ServiceBus.SpoolPath)
	if err != nil {
		return err
	}
	defer spool.Close()

	pending, err := spool.Pending()
	if err != nil {
		return err
	}
	logger.Infof("Found %d spooled events", len(pending))
	if redeliverDryRun || len(pending) == 0 {
		return nil
	}

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("messaging connection failed: %w", err)
	}
	defer messaging.Close()

	replayed, remaining, err := spool.Replay(ctx, messaging)
	if err != nil {
		return fmt.Errorf("spool replay failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"replayed":  replayed,
		"remaining": remaining,
	}).Info("Spool replay completed")
	return nil
}
