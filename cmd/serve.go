// services/lockplane/cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/lockplane/internal/api"
	"example.com/backstage/services/lockplane/internal/core"
	"example.com/backstage/services/lockplane/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the lockplane API server",
	Long:  `Launches the HTTP server for device enrollment, lock commands, agent policy sync and partner webhooks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing lockplane service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	dataStore := core.NewDataStore(db.DB)
	checks := map[string]api.Pinger{"database": dataStore}
	deps := core.Collaborators{}
	routeOpts := api.RouteOptions{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute}

	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, webhook dedupe uses the database only and rate limiting is per instance")
		} else {
			defer cache.Close()
			deps.Dedupe = cache
			routeOpts.RateCounter = cache
			checks["redis"] = cache
		}
	}

	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			deps.Publisher = messaging

			if cfg.ServiceBus.SpoolPath != "" {
				spool, err := infrastructure.NewEventSpool(cfg.ServiceBus.SpoolPath)
				if err != nil {
					logger.WithError(err).Warn("Event spool unavailable, failed publishes will be dropped")
				} else {
					defer spool.Close()
					deps.Publisher = infrastructure.NewSpoolingPublisher(messaging, spool, logger)
				}
			}
		}
	}

	var pusher *infrastructure.AgentPusher
	if cfg.MQTT.BrokerURL != "" {
		logger.Info("Connecting to MQTT broker...")
		pusher, err = infrastructure.NewAgentPusher(mqttConfig(), logger)
		if err != nil {
			return fmt.Errorf("invalid MQTT configuration: %w", err)
		}
		deps.Notifier = pusher
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infrastructure.NewMetrics(registry)
	deps.Metrics = metrics
	routeOpts.Observer = metrics
	routeOpts.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// --- Service Layer Setup ---
	serviceConfig, err := buildServiceConfig()
	if err != nil {
		return err
	}
	services := core.NewServiceRegistry(dataStore, serviceConfig, deps, logger)

	if pusher != nil {
		pusher.OnHeartbeat(func(ctx context.Context, imei string, at time.Time) error {
			_, err := services.Devices.RecordHeartbeat(ctx, imei, at)
			return err
		})
		if err := pusher.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unreachable, agents will rely on policy polling")
		}
		defer pusher.Stop()
	}

	// --- API Layer Setup ---
	if gin.Mode() == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	handlers := api.NewAPIHandlers(services, checks)
	api.SetupRoutes(router, handlers, services, routeOpts, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("lockplane API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	// Let in-flight wake pushes finish their delivery bookkeeping.
	services.Commands.Wait()

	logger.Info("lockplane service shutdown complete")
	return nil
}

func buildServiceConfig() (core.ServiceConfig, error) {
	fee, err := decimal.NewFromString(cfg.Billing.DefaultFee)
	if err != nil {
		return core.ServiceConfig{}, fmt.Errorf("invalid billing.default_fee %q: %w", cfg.Billing.DefaultFee, err)
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty, principal tokens cannot be verified")
	}

	return core.ServiceConfig{
		Currency:   cfg.Billing.Currency,
		DefaultFee: fee,
		Policy: core.PolicyConfig{
			LockedSyncInterval:   cfg.Policy.LockedSyncInterval,
			UnlockedSyncInterval: cfg.Policy.UnlockedSyncInterval,
			LockMessage:          cfg.Policy.LockMessage,
			CallToActionLabel:    cfg.Policy.CallToActionLabel,
			CallToActionURL:      cfg.Policy.CallToActionURL,
			LockedAllowList:      cfg.Policy.LockedAllowList,
		},
		PushTimeout:        cfg.Push.Timeout,
		SignatureTolerance: cfg.Webhook.SignatureTolerance,
		DedupeTTL:          cfg.Webhook.DedupeTTL,
		JWTSecret:          cfg.Auth.JWTSecret,
		Issuer:             cfg.Auth.Issuer,
		ElevatedTokenTTL:   cfg.Auth.ElevatedTokenTTL,
	}, nil
}

func mqttConfig() infrastructure.MQTTConfig {
	return infrastructure.MQTTConfig{
		BrokerURL:         cfg.MQTT.BrokerURL,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		QoS:               cfg.MQTT.QoS,
		CleanSession:      cfg.MQTT.CleanSession,
		WakeTopic:         cfg.MQTT.WakeTopic,
		HeartbeatTopic:    cfg.MQTT.HeartbeatTopic,
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		MaxReconnectDelay: cfg.MQTT.MaxReconnectDelay,
		ConnectRetryDelay: cfg.MQTT.ConnectRetryDelay,
	}
}
