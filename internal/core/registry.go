// services/lockplane/internal/core/registry.go
package core

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ServiceConfig carries the settings the domain services need.
type ServiceConfig struct {
	Currency           string
	DefaultFee         decimal.Decimal
	Policy             PolicyConfig
	PushTimeout        time.Duration
	SignatureTolerance time.Duration
	DedupeTTL          time.Duration
	JWTSecret          string
	Issuer             string
	ElevatedTokenTTL   time.Duration
}

// Collaborators are the optional outbound dependencies. Nil fields fall back to no-ops.
type Collaborators struct {
	Notifier  AgentNotifier
	Publisher EventPublisher
	Dedupe    Deduplicator
	Metrics   MetricsRecorder
}

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Store      DataStore
	Ledger     *Ledger
	Devices    *DeviceRegistry
	Commands   *CommandChannel
	Biller     *EnrollmentBiller
	Policy     *PolicyEngine
	Loans      *LoanService
	Partners   *PartnerService
	Webhooks   *WebhookAdapter
	Reconciler *Reconciler
	Auth       *AuthService
}

// NewServiceRegistry wires every service over one shared DataStore.
func NewServiceRegistry(store DataStore, cfg ServiceConfig, deps Collaborators, logger *logrus.Logger) *ServiceRegistry {
	ledger := NewLedger(store, cfg.Currency, logger)
	devices := NewDeviceRegistry(store, logger)
	commands := NewCommandChannel(store, devices, deps.Notifier, deps.Publisher, deps.Metrics, cfg.PushTimeout, logger)
	biller := NewEnrollmentBiller(store, ledger, devices, commands, deps.Publisher, deps.Metrics, cfg.DefaultFee, logger)
	loans := NewLoanService(store, devices, biller, deps.Publisher, logger)
	partners := NewPartnerService(store, logger)

	return &ServiceRegistry{
		Store:      store,
		Ledger:     ledger,
		Devices:    devices,
		Commands:   commands,
		Biller:     biller,
		Policy:     NewPolicyEngine(store, cfg.Policy),
		Loans:      loans,
		Partners:   partners,
		Webhooks:   NewWebhookAdapter(store, partners, loans, commands, deps.Dedupe, deps.Metrics, cfg.SignatureTolerance, cfg.DedupeTTL, logger),
		Reconciler: NewReconciler(store, logger),
		Auth:       NewAuthService(store, cfg.JWTSecret, cfg.Issuer, cfg.ElevatedTokenTTL, logger),
	}
}
