// services/lockplane/internal/core/policy.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// unrestrictedPackages is the allow-list served to unlocked devices.
var unrestrictedPackages = []string{"*"}

// PolicyConfig is the static input to policy derivation.
type PolicyConfig struct {
	LockedSyncInterval   time.Duration
	UnlockedSyncInterval time.Duration
	LockMessage          string
	CallToActionLabel    string
	CallToActionURL      string
	LockedAllowList      []string
}

// Policy is the enforcement instruction set served to a device agent.
type Policy struct {
	IMEI                string      `json:"imei"`
	PolicyVersion       int64       `json:"policy_version"`
	LockState           LockState   `json:"lock_state"`
	IsLocked            bool        `json:"is_locked"`
	UI                  PolicyUI    `json:"ui"`
	SyncIntervalSeconds int64       `json:"sync_interval_seconds"`
	AllowedPackages     []string    `json:"allowed_packages"`
	OfflineLockDate     *time.Time  `json:"offline_lock_date"`
	Loan                *PolicyLoan `json:"loan,omitempty"`
	GeneratedAt         time.Time   `json:"generated_at"`
}

type PolicyUI struct {
	ShowOverlay       bool   `json:"show_overlay"`
	Message           string `json:"message,omitempty"`
	CallToActionLabel string `json:"call_to_action_label,omitempty"`
	CallToActionURL   string `json:"call_to_action_url,omitempty"`
}

type PolicyLoan struct {
	ID                string          `json:"id"`
	Status            LoanStatus      `json:"status"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	NextPaymentDue    *time.Time      `json:"next_payment_due"`
	DaysOverdue       int             `json:"days_overdue"`
}

// --- Lock Policy Engine Implementation ---

// PolicyEngine derives agent policy. It only reads; it never writes.
type PolicyEngine struct {
	store  DataStore
	config PolicyConfig
}

func NewPolicyEngine(store DataStore, config PolicyConfig) *PolicyEngine {
	if config.LockedSyncInterval <= 0 {
		config.LockedSyncInterval = 5 * time.Minute
	}
	if config.UnlockedSyncInterval <= 0 {
		config.UnlockedSyncInterval = 6 * time.Hour
	}
	return &PolicyEngine{store: store, config: config}
}

// DerivePolicy computes a fresh policy for the device on every call.
func (e *PolicyEngine) DerivePolicy(ctx context.Context, imei string) (*Policy, error) {
	device, err := e.store.GetDevice(ctx, imei)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}

	loan, err := e.store.GetEnforcingLoan(ctx, imei)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load loan: %w", err)
		}
		loan = nil
	}

	return BuildPolicy(device, loan, e.config, time.Now().UTC()), nil
}

// BuildPolicy is the pure derivation from device lock state and loan data.
func BuildPolicy(device *Device, loan *Loan, cfg PolicyConfig, now time.Time) *Policy {
	locked := device.LockState == LockStateLocked

	p := &Policy{
		IMEI:          device.IMEI,
		PolicyVersion: now.UnixMilli(),
		LockState:     device.LockState,
		IsLocked:      locked,
		GeneratedAt:   now,
	}

	if locked {
		p.UI = PolicyUI{
			ShowOverlay:       true,
			Message:           cfg.LockMessage,
			CallToActionLabel: cfg.CallToActionLabel,
			CallToActionURL:   cfg.CallToActionURL,
		}
		p.SyncIntervalSeconds = int64(cfg.LockedSyncInterval / time.Second)
		p.AllowedPackages = append([]string(nil), cfg.LockedAllowList...)
	} else {
		p.SyncIntervalSeconds = int64(cfg.UnlockedSyncInterval / time.Second)
		p.AllowedPackages = append([]string(nil), unrestrictedPackages...)
	}

	if loan != nil {
		p.OfflineLockDate = loan.NextPaymentDue
		p.Loan = &PolicyLoan{
			ID:                loan.ID,
			Status:            loan.Status,
			OutstandingAmount: loan.OutstandingAmount,
			NextPaymentDue:    loan.NextPaymentDue,
			DaysOverdue:       loan.DaysOverdue,
		}
	}
	return p
}
