// services/lockplane/internal/core/models.go
package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type LockState string

const (
	LockStatePendingSetup LockState = "PENDING_SETUP"
	LockStateUnlocked     LockState = "UNLOCKED"
	LockStateLocked       LockState = "LOCKED"
)

// Device is a financed handset, keyed by IMEI. LockState is the only field
// policy derivation reads to decide enforcement.
type Device struct {
	IMEI          string     `json:"imei" gorm:"primaryKey;type:varchar(32)"`
	Model         string     `json:"model"`
	MerchantID    string     `json:"merchant_id" gorm:"type:varchar(36);index;not null"`
	LockState     LockState  `json:"lock_state" gorm:"type:varchar(20);index;not null"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`
	ActivatedAt   *time.Time `json:"activated_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "PENDING"
	LoanStatusActive    LoanStatus = "ACTIVE"
	LoanStatusOverdue   LoanStatus = "OVERDUE"
	LoanStatusDefaulted LoanStatus = "DEFAULTED"
	LoanStatusCompleted LoanStatus = "COMPLETED"
)

// enforcingLoanStatuses are the statuses in which a loan drives device policy.
var enforcingLoanStatuses = []string{
	string(LoanStatusActive),
	string(LoanStatusOverdue),
	string(LoanStatusDefaulted),
}

// IsEnforcing reports whether a loan in this status drives device policy.
func (s LoanStatus) IsEnforcing() bool {
	return s == LoanStatusActive || s == LoanStatusOverdue || s == LoanStatusDefaulted
}

// Loan finances a device. Internal loans have no LoanPartnerID.
type Loan struct {
	ID                string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MerchantID        string          `json:"merchant_id" gorm:"type:varchar(36);index;not null"`
	DeviceIMEI        string          `json:"device_imei" gorm:"type:varchar(32);index;not null"`
	LoanPartnerID     *string         `json:"loan_partner_id" gorm:"type:varchar(36);index"`
	ExternalRef       string          `json:"external_ref"`
	Status            LoanStatus      `json:"status" gorm:"type:varchar(20);index;not null"`
	Principal         decimal.Decimal `json:"principal" gorm:"type:numeric(18,2);not null"`
	DownPayment       decimal.Decimal `json:"down_payment" gorm:"type:numeric(18,2);not null;default:0"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount" gorm:"type:numeric(18,2);not null"`
	TenureMonths      int             `json:"tenure_months"`
	NextPaymentDue    *time.Time      `json:"next_payment_due"`
	DaysOverdue       int             `json:"days_overdue"`
	ActivatedAt       *time.Time      `json:"activated_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CreatedAt         time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive    WalletStatus = "ACTIVE"
	WalletStatusSuspended WalletStatus = "SUSPENDED"
)

// Wallet is a merchant's spendable balance. Balance only moves through
// WalletTransaction creation in the Ledger.
type Wallet struct {
	ID         string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MerchantID string          `json:"merchant_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	Balance    decimal.Decimal `json:"balance" gorm:"type:numeric(18,2);not null;default:0"`
	Currency   string          `json:"currency" gorm:"type:varchar(3);not null"`
	Status     WalletStatus    `json:"status" gorm:"type:varchar(20);not null"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "CREDIT"
	TransactionTypeDebit  TransactionType = "DEBIT"
)

// WalletTransaction is an immutable ledger entry.
type WalletTransaction struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	WalletID      string          `json:"wallet_id" gorm:"type:varchar(36);not null;index;uniqueIndex:idx_wallet_tx_reference"`
	Type          TransactionType `json:"type" gorm:"type:varchar(10);not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"type:numeric(18,2);not null"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:numeric(18,2);not null"`
	Reference     *string         `json:"reference,omitempty" gorm:"type:varchar(128);uniqueIndex:idx_wallet_tx_reference"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
}

// PricingTier prices enrollments by monthly volume. A nil MaxVolume is open-ended.
type PricingTier struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name           string          `json:"name" gorm:"uniqueIndex;not null"`
	MinVolume      int             `json:"min_volume" gorm:"not null"`
	MaxVolume      *int            `json:"max_volume"`
	PricePerDevice decimal.Decimal `json:"price_per_device" gorm:"type:numeric(18,2);not null"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Contains reports whether volume falls inside the tier's range.
func (t *PricingTier) Contains(volume int) bool {
	if volume < t.MinVolume {
		return false
	}
	return t.MaxVolume == nil || volume <= *t.MaxVolume
}

type BillingStatus string

const (
	BillingStatusPending  BillingStatus = "PENDING"
	BillingStatusPaid     BillingStatus = "PAID"
	BillingStatusReversed BillingStatus = "REVERSED"
)

// EnrollmentBilling records the fee charged to enroll one device.
type EnrollmentBilling struct {
	ID             string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MerchantID     string          `json:"merchant_id" gorm:"type:varchar(36);index;not null"`
	DeviceIMEI     string          `json:"device_imei" gorm:"type:varchar(32);index;not null"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	TierName       string          `json:"tier_name"`
	MonthlyVolume  int             `json:"monthly_volume"`
	Status         BillingStatus   `json:"status" gorm:"type:varchar(20);index;not null"`
	Attempts       int             `json:"attempts"`
	TransactionID  *string         `json:"transaction_id,omitempty" gorm:"type:varchar(36);index"`
	PaidAt         *time.Time      `json:"paid_at" gorm:"index"`
	ReversedAt     *time.Time      `json:"reversed_at"`
	ReversalReason string          `json:"reversal_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CommandType string

const (
	CommandLock     CommandType = "LOCK"
	CommandUnlock   CommandType = "UNLOCK"
	CommandSoftLock CommandType = "SOFT_LOCK"
)

// TargetState maps a command to the lock state it produces.
func (c CommandType) TargetState() (LockState, error) {
	switch c {
	case CommandUnlock:
		return LockStateUnlocked, nil
	case CommandLock, CommandSoftLock:
		return LockStateLocked, nil
	default:
		return "", ErrInvalidCommand
	}
}

type ActorType string

const (
	ActorMerchant ActorType = "MERCHANT"
	ActorPartner  ActorType = "PARTNER"
	ActorSystem   ActorType = "SYSTEM"
	ActorAdmin    ActorType = "ADMIN"
)

// LockEvent is the append-only audit record of a lock command.
type LockEvent struct {
	ID               string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DeviceIMEI       string          `json:"device_imei" gorm:"type:varchar(32);index;not null"`
	Command          CommandType     `json:"command" gorm:"type:varchar(20);not null"`
	Reason           string          `json:"reason"`
	ActorType        ActorType       `json:"actor_type" gorm:"type:varchar(20);not null"`
	ActorID          string          `json:"actor_id"`
	PreviousState    LockState       `json:"previous_state" gorm:"type:varchar(20)"`
	NewState         LockState       `json:"new_state" gorm:"type:varchar(20);not null"`
	Metadata         json.RawMessage `json:"metadata,omitempty" gorm:"type:jsonb"`
	Delivered        bool            `json:"delivered" gorm:"default:false;index"`
	DeliveryAttempts int             `json:"delivery_attempts" gorm:"default:0"`
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
}

// StateChanged reports whether the command moved the device to a new state.
func (e *LockEvent) StateChanged() bool {
	return e.PreviousState != e.NewState
}

type PartnerStatus string

const (
	PartnerStatusActive   PartnerStatus = "ACTIVE"
	PartnerStatusInactive PartnerStatus = "INACTIVE"
)

// LoanPartner is an external funder. Secrets never leave the service after
// generation; the API secret is stored only as a bcrypt hash.
type LoanPartner struct {
	ID                    string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MerchantID            string          `json:"merchant_id" gorm:"type:varchar(36);index;not null"`
	Name                  string          `json:"name"`
	APIKey                string          `json:"api_key" gorm:"uniqueIndex;not null"`
	APISecretHash         string          `json:"-" gorm:"not null"`
	WebhookSecret         string          `json:"-" gorm:"not null"`
	WebhookURL            string          `json:"webhook_url"`
	Status                PartnerStatus   `json:"status" gorm:"type:varchar(20);not null"`
	MinDownPaymentPercent decimal.Decimal `json:"min_down_payment_percent" gorm:"type:numeric(5,2);not null;default:0"`
	MaxTenureMonths       int             `json:"max_tenure_months"`
	SecretRotatedAt       *time.Time      `json:"secret_rotated_at"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// OperatorCredential stores the re-authentication password of an admin principal.
type OperatorCredential struct {
	Subject      string    `json:"subject" gorm:"primaryKey;type:varchar(128)"`
	PasswordHash string    `json:"-" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProcessedWebhook records a partner event id once its effects commit.
type ProcessedWebhook struct {
	PartnerID   string       `json:"partner_id" gorm:"primaryKey;type:varchar(36)"`
	EventID     string       `json:"event_id" gorm:"primaryKey;type:varchar(128)"`
	Event       WebhookEvent `json:"event" gorm:"type:varchar(32);not null"`
	LoanID      string       `json:"loan_id" gorm:"type:varchar(36);index;not null"`
	ProcessedAt time.Time    `json:"processed_at" gorm:"index"`
}

// TableName overrides for GORM
func (Device) TableName() string             { return "devices" }
func (Loan) TableName() string               { return "loans" }
func (Wallet) TableName() string             { return "wallets" }
func (WalletTransaction) TableName() string  { return "wallet_transactions" }
func (PricingTier) TableName() string        { return "pricing_tiers" }
func (EnrollmentBilling) TableName() string  { return "enrollment_billings" }
func (LockEvent) TableName() string          { return "lock_events" }
func (LoanPartner) TableName() string        { return "loan_partners" }
func (OperatorCredential) TableName() string { return "operator_credentials" }
func (ProcessedWebhook) TableName() string   { return "processed_webhooks" }

func (l *Loan) BeforeCreate(*gorm.DB) error              { l.ID = ensureID(l.ID); return nil }
func (w *Wallet) BeforeCreate(*gorm.DB) error            { w.ID = ensureID(w.ID); return nil }
func (t *WalletTransaction) BeforeCreate(*gorm.DB) error { t.ID = ensureID(t.ID); return nil }
func (t *PricingTier) BeforeCreate(*gorm.DB) error       { t.ID = ensureID(t.ID); return nil }
func (b *EnrollmentBilling) BeforeCreate(*gorm.DB) error { b.ID = ensureID(b.ID); return nil }
func (e *LockEvent) BeforeCreate(*gorm.DB) error         { e.ID = ensureID(e.ID); return nil }
func (p *LoanPartner) BeforeCreate(*gorm.DB) error       { p.ID = ensureID(p.ID); return nil }

func ensureID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// AllModels lists every persisted model in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Device{},
		&Loan{},
		&Wallet{},
		&WalletTransaction{},
		&PricingTier{},
		&EnrollmentBilling{},
		&LockEvent{},
		&LoanPartner{},
		&OperatorCredential{},
		&ProcessedWebhook{},
	}
}

// ListFilter narrows paginated history reads.
type ListFilter struct {
	From     *time.Time
	To       *time.Time
	Status   string
	Type     string
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps paging values to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Page is one slice of a paginated result.
type Page[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}
