// services/lockplane/internal/core/repository.go
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataStore defines the data access operations shared by every service.
// One DataStore is built per process over the shared connection pool.
type DataStore interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, imei string) (*Device, error)
	GetDeviceForUpdate(ctx context.Context, imei string) (*Device, error)
	UpdateDeviceLockState(ctx context.Context, imei string, state LockState, activatedAt *time.Time) error
	UpdateDeviceHeartbeat(ctx context.Context, imei string, at time.Time) (bool, error)

	// Loan operations
	CreateLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id string) (*Loan, error)
	GetLoanForUpdate(ctx context.Context, id string) (*Loan, error)
	UpdateLoan(ctx context.Context, loan *Loan) error
	GetEnforcingLoan(ctx context.Context, imei string) (*Loan, error)
	CountEnforcingLoans(ctx context.Context, imei, excludeLoanID string) (int64, error)

	// Wallet operations
	CreateWalletIfAbsent(ctx context.Context, wallet *Wallet) error
	GetWalletByMerchant(ctx context.Context, merchantID string) (*Wallet, error)
	GetWalletForUpdate(ctx context.Context, merchantID string) (*Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error
	UpdateWalletStatus(ctx context.Context, walletID string, status WalletStatus) error
	CreateWalletTransaction(ctx context.Context, txn *WalletTransaction) error
	GetWalletTransactionByReference(ctx context.Context, walletID, reference string) (*WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, walletID string, filter ListFilter) ([]*WalletTransaction, int64, error)
	ListTransactionsByReferencePrefix(ctx context.Context, txnType TransactionType, prefix string) ([]*WalletTransaction, error)

	// Pricing operations
	CreatePricingTier(ctx context.Context, tier *PricingTier) error
	ListPricingTiers(ctx context.Context) ([]*PricingTier, error)

	// Billing operations
	CreateBilling(ctx context.Context, billing *EnrollmentBilling) error
	UpdateBilling(ctx context.Context, billing *EnrollmentBilling) error
	GetBillingForUpdate(ctx context.Context, id string) (*EnrollmentBilling, error)
	GetDeviceBilling(ctx context.Context, imei string, status BillingStatus) (*EnrollmentBilling, error)
	CountPaidBillings(ctx context.Context, merchantID string, from, to time.Time) (int64, error)
	ListBillings(ctx context.Context, merchantID string, filter ListFilter) ([]*EnrollmentBilling, int64, error)
	ListBillingsByStatus(ctx context.Context, statuses ...BillingStatus) ([]*EnrollmentBilling, error)

	// Lock event operations
	CreateLockEvent(ctx context.Context, event *LockEvent) error
	ListLockEvents(ctx context.Context, imei string, filter ListFilter) ([]*LockEvent, int64, error)
	ListUndeliveredLockEvents(ctx context.Context, since time.Time, limit int) ([]*LockEvent, error)
	MarkLockEventDelivered(ctx context.Context, id string) error
	IncrementLockEventAttempts(ctx context.Context, id string) error

	// Partner operations
	CreatePartner(ctx context.Context, partner *LoanPartner) error
	UpdatePartner(ctx context.Context, partner *LoanPartner) error
	GetPartner(ctx context.Context, id string) (*LoanPartner, error)
	GetPartnerByAPIKey(ctx context.Context, apiKey string) (*LoanPartner, error)

	// Webhook idempotency
	WebhookProcessed(ctx context.Context, partnerID, eventID string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, record *ProcessedWebhook) error

	// Operator credential operations
	GetOperatorCredential(ctx context.Context, subject string) (*OperatorCredential, error)
	SaveOperatorCredential(ctx context.Context, cred *OperatorCredential) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error

	// Health check
	Ping(ctx context.Context) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore wraps a gorm handle. Services never open their own connections.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

// WithTransaction runs fn against a store bound to one database transaction.
func (s *dataStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &dataStore{db: tx})
	})
}

func (s *dataStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *dataStore) forUpdate(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func paginate(q *gorm.DB, filter ListFilter) *gorm.DB {
	return q.Offset(filter.Offset()).Limit(filter.PageSize)
}

func withCreatedRange(q *gorm.DB, column string, filter ListFilter) *gorm.DB {
	if filter.From != nil {
		q = q.Where(column+" >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where(column+" < ?", filter.To.UTC())
	}
	return q
}

// --- Devices ---

func (s *dataStore) CreateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *dataStore) GetDevice(ctx context.Context, imei string) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).Where("imei = ?", imei).First(&d).Error
	return &d, err
}

func (s *dataStore) GetDeviceForUpdate(ctx context.Context, imei string) (*Device, error) {
	var d Device
	err := s.forUpdate(ctx).Where("imei = ?", imei).First(&d).Error
	return &d, err
}

func (s *dataStore) UpdateDeviceLockState(ctx context.Context, imei string, state LockState, activatedAt *time.Time) error {
	updates := map[string]interface{}{"lock_state": string(state)}
	if activatedAt != nil {
		updates["activated_at"] = *activatedAt
	}
	return s.db.WithContext(ctx).Model(&Device{}).Where("imei = ?", imei).Updates(updates).Error
}

func (s *dataStore) UpdateDeviceHeartbeat(ctx context.Context, imei string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Device{}).Where("imei = ?", imei).Update("last_heartbeat", at)
	return res.RowsAffected > 0, res.Error
}

// --- Loans ---

func (s *dataStore) CreateLoan(ctx context.Context, l *Loan) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *dataStore) GetLoan(ctx context.Context, id string) (*Loan, error) {
	var l Loan
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error
	return &l, err
}

func (s *dataStore) GetLoanForUpdate(ctx context.Context, id string) (*Loan, error) {
	var l Loan
	err := s.forUpdate(ctx).Where("id = ?", id).First(&l).Error
	return &l, err
}

func (s *dataStore) UpdateLoan(ctx context.Context, l *Loan) error {
	return s.db.WithContext(ctx).Save(l).Error
}

func (s *dataStore) GetEnforcingLoan(ctx context.Context, imei string) (*Loan, error) {
	var l Loan
	err := s.db.WithContext(ctx).
		Where("device_imei = ? AND status IN ?", imei, enforcingLoanStatuses).
		Order("created_at DESC").
		First(&l).Error
	return &l, err
}

func (s *dataStore) CountEnforcingLoans(ctx context.Context, imei, excludeLoanID string) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&Loan{}).
		Where("device_imei = ? AND status IN ?", imei, enforcingLoanStatuses)
	if excludeLoanID != "" {
		q = q.Where("id <> ?", excludeLoanID)
	}
	return count, q.Count(&count).Error
}

// --- Wallets ---

func (s *dataStore) CreateWalletIfAbsent(ctx context.Context, w *Wallet) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "merchant_id"}}, DoNothing: true}).
		Create(w).Error
}

func (s *dataStore) GetWalletByMerchant(ctx context.Context, merchantID string) (*Wallet, error) {
	var w Wallet
	err := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID).First(&w).Error
	return &w, err
}

func (s *dataStore) GetWalletForUpdate(ctx context.Context, merchantID string) (*Wallet, error) {
	var w Wallet
	err := s.forUpdate(ctx).Where("merchant_id = ?", merchantID).First(&w).Error
	return &w, err
}

func (s *dataStore) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&Wallet{}).Where("id = ?", walletID).Update("balance", balance).Error
}

func (s *dataStore) UpdateWalletStatus(ctx context.Context, walletID string, status WalletStatus) error {
	return s.db.WithContext(ctx).Model(&Wallet{}).Where("id = ?", walletID).Update("status", string(status)).Error
}

func (s *dataStore) CreateWalletTransaction(ctx context.Context, t *WalletTransaction) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *dataStore) GetWalletTransactionByReference(ctx context.Context, walletID, reference string) (*WalletTransaction, error) {
	var t WalletTransaction
	err := s.db.WithContext(ctx).Where("wallet_id = ? AND reference = ?", walletID, reference).First(&t).Error
	return &t, err
}

func (s *dataStore) ListWalletTransactions(ctx context.Context, walletID string, filter ListFilter) ([]*WalletTransaction, int64, error) {
	var (
		txns  []*WalletTransaction
		total int64
	)
	q := s.db.WithContext(ctx).Model(&WalletTransaction{}).Where("wallet_id = ?", walletID)
	q = withCreatedRange(q, "created_at", filter)
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := paginate(q.Order("created_at DESC"), filter).Find(&txns).Error
	return txns, total, err
}

func (s *dataStore) ListTransactionsByReferencePrefix(ctx context.Context, txnType TransactionType, prefix string) ([]*WalletTransaction, error) {
	var txns []*WalletTransaction
	err := s.db.WithContext(ctx).
		Where("type = ? AND reference LIKE ?", string(txnType), prefix+"%").
		Order("created_at ASC").
		Find(&txns).Error
	return txns, err
}

// --- Pricing ---

func (s *dataStore) CreatePricingTier(ctx context.Context, t *PricingTier) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *dataStore) ListPricingTiers(ctx context.Context) ([]*PricingTier, error) {
	var tiers []*PricingTier
	return tiers, s.db.WithContext(ctx).Order("min_volume ASC").Find(&tiers).Error
}

// --- Billing ---

func (s *dataStore) CreateBilling(ctx context.Context, b *EnrollmentBilling) error {
	return s.db.WithContext(ctx).Create(b).Error
}

func (s *dataStore) UpdateBilling(ctx context.Context, b *EnrollmentBilling) error {
	return s.db.WithContext(ctx).Save(b).Error
}

func (s *dataStore) GetBillingForUpdate(ctx context.Context, id string) (*EnrollmentBilling, error) {
	var b EnrollmentBilling
	err := s.forUpdate(ctx).Where("id = ?", id).First(&b).Error
	return &b, err
}

func (s *dataStore) GetDeviceBilling(ctx context.Context, imei string, status BillingStatus) (*EnrollmentBilling, error) {
	var b EnrollmentBilling
	err := s.db.WithContext(ctx).
		Where("device_imei = ? AND status = ?", imei, string(status)).
		Order("created_at DESC").
		First(&b).Error
	return &b, err
}

func (s *dataStore) CountPaidBillings(ctx context.Context, merchantID string, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EnrollmentBilling{}).
		Where("merchant_id = ? AND status = ? AND paid_at >= ? AND paid_at < ?",
			merchantID, string(BillingStatusPaid), from.UTC(), to.UTC()).
		Count(&count).Error
	return count, err
}

func (s *dataStore) ListBillings(ctx context.Context, merchantID string, filter ListFilter) ([]*EnrollmentBilling, int64, error) {
	var (
		billings []*EnrollmentBilling
		total    int64
	)
	q := s.db.WithContext(ctx).Model(&EnrollmentBilling{})
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	q = withCreatedRange(q, "created_at", filter)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := paginate(q.Order("created_at DESC"), filter).Find(&billings).Error
	return billings, total, err
}

func (s *dataStore) ListBillingsByStatus(ctx context.Context, statuses ...BillingStatus) ([]*EnrollmentBilling, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	var billings []*EnrollmentBilling
	err := s.db.WithContext(ctx).Where("status IN ?", values).Order("created_at ASC").Find(&billings).Error
	return billings, err
}

// --- Lock events ---

func (s *dataStore) CreateLockEvent(ctx context.Context, e *LockEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *dataStore) ListLockEvents(ctx context.Context, imei string, filter ListFilter) ([]*LockEvent, int64, error) {
	var (
		events []*LockEvent
		total  int64
	)
	q := s.db.WithContext(ctx).Model(&LockEvent{}).Where("device_imei = ?", imei)
	q = withCreatedRange(q, "created_at", filter)
	if filter.Type != "" {
		q = q.Where("command = ?", filter.Type)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := paginate(q.Order("created_at DESC"), filter).Find(&events).Error
	return events, total, err
}

func (s *dataStore) ListUndeliveredLockEvents(ctx context.Context, since time.Time, limit int) ([]*LockEvent, error) {
	var events []*LockEvent
	q := s.db.WithContext(ctx).
		Where("delivered = ? AND created_at >= ?", false, since.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return events, q.Find(&events).Error
}

func (s *dataStore) MarkLockEventDelivered(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&LockEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"delivered":         true,
			"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
		}).Error
}

func (s *dataStore) IncrementLockEventAttempts(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&LockEvent{}).Where("id = ?", id).
		Update("delivery_attempts", gorm.Expr("delivery_attempts + 1")).Error
}

// --- Partners ---

func (s *dataStore) CreatePartner(ctx context.Context, p *LoanPartner) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *dataStore) UpdatePartner(ctx context.Context, p *LoanPartner) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *dataStore) GetPartner(ctx context.Context, id string) (*LoanPartner, error) {
	var p LoanPartner
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	return &p, err
}

func (s *dataStore) GetPartnerByAPIKey(ctx context.Context, apiKey string) (*LoanPartner, error) {
	var p LoanPartner
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&p).Error
	return &p, err
}

// --- Operators ---

func (s *dataStore) WebhookProcessed(ctx context.Context, partnerID, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ProcessedWebhook{}).
		Where("partner_id = ? AND event_id = ?", partnerID, eventID).
		Count(&count).Error
	return count > 0, err
}

func (s *dataStore) MarkWebhookProcessed(ctx context.Context, record *ProcessedWebhook) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *dataStore) GetOperatorCredential(ctx context.Context, subject string) (*OperatorCredential, error) {
	var c OperatorCredential
	err := s.db.WithContext(ctx).Where("subject = ?", subject).First(&c).Error
	return &c, err
}

func (s *dataStore) SaveOperatorCredential(ctx context.Context, c *OperatorCredential) error {
	return s.db.WithContext(ctx).Save(c).Error
}
