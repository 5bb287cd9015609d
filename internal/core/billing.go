// services/lockplane/internal/core/billing.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultTierName = "DEFAULT"

// Enrollment outcomes reported to metrics.
const (
	EnrollmentOutcomePaid    = "paid"
	EnrollmentOutcomePending = "pending"
	EnrollmentOutcomeFailed  = "failed"
)

// EnrollmentResult is the outcome of one enrollment attempt. An underfunded
// wallet is a normal result with Success false, not an error.
type EnrollmentResult struct {
	Success        bool               `json:"success"`
	Billing        *EnrollmentBilling `json:"billing"`
	Device         *Device            `json:"device"`
	RequiredAmount decimal.Decimal    `json:"required_amount"`
	CurrentBalance decimal.Decimal    `json:"current_balance"`
	Shortfall      decimal.Decimal    `json:"shortfall"`
	Message        string             `json:"message"`
}

// EnrollmentQuote prices a merchant's next enrollment without charging it.
type EnrollmentQuote struct {
	MerchantID        string          `json:"merchant_id"`
	Amount            decimal.Decimal `json:"amount"`
	TierName          string          `json:"tier_name"`
	SufficientBalance bool            `json:"sufficient_balance"`
}

// --- Enrollment Biller Implementation ---

type EnrollmentBiller struct {
	store      DataStore
	ledger     *Ledger
	registry   *DeviceRegistry
	commands   *CommandChannel
	publisher  EventPublisher
	metrics    MetricsRecorder
	defaultFee decimal.Decimal
	logger     *logrus.Logger
}

func NewEnrollmentBiller(store DataStore, ledger *Ledger, registry *DeviceRegistry, commands *CommandChannel, publisher EventPublisher, metrics MetricsRecorder, defaultFee decimal.Decimal, logger *logrus.Logger) *EnrollmentBiller {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if !defaultFee.IsPositive() {
		defaultFee = decimal.NewFromInt(1500)
	}
	return &EnrollmentBiller{
		store:      store,
		ledger:     ledger,
		registry:   registry,
		commands:   commands,
		publisher:  publisher,
		metrics:    metrics,
		defaultFee: defaultFee,
		logger:     logger,
	}
}

// Quote reports the next enrollment fee and whether the wallet covers it.
// The answer can go stale before the actual charge, which re-checks under lock.
func (b *EnrollmentBiller) Quote(ctx context.Context, merchantID string) (*EnrollmentQuote, error) {
	fee, tier, err := b.CalculateFee(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	ok, err := b.ledger.HasSufficientBalance(ctx, merchantID, fee)
	if err != nil {
		return nil, fmt.Errorf("failed to check balance: %w", err)
	}
	return &EnrollmentQuote{
		MerchantID:        merchantID,
		Amount:            fee,
		TierName:          tier,
		SufficientBalance: ok,
	}, nil
}

// CalculateFee prices the merchant's next enrollment from this month's PAID volume.
func (b *EnrollmentBiller) CalculateFee(ctx context.Context, merchantID string) (decimal.Decimal, string, error) {
	fee, tier, _, err := b.calculateFee(ctx, b.store, merchantID, time.Now().UTC())
	return fee, tier, err
}

func (b *EnrollmentBiller) calculateFee(ctx context.Context, store DataStore, merchantID string, now time.Time) (decimal.Decimal, string, int, error) {
	from, to := monthBounds(now)
	volume, err := store.CountPaidBillings(ctx, merchantID, from, to)
	if err != nil {
		return decimal.Zero, "", 0, fmt.Errorf("failed to count enrollments: %w", err)
	}

	tiers, err := store.ListPricingTiers(ctx)
	if err != nil {
		return decimal.Zero, "", 0, fmt.Errorf("failed to load pricing tiers: %w", err)
	}

	fee, name := selectTier(tiers, int(volume), b.defaultFee)
	return fee, name, int(volume), nil
}

// selectTier picks the containing tier with the highest MinVolume, else the
// cheapest tier, else the default fee.
func selectTier(tiers []*PricingTier, volume int, defaultFee decimal.Decimal) (decimal.Decimal, string) {
	if len(tiers) == 0 {
		return defaultFee, defaultTierName
	}

	var match, cheapest *PricingTier
	for _, t := range tiers {
		if t.Contains(volume) && (match == nil || t.MinVolume > match.MinVolume) {
			match = t
		}
		if cheapest == nil || t.PricePerDevice.LessThan(cheapest.PricePerDevice) {
			cheapest = t
		}
	}
	if match == nil {
		match = cheapest
	}
	return match.PricePerDevice, match.Name
}

// monthBounds returns the UTC calendar month containing now as [from, to).
func monthBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Enroll registers a device and immediately attempts to bill its enrollment.
func (b *EnrollmentBiller) Enroll(ctx context.Context, merchantID, imei, model string) (*EnrollmentResult, error) {
	if _, err := b.registry.Register(ctx, merchantID, imei, model); err != nil {
		return nil, err
	}
	return b.ProcessEnrollment(ctx, merchantID, strings.TrimSpace(imei))
}

// ProcessEnrollment charges the enrollment fee and activates the device. The
// device row lock, fee computation, debit, billing record and activation share
// one transaction, so a debit can never exist without its PAID record.
func (b *EnrollmentBiller) ProcessEnrollment(ctx context.Context, merchantID, imei string) (*EnrollmentResult, error) {
	var (
		result *EnrollmentResult
		event  *LockEvent
	)
	err := b.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		device, err := tx.GetDeviceForUpdate(ctx, imei)
		if err != nil {
			return notFound(err, ErrDeviceNotFound)
		}
		if device.MerchantID != merchantID {
			return ErrDeviceForbidden
		}
		if device.LockState != LockStatePendingSetup {
			return ErrAlreadyEnrolled
		}

		now := time.Now().UTC()
		fee, tierName, volume, err := b.calculateFee(ctx, tx, merchantID, now)
		if err != nil {
			return err
		}

		if _, err := b.ledger.getOrCreateWallet(ctx, tx, merchantID); err != nil {
			return err
		}
		wallet, err := tx.GetWalletForUpdate(ctx, merchantID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		billing, err := tx.GetDeviceBilling(ctx, imei, BillingStatusPending)
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !isNew {
			return fmt.Errorf("failed to load billing: %w", err)
		}
		if isNew {
			billing = &EnrollmentBilling{
				MerchantID: merchantID,
				DeviceIMEI: imei,
				Status:     BillingStatusPending,
				CreatedAt:  now,
			}
		}
		billing.Amount = fee
		billing.TierName = tierName
		billing.MonthlyVolume = volume
		billing.Attempts++

		if wallet.Balance.LessThan(fee) {
			if err := b.saveBilling(ctx, tx, billing, isNew); err != nil {
				return err
			}
			shortfall := fee.Sub(wallet.Balance)
			result = &EnrollmentResult{
				Success:        false,
				Billing:        billing,
				Device:         device,
				RequiredAmount: fee,
				CurrentBalance: wallet.Balance,
				Shortfall:      shortfall,
				Message: fmt.Sprintf("Insufficient wallet balance: enrollment requires %s %s, current balance is %s %s. Top up at least %s %s to activate this device.",
					fee.StringFixed(2), wallet.Currency, wallet.Balance.StringFixed(2), wallet.Currency, shortfall.StringFixed(2), wallet.Currency),
			}
			return nil
		}

		txn, err := b.ledger.post(ctx, tx, merchantID, TransactionTypeDebit, fee,
			"ENROLL-"+imei, fmt.Sprintf("Enrollment fee for device %s (%s tier)", imei, tierName))
		if err != nil {
			return err
		}

		billing.Status = BillingStatusPaid
		billing.PaidAt = &now
		billing.TransactionID = &txn.ID
		if err := b.saveBilling(ctx, tx, billing, isNew); err != nil {
			return err
		}

		if err := b.registry.activate(ctx, tx, device, now); err != nil {
			return err
		}
		event, err = b.commands.appendEvent(ctx, tx, imei, Command{
			Type:      CommandUnlock,
			Reason:    "enrollment completed",
			ActorType: ActorSystem,
			ActorID:   billing.ID,
			Metadata:  map[string]interface{}{"billing_id": billing.ID, "tier": tierName},
		}, LockStatePendingSetup, LockStateUnlocked)
		if err != nil {
			return err
		}

		result = &EnrollmentResult{
			Success:        true,
			Billing:        billing,
			Device:         device,
			RequiredAmount: fee,
			CurrentBalance: txn.BalanceAfter,
			Shortfall:      decimal.Zero,
			Message:        "Enrollment fee charged; device activated",
		}
		return nil
	})
	if err != nil {
		b.metrics.RecordEnrollment(EnrollmentOutcomeFailed)
		return nil, err
	}

	fields := logrus.Fields{
		"imei":        imei,
		"merchant_id": merchantID,
		"billing_id":  result.Billing.ID,
		"amount":      result.RequiredAmount.StringFixed(2),
		"tier":        result.Billing.TierName,
	}
	if result.Success {
		b.metrics.RecordEnrollment(EnrollmentOutcomePaid)
		b.logger.WithFields(fields).Info("Enrollment paid")
		b.commands.dispatch(event)
		b.publish(ctx, TopicBillingPaid, result.Billing)
	} else {
		b.metrics.RecordEnrollment(EnrollmentOutcomePending)
		b.logger.WithFields(fields).WithField("shortfall", result.Shortfall.StringFixed(2)).Info("Enrollment pending top-up")
		b.publish(ctx, TopicBillingPending, result.Billing)
	}
	return result, nil
}

func (b *EnrollmentBiller) saveBilling(ctx context.Context, tx DataStore, billing *EnrollmentBilling, isNew bool) error {
	var err error
	if isNew {
		err = tx.CreateBilling(ctx, billing)
	} else {
		err = tx.UpdateBilling(ctx, billing)
	}
	if err != nil {
		return fmt.Errorf("failed to save billing: %w", err)
	}
	return nil
}

// Refund credits back a PAID enrollment fee and marks the billing REVERSED.
func (b *EnrollmentBiller) Refund(ctx context.Context, billingID, reason string) (*EnrollmentBilling, error) {
	var billing *EnrollmentBilling
	err := b.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		billing, err = tx.GetBillingForUpdate(ctx, billingID)
		if err != nil {
			return notFound(err, ErrBillingNotFound)
		}
		if billing.Status != BillingStatusPaid {
			return ErrBillingNotPaid
		}

		if _, err := b.ledger.post(ctx, tx, billing.MerchantID, TransactionTypeCredit, billing.Amount,
			"REFUND-"+billing.ID, fmt.Sprintf("Enrollment refund for device %s: %s", billing.DeviceIMEI, reason)); err != nil {
			return err
		}

		now := time.Now().UTC()
		billing.Status = BillingStatusReversed
		billing.ReversedAt = &now
		billing.ReversalReason = reason
		return tx.UpdateBilling(ctx, billing)
	})
	if err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"billing_id":  billing.ID,
		"merchant_id": billing.MerchantID,
		"imei":        billing.DeviceIMEI,
		"amount":      billing.Amount.StringFixed(2),
	}).Info("Enrollment refunded")
	b.publish(ctx, TopicBillingReversed, billing)
	return billing, nil
}

// ListEnrollments returns billing history. An empty merchantID lists all merchants.
func (b *EnrollmentBiller) ListEnrollments(ctx context.Context, merchantID string, filter ListFilter) (*Page[*EnrollmentBilling], error) {
	filter = filter.Normalize()
	billings, total, err := b.store.ListBillings(ctx, merchantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return &Page[*EnrollmentBilling]{Items: billings, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (b *EnrollmentBiller) CreatePricingTier(ctx context.Context, tier *PricingTier) error {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" || tier.MinVolume < 0 || !tier.PricePerDevice.IsPositive() {
		return ErrInvalidTier
	}
	if tier.MaxVolume != nil && *tier.MaxVolume < tier.MinVolume {
		return ErrInvalidTier.WithMessage("max volume must not be below min volume")
	}
	if err := validateAmount(tier.PricePerDevice); err != nil {
		return ErrInvalidTier.WithMessage("price must have at most two decimal places")
	}

	if err := b.store.CreatePricingTier(ctx, tier); err != nil {
		if isDuplicateKey(err) {
			return ErrTierNameConflict
		}
		return fmt.Errorf("failed to create pricing tier: %w", err)
	}
	return nil
}

func (b *EnrollmentBiller) ListPricingTiers(ctx context.Context) ([]*PricingTier, error) {
	return b.store.ListPricingTiers(ctx)
}

func (b *EnrollmentBiller) publish(ctx context.Context, topic string, billing *EnrollmentBilling) {
	if err := b.publisher.Publish(ctx, topic, billing); err != nil {
		b.logger.WithError(err).WithField("billing_id", billing.ID).Warn("Failed to publish billing event")
	}
}
