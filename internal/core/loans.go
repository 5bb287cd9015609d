// services/lockplane/internal/core/loans.go
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

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanStatusPending:   {LoanStatusActive},
	LoanStatusActive:    {LoanStatusOverdue, LoanStatusDefaulted, LoanStatusCompleted},
	LoanStatusOverdue:   {LoanStatusActive, LoanStatusDefaulted, LoanStatusCompleted},
	LoanStatusDefaulted: {LoanStatusActive, LoanStatusCompleted},
}

// CanTransition reports whether a loan may move from one status to another.
func CanTransition(from, to LoanStatus) bool {
	for _, s := range loanTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateLoanRequest is the upstream loan creation call.
type CreateLoanRequest struct {
	MerchantID     string          `json:"merchant_id"`
	DeviceIMEI     string          `json:"device_imei" binding:"required"`
	DeviceModel    string          `json:"device_model"`
	ExternalRef    string          `json:"external_ref"`
	Principal      decimal.Decimal `json:"principal"`
	DownPayment    decimal.Decimal `json:"down_payment"`
	TenureMonths   int             `json:"tenure_months" binding:"required"`
	NextPaymentDue *time.Time      `json:"next_payment_due"`
}

// --- Loan Service Implementation ---

type LoanService struct {
	store     DataStore
	registry  *DeviceRegistry
	biller    *EnrollmentBiller
	publisher EventPublisher
	logger    *logrus.Logger
}

func NewLoanService(store DataStore, registry *DeviceRegistry, biller *EnrollmentBiller, publisher EventPublisher, logger *logrus.Logger) *LoanService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &LoanService{
		store:     store,
		registry:  registry,
		biller:    biller,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateLoan records an internal PENDING loan. An unknown IMEI is registered
// PENDING_SETUP for the loan's merchant and enrollment is attempted.
func (s *LoanService) CreateLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error) {
	return s.createLoan(ctx, req, nil)
}

// FundLoan creates a partner-funded loan after checking the partner's terms.
func (s *LoanService) FundLoan(ctx context.Context, partner *LoanPartner, req CreateLoanRequest) (*Loan, error) {
	if err := checkPartnerTerms(partner, req); err != nil {
		return nil, err
	}
	req.MerchantID = partner.MerchantID
	partnerID := partner.ID
	return s.createLoan(ctx, req, &partnerID)
}

func checkPartnerTerms(partner *LoanPartner, req CreateLoanRequest) error {
	if partner.MaxTenureMonths > 0 && req.TenureMonths > partner.MaxTenureMonths {
		return ErrLoanTermsRejected.WithMessage("tenure of %d months exceeds partner maximum of %d", req.TenureMonths, partner.MaxTenureMonths)
	}

	price := req.Principal.Add(req.DownPayment)
	if !price.IsPositive() {
		return ErrLoanTermsRejected.WithMessage("device price must be positive")
	}
	percent := req.DownPayment.Div(price).Mul(decimal.NewFromInt(100))
	if percent.LessThan(partner.MinDownPaymentPercent) {
		return ErrLoanTermsRejected.WithMessage("down payment of %s%% is below partner minimum of %s%%",
			percent.StringFixed(2), partner.MinDownPaymentPercent.StringFixed(2))
	}
	return nil
}

func (s *LoanService) createLoan(ctx context.Context, req CreateLoanRequest, partnerID *string) (*Loan, error) {
	req.DeviceIMEI = strings.TrimSpace(req.DeviceIMEI)
	if req.MerchantID == "" {
		return nil, ErrLoanTermsRejected.WithMessage("merchant id is required")
	}
	if err := validateAmount(req.Principal); err != nil {
		return nil, ErrLoanTermsRejected.WithMessage("principal must be positive with at most two decimal places")
	}
	if req.DownPayment.IsNegative() {
		return nil, ErrLoanTermsRejected.WithMessage("down payment must not be negative")
	}
	if req.TenureMonths <= 0 {
		return nil, ErrLoanTermsRejected.WithMessage("tenure must be at least one month")
	}

	var (
		loan    *Loan
		pending bool
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		device, err := tx.GetDevice(ctx, req.DeviceIMEI)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			device, err = s.registry.register(ctx, tx, req.MerchantID, req.DeviceIMEI, req.DeviceModel)
			if err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("failed to load device: %w", err)
		case device.MerchantID != req.MerchantID:
			return ErrDeviceForbidden
		}
		pending = device.LockState == LockStatePendingSetup

		loan = &Loan{
			MerchantID:        req.MerchantID,
			DeviceIMEI:        device.IMEI,
			LoanPartnerID:     partnerID,
			ExternalRef:       req.ExternalRef,
			Status:            LoanStatusPending,
			Principal:         req.Principal,
			DownPayment:       req.DownPayment,
			OutstandingAmount: req.Principal,
			TenureMonths:      req.TenureMonths,
			NextPaymentDue:    utcPtr(req.NextPaymentDue),
			CreatedAt:         time.Now().UTC(),
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to create loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"loan_id":     loan.ID,
		"imei":        loan.DeviceIMEI,
		"merchant_id": loan.MerchantID,
	}
	if partnerID != nil {
		fields["partner_id"] = *partnerID
	}
	s.logger.WithFields(fields).Info("Loan created")

	if pending && s.biller != nil {
		if result, err := s.biller.ProcessEnrollment(ctx, loan.MerchantID, loan.DeviceIMEI); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("Enrollment attempt after loan creation failed")
		} else if !result.Success {
			s.logger.WithFields(fields).Info("Device awaiting enrollment top-up")
		}
	}
	return loan, nil
}

func (s *LoanService) Get(ctx context.Context, id string) (*Loan, error) {
	loan, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	return loan, nil
}

// ActivateLoan moves a PENDING loan to ACTIVE. An empty merchantID skips the ownership check.
func (s *LoanService) ActivateLoan(ctx context.Context, merchantID, loanID string) (*Loan, error) {
	var loan *Loan
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		loan, err = tx.GetLoanForUpdate(ctx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if merchantID != "" && loan.MerchantID != merchantID {
			return ErrLoanForbidden.WithMessage("loan is not owned by this merchant")
		}
		if loan.Status != LoanStatusPending {
			return ErrLoanInvalidTransition.WithMessage("only pending loans can be activated")
		}
		if err := s.transition(ctx, tx, loan, LoanStatusActive); err != nil {
			return err
		}
		return tx.UpdateLoan(ctx, loan)
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, loan, LoanStatusPending)
	return loan, nil
}

// transition validates and applies a status change to loan without saving it.
// Moving into an enforcing status fails if another loan already enforces the device.
func (s *LoanService) transition(ctx context.Context, tx DataStore, loan *Loan, to LoanStatus) error {
	from := loan.Status
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return ErrLoanInvalidTransition.WithMessage("cannot move loan from %s to %s", from, to)
	}

	if to.IsEnforcing() && !from.IsEnforcing() {
		count, err := tx.CountEnforcingLoans(ctx, loan.DeviceIMEI, loan.ID)
		if err != nil {
			return fmt.Errorf("failed to check enforcing loans: %w", err)
		}
		if count > 0 {
			return ErrLoanConflict
		}
	}

	now := time.Now().UTC()
	loan.Status = to
	switch to {
	case LoanStatusActive:
		if loan.ActivatedAt == nil {
			loan.ActivatedAt = &now
		}
		loan.DaysOverdue = 0
	case LoanStatusCompleted:
		loan.CompletedAt = &now
		loan.OutstandingAmount = decimal.Zero
		loan.DaysOverdue = 0
	}
	return nil
}

func (s *LoanService) publishStatus(ctx context.Context, loan *Loan, from LoanStatus) {
	if loan.Status == from {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"loan_id": loan.ID,
		"imei":    loan.DeviceIMEI,
		"from":    from,
		"to":      loan.Status,
	}).Info("Loan status changed")

	msg := map[string]interface{}{
		"loan_id":     loan.ID,
		"device_imei": loan.DeviceIMEI,
		"from":        from,
		"to":          loan.Status,
	}
	if err := s.publisher.Publish(ctx, TopicLoanStatusChanged, msg); err != nil {
		s.logger.WithError(err).WithField("loan_id", loan.ID).Warn("Failed to publish loan event")
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
