// services/lockplane/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrorKind classifies business errors for propagation to the transport layer.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindConflict            ErrorKind = "CONFLICT"
	KindForbidden           ErrorKind = "FORBIDDEN"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindInvalidState        ErrorKind = "INVALID_STATE"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindValidation          ErrorKind = "VALIDATION"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Kind    ErrorKind `json:"-"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so that re-worded errors still compare equal to their sentinel.
func (e BusinessError) Is(target error) bool {
	t, ok := target.(BusinessError)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a more specific message.
func (e BusinessError) WithMessage(format string, args ...interface{}) BusinessError {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound      = BusinessError{KindNotFound, "DEVICE_001", "device not found"}
	ErrDeviceAlreadyExists = BusinessError{KindConflict, "DEVICE_002", "device already registered"}
	ErrDeviceNotPending    = BusinessError{KindInvalidState, "DEVICE_003", "device is not pending setup"}
	ErrDeviceNotEnrolled   = BusinessError{KindInvalidState, "DEVICE_004", "device has not completed enrollment"}
	ErrInvalidIMEI         = BusinessError{KindValidation, "DEVICE_005", "invalid IMEI"}
	ErrDeviceForbidden     = BusinessError{KindForbidden, "DEVICE_006", "device belongs to another merchant"}

	// Loan errors.
	ErrLoanNotFound          = BusinessError{KindNotFound, "LOAN_001", "loan not found"}
	ErrLoanForbidden         = BusinessError{KindForbidden, "LOAN_002", "loan is not owned by this partner"}
	ErrLoanConflict          = BusinessError{KindConflict, "LOAN_003", "device already has an active loan"}
	ErrLoanInvalidTransition = BusinessError{KindInvalidState, "LOAN_004", "invalid loan status transition"}
	ErrLoanTermsRejected     = BusinessError{KindValidation, "LOAN_005", "loan terms rejected"}

	// Wallet errors.
	ErrWalletNotFound      = BusinessError{KindNotFound, "WALLET_001", "wallet not found"}
	ErrWalletSuspended     = BusinessError{KindInvalidState, "WALLET_002", "wallet is suspended"}
	ErrInvalidAmount       = BusinessError{KindValidation, "WALLET_003", "amount must be positive with at most two decimal places"}
	ErrInsufficientBalance = BusinessError{KindInsufficientBalance, "WALLET_004", "insufficient wallet balance"}
	ErrReferenceConflict   = BusinessError{KindConflict, "WALLET_005", "transaction reference already used"}
	ErrInvalidWalletStatus = BusinessError{KindValidation, "WALLET_006", "invalid wallet status"}

	// Billing errors.
	ErrBillingNotFound  = BusinessError{KindNotFound, "BILLING_001", "enrollment billing not found"}
	ErrBillingNotPaid   = BusinessError{KindInvalidState, "BILLING_002", "only paid enrollments can be refunded"}
	ErrAlreadyEnrolled  = BusinessError{KindInvalidState, "BILLING_003", "device enrollment already paid"}
	ErrInvalidTier      = BusinessError{KindValidation, "BILLING_004", "invalid pricing tier"}
	ErrTierNameConflict = BusinessError{KindConflict, "BILLING_005", "pricing tier name already exists"}

	// Partner and webhook errors.
	ErrPartnerNotFound     = BusinessError{KindNotFound, "PARTNER_001", "loan partner not found"}
	ErrPartnerUnauthorized = BusinessError{KindUnauthorized, "PARTNER_002", "invalid partner credentials"}
	ErrPartnerInactive     = BusinessError{KindUnauthorized, "PARTNER_003", "loan partner is inactive"}
	ErrSignatureMismatch   = BusinessError{KindUnauthorized, "WEBHOOK_001", "webhook signature mismatch"}
	ErrSignatureExpired    = BusinessError{KindUnauthorized, "WEBHOOK_002", "webhook timestamp outside tolerance"}
	ErrUnknownEvent        = BusinessError{KindValidation, "WEBHOOK_003", "unknown webhook event"}
	ErrInvalidPayload      = BusinessError{KindValidation, "WEBHOOK_004", "invalid webhook payload"}

	// Command errors.
	ErrInvalidCommand = BusinessError{KindValidation, "COMMAND_001", "invalid lock command"}

	// Auth errors.
	ErrUnauthorized       = BusinessError{KindUnauthorized, "AUTH_001", "invalid or expired token"}
	ErrInsufficientRole   = BusinessError{KindForbidden, "AUTH_002", "insufficient permissions"}
	ErrElevationRequired  = BusinessError{KindForbidden, "AUTH_003", "elevated privilege required"}
	ErrInvalidCredentials = BusinessError{KindUnauthorized, "AUTH_004", "invalid credentials"}
)

// InsufficientBalanceError carries the amounts behind a refused debit.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s (required %s, available %s)",
		ErrInsufficientBalance.Code, ErrInsufficientBalance.Message, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return ErrInsufficientBalance.Is(target)
}

// KindOf extracts the business error kind of err, or "" for system failures.
func KindOf(err error) ErrorKind {
	var insufficient *InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return KindInsufficientBalance
	}
	var be BusinessError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// notFound translates a gorm miss into the given domain error.
func notFound(err error, domainErr BusinessError) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainErr
	}
	return err
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Drivers without error translation.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
