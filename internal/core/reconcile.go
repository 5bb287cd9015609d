// services/lockplane/internal/core/reconcile.go
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	enrollReferencePrefix = "ENROLL-"
	refundReferencePrefix = "REFUND-"
)

// Discrepancy kinds.
const (
	DiscrepancyUnmatchedDebit  = "UNMATCHED_ENROLLMENT_DEBIT"
	DiscrepancyUnmatchedRefund = "UNMATCHED_REFUND_CREDIT"
	DiscrepancyMissingDebit    = "PAID_BILLING_WITHOUT_DEBIT"
	DiscrepancyMissingRefund   = "REVERSED_BILLING_WITHOUT_REFUND"
	DiscrepancyAmountMismatch  = "AMOUNT_MISMATCH"
)

// Discrepancy is one ledger row or billing record without its counterpart.
type Discrepancy struct {
	Kind          string `json:"kind"`
	TransactionID string `json:"transaction_id,omitempty"`
	BillingID     string `json:"billing_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Detail        string `json:"detail"`
}

// ReconciliationReport summarizes one pass.
type ReconciliationReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	EnrollmentDebits int           `json:"enrollment_debits"`
	RefundCredits    int           `json:"refund_credits"`
	BillingsChecked  int           `json:"billings_checked"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
}

// Clean reports whether the pass found nothing to investigate.
func (r *ReconciliationReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// --- Reconciler Implementation ---

// Reconciler compares enrollment ledger movements against billing records.
type Reconciler struct {
	store  DataStore
	logger *logrus.Logger
}

func NewReconciler(store DataStore, logger *logrus.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Run performs one read-only pass.
func (r *Reconciler) Run(ctx context.Context) (*ReconciliationReport, error) {
	report := &ReconciliationReport{StartedAt: time.Now().UTC(), Discrepancies: []Discrepancy{}}

	debits, err := r.store.ListTransactionsByReferencePrefix(ctx, TransactionTypeDebit, enrollReferencePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollment debits: %w", err)
	}
	credits, err := r.store.ListTransactionsByReferencePrefix(ctx, TransactionTypeCredit, refundReferencePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list refund credits: %w", err)
	}
	billings, err := r.store.ListBillingsByStatus(ctx, BillingStatusPaid, BillingStatusReversed)
	if err != nil {
		return nil, fmt.Errorf("failed to list billings: %w", err)
	}

	report.EnrollmentDebits = len(debits)
	report.RefundCredits = len(credits)
	report.BillingsChecked = len(billings)

	byTransaction := make(map[string]*EnrollmentBilling, len(billings))
	byID := make(map[string]*EnrollmentBilling, len(billings))
	for _, b := range billings {
		byID[b.ID] = b
		if b.TransactionID != nil {
			byTransaction[*b.TransactionID] = b
		}
	}

	matchedDebits := make(map[string]bool, len(debits))
	for _, txn := range debits {
		b, ok := byTransaction[txn.ID]
		if !ok {
			report.add(Discrepancy{
				Kind:          DiscrepancyUnmatchedDebit,
				TransactionID: txn.ID,
				Reference:     deref(txn.Reference),
				Detail:        fmt.Sprintf("debit of %s has no PAID or REVERSED billing", txn.Amount.StringFixed(2)),
			})
			continue
		}
		matchedDebits[b.ID] = true
		if !b.Amount.Equal(txn.Amount) {
			report.add(Discrepancy{
				Kind:          DiscrepancyAmountMismatch,
				TransactionID: txn.ID,
				BillingID:     b.ID,
				Reference:     deref(txn.Reference),
				Detail:        fmt.Sprintf("debit %s differs from billing %s", txn.Amount.StringFixed(2), b.Amount.StringFixed(2)),
			})
		}
	}

	matchedRefunds := make(map[string]bool, len(credits))
	for _, txn := range credits {
		billingID := strings.TrimPrefix(deref(txn.Reference), refundReferencePrefix)
		b, ok := byID[billingID]
		if !ok || b.Status != BillingStatusReversed {
			report.add(Discrepancy{
				Kind:          DiscrepancyUnmatchedRefund,
				TransactionID: txn.ID,
				BillingID:     billingID,
				Reference:     deref(txn.Reference),
				Detail:        fmt.Sprintf("refund credit of %s has no REVERSED billing", txn.Amount.StringFixed(2)),
			})
			continue
		}
		matchedRefunds[b.ID] = true
	}

	for _, b := range billings {
		if !matchedDebits[b.ID] {
			report.add(Discrepancy{
				Kind:      DiscrepancyMissingDebit,
				BillingID: b.ID,
				Detail:    fmt.Sprintf("%s billing for device %s has no enrollment debit", b.Status, b.DeviceIMEI),
			})
		}
		if b.Status == BillingStatusReversed && !matchedRefunds[b.ID] {
			report.add(Discrepancy{
				Kind:      DiscrepancyMissingRefund,
				BillingID: b.ID,
				Detail:    fmt.Sprintf("reversed billing for device %s has no refund credit", b.DeviceIMEI),
			})
		}
	}

	report.Duration = time.Since(report.StartedAt)
	entry := r.logger.WithFields(logrus.Fields{
		"enrollment_debits": report.EnrollmentDebits,
		"refund_credits":    report.RefundCredits,
		"billings":          report.BillingsChecked,
		"discrepancies":     len(report.Discrepancies),
	})
	if report.Clean() {
		entry.Info("Reconciliation clean")
	} else {
		entry.Warn("Reconciliation found discrepancies")
	}
	return report, nil
}

func (r *ReconciliationReport) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
