// services/lockplane/internal/core/webhooks.go
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/backstage/services/lockplane/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type WebhookEvent string

const (
	EventPaymentReceived WebhookEvent = "PAYMENT_RECEIVED"
	EventPaymentMissed   WebhookEvent = "PAYMENT_MISSED"
	EventLoanDefaulted   WebhookEvent = "LOAN_DEFAULTED"
	EventLoanSettled     WebhookEvent = "LOAN_SETTLED"
)

// errWebhookProcessed aborts the apply transaction for an already applied event.
var errWebhookProcessed = errors.New("webhook already processed")

// ActionLockDevice is the PAYMENT_MISSED signal that requests an immediate lock.
const ActionLockDevice = "LOCK_DEVICE"

// Webhook outcomes reported to metrics.
const (
	WebhookOutcomeApplied   = "applied"
	WebhookOutcomeDuplicate = "duplicate"
	WebhookOutcomeRejected  = "rejected"
)

// WebhookRequest carries a raw partner delivery and its authentication headers.
type WebhookRequest struct {
	PartnerID string
	APIKey    string
	APISecret string
	Timestamp string
	Signature string
	Body      []byte
}

// WebhookEnvelope is the outer shape shared by every event kind.
type WebhookEnvelope struct {
	EventID    string          `json:"event_id"`
	Event      WebhookEvent    `json:"event"`
	LoanID     string          `json:"loan_id"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type PaymentReceivedData struct {
	AmountPaid        *decimal.Decimal `json:"amount_paid"`
	OutstandingAmount *decimal.Decimal `json:"outstanding_amount"`
	NextPaymentDue    *time.Time       `json:"next_payment_due"`
}

type PaymentMissedData struct {
	DaysOverdue    int        `json:"days_overdue"`
	ActionRequired string     `json:"action_required"`
	NextPaymentDue *time.Time `json:"next_payment_due"`
}

type LoanDefaultedData struct {
	DaysOverdue int    `json:"days_overdue"`
	Reason      string `json:"reason"`
}

type LoanSettledData struct {
	SettledAt *time.Time `json:"settled_at"`
}

// ParsedWebhook is a validated envelope with exactly one typed payload set.
type ParsedWebhook struct {
	WebhookEnvelope
	PaymentReceived *PaymentReceivedData
	PaymentMissed   *PaymentMissedData
	LoanDefaulted   *LoanDefaultedData
	LoanSettled     *LoanSettledData
}

// WebhookResult is acknowledged back to the partner.
type WebhookResult struct {
	EventID    string       `json:"event_id"`
	Event      WebhookEvent `json:"event"`
	LoanID     string       `json:"loan_id"`
	Duplicate  bool         `json:"duplicate"`
	LoanStatus LoanStatus   `json:"loan_status,omitempty"`
	Command    CommandType  `json:"command,omitempty"`
	LockState  LockState    `json:"lock_state,omitempty"`
}

// ParseWebhook strictly decodes body. Unknown fields and unknown event kinds are rejected.
func ParseWebhook(body []byte) (*ParsedWebhook, error) {
	var env WebhookEnvelope
	if err := decodeStrict(body, &env); err != nil {
		return nil, ErrInvalidPayload.WithMessage("malformed envelope: %v", err)
	}
	if env.EventID == "" || env.LoanID == "" || env.Event == "" {
		return nil, ErrInvalidPayload.WithMessage("event_id, event and loan_id are required")
	}

	parsed := &ParsedWebhook{WebhookEnvelope: env}
	var target interface{}
	switch env.Event {
	case EventPaymentReceived:
		parsed.PaymentReceived = &PaymentReceivedData{}
		target = parsed.PaymentReceived
	case EventPaymentMissed:
		parsed.PaymentMissed = &PaymentMissedData{}
		target = parsed.PaymentMissed
	case EventLoanDefaulted:
		parsed.LoanDefaulted = &LoanDefaultedData{}
		target = parsed.LoanDefaulted
	case EventLoanSettled:
		parsed.LoanSettled = &LoanSettledData{}
		target = parsed.LoanSettled
	default:
		return nil, ErrUnknownEvent.WithMessage("unknown webhook event %q", env.Event)
	}

	if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		if err := decodeStrict(env.Data, target); err != nil {
			return nil, ErrInvalidPayload.WithMessage("malformed %s data: %v", env.Event, err)
		}
	}

	if d := parsed.PaymentReceived; d != nil {
		if d.AmountPaid != nil && !d.AmountPaid.IsPositive() {
			return nil, ErrInvalidPayload.WithMessage("amount_paid must be positive")
		}
		if d.OutstandingAmount != nil && d.OutstandingAmount.IsNegative() {
			return nil, ErrInvalidPayload.WithMessage("outstanding_amount must not be negative")
		}
	}
	if d := parsed.PaymentMissed; d != nil && d.DaysOverdue < 0 {
		return nil, ErrInvalidPayload.WithMessage("days_overdue must not be negative")
	}
	return parsed, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// --- Webhook Adapter Implementation ---

// WebhookAdapter translates partner loan events into loan transitions and lock commands.
type WebhookAdapter struct {
	store     DataStore
	partners  *PartnerService
	loans     *LoanService
	commands  *CommandChannel
	dedupe    Deduplicator
	metrics   MetricsRecorder
	tolerance time.Duration
	dedupeTTL time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

func NewWebhookAdapter(store DataStore, partners *PartnerService, loans *LoanService, commands *CommandChannel, dedupe Deduplicator, metrics MetricsRecorder, tolerance, dedupeTTL time.Duration, logger *logrus.Logger) *WebhookAdapter {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &WebhookAdapter{
		store:     store,
		partners:  partners,
		loans:     loans,
		commands:  commands,
		dedupe:    dedupe,
		metrics:   metrics,
		tolerance: tolerance,
		dedupeTTL: dedupeTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle authenticates, verifies and applies one partner delivery.
func (a *WebhookAdapter) Handle(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	result, event, err := a.handle(ctx, req)
	if err != nil {
		a.metrics.RecordWebhook(string(eventName(req.Body)), WebhookOutcomeRejected)
		return nil, err
	}
	if result.Duplicate {
		a.metrics.RecordWebhook(string(result.Event), WebhookOutcomeDuplicate)
		return result, nil
	}

	a.metrics.RecordWebhook(string(result.Event), WebhookOutcomeApplied)
	a.commands.dispatch(event)
	return result, nil
}

func (a *WebhookAdapter) handle(ctx context.Context, req WebhookRequest) (*WebhookResult, *LockEvent, error) {
	partner, err := a.partners.Authenticate(ctx, req.PartnerID, req.APIKey, req.APISecret)
	if err != nil {
		return nil, nil, err
	}

	fields := logrus.Fields{"partner_id": partner.ID}
	if !utils.WithinTolerance(req.Timestamp, a.now(), a.tolerance) {
		a.logger.WithFields(fields).Warn("Webhook timestamp outside tolerance")
		return nil, nil, ErrSignatureExpired
	}
	if !utils.VerifyWebhookSignature(partner.WebhookSecret, req.Timestamp, req.Body, req.Signature) {
		a.logger.WithFields(fields).Warn("Webhook signature mismatch")
		return nil, nil, ErrSignatureMismatch
	}

	parsed, err := ParseWebhook(req.Body)
	if err != nil {
		return nil, nil, err
	}
	fields["event_id"] = parsed.EventID
	fields["event"] = parsed.Event
	fields["loan_id"] = parsed.LoanID

	loan, err := a.store.GetLoan(ctx, parsed.LoanID)
	if err != nil {
		return nil, nil, notFound(err, ErrLoanNotFound)
	}
	if loan.LoanPartnerID == nil || *loan.LoanPartnerID != partner.ID {
		a.logger.WithFields(fields).Warn("Partner attempted to act on a loan it does not own")
		return nil, nil, ErrLoanForbidden
	}

	duplicate := &WebhookResult{
		EventID:   parsed.EventID,
		Event:     parsed.Event,
		LoanID:    parsed.LoanID,
		Duplicate: true,
	}

	// Redis short-cuts retries; processed_webhooks is authoritative.
	claimKey := fmt.Sprintf("webhook:%s:%s", partner.ID, parsed.EventID)
	claimed := false
	if a.dedupe != nil {
		ok, err := a.dedupe.Claim(ctx, claimKey, a.dedupeTTL)
		switch {
		case err != nil:
			a.logger.WithError(err).WithFields(fields).Warn("Webhook dedupe cache unavailable; relying on the database")
		case !ok:
			a.logger.WithFields(fields).Info("Duplicate webhook delivery acknowledged")
			return duplicate, nil, nil
		default:
			claimed = true
		}
	}

	result, event, from, loan, err := a.apply(ctx, partner, parsed)
	if errors.Is(err, errWebhookProcessed) {
		a.logger.WithFields(fields).Info("Duplicate webhook delivery acknowledged")
		return duplicate, nil, nil
	}
	if err != nil {
		if claimed {
			if relErr := a.dedupe.Release(context.Background(), claimKey); relErr != nil {
				a.logger.WithError(relErr).WithFields(fields).Warn("Failed to release webhook claim")
			}
		}
		return nil, nil, err
	}

	a.logger.WithFields(fields).WithFields(logrus.Fields{
		"loan_status": loan.Status,
		"command":     result.Command,
	}).Info("Webhook applied")
	a.loans.publishStatus(ctx, loan, from)
	return result, event, nil
}

// apply performs the loan transition and lock command in one transaction.
func (a *WebhookAdapter) apply(ctx context.Context, partner *LoanPartner, wh *ParsedWebhook) (*WebhookResult, *LockEvent, LoanStatus, *Loan, error) {
	var (
		event *LockEvent
		loan  *Loan
		from  LoanStatus
		cmd   *Command
	)
	err := a.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		loan, err = tx.GetLoanForUpdate(ctx, wh.LoanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		from = loan.Status

		// The loan row lock serializes concurrent deliveries of one event.
		seen, err := tx.WebhookProcessed(ctx, partner.ID, wh.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed webhooks: %w", err)
		}
		if seen {
			return errWebhookProcessed
		}
		err = tx.MarkWebhookProcessed(ctx, &ProcessedWebhook{
			PartnerID:   partner.ID,
			EventID:     wh.EventID,
			Event:       wh.Event,
			LoanID:      loan.ID,
			ProcessedAt: a.now().UTC(),
		})
		if isDuplicateKey(err) {
			return errWebhookProcessed
		}
		if err != nil {
			return fmt.Errorf("failed to record webhook: %w", err)
		}

		cmd, err = a.applyLoanEvent(ctx, tx, loan, wh)
		if err != nil {
			return err
		}
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}

		if cmd == nil {
			return nil
		}
		device, err := tx.GetDevice(ctx, loan.DeviceIMEI)
		if err != nil {
			return notFound(err, ErrDeviceNotFound)
		}
		if device.LockState == LockStatePendingSetup {
			// Enrollment gates the device; its policy is unaffected until then.
			cmd = nil
			return nil
		}

		cmd.IMEI = loan.DeviceIMEI
		cmd.ActorType = ActorPartner
		cmd.ActorID = partner.ID
		cmd.Metadata = map[string]interface{}{
			"event_id": wh.EventID,
			"event":    wh.Event,
			"loan_id":  loan.ID,
		}
		if wh.Event == EventLoanSettled {
			cmd.Metadata["permanent"] = true
		}
		event, err = a.commands.apply(ctx, tx, *cmd)
		return err
	})
	if err != nil {
		return nil, nil, "", nil, err
	}

	result := &WebhookResult{
		EventID:    wh.EventID,
		Event:      wh.Event,
		LoanID:     loan.ID,
		LoanStatus: loan.Status,
	}
	if event != nil {
		result.Command = event.Command
		result.LockState = event.NewState
	}
	return result, event, from, loan, nil
}

// applyLoanEvent mutates loan for the event and returns the lock command it implies, if any.
func (a *WebhookAdapter) applyLoanEvent(ctx context.Context, tx DataStore, loan *Loan, wh *ParsedWebhook) (*Command, error) {
	if loan.Status == LoanStatusCompleted && wh.Event != EventLoanSettled {
		// Settlement unlocks for good; late events on the loan change nothing.
		a.logger.WithFields(logrus.Fields{
			"loan_id":  loan.ID,
			"event_id": wh.EventID,
			"event":    wh.Event,
		}).Warn("Ignoring webhook for completed loan")
		return nil, nil
	}
	if loan.Status == LoanStatusPending {
		// A partner reporting on its loan has disbursed it.
		if err := a.loans.transition(ctx, tx, loan, LoanStatusActive); err != nil {
			return nil, err
		}
	}

	switch wh.Event {
	case EventPaymentReceived:
		d := wh.PaymentReceived
		switch {
		case d.OutstandingAmount != nil:
			loan.OutstandingAmount = *d.OutstandingAmount
		case d.AmountPaid != nil:
			loan.OutstandingAmount = decimal.Max(loan.OutstandingAmount.Sub(*d.AmountPaid), decimal.Zero)
		}
		if d.NextPaymentDue != nil {
			loan.NextPaymentDue = utcPtr(d.NextPaymentDue)
		}
		if loan.Status == LoanStatusOverdue || loan.Status == LoanStatusDefaulted {
			if err := a.loans.transition(ctx, tx, loan, LoanStatusActive); err != nil {
				return nil, err
			}
		}
		loan.DaysOverdue = 0
		return &Command{Type: CommandUnlock, Reason: "payment received"}, nil

	case EventPaymentMissed:
		d := wh.PaymentMissed
		if loan.Status == LoanStatusActive {
			if err := a.loans.transition(ctx, tx, loan, LoanStatusOverdue); err != nil {
				return nil, err
			}
		}
		if loan.Status == LoanStatusOverdue {
			loan.DaysOverdue = d.DaysOverdue
		}
		if d.NextPaymentDue != nil {
			loan.NextPaymentDue = utcPtr(d.NextPaymentDue)
		}
		if d.ActionRequired == ActionLockDevice {
			return &Command{Type: CommandLock, Reason: "payment missed"}, nil
		}
		return nil, nil

	case EventLoanDefaulted:
		if err := a.loans.transition(ctx, tx, loan, LoanStatusDefaulted); err != nil {
			return nil, err
		}
		if wh.LoanDefaulted.DaysOverdue > 0 {
			loan.DaysOverdue = wh.LoanDefaulted.DaysOverdue
		}
		reason := "loan defaulted"
		if wh.LoanDefaulted.Reason != "" {
			reason = "loan defaulted: " + wh.LoanDefaulted.Reason
		}
		return &Command{Type: CommandLock, Reason: reason}, nil

	case EventLoanSettled:
		if err := a.loans.transition(ctx, tx, loan, LoanStatusCompleted); err != nil {
			return nil, err
		}
		if wh.LoanSettled.SettledAt != nil {
			loan.CompletedAt = utcPtr(wh.LoanSettled.SettledAt)
		}
		return &Command{Type: CommandUnlock, Reason: "loan completed"}, nil
	}
	return nil, ErrUnknownEvent
}

// eventName pulls the event kind out of a body for metrics labels only.
func eventName(body []byte) WebhookEvent {
	var probe struct {
		Event WebhookEvent `json:"event"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "invalid"
	}
	switch probe.Event {
	case EventPaymentReceived, EventPaymentMissed, EventLoanDefaulted, EventLoanSettled:
		return probe.Event
	}
	return "unknown"
}
