// services/lockplane/internal/core/webhooks_test.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"example.com/backstage/services/lockplane/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookFixture struct {
	env     *testEnv
	partner *PartnerCredentials
	loan    *Loan
	due     time.Time
}

func newPartner(t *testing.T, env *testEnv, merchantID, name string) *PartnerCredentials {
	t.Helper()
	creds, err := env.services.Partners.CreatePartner(context.Background(), CreatePartnerRequest{
		MerchantID:            merchantID,
		Name:                  name,
		MinDownPaymentPercent: decimal.NewFromInt(10),
		MaxTenureMonths:       12,
	})
	require.NoError(t, err)
	return creds
}

// newWebhookFixture sets up partner P owning an ACTIVE loan on an enrolled IMEI-0001.
func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	env := newTestEnv(t)
	ctx := context.Background()

	env.enrolledDevice(t, "merchant-m", "IMEI-0001")
	creds := newPartner(t, env, "merchant-m", "Partner P")

	due := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	loan, err := env.services.Loans.FundLoan(ctx, creds.Partner, CreateLoanRequest{
		DeviceIMEI:     "IMEI-0001",
		ExternalRef:    "P-LOAN-1",
		Principal:      decimal.NewFromInt(9000),
		DownPayment:    decimal.NewFromInt(1000),
		TenureMonths:   6,
		NextPaymentDue: &due,
	})
	require.NoError(t, err)
	loan, err = env.services.Loans.ActivateLoan(ctx, "", loan.ID)
	require.NoError(t, err)

	return &webhookFixture{env: env, partner: creds, loan: loan, due: due}
}

func webhookBody(t *testing.T, eventID string, event WebhookEvent, loanID string, data interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event_id":    eventID,
		"event":       event,
		"loan_id":     loanID,
		"occurred_at": time.Now().UTC(),
		"data":        data,
	})
	require.NoError(t, err)
	return body
}

func signedRequest(creds *PartnerCredentials, body []byte, at time.Time) WebhookRequest {
	ts := strconv.FormatInt(at.Unix(), 10)
	return WebhookRequest{
		PartnerID: creds.Partner.ID,
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		Timestamp: ts,
		Signature: utils.SignWebhook(creds.WebhookSecret, ts, body),
		Body:      body,
	}
}

func (f *webhookFixture) deliver(t *testing.T, creds *PartnerCredentials, body []byte) (*WebhookResult, error) {
	t.Helper()
	result, err := f.env.services.Webhooks.Handle(context.Background(), signedRequest(creds, body, time.Now()))
	f.env.services.Commands.Wait()
	return result, err
}

func (f *webhookFixture) loanNow(t *testing.T) *Loan {
	t.Helper()
	loan, err := f.env.services.Loans.Get(context.Background(), f.loan.ID)
	require.NoError(t, err)
	return loan
}

func TestWebhook_DefaultPaymentAndForeignPartner(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	// LOAN_DEFAULTED locks the device on behalf of the partner.
	result, err := f.deliver(t, f.partner, webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID,
		map[string]interface{}{"days_overdue": 45, "reason": "no payment for 45 days"}))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, CommandLock, result.Command)
	assert.Equal(t, LoanStatusDefaulted, result.LoanStatus)
	assert.Equal(t, LockStateLocked, f.env.device(t, "IMEI-0001").LockState)
	assert.Equal(t, 45, f.loanNow(t).DaysOverdue)

	events := f.env.lockEvents(t, "IMEI-0001")
	require.Len(t, events, 2)
	assert.Equal(t, CommandLock, events[0].Command)
	assert.Equal(t, ActorPartner, events[0].ActorType)
	assert.Equal(t, f.partner.Partner.ID, events[0].ActorID)

	policy, err := f.env.services.Policy.DerivePolicy(ctx, "IMEI-0001")
	require.NoError(t, err)
	assert.True(t, policy.IsLocked)
	assert.Equal(t, int64(300), policy.SyncIntervalSeconds)
	require.NotNil(t, policy.OfflineLockDate)
	assert.True(t, f.due.Equal(*policy.OfflineLockDate))

	// PAYMENT_RECEIVED restores the loan and unlocks.
	result, err = f.deliver(t, f.partner, webhookBody(t, "evt-2", EventPaymentReceived, f.loan.ID,
		map[string]interface{}{"amount_paid": "1500.00", "outstanding_amount": "7500.00"}))
	require.NoError(t, err)
	assert.Equal(t, CommandUnlock, result.Command)
	assert.Equal(t, LoanStatusActive, result.LoanStatus)
	assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)

	loan := f.loanNow(t)
	assert.True(t, loan.OutstandingAmount.Equal(decimal.NewFromInt(7500)))
	assert.Zero(t, loan.DaysOverdue)
	require.Len(t, f.env.lockEvents(t, "IMEI-0001"), 3)

	policy, err = f.env.services.Policy.DerivePolicy(ctx, "IMEI-0001")
	require.NoError(t, err)
	assert.False(t, policy.IsLocked)
	assert.Equal(t, []string{"*"}, policy.AllowedPackages)
	assert.Equal(t, int64(6*60*60), policy.SyncIntervalSeconds)

	// Partner Q does not own the loan.
	other := newPartner(t, f.env, "merchant-m", "Partner Q")
	_, err = f.deliver(t, other, webhookBody(t, "evt-3", EventLoanDefaulted, f.loan.ID, map[string]interface{}{}))
	assert.ErrorIs(t, err, ErrLoanForbidden)
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)
	assert.Len(t, f.env.lockEvents(t, "IMEI-0001"), 3)
	assert.Equal(t, LoanStatusActive, f.loanNow(t).Status)
}

func TestWebhook_PaymentMissed(t *testing.T) {
	t.Run("overdue without lock", func(t *testing.T) {
		f := newWebhookFixture(t)
		result, err := f.deliver(t, f.partner, webhookBody(t, "evt-1", EventPaymentMissed, f.loan.ID,
			map[string]interface{}{"days_overdue": 3}))
		require.NoError(t, err)

		assert.Empty(t, result.Command)
		assert.Equal(t, LoanStatusOverdue, result.LoanStatus)
		assert.Equal(t, 3, f.loanNow(t).DaysOverdue)
		assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)
		assert.Len(t, f.env.lockEvents(t, "IMEI-0001"), 1)
	})

	t.Run("lock requested", func(t *testing.T) {
		f := newWebhookFixture(t)
		next := time.Now().UTC().AddDate(0, 0, 5).Truncate(time.Second)
		result, err := f.deliver(t, f.partner, webhookBody(t, "evt-1", EventPaymentMissed, f.loan.ID,
			map[string]interface{}{"days_overdue": 10, "action_required": ActionLockDevice, "next_payment_due": next}))
		require.NoError(t, err)

		assert.Equal(t, CommandLock, result.Command)
		assert.Equal(t, LockStateLocked, f.env.device(t, "IMEI-0001").LockState)
		loan := f.loanNow(t)
		require.NotNil(t, loan.NextPaymentDue)
		assert.True(t, next.Equal(*loan.NextPaymentDue))
	})
}

func TestWebhook_LoanSettled(t *testing.T) {
	f := newWebhookFixture(t)
	_, err := f.deliver(t, f.partner, webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID, map[string]interface{}{}))
	require.NoError(t, err)

	result, err := f.deliver(t, f.partner, webhookBody(t, "evt-2", EventLoanSettled, f.loan.ID, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, LoanStatusCompleted, result.LoanStatus)
	assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)

	loan := f.loanNow(t)
	assert.True(t, loan.OutstandingAmount.IsZero())
	assert.NotNil(t, loan.CompletedAt)

	events := f.env.lockEvents(t, "IMEI-0001")
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Metadata, &meta))
	assert.Equal(t, true, meta["permanent"])
	assert.Equal(t, "evt-2", meta["event_id"])

	// Late events on a completed loan never re-lock the device.
	late := map[string][]byte{
		"defaulted": webhookBody(t, "evt-3", EventLoanDefaulted, f.loan.ID, map[string]interface{}{}),
		"missed": webhookBody(t, "evt-4", EventPaymentMissed, f.loan.ID,
			map[string]interface{}{"days_overdue": 30, "action_required": ActionLockDevice}),
		"received": webhookBody(t, "evt-5", EventPaymentReceived, f.loan.ID,
			map[string]interface{}{"outstanding_amount": "500.00"}),
	}
	for name, body := range late {
		t.Run(name, func(t *testing.T) {
			result, err := f.deliver(t, f.partner, body)
			require.NoError(t, err)
			assert.Empty(t, result.Command)
			assert.Equal(t, LoanStatusCompleted, result.LoanStatus)
			assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)
			assert.Len(t, f.env.lockEvents(t, "IMEI-0001"), 3)

			loan := f.loanNow(t)
			assert.Equal(t, LoanStatusCompleted, loan.Status)
			assert.True(t, loan.OutstandingAmount.IsZero())
		})
	}
}

func TestWebhook_PartnerLoanActivatesOnFirstEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.enrolledDevice(t, "merchant-m", "IMEI-0001")
	creds := newPartner(t, env, "merchant-m", "Partner P")

	fund := func(t *testing.T, ref string) *Loan {
		t.Helper()
		loan, err := env.services.Loans.FundLoan(ctx, creds.Partner, CreateLoanRequest{
			DeviceIMEI:   "IMEI-0001",
			ExternalRef:  ref,
			Principal:    decimal.NewFromInt(9000),
			DownPayment:  decimal.NewFromInt(1000),
			TenureMonths: 6,
		})
		require.NoError(t, err)
		require.Equal(t, LoanStatusPending, loan.Status)
		return loan
	}
	f := &webhookFixture{env: env, partner: creds, loan: fund(t, "P-LOAN-1")}

	result, err := f.deliver(t, creds, webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, CommandLock, result.Command)
	assert.Equal(t, LoanStatusDefaulted, result.LoanStatus)
	assert.Equal(t, LockStateLocked, env.device(t, "IMEI-0001").LockState)
	assert.NotNil(t, f.loanNow(t).ActivatedAt)

	// A second partner loan on the device cannot start enforcing while the first does.
	second := fund(t, "P-LOAN-2")
	_, err = f.deliver(t, creds, webhookBody(t, "evt-2", EventLoanSettled, second.ID, map[string]interface{}{}))
	assert.ErrorIs(t, err, ErrLoanConflict)
	assert.False(t, env.dedupe.held("webhook:"+creds.Partner.ID+":evt-2"))
	assert.Equal(t, LockStateLocked, env.device(t, "IMEI-0001").LockState)

	// Settling the first loan lets the rejected event be retried.
	_, err = f.deliver(t, creds, webhookBody(t, "evt-3", EventLoanSettled, f.loan.ID, map[string]interface{}{}))
	require.NoError(t, err)
	result, err = f.deliver(t, creds, webhookBody(t, "evt-2", EventLoanSettled, second.ID, map[string]interface{}{}))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, LoanStatusCompleted, result.LoanStatus)
	assert.Equal(t, CommandUnlock, result.Command)
	assert.Equal(t, LockStateUnlocked, env.device(t, "IMEI-0001").LockState)
}

func TestWebhook_PendingPartnerLoanSettles(t *testing.T) {
	env := newTestEnv(t)
	env.enrolledDevice(t, "merchant-m", "IMEI-0001")
	creds := newPartner(t, env, "merchant-m", "Partner P")
	loan, err := env.services.Loans.FundLoan(context.Background(), creds.Partner, CreateLoanRequest{
		DeviceIMEI:   "IMEI-0001",
		Principal:    decimal.NewFromInt(9000),
		DownPayment:  decimal.NewFromInt(1000),
		TenureMonths: 6,
	})
	require.NoError(t, err)
	f := &webhookFixture{env: env, partner: creds, loan: loan}

	result, err := f.deliver(t, creds, webhookBody(t, "evt-1", EventLoanSettled, loan.ID, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Equal(t, LoanStatusCompleted, result.LoanStatus)
	assert.Equal(t, CommandUnlock, result.Command)
	assert.True(t, f.loanNow(t).OutstandingAmount.IsZero())
}

func TestWebhook_Authentication(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	body := webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID, map[string]interface{}{})

	t.Run("signature mismatch", func(t *testing.T) {
		req := signedRequest(f.partner, body, time.Now())
		req.Signature = utils.SignWebhook("wrong-secret", req.Timestamp, body)
		_, err := f.env.services.Webhooks.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := signedRequest(f.partner, body, time.Now())
		req.Body = webhookBody(t, "evt-1", EventLoanSettled, f.loan.ID, map[string]interface{}{})
		_, err := f.env.services.Webhooks.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		_, err := f.env.services.Webhooks.Handle(ctx, signedRequest(f.partner, body, time.Now().Add(-10*time.Minute)))
		assert.ErrorIs(t, err, ErrSignatureExpired)
	})

	t.Run("bad api secret", func(t *testing.T) {
		req := signedRequest(f.partner, body, time.Now())
		req.APISecret = "nope"
		_, err := f.env.services.Webhooks.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrPartnerUnauthorized)
	})

	t.Run("key of another partner", func(t *testing.T) {
		other := newPartner(t, f.env, "merchant-m", "Partner Q")
		req := signedRequest(other, body, time.Now())
		req.PartnerID = f.partner.Partner.ID
		_, err := f.env.services.Webhooks.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrPartnerUnauthorized)
	})

	assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)
	assert.Equal(t, LoanStatusActive, f.loanNow(t).Status)

	t.Run("inactive partner", func(t *testing.T) {
		_, err := f.env.services.Partners.Deactivate(ctx, f.partner.Partner.ID)
		require.NoError(t, err)
		_, err = f.env.services.Webhooks.Handle(ctx, signedRequest(f.partner, body, time.Now()))
		assert.ErrorIs(t, err, ErrPartnerInactive)
	})
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	f := newWebhookFixture(t)
	body := webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID, map[string]interface{}{})

	first, err := f.deliver(t, f.partner, body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.deliver(t, f.partner, body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.env.lockEvents(t, "IMEI-0001"), 2)
}

func TestWebhook_DedupeUnavailableStillApplies(t *testing.T) {
	f := newWebhookFixture(t)
	f.env.dedupe.ClaimErr = errors.New("redis unavailable")
	body := webhookBody(t, "evt-1", EventLoanDefaulted, f.loan.ID, map[string]interface{}{})

	result, err := f.deliver(t, f.partner, body)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, LockStateLocked, f.env.device(t, "IMEI-0001").LockState)

	result, err = f.deliver(t, f.partner, body)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Len(t, f.env.lockEvents(t, "IMEI-0001"), 2)
}

func TestWebhook_RetriedPaymentAppliedOnce(t *testing.T) {
	f := newWebhookFixture(t)
	env := f.env
	adapter := NewWebhookAdapter(env.store, env.services.Partners, env.services.Loans, env.services.Commands,
		nil, nil, 5*time.Minute, time.Hour, testLogger())

	body := webhookBody(t, "evt-1", EventPaymentReceived, f.loan.ID, map[string]interface{}{"amount_paid": "1000.00"})
	for i, wantDuplicate := range []bool{false, true, true} {
		result, err := adapter.Handle(context.Background(), signedRequest(f.partner, body, time.Now()))
		require.NoError(t, err, "delivery %d", i)
		assert.Equal(t, wantDuplicate, result.Duplicate, "delivery %d", i)
	}
	env.services.Commands.Wait()

	assert.True(t, f.loanNow(t).OutstandingAmount.Equal(decimal.NewFromInt(8000)))
	assert.Len(t, env.lockEvents(t, "IMEI-0001"), 2)

	// The same event id from another partner is a separate event.
	processed, err := env.store.WebhookProcessed(context.Background(), "other-partner", "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWebhook_ExpiredClaimStillDeduplicated(t *testing.T) {
	f := newWebhookFixture(t)
	body := webhookBody(t, "evt-1", EventPaymentReceived, f.loan.ID, map[string]interface{}{"amount_paid": "1000.00"})

	_, err := f.deliver(t, f.partner, body)
	require.NoError(t, err)

	require.NoError(t, f.env.dedupe.Release(context.Background(), "webhook:"+f.partner.Partner.ID+":evt-1"))
	result, err := f.deliver(t, f.partner, body)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, f.loanNow(t).OutstandingAmount.Equal(decimal.NewFromInt(8000)))
}

func TestWebhook_RejectsMalformedPayloads(t *testing.T) {
	f := newWebhookFixture(t)

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"unknown event", webhookBody(t, "evt-1", "LOAN_RESTRUCTURED", f.loan.ID, map[string]interface{}{}), ErrUnknownEvent},
		{"unknown data field", webhookBody(t, "evt-2", EventPaymentMissed, f.loan.ID, map[string]interface{}{"days_late": 3}), ErrInvalidPayload},
		{"negative payment", webhookBody(t, "evt-3", EventPaymentReceived, f.loan.ID, map[string]interface{}{"amount_paid": "-5"}), ErrInvalidPayload},
		{"missing loan id", webhookBody(t, "evt-4", EventLoanSettled, "", map[string]interface{}{}), ErrInvalidPayload},
		{"unknown envelope field", []byte(`{"event_id":"evt-5","event":"LOAN_SETTLED","loan_id":"x","extra":1}`), ErrInvalidPayload},
		{"unknown loan", webhookBody(t, "evt-6", EventLoanSettled, "missing", map[string]interface{}{}), ErrLoanNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.deliver(t, f.partner, tt.body)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, LockStateUnlocked, f.env.device(t, "IMEI-0001").LockState)
}

func TestWebhook_PendingDeviceNotCommanded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creds := newPartner(t, env, "merchant-m", "Partner P")

	// Unknown IMEI is registered PENDING_SETUP; the unfunded wallet keeps it there.
	loan, err := env.services.Loans.FundLoan(ctx, creds.Partner, CreateLoanRequest{
		DeviceIMEI:   "IMEI-0002",
		Principal:    decimal.NewFromInt(9000),
		DownPayment:  decimal.NewFromInt(1000),
		TenureMonths: 6,
	})
	require.NoError(t, err)
	_, err = env.services.Loans.ActivateLoan(ctx, "", loan.ID)
	require.NoError(t, err)

	f := &webhookFixture{env: env, partner: creds, loan: loan}
	result, err := f.deliver(t, creds, webhookBody(t, "evt-1", EventLoanDefaulted, loan.ID, map[string]interface{}{}))
	require.NoError(t, err)
	assert.Empty(t, result.Command)
	assert.Equal(t, LoanStatusDefaulted, result.LoanStatus)
	assert.Equal(t, LockStatePendingSetup, env.device(t, "IMEI-0002").LockState)
}
