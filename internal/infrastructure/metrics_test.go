// services/lockplane/internal/infrastructure/metrics_test.go
package infrastructure

import (
	"testing"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLockCommand(core.CommandLock, core.ActorPartner, true)
	m.RecordLockCommand(core.CommandLock, core.ActorPartner, true)
	m.RecordEnrollment(core.EnrollmentOutcomePending)
	m.RecordWebhook(string(core.EventLoanDefaulted), core.WebhookOutcomeApplied)
	m.RecordPush(false)
	m.ObserveHTTP("/api/v1/agent/:imei/policy", "GET", 200, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lockCommands.WithLabelValues("LOCK", "PARTNER", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enrollments.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("LOAN_DEFAULTED", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushes.WithLabelValues("failed")))
}
