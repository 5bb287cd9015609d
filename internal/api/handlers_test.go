// services/lockplane/internal/api/handlers_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"example.com/backstage/services/lockplane/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	router   *gin.Engine
	services *core.ServiceRegistry
}

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (m *memoryCounter) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func newTestServer(t *testing.T, opts RouteOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(core.AllModels()...))

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := core.NewDataStore(db)
	services := core.NewServiceRegistry(store, core.ServiceConfig{
		Currency:   "KES",
		DefaultFee: decimal.NewFromInt(1500),
		Policy: core.PolicyConfig{
			LockedSyncInterval:   5 * time.Minute,
			UnlockedSyncInterval: 6 * time.Hour,
			LockMessage:          "Payment overdue",
			LockedAllowList:      []string{"com.backstage.lockplane.agent"},
		},
		PushTimeout: time.Second,
		JWTSecret:   "test-secret",
		Issuer:      "lockplane",
	}, core.Collaborators{}, log)
	t.Cleanup(services.Commands.Wait)

	router := gin.New()
	SetupRoutes(router, NewAPIHandlers(services, map[string]Pinger{"database": store}), services, opts, log)
	return &testServer{router: router, services: services}
}

func (s *testServer) token(t *testing.T, p core.Principal) string {
	t.Helper()
	token, _, err := s.services.Auth.IssueToken(p, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var (
	merchantPrincipal = core.Principal{Subject: "user-1", MerchantID: "merchant-m", Role: core.RoleMerchant}
	adminPrincipal    = core.Principal{Subject: "ops-1", Role: core.RoleAdmin}
)

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, RouteOptions{})

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["dependencies"].(map[string]interface{})["database"])
}

func TestEnrollmentFlow(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	merchant := bearer(s.token(t, merchantPrincipal))
	admin := bearer(s.token(t, adminPrincipal))

	w := s.do(t, http.MethodPost, "/api/v1/devices", gin.H{"imei": "IMEI-0001", "model": "Tecno Spark 10"}, merchant)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, false, body["success"])

	w = s.do(t, http.MethodGet, "/api/v1/agent/IMEI-0001/policy", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "PENDING_SETUP", decode(t, w)["lock_state"])

	// Merchants cannot credit wallets.
	w = s.do(t, http.MethodPost, "/api/v1/admin/merchants/merchant-m/wallet/credit", gin.H{"amount": "1500", "reference": "TOPUP-1"}, merchant)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/enrollments/quote", nil, merchant)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	quote := decode(t, w)
	assert.Equal(t, "1500", quote["amount"])
	assert.Equal(t, false, quote["sufficient_balance"])

	w = s.do(t, http.MethodPost, "/api/v1/admin/merchants/merchant-m/wallet/credit", gin.H{"amount": "1500", "reference": "TOPUP-1"}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/enrollments/quote?merchant_id=merchant-m", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["sufficient_balance"])

	w = s.do(t, http.MethodPost, "/api/v1/devices/IMEI-0001/enrollment", nil, merchant)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["success"])

	w = s.do(t, http.MethodGet, "/api/v1/wallet", nil, merchant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decode(t, w)["balance"])

	w = s.do(t, http.MethodGet, "/api/v1/devices/IMEI-0001", nil, merchant)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UNLOCKED", decode(t, w)["lock_state"])

	other := bearer(s.token(t, core.Principal{Subject: "user-2", MerchantID: "merchant-x", Role: core.RoleMerchant}))
	w = s.do(t, http.MethodGet, "/api/v1/devices/IMEI-0001", nil, other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/agent/IMEI-0001/heartbeat", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	merchant := bearer(s.token(t, merchantPrincipal))

	w := s.do(t, http.MethodGet, "/api/v1/agent/IMEI-9999/policy", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, core.ErrDeviceNotFound.Code, decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/api/v1/devices", gin.H{"imei": "bad imei!"}, merchant)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, core.ErrInvalidIMEI.Code, decode(t, w)["code"])

	w = s.do(t, http.MethodGet, "/api/v1/wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/wallet", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExecuteCommandRequiresElevation(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	ctx := context.Background()

	_, err := s.services.Ledger.Credit(ctx, "merchant-m", decimal.NewFromInt(1500), "TOPUP-1", "")
	require.NoError(t, err)
	result, err := s.services.Biller.Enroll(ctx, "merchant-m", "IMEI-0001", "")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NoError(t, s.services.Auth.SetOperatorPassword(ctx, adminPrincipal.Subject, "correct horse"))

	merchant := bearer(s.token(t, merchantPrincipal))
	admin := bearer(s.token(t, adminPrincipal))
	cmd := gin.H{"command": "LOCK", "reason": "fraud review"}

	w := s.do(t, http.MethodPost, "/api/v1/devices/IMEI-0001/commands", cmd, merchant)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/devices/IMEI-0001/commands", cmd, admin)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, core.ErrElevationRequired.Code, decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/api/v1/auth/elevate", gin.H{"password": "wrong password"}, admin)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/auth/elevate", gin.H{"password": "correct horse"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	elevated := decode(t, w)["elevated_token"].(string)

	headers := bearer(s.token(t, adminPrincipal))
	headers["X-Elevated-Token"] = elevated
	w = s.do(t, http.MethodPost, "/api/v1/devices/IMEI-0001/commands", cmd, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "LOCKED", body["new_state"])
	assert.Equal(t, "ADMIN", body["actor_type"])

	w = s.do(t, http.MethodGet, "/api/v1/agent/IMEI-0001/policy", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["is_locked"])
}

func TestPartnerWebhookEndpoint(t *testing.T) {
	s := newTestServer(t, RouteOptions{})
	ctx := context.Background()

	_, err := s.services.Ledger.Credit(ctx, "merchant-m", decimal.NewFromInt(1500), "TOPUP-1", "")
	require.NoError(t, err)
	_, err = s.services.Biller.Enroll(ctx, "merchant-m", "IMEI-0001", "")
	require.NoError(t, err)

	admin := bearer(s.token(t, adminPrincipal))
	w := s.do(t, http.MethodPost, "/api/v1/admin/partners", gin.H{"merchant_id": "merchant-m", "name": "Partner P"}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var creds core.PartnerCredentials
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &creds))

	partnerHeaders := map[string]string{"X-API-Key": creds.APIKey, "X-API-Secret": creds.APISecret}
	w = s.do(t, http.MethodPost, "/api/v1/partners/"+creds.Partner.ID+"/loans", gin.H{
		"device_imei":   "IMEI-0001",
		"principal":     "9000",
		"down_payment":  "1000",
		"tenure_months": 6,
	}, partnerHeaders)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loanID := decode(t, w)["id"].(string)

	// No activation call: the partner's first event activates its loan.
	body := []byte(`{"event_id":"evt-1","event":"LOAN_DEFAULTED","loan_id":"` + loanID + `","data":{"reason":"no payment"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	headers := map[string]string{
		"X-API-Key":           creds.APIKey,
		"X-API-Secret":        creds.APISecret,
		"X-Webhook-Timestamp": ts,
		"X-Webhook-Signature": utils.SignWebhook(creds.WebhookSecret, ts, body),
	}
	path := "/api/v1/partners/" + creds.Partner.ID + "/webhooks"

	w = s.do(t, http.MethodPost, path, body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "LOCK", decode(t, w)["command"])

	w = s.do(t, http.MethodPost, path, body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["duplicate"])

	headers["X-Webhook-Signature"] = utils.SignWebhook("wrong", ts, body)
	w = s.do(t, http.MethodPost, path, body, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, core.ErrSignatureMismatch.Code, decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/api/v1/partners/"+creds.Partner.ID+"/loans", gin.H{"device_imei": "IMEI-0001", "tenure_months": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter(t *testing.T) {
	counter := &memoryCounter{counts: map[string]int64{}}
	s := newTestServer(t, RouteOptions{RateCounter: counter, RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		w := s.do(t, http.MethodGet, "/api/v1/agent/IMEI-9999/policy", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w := s.do(t, http.MethodGet, "/api/v1/agent/IMEI-9999/policy", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health is outside the limited group.
	w = s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_FallsBackToLocalWindow(t *testing.T) {
	counter := &memoryCounter{counts: map[string]int64{}, err: errors.New("redis down")}
	s := newTestServer(t, RouteOptions{RateCounter: counter, RequestsPerMinute: 1})

	w := s.do(t, http.MethodGet, "/api/v1/agent/IMEI-9999/policy", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/agent/IMEI-9999/policy", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLocalLimiter_DropsExpiredWindows(t *testing.T) {
	l := newLocalLimiter()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		l.incr("10.0.0."+strconv.Itoa(i), start)
	}
	assert.Equal(t, int64(2), l.incr("10.0.0.1", start.Add(10*time.Second)))
	assert.Len(t, l.clients, 50)

	// Two minutes on, only the client that just called keeps a window.
	assert.Equal(t, int64(1), l.incr("10.0.0.99", start.Add(2*time.Minute)))
	assert.Len(t, l.clients, 1)
	assert.Equal(t, int64(1), l.incr("10.0.0.1", start.Add(2*time.Minute)))
}
