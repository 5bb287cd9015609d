// services/lockplane/internal/core/helpers_test.go
package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// mockNotifier implements AgentNotifier for testing
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Wake(ctx context.Context, imei string, event *LockEvent) error {
	args := m.Called(ctx, imei, event)
	return args.Error(0)
}

// mockPublisher implements EventPublisher for testing
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	args := m.Called(ctx, topic, message)
	return args.Error(0)
}

// memoryDedupe implements Deduplicator in memory. ClaimErr forces Claim to fail.
type memoryDedupe struct {
	mu       sync.Mutex
	keys     map[string]bool
	ClaimErr error
}

func newMemoryDedupe() *memoryDedupe {
	return &memoryDedupe{keys: map[string]bool{}}
}

func (d *memoryDedupe) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ClaimErr != nil {
		return false, d.ClaimErr
	}
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *memoryDedupe) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

func (d *memoryDedupe) held(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key]
}

var errBrokerDown = errors.New("broker down")

type testEnv struct {
	store     DataStore
	services  *ServiceRegistry
	notifier  *mockNotifier
	publisher *mockPublisher
	dedupe    *memoryDedupe
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestStore opens a private in-memory SQLite database. One connection keeps
// transactions serialized the way row locks serialize them on postgres.
func newTestStore(t *testing.T) DataStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(AllModels()...))
	return NewDataStore(db)
}

// newTestEnv wires every service over a fresh store. setupNotifier replaces the
// default always-succeeding Wake expectation.
func newTestEnv(t *testing.T, setupNotifier ...func(*mockNotifier)) *testEnv {
	t.Helper()

	notifier := &mockNotifier{}
	if len(setupNotifier) > 0 {
		for _, setup := range setupNotifier {
			setup(notifier)
		}
	} else {
		notifier.On("Wake", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	}

	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	dedupe := newMemoryDedupe()
	store := newTestStore(t)

	services := NewServiceRegistry(store, ServiceConfig{
		Currency:   "KES",
		DefaultFee: decimal.NewFromInt(1500),
		Policy: PolicyConfig{
			LockedSyncInterval:   5 * time.Minute,
			UnlockedSyncInterval: 6 * time.Hour,
			LockMessage:          "Payment overdue",
			CallToActionLabel:    "Pay now",
			CallToActionURL:      "https://pay.example.com",
			LockedAllowList:      []string{"com.backstage.lockplane.agent", "com.android.dialer"},
		},
		PushTimeout:        time.Second,
		SignatureTolerance: 5 * time.Minute,
		DedupeTTL:          time.Hour,
		JWTSecret:          "test-secret",
		Issuer:             "lockplane",
		ElevatedTokenTTL:   5 * time.Minute,
	}, Collaborators{
		Notifier:  notifier,
		Publisher: publisher,
		Dedupe:    dedupe,
	}, testLogger())

	services.Partners.hashCost = bcrypt.MinCost
	services.Auth.hashCost = bcrypt.MinCost

	t.Cleanup(services.Commands.Wait)

	return &testEnv{
		store:     store,
		services:  services,
		notifier:  notifier,
		publisher: publisher,
		dedupe:    dedupe,
	}
}

func (e *testEnv) fund(t *testing.T, merchantID string, amount int64, reference string) {
	t.Helper()
	_, err := e.services.Ledger.Credit(context.Background(), merchantID, decimal.NewFromInt(amount), reference, "top-up")
	require.NoError(t, err)
}

// enrolledDevice registers and pays for a device so it ends UNLOCKED.
func (e *testEnv) enrolledDevice(t *testing.T, merchantID, imei string) *Device {
	t.Helper()
	e.fund(t, merchantID, 1500, "TOPUP-"+imei)
	result, err := e.services.Biller.Enroll(context.Background(), merchantID, imei, "Tecno Spark 10")
	require.NoError(t, err)
	require.True(t, result.Success)
	e.services.Commands.Wait()
	return result.Device
}

func (e *testEnv) balance(t *testing.T, merchantID string) decimal.Decimal {
	t.Helper()
	wallet, err := e.services.Ledger.GetOrCreateWallet(context.Background(), merchantID)
	require.NoError(t, err)
	return wallet.Balance
}

func (e *testEnv) device(t *testing.T, imei string) *Device {
	t.Helper()
	device, err := e.services.Devices.Get(context.Background(), imei)
	require.NoError(t, err)
	return device
}

func (e *testEnv) lockEvents(t *testing.T, imei string) []*LockEvent {
	t.Helper()
	page, err := e.services.Commands.History(context.Background(), imei, ListFilter{PageSize: 100})
	require.NoError(t, err)
	return page.Items
}
