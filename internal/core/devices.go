// services/lockplane/internal/core/devices.go
package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var imeiPattern = regexp.MustCompile(`^[A-Za-z0-9-]{4,32}$`)

// --- Device Registry Implementation ---

// DeviceRegistry owns device identity and the lock-state field. Lock-state
// writes are unexported so that only the CommandChannel and the biller's
// activation path can reach them.
type DeviceRegistry struct {
	store  DataStore
	logger *logrus.Logger
}

func NewDeviceRegistry(store DataStore, logger *logrus.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		store:  store,
		logger: logger,
	}
}

// Register creates a PENDING_SETUP device for the merchant.
func (r *DeviceRegistry) Register(ctx context.Context, merchantID, imei, model string) (*Device, error) {
	var device *Device
	err := r.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		var err error
		device, err = r.register(ctx, tx, merchantID, imei, model)
		return err
	})
	return device, err
}

func (r *DeviceRegistry) register(ctx context.Context, tx DataStore, merchantID, imei, model string) (*Device, error) {
	imei = strings.TrimSpace(imei)
	if !imeiPattern.MatchString(imei) {
		return nil, ErrInvalidIMEI
	}
	if merchantID == "" {
		return nil, ErrDeviceForbidden.WithMessage("merchant id is required")
	}

	if _, err := tx.GetDevice(ctx, imei); err == nil {
		return nil, ErrDeviceAlreadyExists
	}

	device := &Device{
		IMEI:       imei,
		Model:      model,
		MerchantID: merchantID,
		LockState:  LockStatePendingSetup,
	}
	if err := tx.CreateDevice(ctx, device); err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDeviceAlreadyExists
		}
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"imei":        imei,
		"merchant_id": merchantID,
		"model":       model,
	}).Info("Device registered")
	return device, nil
}

func (r *DeviceRegistry) Get(ctx context.Context, imei string) (*Device, error) {
	device, err := r.store.GetDevice(ctx, imei)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return device, nil
}

// RecordHeartbeat updates last-seen time only and returns the time stored.
// A zero or future client timestamp is replaced by the server clock.
func (r *DeviceRegistry) RecordHeartbeat(ctx context.Context, imei string, at time.Time) (time.Time, error) {
	now := time.Now().UTC()
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()

	found, err := r.store.UpdateDeviceHeartbeat(ctx, imei, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if !found {
		return time.Time{}, ErrDeviceNotFound
	}
	return at, nil
}

// activate moves a locked-for-update PENDING_SETUP device to UNLOCKED.
func (r *DeviceRegistry) activate(ctx context.Context, tx DataStore, device *Device, at time.Time) error {
	if device.LockState != LockStatePendingSetup {
		return ErrDeviceNotPending
	}
	if err := tx.UpdateDeviceLockState(ctx, device.IMEI, LockStateUnlocked, &at); err != nil {
		return fmt.Errorf("failed to activate device: %w", err)
	}
	device.LockState = LockStateUnlocked
	device.ActivatedAt = &at
	return nil
}

// setLockState must be paired with a LockEvent in the same transaction.
func (r *DeviceRegistry) setLockState(ctx context.Context, tx DataStore, device *Device, state LockState) error {
	if state == device.LockState {
		return nil
	}
	if err := tx.UpdateDeviceLockState(ctx, device.IMEI, state, nil); err != nil {
		return fmt.Errorf("failed to set lock state: %w", err)
	}
	device.LockState = state
	return nil
}
