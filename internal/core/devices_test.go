// services/lockplane/internal/core/devices_test.go
package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.services.Devices.Register(ctx, "merchant-m", "IMEI-0001", "")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	tests := []struct {
		name     string
		reported time.Time
		// wantServerClock means the reported time is replaced by now.
		wantServerClock bool
	}{
		{name: "past timestamp kept", reported: past},
		{name: "future timestamp replaced", reported: time.Now().Add(48 * time.Hour), wantServerClock: true},
		{name: "missing timestamp", wantServerClock: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().UTC()
			at, err := env.services.Devices.RecordHeartbeat(ctx, "IMEI-0001", tt.reported)
			require.NoError(t, err)

			if tt.wantServerClock {
				assert.False(t, at.Before(before.Add(-time.Second)))
				assert.False(t, at.After(time.Now().UTC()))
			} else {
				assert.True(t, past.Equal(at))
			}

			device := env.device(t, "IMEI-0001")
			require.NotNil(t, device.LastHeartbeat)
			assert.True(t, at.Equal(*device.LastHeartbeat))
			assert.Equal(t, LockStatePendingSetup, device.LockState)
		})
	}

	_, err = env.services.Devices.RecordHeartbeat(ctx, "IMEI-9999", time.Time{})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
