// services/lockplane/internal/infrastructure/mqtt_test.go
package infrastructure

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImeiFromTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    string
	}{
		{"agents/+/heartbeat", "agents/IMEI-0001/heartbeat", "IMEI-0001"},
		{"agents/+/heartbeat", "agents/IMEI-0001/wake", ""},
		{"agents/+/heartbeat", "agents/IMEI-0001/heartbeat/extra", ""},
		{"fleet/ke/+/hb", "fleet/ke/IMEI-7/hb", "IMEI-7"},
		{"fleet/ke/+/hb", "fleet/ug/IMEI-7/hb", ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, imeiFromTopic(tt.pattern, tt.topic))
		})
	}
}

func TestNewAgentPusher_Validation(t *testing.T) {
	logger := logrus.New()

	_, err := NewAgentPusher(MQTTConfig{WakeTopic: "agents/%s/wake"}, logger)
	assert.Error(t, err)

	_, err = NewAgentPusher(MQTTConfig{BrokerURL: "tcp://localhost:1883", WakeTopic: "agents/wake"}, logger)
	assert.Error(t, err)

	p, err := NewAgentPusher(MQTTConfig{BrokerURL: "tcp://localhost:1883", WakeTopic: "agents/%s/wake"}, logger)
	require.NoError(t, err)
	assert.NotEmpty(t, p.config.ClientID)
	assert.False(t, p.IsConnected())
}

func TestAgentPusher_HeartbeatRouting(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p, err := NewAgentPusher(MQTTConfig{
		BrokerURL:      "tcp://localhost:1883",
		WakeTopic:      "agents/%s/wake",
		HeartbeatTopic: "agents/+/heartbeat",
	}, logger)
	require.NoError(t, err)

	type beat struct {
		imei string
		at   time.Time
	}
	var got []beat
	p.OnHeartbeat(func(_ context.Context, imei string, at time.Time) error {
		got = append(got, beat{imei, at})
		return nil
	})

	p.processHeartbeat("agents/IMEI-0001/heartbeat", []byte(`{"timestamp":"2024-03-01T10:00:00Z"}`))
	p.processHeartbeat("agents/IMEI-0002/heartbeat", nil)
	p.processHeartbeat("agents/IMEI-0003/status", nil)

	require.Len(t, got, 2)
	assert.Equal(t, "IMEI-0001", got[0].imei)
	assert.Equal(t, time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC), got[0].at)
	assert.Equal(t, "IMEI-0002", got[1].imei)
	assert.WithinDuration(t, time.Now(), got[1].at, 5*time.Second)
}

func TestAgentPusher_WakeRequiresConnection(t *testing.T) {
	p, err := NewAgentPusher(MQTTConfig{BrokerURL: "tcp://localhost:1883", WakeTopic: "agents/%s/wake"}, logrus.New())
	require.NoError(t, err)

	err = p.Wake(context.Background(), "IMEI-0001", nil)
	assert.Error(t, err)
}

func TestAgentPusher_RetriesInitialConnect(t *testing.T) {
	p, err := NewAgentPusher(MQTTConfig{
		BrokerURL:         "tcp://localhost:1883",
		WakeTopic:         "agents/%s/wake",
		MaxReconnectDelay: 2 * time.Minute,
	}, logrus.New())
	require.NoError(t, err)

	opts := p.clientOptions()
	assert.True(t, opts.ConnectRetry)
	assert.Equal(t, 15*time.Second, opts.ConnectRetryInterval)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, 2*time.Minute, opts.MaxReconnectInterval)

	p.config.ConnectRetryDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.clientOptions().ConnectRetryInterval)
}
