// services/lockplane/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// HeartbeatHandler records an agent heartbeat received over MQTT.
type HeartbeatHandler func(ctx context.Context, imei string, at time.Time) error

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	CleanSession      bool
	WakeTopic         string
	HeartbeatTopic    string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
	// ConnectRetryDelay spaces initial connection attempts.
	ConnectRetryDelay time.Duration
	TLSConfig         *tls.Config
}

// WakeMessage is published to an agent's wake topic after a lock command.
type WakeMessage struct {
	EventID   string           `json:"event_id"`
	IMEI      string           `json:"imei"`
	Command   core.CommandType `json:"command"`
	LockState core.LockState   `json:"lock_state"`
	IssuedAt  time.Time        `json:"issued_at"`
}

type heartbeatMessage struct {
	Timestamp *time.Time `json:"timestamp"`
}

// AgentPusher wakes device agents over MQTT and listens for their heartbeats.
type AgentPusher struct {
	config    MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	heartbeat HeartbeatHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewAgentPusher creates a new pusher; call Start to connect.
func NewAgentPusher(config MQTTConfig, logger *logrus.Logger) (*AgentPusher, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if config.WakeTopic == "" || !strings.Contains(config.WakeTopic, "%s") {
		return nil, fmt.Errorf("MQTT wake topic must contain a %%s placeholder for the IMEI")
	}

	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("lockplane-%d", time.Now().UnixNano())
	}

	return &AgentPusher{
		config: config,
		logger: logger,
	}, nil
}

// OnHeartbeat registers the handler for heartbeat messages. Call before Start.
func (p *AgentPusher) OnHeartbeat(handler HeartbeatHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeat = handler
}

// clientOptions builds paho options. The initial connect is retried in the
// background just like a lost connection.
func (p *AgentPusher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
	}
	if p.config.Password != "" {
		opts.SetPassword(p.config.Password)
	}

	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.MaxReconnectDelay)
	opts.SetConnectRetry(true)
	retry := p.config.ConnectRetryDelay
	if retry <= 0 {
		retry = 15 * time.Second
	}
	opts.SetConnectRetryInterval(retry)

	if p.config.TLSConfig != nil {
		opts.SetTLSConfig(p.config.TLSConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		p.logger.Info("Attempting to reconnect to MQTT broker...")
	})
	return opts
}

// Start connects to the MQTT broker. If the broker is not reachable within the
// connect timeout, Start returns and paho keeps retrying; wakes fail until then.
func (p *AgentPusher) Start() error {
	p.client = mqtt.NewClient(p.clientOptions())

	token := p.client.Connect()
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		p.logger.WithField("broker", p.config.BrokerURL).
			Warn("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p.logger.Info("MQTT agent pusher started")
	return nil
}

// Stop unsubscribes, disconnects and waits for in-flight heartbeats.
func (p *AgentPusher) Stop() {
	p.logger.Info("Stopping MQTT agent pusher...")

	if p.client != nil {
		if p.client.IsConnected() && p.config.HeartbeatTopic != "" {
			if token := p.client.Unsubscribe(p.config.HeartbeatTopic); token.Wait() && token.Error() != nil {
				p.logger.WithError(token.Error()).Error("Failed to unsubscribe from heartbeat topic")
			}
		}
		// Also stops a pending connect retry loop.
		p.client.Disconnect(250)
	}

	p.wg.Wait()
	p.logger.Info("MQTT agent pusher stopped")
}

// IsConnected returns the connection status
func (p *AgentPusher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Wake publishes a wake message for the event. It gives up when ctx expires.
func (p *AgentPusher) Wake(ctx context.Context, imei string, event *core.LockEvent) error {
	if !p.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(WakeMessage{
		EventID:   event.ID,
		IMEI:      imei,
		Command:   event.Command,
		LockState: event.NewState,
		IssuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal wake message: %w", err)
	}

	token := p.client.Publish(fmt.Sprintf(p.config.WakeTopic, imei), p.config.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish wake message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wake publish for %s: %w", imei, ctx.Err())
	}
}

func (p *AgentPusher) onConnect(client mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("Connected to MQTT broker")

	if p.config.HeartbeatTopic == "" {
		return
	}
	if token := client.Subscribe(p.config.HeartbeatTopic, p.config.QoS, p.onMessage); token.Wait() && token.Error() != nil {
		p.logger.WithError(token.Error()).WithField("topic", p.config.HeartbeatTopic).
			Error("Failed to subscribe to topic")
	} else {
		p.logger.WithField("topic", p.config.HeartbeatTopic).Info("Subscribed to topic")
	}
}

func (p *AgentPusher) onConnectionLost(client mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (p *AgentPusher) onMessage(client mqtt.Client, msg mqtt.Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.processHeartbeat(msg.Topic(), msg.Payload())
	}()
}

func (p *AgentPusher) processHeartbeat(topic string, payload []byte) {
	p.mu.RLock()
	handler := p.heartbeat
	p.mu.RUnlock()
	if handler == nil {
		return
	}

	imei := imeiFromTopic(p.config.HeartbeatTopic, topic)
	if imei == "" {
		p.logger.WithField("topic", topic).Warn("Heartbeat on unexpected topic")
		return
	}

	at := time.Now().UTC()
	if len(payload) > 0 {
		var hb heartbeatMessage
		if err := json.Unmarshal(payload, &hb); err == nil && hb.Timestamp != nil {
			at = hb.Timestamp.UTC()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := handler(ctx, imei, at); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"imei":  imei,
		}).Warn("Failed to record MQTT heartbeat")
	}
}

// imeiFromTopic returns the segment of topic matching the single-level
// wildcard in pattern, e.g. agents/+/heartbeat.
func imeiFromTopic(pattern, topic string) string {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return ""
	}
	imei := ""
	for i, seg := range want {
		switch {
		case seg == "+":
			imei = got[i]
		case seg != got[i]:
			return ""
		}
	}
	return imei
}
