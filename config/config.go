// services/lockplane/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Billing    BillingConfig    `mapstructure:"billing"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Push       PushConfig       `mapstructure:"push"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnableTracing   bool          `mapstructure:"enable_tracing"`
}

// RedisConfig holds the Redis connection settings. An empty Addr disables the cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings used for domain events.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	SpoolPath        string        `mapstructure:"spool_path"`
}

// MQTTConfig holds broker settings for agent wake-up pushes and heartbeats.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	WakeTopic         string        `mapstructure:"wake_topic"`
	HeartbeatTopic    string        `mapstructure:"heartbeat_topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// AuthConfig holds principal token verification and elevation settings.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"`
	ElevatedTokenTTL time.Duration `mapstructure:"elevated_token_ttl"`
	BootstrapAdmin   string        `mapstructure:"bootstrap_admin"`
	BootstrapSecret  string        `mapstructure:"bootstrap_password"`
}

// PolicyConfig drives the enforcement policy served to device agents.
type PolicyConfig struct {
	LockedSyncInterval   time.Duration `mapstructure:"locked_sync_interval"`
	UnlockedSyncInterval time.Duration `mapstructure:"unlocked_sync_interval"`
	LockMessage          string        `mapstructure:"lock_message"`
	CallToActionLabel    string        `mapstructure:"call_to_action_label"`
	CallToActionURL      string        `mapstructure:"call_to_action_url"`
	LockedAllowList      []string      `mapstructure:"locked_allow_list"`
}

// BillingConfig holds enrollment fee settings.
type BillingConfig struct {
	DefaultFee string `mapstructure:"default_fee"`
	Currency   string `mapstructure:"currency"`
}

// WebhookConfig holds the partner webhook verification settings.
type WebhookConfig struct {
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
	DedupeTTL          time.Duration `mapstructure:"dedupe_ttl"`
}

// PushConfig holds the agent wake-up push settings.
type PushConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOCKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("log.level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.enable_tracing", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "lockplane-events")
	v.SetDefault("service_bus.max_retries", 3)
	v.SetDefault("service_bus.retry_delay", "1s")
	v.SetDefault("service_bus.spool_path", "data/event-spool.jsonl")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.wake_topic", "agents/%s/wake")
	v.SetDefault("mqtt.heartbeat_topic", "agents/+/heartbeat")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")
	v.SetDefault("mqtt.connect_retry_delay", "15s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "lockplane")
	v.SetDefault("auth.elevated_token_ttl", "5m")
	v.SetDefault("auth.bootstrap_admin", "")
	v.SetDefault("auth.bootstrap_password", "")

	v.SetDefault("policy.locked_sync_interval", "5m")
	v.SetDefault("policy.unlocked_sync_interval", "6h")
	v.SetDefault("policy.lock_message", "This device has been locked because a loan payment is overdue. Make a payment to unlock it.")
	v.SetDefault("policy.call_to_action_label", "Pay now")
	v.SetDefault("policy.call_to_action_url", "https://pay.example.com/loans")
	v.SetDefault("policy.locked_allow_list", []string{
		"com.backstage.lockplane.agent",
		"com.android.settings",
		"com.android.dialer",
	})

	v.SetDefault("billing.default_fee", "1500")
	v.SetDefault("billing.currency", "KES")

	v.SetDefault("webhook.signature_tolerance", "5m")
	v.SetDefault("webhook.dedupe_ttl", "24h")

	v.SetDefault("push.timeout", "3s")

	v.SetDefault("rate_limit.requests_per_minute", 120)
}

// isMissingFile reports whether err comes from a config path that does not exist.
// SetConfigFile bypasses viper's own not-found detection.
func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
