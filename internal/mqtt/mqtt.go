// mqtt.go: Package mqtt provides an abstraction for MQTT client functionality.
package mqtt

import (
	"context"
	"log/slog"
	"time"

	"github.com/vanrodolf/fleetgrid/internal/conf"
	"github.com/vanrodolf/fleetgrid/internal/logging"
)

// QoSAtLeastOnce is the delivery guarantee used for all subscriptions and
// publishes; redelivery after reconnect is the broker's responsibility.
const QoSAtLeastOnce = byte(1)

// ConnectCooldown is the minimum spacing the client enforces between
// Connect calls. Callers pacing their own retries must wait at least this
// long between attempts or the attempt is rejected without reaching the
// broker.
const ConnectCooldown = 5 * time.Second

// MessageHandler receives one inbound message. Implementations must not
// panic across this boundary; the client wraps calls in a recover anyway.
type MessageHandler func(topic string, payload []byte)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker. Registered
	// subscriptions are established on every successful (re)connect.
	Connect(ctx context.Context) error

	// Subscribe registers a topic filter and its handler. When already
	// connected the subscription is established immediately, otherwise on
	// the next connect.
	Subscribe(topicFilter string, handler MessageHandler) error

	// Publish sends a message to the specified topic at QoS 1, retrying a
	// bounded number of times on transient failure.
	Publish(ctx context.Context, topic string, payload string) error

	// IsConnected returns true if the client is currently connected.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientIDPrefix    string
	Username          string
	Password          string
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	ReconnectDelay    time.Duration
	ReconnectMax      time.Duration
	InsecureSkipTLS   bool
	// Publish retry policy
	PublishAttempts int
	PublishBackoff  time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		KeepAlive:         45 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		ReconnectDelay:    1 * time.Second,
		ReconnectMax:      30 * time.Second,
		PublishAttempts:   3,
		PublishBackoff:    500 * time.Millisecond,
	}
}

// ConfigFromSettings builds a client Config from application settings.
func ConfigFromSettings(settings *conf.Settings) Config {
	cfg := DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.ClientIDPrefix = settings.Main.Name
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	cfg.InsecureSkipTLS = settings.MQTT.InsecureSkipTLS
	if settings.MQTT.KeepAlive > 0 {
		cfg.KeepAlive = settings.MQTT.KeepAlive
	}
	if settings.MQTT.ConnectTimeout > 0 {
		cfg.ConnectTimeout = settings.MQTT.ConnectTimeout
	}
	if settings.MQTT.PublishTimeout > 0 {
		cfg.PublishTimeout = settings.MQTT.PublishTimeout
	}
	if settings.MQTT.DisconnectTimeout > 0 {
		cfg.DisconnectTimeout = settings.MQTT.DisconnectTimeout
	}
	if settings.MQTT.ReconnectDelay > 0 {
		cfg.ReconnectDelay = settings.MQTT.ReconnectDelay
	}
	if settings.MQTT.ReconnectMax > 0 {
		cfg.ReconnectMax = settings.MQTT.ReconnectMax
	}
	return cfg
}

// Package-level logger for MQTT related events
var mqttLogger *slog.Logger

func init() {
	var err error
	mqttLogger, _, err = logging.NewFileLogger(nil, "logs/mqtt.log", "mqtt", slog.LevelInfo)
	if err != nil || mqttLogger == nil {
		// Fall back to the default structured logger
		mqttLogger = slog.Default().With("service", "mqtt")
		logging.Warn("MQTT service falling back to default logger", "error", err)
	}
}
