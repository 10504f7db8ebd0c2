// client.go: paho-backed implementation of the Client interface.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vanrodolf/fleetgrid/internal/errors"
	"github.com/vanrodolf/fleetgrid/internal/observability/metrics"
)

// client implements the Client interface.
type client struct {
	config          Config
	internalClient  pahomqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	subscriptions   map[string]MessageHandler
	metrics         *metrics.MQTTMetrics

	// reconnect cooldown, guards against hot connect loops
	reconnectCooldown time.Duration
}

// NewClient creates a new MQTT client with the provided configuration.
// The metrics argument may be nil, in which case no metrics are recorded.
func NewClient(config Config, mqttMetrics *metrics.MQTTMetrics) Client {
	return &client{
		config:            config,
		subscriptions:     make(map[string]MessageHandler),
		metrics:           mqttMetrics,
		reconnectCooldown: ConnectCooldown,
	}
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastConnAttempt) < c.reconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", time.Since(c.lastConnAttempt)).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(fmt.Errorf("invalid broker URL: %w", err)).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}

	host := u.Hostname()

	// Resolve the hostname first so DNS problems surface as such instead of
	// as opaque connect timeouts.
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(fmt.Errorf("failed to resolve hostname %s: %w", host, err)).
				Component("mqtt").
				Category(errors.CategoryNetwork).
				Context("host", host).
				Build()
		}
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.clientID())
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.ReconnectMax)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.config.ReconnectDelay)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	if isTLSBroker(c.config.Broker) {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: c.config.InsecureSkipTLS}) //nolint:gosec // operator opt-in for self-signed dev brokers
	}

	c.internalClient = pahomqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return errors.Newf("connection timeout").
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Context("broker", c.config.Broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("broker", c.config.Broker).
			Build()
	}

	return nil
}

// Subscribe registers a topic filter and its handler. Subscriptions are
// (re)established in onConnect, so registration before Connect is enough.
func (c *client) Subscribe(topicFilter string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topicFilter] = handler
	connected := c.internalClient != nil && c.internalClient.IsConnected()
	c.mu.Unlock()

	if connected {
		return c.subscribeOne(topicFilter, handler)
	}
	return nil
}

// subscribeOne performs the actual broker subscription for one filter.
func (c *client) subscribeOne(topicFilter string, handler MessageHandler) error {
	token := c.internalClient.Subscribe(topicFilter, QoSAtLeastOnce, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// Copy the payload, paho may reuse the buffer after this callback.
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		handler(msg.Topic(), payload)
	})
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return errors.Newf("subscribe timeout for %s", topicFilter).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(fmt.Errorf("subscribe to %s: %w", topicFilter, err)).
			Component("mqtt").
			Category(errors.CategoryMQTTSubscribe).
			Build()
	}
	mqttLogger.Info("Subscribed to topic", "filter", topicFilter)
	return nil
}

// Publish sends a message at QoS 1, retrying on transient failure with a
// fixed backoff between attempts. The final error is returned after all
// attempts are exhausted; callers treating publishes as fire-and-forget may
// log and move on.
func (c *client) Publish(ctx context.Context, topic, payload string) error {
	attempts := c.config.PublishAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.publishOnce(topic, payload)
		if lastErr == nil {
			return nil
		}

		mqttLogger.Warn("Publish attempt failed",
			"topic", topic,
			"attempt", attempt,
			"of", attempts,
			"error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(c.config.PublishBackoff):
		case <-ctx.Done():
			return errors.New(fmt.Errorf("publish cancelled: %w", ctx.Err())).
				Component("mqtt").
				Category(errors.CategoryMQTTPublish).
				Context("topic", topic).
				Build()
		}
	}

	mqttLogger.Error("Publish failed after all attempts", "topic", topic, "attempts", attempts, "error", lastErr)
	return lastErr
}

// publishOnce performs a single publish attempt.
func (c *client) publishOnce(topic, payload string) error {
	if !c.IsConnected() {
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Build()
	}

	var timer interface{ ObserveDuration() time.Duration }
	if c.metrics != nil {
		timer = c.metrics.StartPublishTimer()
	}

	token := c.internalClient.Publish(topic, QoSAtLeastOnce, false, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return errors.Newf("publish timeout").
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return errors.New(fmt.Errorf("publish error: %w", err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	if timer != nil {
		timer.ObserveDuration()
	}
	if c.metrics != nil {
		c.metrics.IncrementMessagesDelivered()
		c.metrics.ObserveMessageSize(float64(len(payload)))
	}
	return nil
}

// IsConnected returns true if the client is currently connected to the broker.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		if c.metrics != nil {
			c.metrics.UpdateConnectionStatus(false)
		}
	}
}

// onConnect re-establishes all registered subscriptions. Clean sessions drop
// subscriptions on every disconnect, so this runs on reconnects too.
func (c *client) onConnect(_ pahomqtt.Client) {
	mqttLogger.Info("Connected to MQTT broker", "broker", c.config.Broker)
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}

	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for filter, handler := range c.subscriptions {
		subs[filter] = handler
	}
	c.mu.Unlock()

	for filter, handler := range subs {
		if err := c.subscribeOne(filter, handler); err != nil {
			mqttLogger.Error("Failed to re-establish subscription", "filter", filter, "error", err)
			if c.metrics != nil {
				c.metrics.IncrementErrors()
			}
		}
	}
}

// onConnectionLost is invoked by paho when the connection drops; paho's
// auto-reconnect takes over from here.
func (c *client) onConnectionLost(_ pahomqtt.Client, err error) {
	mqttLogger.Warn("Connection to MQTT broker lost", "broker", c.config.Broker, "error", err)
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
		c.metrics.IncrementErrors()
		c.metrics.IncrementReconnectAttempts()
	}
}

// clientID derives a per-process unique client id so parallel deployments
// never steal each other's broker session.
func (c *client) clientID() string {
	prefix := c.config.ClientIDPrefix
	if prefix == "" {
		prefix = "fleetgrid-ingest"
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// isTLSBroker reports whether the broker URL implies a TLS transport.
func isTLSBroker(broker string) bool {
	lower := strings.ToLower(broker)
	return strings.HasPrefix(lower, "tls://") ||
		strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "wss://") ||
		strings.HasSuffix(lower, ":8883")
}
