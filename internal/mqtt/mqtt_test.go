package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanrodolf/fleetgrid/internal/conf"
)

func TestConfigFromSettingsDefaults(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Main.Name = "fleetgrid-ingest"
	settings.MQTT.Broker = "tcp://localhost:1883"

	cfg := ConfigFromSettings(settings)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker)
	assert.Equal(t, "fleetgrid-ingest", cfg.ClientIDPrefix)
	assert.Equal(t, 45*time.Second, cfg.KeepAlive)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.PublishAttempts)
}

func TestConfigFromSettingsOverrides(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.MQTT.Broker = "tls://broker:8883"
	settings.MQTT.Username = "fleet"
	settings.MQTT.Password = "secret"
	settings.MQTT.KeepAlive = 20 * time.Second
	settings.MQTT.ConnectTimeout = 5 * time.Second
	settings.MQTT.InsecureSkipTLS = true

	cfg := ConfigFromSettings(settings)
	assert.Equal(t, "fleet", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 20*time.Second, cfg.KeepAlive)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.True(t, cfg.InsecureSkipTLS)
}

func TestConnectCooldownRejectsRapidRetries(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	// Nothing listens on port 1; the IP literal skips DNS resolution.
	cfg.Broker = "tcp://127.0.0.1:1"
	cfg.ConnectTimeout = 50 * time.Millisecond

	c := NewClient(cfg, nil)
	require.Error(t, c.Connect(context.Background()))

	// A second attempt inside the cooldown window is rejected before any
	// network activity.
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too recent")
}

func TestPublishFailsWhenNotConnected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Broker = "tcp://localhost:1883"
	cfg.PublishAttempts = 2
	cfg.PublishBackoff = time.Millisecond

	c := NewClient(cfg, nil)
	err := c.Publish(context.Background(), "device/bus-7/people", `{"total": 1}`)
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestPublishStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Broker = "tcp://localhost:1883"
	cfg.PublishAttempts = 5
	cfg.PublishBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(cfg, nil)
	start := time.Now()
	err := c.Publish(ctx, "device/bus-7/people", `{"total": 1}`)
	require.Error(t, err)
	// The cancelled context must short-circuit the inter-attempt backoff.
	assert.Less(t, time.Since(start), time.Second)
}
