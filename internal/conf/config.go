// config.go: defines the settings structure and config file handling
package conf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the complete configuration of the ingest service.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"` // Version from build
	BuildDate string `yaml:"-"` // Build date from build

	Main struct {
		Name     string    // name of this ingest node, used as MQTT client id prefix
		Timezone string    // fixed UTC offset for persisted civil timestamps, e.g. "+08:00"
		Log      LogConfig // logging configuration
	}

	MQTT MQTTSettings // broker connection settings

	Ingest IngestSettings // subscription and handler settings

	Output struct {
		SQLite struct {
			Enabled bool   // true to enable sqlite output
			Path    string // path to sqlite database
		}

		MySQL struct {
			Enabled  bool   // true to enable mysql output
			Username string // username for mysql database
			Password string // password for mysql database
			Database string // database name for mysql database
			Host     string // host for mysql database
			Port     string // port for mysql database
		}
	}
}

// MQTTSettings holds the MQTT broker connection configuration.
type MQTTSettings struct {
	Broker            string        // broker URL, e.g. tls://host:8883 or ws://host:8884/mqtt
	Username          string        // broker username
	Password          string        // broker password
	KeepAlive         time.Duration // MQTT keepalive interval
	ConnectTimeout    time.Duration // timeout for the initial connect
	PublishTimeout    time.Duration // timeout for a single publish attempt
	DisconnectTimeout time.Duration // grace period for disconnect
	ReconnectDelay    time.Duration // initial delay before a reconnect attempt
	ReconnectMax      time.Duration // upper bound for reconnect backoff
	InsecureSkipTLS   bool          // true to skip TLS certificate verification
}

// IngestSettings holds settings for the subscription runner and handlers.
type IngestSettings struct {
	TopicPrefix     string        // first topic segment, devices publish under <prefix>/<deviceId>/...
	DefaultLabel    string        // label assumed when a test message omits one
	SummaryLookback time.Duration // how far back a summary searches for its session
	Log             LogConfig     // logging configuration for the ingest service

	Telemetry struct {
		Enabled bool   // true to expose a Prometheus scrape endpoint
		Listen  string // listen address for the scrape endpoint
	}
}

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled     bool         // true to enable this log
	Path        string       // path to the log file
	Rotation    RotationType // type of log rotation
	MaxSize     int64        // max size in bytes for RotationSize
	RotationDay string       // day of the week for RotationWeekly ("Sunday", "Monday", ...)
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration into a new Settings struct and stores it as
// the package-level instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/fleetgrid")
	viper.AddConfigPath("/etc/fleetgrid")

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and flags cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// Setting returns the current settings instance, or nil before Load().
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// TimeLocation parses the configured fixed-offset timezone into a location.
// Persisted timestamps use the deployment's civil time, not UTC.
func (s *Settings) TimeLocation() (*time.Location, error) {
	return ParseFixedOffset(s.Main.Timezone)
}

// ParseFixedOffset converts an offset string of the form "+08:00" or "-05:30"
// into a fixed-zone location.
func ParseFixedOffset(offset string) (*time.Location, error) {
	var sign rune
	var hours, minutes int
	if _, err := fmt.Sscanf(offset, "%c%02d:%02d", &sign, &hours, &minutes); err != nil {
		return nil, fmt.Errorf("invalid timezone offset %q: %w", offset, err)
	}
	secs := hours*3600 + minutes*60
	switch sign {
	case '+':
	case '-':
		secs = -secs
	default:
		return nil, fmt.Errorf("invalid timezone offset %q: sign must be + or -", offset)
	}
	return time.FixedZone("UTC"+offset, secs), nil
}
