// validate.go: validation of loaded settings
package conf

import (
	"errors"
	"fmt"
	"strings"
)

// ValidateSettings checks the loaded settings for obvious misconfiguration.
// It collects all problems instead of failing on the first one.
func ValidateSettings(settings *Settings) error {
	var ve ValidationError

	if settings.MQTT.Broker == "" {
		ve.Errors = append(ve.Errors, "mqtt.broker must not be empty")
	}

	if settings.Ingest.TopicPrefix == "" {
		ve.Errors = append(ve.Errors, "ingest.topicprefix must not be empty")
	} else if strings.Contains(settings.Ingest.TopicPrefix, "/") {
		ve.Errors = append(ve.Errors, "ingest.topicprefix must be a single topic segment")
	}

	if settings.Ingest.SummaryLookback <= 0 {
		ve.Errors = append(ve.Errors, "ingest.summarylookback must be positive")
	}

	if _, err := ParseFixedOffset(settings.Main.Timezone); err != nil {
		ve.Errors = append(ve.Errors, fmt.Sprintf("main.timezone: %v", err))
	}

	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		ve.Errors = append(ve.Errors, "either output.sqlite or output.mysql must be enabled")
	}
	if settings.Output.SQLite.Enabled && settings.Output.MySQL.Enabled {
		ve.Errors = append(ve.Errors, "only one of output.sqlite and output.mysql may be enabled")
	}

	if settings.Output.MySQL.Enabled {
		if settings.Output.MySQL.Host == "" || settings.Output.MySQL.Port == "" {
			ve.Errors = append(ve.Errors, "output.mysql.host and output.mysql.port are required")
		}
		if settings.Output.MySQL.Database == "" {
			ve.Errors = append(ve.Errors, "output.mysql.database is required")
		}
	}

	if len(ve.Errors) > 0 {
		return &ve
	}
	return nil
}

// ValidationError holds a list of validation error messages.
type ValidationError struct {
	Errors []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(ve.Errors, "; "))
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
