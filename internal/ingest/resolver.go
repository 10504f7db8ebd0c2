// resolver.go: maps device-scoped MQTT topics to fleet entities.
package ingest

import (
	"fmt"
	"strings"

	"github.com/vanrodolf/fleetgrid/internal/datastore"
	"github.com/vanrodolf/fleetgrid/internal/errors"
	"gorm.io/gorm"
)

// ErrMalformedTopic marks a topic that does not have the expected
// <prefix>/<deviceId>/<suffix> shape.
var ErrMalformedTopic = errors.NewStd("malformed topic")

// ErrUnknownDevice marks a device identifier no bus is registered under.
var ErrUnknownDevice = errors.NewStd("unknown device")

// Resolver extracts the device identifier from a topic and resolves it to a
// bus through storage. Lookups are deliberately uncached: an identifier
// rename takes effect on the very next message.
type Resolver struct {
	store datastore.Interface
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store datastore.Interface) *Resolver {
	return &Resolver{store: store}
}

// Resolve splits the topic and looks up the bus for its device identifier
// segment. The returned device id is the raw topic segment, useful for
// logging even when resolution fails.
func (r *Resolver) Resolve(topic string) (*datastore.Bus, string, error) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) < 3 || parts[1] == "" {
		return nil, "", errors.New(fmt.Errorf("%w: %s", ErrMalformedTopic, topic)).
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}
	deviceID := parts[1]

	bus, err := r.store.GetBusByIdentifier(deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deviceID, errors.New(fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)).
				Component("ingest").
				Category(errors.CategoryNotFound).
				Context("device_id", deviceID).
				Build()
		}
		return nil, deviceID, err
	}
	return bus, deviceID, nil
}
