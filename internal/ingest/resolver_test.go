package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverResolvesKnownDevice(t *testing.T) {
	t.Parallel()

	r := NewResolver(newMockStore("bus-7"))

	bus, deviceID, err := r.Resolve("device/bus-7/people")
	require.NoError(t, err)
	assert.Equal(t, "bus-7", deviceID)
	assert.Equal(t, "bus-7", bus.Identifier)
}

func TestResolverIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := NewResolver(newMockStore("bus-7"))

	bus, _, err := r.Resolve("device/BUS-7/test/sample")
	require.NoError(t, err)
	assert.Equal(t, "bus-7", bus.Identifier)
}

func TestResolverMalformedTopics(t *testing.T) {
	t.Parallel()

	r := NewResolver(newMockStore("bus-7"))

	for _, topic := range []string{"device/people", "device//people", "people", ""} {
		_, _, err := r.Resolve(topic)
		assert.ErrorIs(t, err, ErrMalformedTopic, "topic %q", topic)
	}
}

func TestResolverUnknownDevice(t *testing.T) {
	t.Parallel()

	r := NewResolver(newMockStore("bus-7"))

	_, deviceID, err := r.Resolve("device/ghost/people")
	require.ErrorIs(t, err, ErrUnknownDevice)
	assert.Equal(t, "ghost", deviceID)
}
