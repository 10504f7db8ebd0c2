package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanrodolf/fleetgrid/internal/datastore"
	"gorm.io/gorm"
)

// mockStore is an in-memory datastore.Interface used by the handler, resolver
// and runner tests. It mimics the observable semantics of the real store,
// including the sample counter increment and the end timestamp derivation.
type mockStore struct {
	mu          sync.Mutex
	buses       map[string]*datastore.Bus
	readings    []*datastore.SensorReading
	tests       map[uint]*datastore.GpsTest
	samples     []*datastore.GpsTestSample
	nextID      uint
	panicOnSave bool
}

func newMockStore(identifiers ...string) *mockStore {
	s := &mockStore{
		buses: make(map[string]*datastore.Bus),
		tests: make(map[uint]*datastore.GpsTest),
	}
	for _, id := range identifiers {
		s.nextID++
		s.buses[id] = &datastore.Bus{ID: s.nextID, Identifier: id}
	}
	return s
}

func (s *mockStore) Open() error  { return nil }
func (s *mockStore) Close() error { return nil }

func (s *mockStore) GetBusByIdentifier(identifier string) (*datastore.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bus := range s.buses {
		if strings.EqualFold(bus.Identifier, identifier) {
			return bus, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *mockStore) SaveReading(reading *datastore.SensorReading) error {
	if s.panicOnSave {
		panic("save exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	reading.ID = s.nextID
	s.readings = append(s.readings, reading)
	return nil
}

func (s *mockStore) CreateGpsTest(test *datastore.GpsTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	test.ID = s.nextID
	s.tests[test.ID] = test
	return nil
}

func (s *mockStore) AppendGpsSample(sample *datastore.GpsTestSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	test, ok := s.tests[sample.TestID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	s.nextID++
	sample.ID = s.nextID
	s.samples = append(s.samples, sample)
	test.Samples++
	return nil
}

func (s *mockStore) LatestGpsTest(busID uint, label string, since time.Time) (*datastore.GpsTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*datastore.GpsTest
	for _, test := range s.tests {
		if test.BusID == busID && test.Label == label && !test.StartedAt.Before(since) {
			candidates = append(candidates, test)
		}
	}
	if len(candidates) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartedAt.After(candidates[j].StartedAt)
	})
	return candidates[0], nil
}

func (s *mockStore) CloseGpsTest(testID uint, stats *datastore.GpsTestStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	test, ok := s.tests[testID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	endedAt := test.StartedAt.Add(time.Duration(stats.DurationS) * time.Second)
	test.EndedAt = &endedAt
	test.MeanErrM = stats.MeanErrM
	test.RmseM = stats.RmseM
	test.MinErrM = stats.MinErrM
	test.MaxErrM = stats.MaxErrM
	test.DurationS = stats.DurationS
	if stats.Samples > 0 {
		test.Samples = stats.Samples
	}
	return nil
}

var testLocation = time.FixedZone("UTC+08:00", 8*3600)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandlers builds a Handlers instance with a fixed clock.
func newTestHandlers(store datastore.Interface, now time.Time) *Handlers {
	h := NewHandlers(store, &HandlersConfig{
		DefaultLabel:    "test",
		SummaryLookback: 24 * time.Hour,
		Location:        testLocation,
	}, discardLogger(), nil)
	h.now = func() time.Time { return now }
	return h
}

func TestHandlePeopleStoresReading(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)
	h := newTestHandlers(store, now)

	err := h.HandlePeople("device/bus-7/people", []byte(`{"in": 3, "out": 1, "total": 12}`))
	require.NoError(t, err)

	require.Len(t, store.readings, 1)
	reading := store.readings[0]
	assert.Equal(t, 3, reading.InCount)
	assert.Equal(t, 1, reading.OutCount)
	assert.Equal(t, 12, reading.TotalCount)
	assert.True(t, reading.Timestamp.Equal(now))
}

func TestHandlePeopleSuppressesRepeatedTotal(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	payload := []byte(`{"in": 3, "out": 1, "total": 12}`)
	require.NoError(t, h.HandlePeople("device/bus-7/people", payload))
	// Device reconnect re-publishes the same snapshot.
	require.NoError(t, h.HandlePeople("device/bus-7/people", payload))
	assert.Len(t, store.readings, 1)

	// A changed total goes through again.
	require.NoError(t, h.HandlePeople("device/bus-7/people", []byte(`{"in": 4, "out": 1, "total": 13}`)))
	assert.Len(t, store.readings, 2)
}

func TestHandlePeopleDedupIsPerBus(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7", "bus-8")
	h := newTestHandlers(store, time.Now().In(testLocation))

	payload := []byte(`{"total": 12}`)
	require.NoError(t, h.HandlePeople("device/bus-7/people", payload))
	require.NoError(t, h.HandlePeople("device/bus-8/people", payload))
	assert.Len(t, store.readings, 2)
}

func TestHandlePeopleUnknownDevice(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	err := h.HandlePeople("device/ghost/people", []byte(`{"total": 1}`))
	require.ErrorIs(t, err, ErrUnknownDevice)
	assert.Empty(t, store.readings)
}

func TestHandlePeopleMalformedPayload(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	err := h.HandlePeople("device/bus-7/people", []byte(`{"total": `))
	require.Error(t, err)
	assert.Empty(t, store.readings)
}

func TestHandleTestSampleOpensSession(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)
	h := newTestHandlers(store, now)

	payload := []byte(`{"label": "rooftop", "lat": 1.3521, "lng": 103.8198,
		"lat_true": 1.3520, "lng_true": 103.8199, "err_m": 4.2,
		"sats": 9, "ts": "2025-03-01T09:30:00+08:00"}`)
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", payload))

	require.Len(t, store.tests, 1)
	require.Len(t, store.samples, 1)

	sample := store.samples[0]
	test := store.tests[sample.TestID]
	require.NotNil(t, test)
	assert.Equal(t, "rooftop", test.Label)
	assert.Equal(t, 1.3520, test.LatTrue)
	assert.Equal(t, 103.8199, test.LngTrue)
	assert.Equal(t, 1, test.Samples)
	assert.Nil(t, test.EndedAt)

	wantTs := time.Date(2025, 3, 1, 9, 30, 0, 0, testLocation)
	assert.True(t, test.StartedAt.Equal(wantTs))
	assert.True(t, sample.Ts.Equal(wantTs))
	require.NotNil(t, sample.Sats)
	assert.Equal(t, 9, *sample.Sats)
	assert.Nil(t, sample.Hdop)
}

func TestHandleTestSampleReusesOpenSession(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"label": "rooftop", "lat": 1.35, "lng": 103.81,
			"lat_true": 1.35, "lng_true": 103.82, "err_m": %d.5}`, i))
		require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", payload))
	}

	require.Len(t, store.tests, 1)
	require.Len(t, store.samples, 3)
	for _, test := range store.tests {
		assert.Equal(t, 3, test.Samples)
	}
}

func TestHandleTestSampleLabelsAreSeparateSessions(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	base := `{"lat": 1.35, "lng": 103.81, "lat_true": 1.35, "lng_true": 103.82, "err_m": 2.0, "label": %q}`
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", []byte(fmt.Sprintf(base, "rooftop"))))
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", []byte(fmt.Sprintf(base, "tunnel"))))

	assert.Len(t, store.tests, 2)
}

func TestHandleTestSampleDefaultLabel(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	payload := []byte(`{"lat": 1.35, "lng": 103.81, "lat_true": 1.35, "lng_true": 103.82, "err_m": 2.0}`)
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", payload))

	for _, test := range store.tests {
		assert.Equal(t, "test", test.Label)
	}
}

func TestHandleTestSampleMissingPositionFields(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	err := h.HandleTestSample("device/bus-7/test/sample", []byte(`{"lat": 1.35, "lng": 103.81}`))
	require.Error(t, err)
	assert.Empty(t, store.tests)
	assert.Empty(t, store.samples)
}

func TestHandleTestSummaryClosesSession(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)
	h := newTestHandlers(store, now)

	sample := []byte(`{"label": "rooftop", "lat": 1.35, "lng": 103.81,
		"lat_true": 1.35, "lng_true": 103.82, "err_m": 2.0,
		"ts": "2025-03-01T09:30:00+08:00"}`)
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", sample))

	// A device that streams live samples reports samples: 0 in the summary;
	// the accumulated counter must survive the close.
	summary := []byte(`{"label": "rooftop", "mean_err_m": 3.1, "rmse_m": 3.6,
		"min_err_m": 0.8, "max_err_m": 9.4, "samples": 0, "duration_s": 120}`)
	require.NoError(t, h.HandleTestSummary("device/bus-7/test/summary", summary))

	require.Len(t, store.tests, 1)
	for _, test := range store.tests {
		assert.Equal(t, 3.1, test.MeanErrM)
		assert.Equal(t, 3.6, test.RmseM)
		assert.Equal(t, 0.8, test.MinErrM)
		assert.Equal(t, 9.4, test.MaxErrM)
		assert.Equal(t, 120, test.DurationS)
		assert.Equal(t, 1, test.Samples)
		require.NotNil(t, test.EndedAt)
		assert.True(t, test.EndedAt.Equal(test.StartedAt.Add(120*time.Second)))
	}
}

func TestHandleTestSummaryReleasesTrackedSession(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	h := newTestHandlers(store, time.Now().In(testLocation))

	sample := []byte(`{"label": "rooftop", "lat": 1.35, "lng": 103.81,
		"lat_true": 1.35, "lng_true": 103.82, "err_m": 2.0}`)
	summary := []byte(`{"label": "rooftop", "samples": 1, "duration_s": 60}`)

	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", sample))
	require.NoError(t, h.HandleTestSummary("device/bus-7/test/summary", summary))

	// The next sample for the pair belongs to a fresh session.
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", sample))
	assert.Len(t, store.tests, 2)
}

func TestHandleTestSummarySynthesizesSession(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)
	h := newTestHandlers(store, now)

	summary := []byte(`{"label": "rooftop", "mean_err_m": 2.5, "rmse_m": 2.9,
		"min_err_m": 1.0, "max_err_m": 5.0, "samples": 42,
		"lat_true": 1.35, "lng_true": 103.82, "duration_s": 300}`)
	require.NoError(t, h.HandleTestSummary("device/bus-7/test/summary", summary))

	require.Len(t, store.tests, 1)
	for _, test := range store.tests {
		assert.Equal(t, "rooftop", test.Label)
		assert.Equal(t, 1.35, test.LatTrue)
		assert.Equal(t, 103.82, test.LngTrue)
		assert.Equal(t, 42, test.Samples)
		assert.True(t, test.StartedAt.Equal(now.Add(-300*time.Second)))
		require.NotNil(t, test.EndedAt)
		assert.True(t, test.EndedAt.Equal(now))
	}
}

func TestHandleTestSummaryIgnoresStaleSessions(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)

	// A session older than the lookback window must not be reopened.
	stale := &datastore.GpsTest{
		BusID:     1,
		Label:     "rooftop",
		StartedAt: now.Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateGpsTest(stale))

	h := newTestHandlers(store, now)
	summary := []byte(`{"label": "rooftop", "samples": 5, "duration_s": 60}`)
	require.NoError(t, h.HandleTestSummary("device/bus-7/test/summary", summary))

	assert.Len(t, store.tests, 2)
	assert.Nil(t, store.tests[stale.ID].EndedAt)
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ts, err := parseTimestamp("2025-03-01T09:30:00+08:00", testLocation)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2025, 3, 1, 9, 30, 0, 0, testLocation)))

	// An offset-less wall time is civil time in the configured zone, never
	// UTC: 09:30 on a +08:00 deployment is the instant 01:30Z.
	ts, err = parseTimestamp("2025-03-01T09:30:00", testLocation)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2025, 3, 1, 9, 30, 0, 0, testLocation)))
	assert.True(t, ts.Equal(time.Date(2025, 3, 1, 1, 30, 0, 0, time.UTC)))

	_, err = parseTimestamp("yesterday", testLocation)
	require.Error(t, err)
}

func TestHandleTestSampleOffsetlessTimestamp(t *testing.T) {
	t.Parallel()

	store := newMockStore("bus-7")
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, testLocation)
	h := newTestHandlers(store, now)

	payload := []byte(`{"lat": 1.35, "lng": 103.81, "lat_true": 1.35,
		"lng_true": 103.82, "err_m": 2.0, "ts": "2025-03-01T09:30:00"}`)
	require.NoError(t, h.HandleTestSample("device/bus-7/test/sample", payload))

	want := time.Date(2025, 3, 1, 9, 30, 0, 0, testLocation)
	require.Len(t, store.samples, 1)
	assert.True(t, store.samples[0].Ts.Equal(want))
	for _, test := range store.tests {
		assert.True(t, test.StartedAt.Equal(want))
	}
}
