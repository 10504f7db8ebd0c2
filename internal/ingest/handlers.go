// handlers.go: transformation of decoded MQTT messages into storage writes.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vanrodolf/fleetgrid/internal/datastore"
	"github.com/vanrodolf/fleetgrid/internal/errors"
	"github.com/vanrodolf/fleetgrid/internal/observability/metrics"
	"gorm.io/gorm"
)

// Clock returns the current civil time of the deployment. Injected so tests
// control timestamps.
type Clock func() time.Time

// Handlers turns decoded telemetry messages into storage operations. One
// instance serves all three message kinds; it owns the dedup cache and the
// session tracker and is driven by a single dispatch loop.
type Handlers struct {
	store        datastore.Interface
	dedup        *DedupCache
	tracker      *SessionTracker
	resolver     *Resolver
	defaultLabel string
	lookback     time.Duration
	loc          *time.Location
	now          Clock
	log          *slog.Logger
	metrics      *metrics.IngestMetrics
}

// HandlersConfig carries the knobs for a Handlers instance.
type HandlersConfig struct {
	DefaultLabel    string        // label assumed when a test message omits one
	SummaryLookback time.Duration // session search window for summaries
	Location        *time.Location
}

// NewHandlers creates a Handlers instance. The metrics argument may be nil.
func NewHandlers(store datastore.Interface, cfg *HandlersConfig, log *slog.Logger, ingestMetrics *metrics.IngestMetrics) *Handlers {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		store:        store,
		dedup:        NewDedupCache(),
		tracker:      NewSessionTracker(),
		resolver:     NewResolver(store),
		defaultLabel: cfg.DefaultLabel,
		lookback:     cfg.SummaryLookback,
		loc:          loc,
		now:          func() time.Time { return time.Now().In(loc) },
		log:          log,
		metrics:      ingestMetrics,
	}
}

// peoplePayload is the body of a counting update. Missing fields stay zero.
// Float fields tolerate devices that publish counts as JSON floats.
type peoplePayload struct {
	In    float64 `json:"in"`
	Out   float64 `json:"out"`
	Total float64 `json:"total"`
}

// samplePayload is the body of a GPS accuracy sample. Position and error
// fields are required; sats/hdop are stored as NULL when absent.
type samplePayload struct {
	Label   string   `json:"label"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	LatTrue *float64 `json:"lat_true"`
	LngTrue *float64 `json:"lng_true"`
	ErrM    *float64 `json:"err_m"`
	Sats    *int     `json:"sats"`
	Hdop    *float64 `json:"hdop"`
	Ts      string   `json:"ts"`
}

// summaryPayload is the body of a GPS accuracy summary. All numeric fields
// default to zero when absent.
type summaryPayload struct {
	Label     string  `json:"label"`
	MeanErrM  float64 `json:"mean_err_m"`
	RmseM     float64 `json:"rmse_m"`
	MinErrM   float64 `json:"min_err_m"`
	MaxErrM   float64 `json:"max_err_m"`
	Samples   int     `json:"samples"`
	LatTrue   float64 `json:"lat_true"`
	LngTrue   float64 `json:"lng_true"`
	DurationS int     `json:"duration_s"`
}

// HandlePeople processes one passenger counting update. Duplicate cumulative
// totals are dropped without an error, everything else that goes wrong is
// returned for the runner to log.
func (h *Handlers) HandlePeople(topic string, payload []byte) error {
	var p peoplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return h.malformed(err)
	}

	bus, _, err := h.resolver.Resolve(topic)
	if err != nil {
		return err
	}

	total := int(p.Total)
	if !h.dedup.ShouldAccept(bus.ID, total) {
		// Expected on device reconnect, not an error.
		if h.metrics != nil {
			h.metrics.IncrementDuplicatesSuppressed()
		}
		h.log.Debug("Duplicate counting update suppressed", "bus_id", bus.ID, "total", total)
		return nil
	}

	reading := &datastore.SensorReading{
		BusID:      bus.ID,
		InCount:    int(p.In),
		OutCount:   int(p.Out),
		TotalCount: total,
		Timestamp:  h.now(),
	}
	if err := h.store.SaveReading(reading); err != nil {
		return err
	}

	h.log.Debug("Stored sensor reading", "bus_id", bus.ID, "total", total)
	return nil
}

// HandleTestSample processes one GPS accuracy sample. The first sample for an
// untracked (bus, label) opens a new session; this is the only place sessions
// are opened by samples.
func (h *Handlers) HandleTestSample(topic string, payload []byte) error {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return h.malformed(err)
	}
	if p.Lat == nil || p.Lng == nil || p.LatTrue == nil || p.LngTrue == nil || p.ErrM == nil {
		return h.malformed(fmt.Errorf("sample is missing required position fields"))
	}

	bus, _, err := h.resolver.Resolve(topic)
	if err != nil {
		return err
	}

	label := p.Label
	if label == "" {
		label = h.defaultLabel
	}

	ts := h.now()
	if p.Ts != "" {
		parsed, err := parseTimestamp(p.Ts, h.loc)
		if err != nil {
			return h.malformed(fmt.Errorf("invalid sample timestamp %q: %w", p.Ts, err))
		}
		ts = parsed
	}

	testID, tracked := h.tracker.Open(bus.ID, label)
	if !tracked {
		test := &datastore.GpsTest{
			BusID:     bus.ID,
			Label:     label,
			LatTrue:   *p.LatTrue,
			LngTrue:   *p.LngTrue,
			StartedAt: ts,
			Samples:   0,
		}
		if err := h.store.CreateGpsTest(test); err != nil {
			return err
		}
		testID = test.ID
		h.tracker.Remember(bus.ID, label, testID)
		if h.metrics != nil {
			h.metrics.IncrementSessionsOpened()
		}
		h.log.Info("Opened gps test session", "test_id", testID, "bus_id", bus.ID, "label", label)
	}

	sample := &datastore.GpsTestSample{
		TestID: testID,
		BusID:  bus.ID,
		Ts:     ts,
		Lat:    *p.Lat,
		Lng:    *p.Lng,
		ErrM:   *p.ErrM,
		Sats:   p.Sats,
		Hdop:   p.Hdop,
	}
	return h.store.AppendGpsSample(sample)
}

// HandleTestSummary closes the session the summary belongs to. The session
// is located through storage rather than the tracker: the summary may arrive
// on a different process instance than the samples did.
func (h *Handlers) HandleTestSummary(topic string, payload []byte) error {
	var p summaryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return h.malformed(err)
	}

	bus, _, err := h.resolver.Resolve(topic)
	if err != nil {
		return err
	}

	label := p.Label
	if label == "" {
		label = h.defaultLabel
	}

	since := h.now().Add(-h.lookback)
	test, err := h.store.LatestGpsTest(bus.ID, label, since)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// Summary arrived with no surviving session, all samples were lost.
		// Synthesize one so the statistics still land somewhere.
		test = &datastore.GpsTest{
			BusID:     bus.ID,
			Label:     label,
			LatTrue:   p.LatTrue,
			LngTrue:   p.LngTrue,
			StartedAt: h.now().Add(-time.Duration(p.DurationS) * time.Second),
			Samples:   0,
		}
		if err := h.store.CreateGpsTest(test); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.IncrementSessionsOpened()
		}
		h.log.Warn("Summary without prior samples, synthesized session",
			"test_id", test.ID, "bus_id", bus.ID, "label", label)
	}

	stats := &datastore.GpsTestStats{
		MeanErrM:  p.MeanErrM,
		RmseM:     p.RmseM,
		MinErrM:   p.MinErrM,
		MaxErrM:   p.MaxErrM,
		Samples:   p.Samples,
		DurationS: p.DurationS,
	}
	if err := h.store.CloseGpsTest(test.ID, stats); err != nil {
		return err
	}

	// Let the next sample for this pair open a fresh session instead of
	// appending to the one just closed.
	h.tracker.Forget(bus.ID, label)
	if h.metrics != nil {
		h.metrics.IncrementSessionsClosed()
	}
	h.log.Info("Closed gps test session", "test_id", test.ID, "bus_id", bus.ID, "label", label)
	return nil
}

// malformed wraps a decode problem as a validation error.
func (h *Handlers) malformed(err error) error {
	return errors.New(fmt.Errorf("malformed payload: %w", err)).
		Component("ingest").
		Category(errors.CategoryValidation).
		Build()
}

// parseTimestamp accepts RFC 3339 timestamps as well as the offset-less
// variant some device firmwares emit. An offset-less wall time is the
// deployment's civil time, not UTC.
func parseTimestamp(value string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", value, loc)
}
