// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"strings"
	"time"

	"github.com/vanrodolf/fleetgrid/internal/conf"
	"github.com/vanrodolf/fleetgrid/internal/errors"
	"gorm.io/gorm"
)

// Interface abstracts the underlying database implementation and defines the
// operations the ingest core performs against storage.
type Interface interface {
	Open() error
	Close() error
	// GetBusByIdentifier resolves a device identifier to its bus row,
	// matching case-insensitively. Returns a not-found error when no bus
	// carries the identifier.
	GetBusByIdentifier(identifier string) (*Bus, error)
	// SaveReading persists one accepted passenger counting update.
	SaveReading(reading *SensorReading) error
	// CreateGpsTest opens a new test session row and fills in its ID.
	CreateGpsTest(test *GpsTest) error
	// AppendGpsSample stores a sample and increments the owning session's
	// sample counter as a single transaction.
	AppendGpsSample(sample *GpsTestSample) error
	// LatestGpsTest returns the most recently started session for the
	// (bus, label) pair with started_at >= since, or a not-found error.
	LatestGpsTest(busID uint, label string, since time.Time) (*GpsTest, error)
	// CloseGpsTest applies closing statistics to a session and sets its end
	// timestamp to started_at + duration. A zero stats.Samples preserves the
	// previously accumulated counter.
	CloseGpsTest(testID uint, stats *GpsTestStats) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		// conf validation rejects this combination before we get here
		return nil
	}
}

// GetBusByIdentifier resolves a device identifier case-insensitively.
// The lookup is intentionally uncached so identifier renames take effect on
// the next message.
func (ds *DataStore) GetBusByIdentifier(identifier string) (*Bus, error) {
	var bus Bus
	err := ds.DB.Where("LOWER(identifier) = ?", strings.ToLower(identifier)).First(&bus).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.New(fmt.Errorf("getting bus by identifier %q: %w", identifier, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return &bus, nil
}

// SaveReading persists one passenger counting observation.
func (ds *DataStore) SaveReading(reading *SensorReading) error {
	if err := ds.DB.Create(reading).Error; err != nil {
		return errors.New(fmt.Errorf("saving sensor reading: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("bus_id", reading.BusID).
			Build()
	}
	return nil
}

// CreateGpsTest opens a new test session row. GORM fills test.ID on success.
func (ds *DataStore) CreateGpsTest(test *GpsTest) error {
	if err := ds.DB.Create(test).Error; err != nil {
		return errors.New(fmt.Errorf("creating gps test: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("bus_id", test.BusID).
			Context("label", test.Label).
			Build()
	}
	return nil
}

// AppendGpsSample stores the sample and bumps the session counter inside one
// transaction so a failed insert never leaves the counter ahead of the rows.
func (ds *DataStore) AppendGpsSample(sample *GpsTestSample) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sample).Error; err != nil {
			return fmt.Errorf("saving gps test sample: %w", err)
		}
		if err := tx.Model(&GpsTest{}).
			Where("id = ?", sample.TestID).
			UpdateColumn("samples", gorm.Expr("samples + 1")).Error; err != nil {
			return fmt.Errorf("incrementing sample counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("test_id", sample.TestID).
			Build()
	}
	return nil
}

// LatestGpsTest returns the most recently started session for (bus, label)
// within the lookback window.
func (ds *DataStore) LatestGpsTest(busID uint, label string, since time.Time) (*GpsTest, error) {
	var test GpsTest
	err := ds.DB.Where("bus_id = ? AND label = ? AND started_at >= ?", busID, label, since).
		Order("started_at DESC").
		First(&test).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.New(fmt.Errorf("querying latest gps test: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("bus_id", busID).
			Context("label", label).
			Build()
	}
	return &test, nil
}

// CloseGpsTest writes the summary statistics and the derived end timestamp.
func (ds *DataStore) CloseGpsTest(testID uint, stats *GpsTestStats) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var test GpsTest
		if err := tx.First(&test, testID).Error; err != nil {
			return fmt.Errorf("loading gps test %d: %w", testID, err)
		}

		endedAt := test.StartedAt.Add(time.Duration(stats.DurationS) * time.Second)
		updates := map[string]any{
			"mean_err_m": stats.MeanErrM,
			"rmse_m":     stats.RmseM,
			"min_err_m":  stats.MinErrM,
			"max_err_m":  stats.MaxErrM,
			"duration_s": stats.DurationS,
			"ended_at":   endedAt,
		}
		// A summary reporting zero samples means the device did not count,
		// not that the session was empty; keep the accumulated counter.
		if stats.Samples > 0 {
			updates["samples"] = stats.Samples
		}

		if err := tx.Model(&GpsTest{}).Where("id = ?", testID).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating gps test %d: %w", testID, err)
		}
		return nil
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("test_id", testID).
			Build()
	}
	return nil
}
