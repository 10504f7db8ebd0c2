// model.go this code defines the data model for the ingest service
package datastore

import "time"

// Bus is the fleet vehicle a device belongs to. The table is owned by the
// fleet management application; this service only reads it to resolve the
// device identifier embedded in MQTT topics.
type Bus struct {
	ID         uint   `gorm:"primaryKey"`
	Identifier string `gorm:"size:255;index:idx_bus_identifier"`
}

// TableName keeps the original singular table name of the external schema.
func (Bus) TableName() string { return "bus" }

// SensorReading is one accepted passenger counting update. Rows are created
// by the counting handler and never mutated.
type SensorReading struct {
	ID         uint `gorm:"primaryKey"`
	BusID      uint `gorm:"index:idx_sensor_reading_bus;not null"`
	InCount    int
	OutCount   int
	TotalCount int
	Timestamp  time.Time `gorm:"index:idx_sensor_reading_ts"`
}

func (SensorReading) TableName() string { return "sensor_reading" }

// GpsTest is one accuracy test session for a (bus, label) pair. Opened by the
// first sample, closed by a summary. EndedAt stays NULL until the summary.
type GpsTest struct {
	ID        uint   `gorm:"primaryKey"`
	BusID     uint   `gorm:"index:idx_gps_test_bus_label;not null"`
	Label     string `gorm:"size:64;index:idx_gps_test_bus_label"`
	LatTrue   float64
	LngTrue   float64
	StartedAt time.Time `gorm:"index:idx_gps_test_started"`
	EndedAt   *time.Time
	Samples   int
	MeanErrM  float64
	RmseM     float64
	MinErrM   float64
	MaxErrM   float64
	DurationS int
}

func (GpsTest) TableName() string { return "gps_test" }

// GpsTestSample is one positional accuracy reading within a test session.
// Sats and Hdop are NULL when the device did not report them.
type GpsTestSample struct {
	ID     uint `gorm:"primaryKey"`
	TestID uint `gorm:"index:idx_gps_test_sample_test;not null"`
	BusID  uint `gorm:"index:idx_gps_test_sample_bus;not null"`
	Ts     time.Time
	Lat    float64
	Lng    float64
	ErrM   float64
	Sats   *int
	Hdop   *float64
}

func (GpsTestSample) TableName() string { return "gps_test_sample" }

// GpsTestStats carries the closing statistics a summary message applies to a
// session. A Samples value of zero means "count not reported" and preserves
// the counter accumulated by the sample handler.
type GpsTestStats struct {
	MeanErrM  float64
	RmseM     float64
	MinErrM   float64
	MaxErrM   float64
	Samples   int
	DurationS int
}
