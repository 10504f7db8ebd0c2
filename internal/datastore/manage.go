// manage.go: database connection management and schema migration
package datastore

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vanrodolf/fleetgrid/internal/logging"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Queries slower than this get a warning from the GORM logger.
const defaultSlowQueryThreshold = 1 * time.Second

// Package-level logger for datastore events, shared by both store types.
var dsLogger *slog.Logger

func init() {
	dsLogger = logging.ForService("datastore")
	if dsLogger == nil {
		dsLogger = slog.Default().With("service", "datastore")
	}
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger(debug bool) gormlogger.Interface {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return gormlogger.New(&gormLogWriter{}, gormlogger.Config{
		SlowThreshold:             defaultSlowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// gormLogWriter adapts GORM's printf-style logging onto slog.
type gormLogWriter struct{}

func (w *gormLogWriter) Printf(format string, args ...any) {
	dsLogger.Debug(fmt.Sprintf(format, args...))
}

// performAutoMigration creates or updates the tables owned by the ingest
// service. The bus table belongs to the fleet application; it is migrated
// here only so development and test databases are usable out of the box,
// rows in it are never written by this service.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&Bus{}, &SensorReading{}, &GpsTest{}, &GpsTestSample{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		dsLogger.Debug("Database connection initialized",
			"type", dbType,
			"connection", connectionInfo)
	}
	return nil
}
