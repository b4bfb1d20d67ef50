// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tphakala/notify-go/internal/conf"
)

// Interface abstracts the underlying database implementation and defines
// the operations the notification pipeline needs.
type Interface interface {
	Open() error
	Close() error

	// Notification records
	SaveNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	UpdateNotification(ctx context.Context, n *Notification) error
	PendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]Notification, error)
	FailedUnderRetryLimit(ctx context.Context, maxRetries int) ([]Notification, error)
	CountByTypeAndStatus(ctx context.Context) (map[string]map[string]int64, error)

	// Email providers
	SaveProvider(ctx context.Context, p *EmailProvider) error
	GetProvider(ctx context.Context, id string) (*EmailProvider, error)
	ActiveProviders(ctx context.Context) ([]EmailProvider, error)
	AvailableProviders(ctx context.Context) ([]EmailProvider, error)
	AllProviders(ctx context.Context) ([]EmailProvider, error)
	IncrementProviderUsage(ctx context.Context, id string) (bool, error)
	ResetProviderUsage(ctx context.Context, id string) error
	SetProviderActive(ctx context.Context, id string, active bool) error
	ProvidersNeedingReset(ctx context.Context, now time.Time) ([]EmailProvider, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new store instance based on the enabled backend.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Database.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Database.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// Close closes the underlying database connection.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB handle: %w", err)
	}
	return sqlDB.Close()
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&Notification{}, &EmailProvider{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger(debug bool) logger.Interface {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      level,
			Colorful:      false,
		},
	)
}
