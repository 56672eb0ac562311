// Package storage persists gateway counters, the packet history and the
// event log in PostgreSQL or SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Counter methods
	LoadCounters(ctx context.Context, gatewayID lorawan.EUI64) (models.Counters, error)
	SaveCounters(ctx context.Context, gatewayID lorawan.EUI64, counters models.Counters) error

	// Packet history methods
	SavePacket(ctx context.Context, gatewayID lorawan.EUI64, packet *models.PacketSummary) error
	ListPackets(ctx context.Context, gatewayID lorawan.EUI64, limit, offset int) ([]*models.PacketSummary, int64, error)
	PrunePackets(ctx context.Context, gatewayID lorawan.EUI64, keep int) (int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	GatewayID *lorawan.EUI64
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database named by driver ("postgres" or "sqlite3")
// and applies the schema.
func Open(ctx context.Context, driver, dsn string, opts Options) (*SQLStore, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn, opts)
	case DriverSQLite:
		return NewSQLiteStore(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}
