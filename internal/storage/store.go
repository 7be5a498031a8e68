// Package storage defines the unified Store interface behind command history and
// named VFS snapshots. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (shared deployments).
package storage

import (
	"context"

	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

// Store is the unified persistence interface for vfsbox.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	History() history.Store
	Snapshots() vfs.SnapshotStore

	// Ping checks the connection for readiness checks.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables persistence; history is then kept in memory only.
const DriverNone = "none"
