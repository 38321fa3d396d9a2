// Package persistence archives pipeline runs and the linkage ingest log.
// Callers depend on persistence.Store; backends live under
// internal/infra/persistence.
package persistence

import (
	"fcreport/internal/persistence/core"
)

type (
	Driver         = core.Driver
	Run            = core.Run
	RunStatus      = core.RunStatus
	SessionOutcome = core.SessionOutcome
	Artifact       = core.Artifact
	Snapshot       = core.Snapshot
	Store          = core.Store
)

const (
	DriverMemory   = core.DriverMemory
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres

	RunCompleted = core.RunCompleted
	RunPartial   = core.RunPartial
	RunFailed    = core.RunFailed
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = core.ErrNotFound

// ParseDriver maps a configuration string onto a Driver. Empty selects
// SQLite.
func ParseDriver(s string) (Driver, error) { return core.ParseDriver(s) }
