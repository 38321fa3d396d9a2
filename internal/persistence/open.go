package persistence

import (
	"context"
	"fmt"
	"os"

	"fcreport/internal/infra/persistence/memory"
	"fcreport/internal/infra/persistence/postgres"
	"fcreport/internal/infra/persistence/sqlite"
	"fcreport/internal/persistence/core"
)

// Config selects a backend.
type Config struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"-"`
}

// ConfigFromEnv reads the storage configuration from the environment.
//
//	FCREPORT_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FCREPORT_SQLITE_PATH: path to sqlite file (default ./fcreport.db)
//	FCREPORT_POSTGRES_DSN: postgres DSN when driver=postgres
func ConfigFromEnv() Config {
	return Config{
		Driver:      os.Getenv("FCREPORT_STORAGE_DRIVER"),
		SQLitePath:  os.Getenv("FCREPORT_SQLITE_PATH"),
		PostgresDSN: os.Getenv("FCREPORT_POSTGRES_DSN"),
	}
}

// Open constructs the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver, err := core.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// NewMemory returns an ephemeral archive.
func NewMemory() Store { return memory.NewStore() }
