package blob

import (
	"context"
	"fmt"
	"os"
)

// Config selects and parameterises a Store.
type Config struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ConfigFromEnv reads the blob configuration from environment variables.
//
//	FCREPORT_BLOB_DRIVER: fs|s3|memory (default fs)
//	FCREPORT_BLOB_FS_ROOT: directory root when driver=fs (default ./reports)
//	(S3 specific variables documented in infra/blob/s3)
func ConfigFromEnv() Config {
	return Config{
		Driver: os.Getenv("FCREPORT_BLOB_DRIVER"),
		FSRoot: os.Getenv("FCREPORT_BLOB_FS_ROOT"),
		S3:     S3ConfigFromEnv(),
	}
}

// Open constructs the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver, err := ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
