// Package core defines the run archive contract shared by the persistence
// facade and its backend implementations.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fcreport/internal/linkage"
)

// Driver identifies a concrete persistent storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// ParseDriver maps a configuration string onto a Driver. Empty selects
// sqlite.
func ParseDriver(s string) (Driver, error) {
	switch d := Driver(s); d {
	case "":
		return DriverSQLite, nil
	case DriverMemory, DriverSQLite, DriverPostgres:
		return d, nil
	default:
		return "", fmt.Errorf("unknown storage driver %s", s)
	}
}

// RunStatus summarises how a pipeline run ended.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	// RunPartial means at least one session failed while others succeeded.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// SessionOutcome is the archived summary of one session comparison.
type SessionOutcome struct {
	Name     string `json:"name"`
	Edges    int    `json:"edges"`
	Warnings int    `json:"warnings"`
	Error    string `json:"error,omitempty"`
}

// Artifact points at one rendered report in the blob store.
type Artifact struct {
	Format      string `json:"format"`
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size_bytes"`
	ETag        string `json:"etag,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Run is one archived pipeline execution. Report holds the JSON encoded
// report so archives can be re-rendered without recomputation.
type Run struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"created_at"`
	Status    RunStatus        `json:"status"`
	Sessions  []SessionOutcome `json:"sessions,omitempty"`
	Cohort    map[string]int   `json:"cohort,omitempty"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
	Report    json.RawMessage  `json:"report,omitempty"`
}

// Snapshot is the full archive state, persisted bucket by bucket.
type Snapshot struct {
	Runs    []Run            `json:"runs"`
	Records []linkage.Record `json:"records"`
}

// Bucket names used by snapshotting backends.
const (
	BucketRuns    = "runs"
	BucketRecords = "records"
)

// Buckets lists the snapshot buckets in write order.
var Buckets = []string{BucketRuns, BucketRecords}

// Store archives pipeline runs and the most recent linkage ingest log.
type Store interface {
	// SaveRun stores run, assigning an ID and creation time when unset. An
	// existing run with the same ID is replaced.
	SaveRun(ctx context.Context, run Run) (Run, error)
	// GetRun returns ErrNotFound for unknown IDs.
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context) ([]Run, error)
	DeleteRun(ctx context.Context, id string) (bool, error)
	// PutRecords replaces the archived linkage ingest log.
	PutRecords(ctx context.Context, records []linkage.Record) error
	Records(ctx context.Context) ([]linkage.Record, error)
	Driver() Driver
	Close() error
}

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("persistence: run not found")

// Marshal encodes one bucket of s.
func (s Snapshot) Marshal(bucket string) ([]byte, error) {
	switch bucket {
	case BucketRuns:
		return json.Marshal(s.Runs)
	case BucketRecords:
		return json.Marshal(s.Records)
	default:
		return nil, fmt.Errorf("unknown bucket %s", bucket)
	}
}

// Unmarshal decodes payload into the named bucket of s. Unknown buckets are
// ignored so older binaries can read newer archives.
func (s *Snapshot) Unmarshal(bucket string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var target any
	switch bucket {
	case BucketRuns:
		target = &s.Runs
	case BucketRecords:
		target = &s.Records
	default:
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}
