// Package memory provides an in-memory run archive used for tests and
// ephemeral runs. The SQLite and Postgres stores embed it and snapshot its
// state after every mutation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fcreport/internal/linkage"
	"fcreport/internal/persistence/core"
)

var _ core.Store = (*Store)(nil)

type (
	// Run aliases core.Run.
	Run = core.Run
	// Snapshot aliases core.Snapshot.
	Snapshot = core.Snapshot
)

// Store implements core.Store in process memory.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]Run
	records []linkage.Record
	nowFn   func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.nowFn = now } }

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		runs:  make(map[string]Run),
		nowFn: func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Close() error { return nil }

func (s *Store) SaveRun(ctx context.Context, run Run) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	run.ID = strings.TrimSpace(run.ID)
	if run.ID == "" {
		run.ID = s.newID()
	}
	if run.Status == "" {
		return Run{}, fmt.Errorf("run %s: status required", run.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.nowFn()
	}
	run = cloneRun(run)
	s.runs[run.ID] = run
	return cloneRun(run), nil
}

func (s *Store) GetRun(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRuns(s.runs), nil
}

func (s *Store) DeleteRun(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	delete(s.runs, id)
	return ok, nil
}

func (s *Store) PutRecords(ctx context.Context, records []linkage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = cloneRecords(records)
	return nil
}

func (s *Store) Records(context.Context) ([]linkage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.records), nil
}

// ExportState returns a deep copy of the archive.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Runs: sortedRuns(s.runs), Records: cloneRecords(s.records)}
}

// ImportState replaces the archive with snapshot. Runs without an ID are
// dropped.
func (s *Store) ImportState(snapshot Snapshot) {
	runs := make(map[string]Run, len(snapshot.Runs))
	for _, run := range snapshot.Runs {
		if run.ID == "" {
			continue
		}
		runs[run.ID] = cloneRun(run)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
	s.records = cloneRecords(snapshot.Records)
}

func sortedRuns(m map[string]Run) []Run {
	out := make([]Run, 0, len(m))
	for _, run := range m {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneRun(r Run) Run {
	r.Sessions = append([]core.SessionOutcome(nil), r.Sessions...)
	r.Artifacts = append([]core.Artifact(nil), r.Artifacts...)
	if r.Cohort != nil {
		counts := make(map[string]int, len(r.Cohort))
		for k, v := range r.Cohort {
			counts[k] = v
		}
		r.Cohort = counts
	}
	if r.Report != nil {
		r.Report = append(json.RawMessage(nil), r.Report...)
	}
	return r
}

func cloneRecords(in []linkage.Record) []linkage.Record {
	if in == nil {
		return nil
	}
	out := make([]linkage.Record, len(in))
	for i, r := range in {
		r.Indicators = append([]linkage.Indicator(nil), r.Indicators...)
		r.KeywordHits = append([]linkage.KeywordHit(nil), r.KeywordHits...)
		out[i] = r
	}
	return out
}
