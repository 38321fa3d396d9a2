// Package pipeline runs the group comparison and the cohort linkage stages,
// gathers their diagnostics into a report, archives the run and exports
// the rendered artifacts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fcreport/internal/cohort"
	"fcreport/internal/ingest"
	"fcreport/internal/linkage"
	"fcreport/internal/metrics"
	"fcreport/internal/persistence"
	"fcreport/internal/report"
	"fcreport/internal/stats"
)

// DefaultParallelism bounds concurrent session comparisons.
const DefaultParallelism = 4

// Options configures a Service. Zero values select defaults.
type Options struct {
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	Parallelism int
	Stats       stats.Options
	Rule        cohort.Rule
	Alpha       float64
	// Store archives runs when set.
	Store persistence.Store
	// Exporter writes rendered artifacts when set.
	Exporter *report.Exporter
	Formats  []report.Format
	Now      func() time.Time
}

// Service wires the engines together. It is safe for concurrent use.
type Service struct {
	engine      *stats.Engine
	classifier  *cohort.Classifier
	logger      *zap.Logger
	metrics     metrics.Recorder
	parallelism int
	alpha       float64
	store       persistence.Store
	exporter    *report.Exporter
	formats     []report.Format
	now         func() time.Time
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	rule := opts.Rule
	if rule.CohortTag == "" && len(rule.DepressionIndicators) == 0 && rule.DiagnosticSource == "" {
		rule = cohort.DefaultRule()
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		parallelism: opts.Parallelism,
		alpha:       opts.Alpha,
		store:       opts.Store,
		exporter:    opts.Exporter,
		formats:     opts.Formats,
		now:         opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.parallelism <= 0 {
		s.parallelism = DefaultParallelism
	}
	if s.alpha <= 0 {
		s.alpha = report.DefaultAlpha
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	statsOpts := opts.Stats
	statsOpts.Logger = s.logger.Named("stats")
	s.engine = stats.NewEngine(statsOpts)
	s.classifier = cohort.New(rule, s.logger.Named("cohort"))
	return s, nil
}

// Comparison is the outcome of the session stage.
type Comparison struct {
	Sessions []stats.SessionResult
	Failures []report.SessionFailure
	Warnings []stats.Warning
}

// CompareSessions compares every session concurrently. A failing session
// is recorded and never affects the others; results keep job order.
// Only context cancellation is returned as an error.
func (s *Service) CompareSessions(ctx context.Context, jobs []SessionJob) (Comparison, error) {
	results := make([]*stats.SessionResult, len(jobs))
	failures := make([]*report.SessionFailure, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.compareOne(gctx, job)
			if err != nil {
				failures[i] = &report.SessionFailure{Session: job.Name, Error: err.Error()}
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Comparison{}, err
	}

	var out Comparison
	for i := range jobs {
		if f := failures[i]; f != nil {
			out.Failures = append(out.Failures, *f)
			continue
		}
		if r := results[i]; r != nil {
			out.Sessions = append(out.Sessions, *r)
			out.Warnings = append(out.Warnings, r.Warnings...)
		}
	}
	return out, nil
}

func (s *Service) compareOne(ctx context.Context, job SessionJob) (res stats.SessionResult, err error) {
	start := time.Now()
	log := s.logger.With(zap.String("session", job.Name))
	defer func() {
		s.metrics.Observe(ctx, "compare", err == nil, time.Since(start))
	}()
	if job.Load == nil {
		return stats.SessionResult{}, fmt.Errorf("session %s: no loader", job.Name)
	}
	in, err := job.Load()
	if err != nil {
		log.Warn("session load failed", zap.Error(err))
		return stats.SessionResult{}, err
	}
	if in.Name == "" {
		in.Name = job.Name
	}
	res, err = s.engine.Compare(in)
	if err != nil {
		log.Warn("session comparison failed", zap.Error(err))
		return stats.SessionResult{}, err
	}
	significant := report.CountSignificant(res, s.alpha)
	s.metrics.SessionCompared(res.Session, len(res.Records), significant)
	for _, w := range res.Warnings {
		s.metrics.EdgeWarning(string(w.Kind))
	}
	log.Info("session compared",
		zap.Int("edges", len(res.Records)),
		zap.Int("significant", significant),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// Linkage is the outcome of the identity stage.
type Linkage struct {
	Graph    *linkage.Graph
	Result   cohort.Result
	Roster   *cohort.Roster
	Rejected []error
}

// Link builds the identity graph from in.Records and classifies it.
// Records the graph refuses are returned in Rejected.
func (s *Service) Link(ctx context.Context, in LinkInput) (Linkage, error) {
	if err := ctx.Err(); err != nil {
		return Linkage{}, err
	}
	start := time.Now()
	g, errs := linkage.Rebuild(in.Records)
	res := s.classifier.Classify(g, in.Candidates)
	out := Linkage{Graph: g, Result: res, Rejected: errs}
	if in.RosterImagingIDs != nil {
		roster := s.classifier.Roster(g, in.RosterImagingIDs)
		out.Roster = &roster
	}

	conflicts := g.Conflicts()
	s.metrics.LinkageConflicts(len(conflicts))
	for outcome, n := range res.Counts() {
		s.metrics.CohortOutcome(string(outcome), n)
	}
	for _, rr := range in.Rejected {
		s.metrics.RecordRejected(rr.Source)
	}
	s.metrics.Observe(ctx, "link", true, time.Since(start))
	s.logger.Info("identities linked",
		zap.Int("records", len(in.Records)),
		zap.Int("identities", len(g.Identities())),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("confirmed", len(res.Confirmed)),
		zap.Int("unresolved", len(res.Unresolved)))
	return out, nil
}

// RunInput describes one pipeline run. Either stage may be omitted.
type RunInput struct {
	Name        string
	Description string
	Sessions    []SessionJob
	Linkage     *LinkInput
}

// Run executes both stages, then archives and exports the report when a
// store or exporter is configured. The report is returned even when
// archiving or export fails; that error is returned alongside it.
func (s *Service) Run(ctx context.Context, in RunInput) (report.Report, error) {
	rep := report.Report{
		RunID:       uuid.NewString(),
		Name:        in.Name,
		Description: in.Description,
		GeneratedAt: s.now(),
		Alpha:       s.alpha,
	}
	log := s.logger.With(zap.String("run_id", rep.RunID))

	cmp, err := s.CompareSessions(ctx, in.Sessions)
	if err != nil {
		return report.Report{}, err
	}
	rep.Sessions = cmp.Sessions
	rep.Diagnostics.SessionFailures = cmp.Failures
	rep.Diagnostics.Warnings = cmp.Warnings

	var records []linkage.Record
	if in.Linkage != nil {
		lk, err := s.Link(ctx, *in.Linkage)
		if err != nil {
			return report.Report{}, err
		}
		records = in.Linkage.Records
		rep.Cohort = &lk.Result
		rep.Roster = lk.Roster
		rep.Diagnostics.Conflicts = lk.Graph.Conflicts()
		rep.Diagnostics.Unresolved = lk.Result.Unresolved
		rep.Diagnostics.RejectedRecords = append(rep.Diagnostics.RejectedRecords, in.Linkage.Rejected...)
		for _, e := range lk.Rejected {
			rep.Diagnostics.RejectedRecords = append(rep.Diagnostics.RejectedRecords, rejectedRecord(e))
		}
	}
	sort.SliceStable(rep.Diagnostics.RejectedRecords, func(i, j int) bool {
		a, b := rep.Diagnostics.RejectedRecords[i], rep.Diagnostics.RejectedRecords[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Line < b.Line
	})

	log.Info("run computed",
		zap.Int("sessions", len(rep.Sessions)),
		zap.Int("session_failures", len(rep.Diagnostics.SessionFailures)))

	var artifacts []report.Artifact
	var finishErr error
	if s.exporter != nil {
		start := time.Now()
		artifacts, err = s.exporter.Export(ctx, rep, s.formats)
		s.metrics.Observe(ctx, "export", err == nil, time.Since(start))
		if err != nil {
			log.Error("export failed", zap.Error(err))
			finishErr = errors.Join(finishErr, err)
		}
	}
	if s.store != nil {
		if err := s.archive(ctx, rep, artifacts, records, in.Linkage != nil); err != nil {
			log.Error("archive failed", zap.Error(err))
			finishErr = errors.Join(finishErr, err)
		}
	}
	return rep, finishErr
}

func (s *Service) archive(ctx context.Context, rep report.Report, artifacts []report.Artifact, records []linkage.Record, linked bool) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	run := persistence.Run{
		ID:        rep.RunID,
		Name:      rep.Name,
		CreatedAt: rep.GeneratedAt,
		Status:    Status(rep),
		Report:    payload,
	}
	for _, sr := range rep.Sessions {
		run.Sessions = append(run.Sessions, persistence.SessionOutcome{Name: sr.Session, Edges: len(sr.Records), Warnings: len(sr.Warnings)})
	}
	for _, f := range rep.Diagnostics.SessionFailures {
		run.Sessions = append(run.Sessions, persistence.SessionOutcome{Name: f.Session, Error: f.Error})
	}
	if rep.Cohort != nil {
		run.Cohort = make(map[string]int)
		for outcome, n := range rep.Cohort.Counts() {
			run.Cohort[string(outcome)] = n
		}
	}
	for _, a := range artifacts {
		run.Artifacts = append(run.Artifacts, persistence.Artifact{
			Format: string(a.Format), Key: a.Key, ContentType: a.ContentType, Size: a.SizeBytes, ETag: a.ETag, URL: a.URL,
		})
	}
	if _, err := s.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("archive run: %w", err)
	}
	if linked {
		if err := s.store.PutRecords(ctx, records); err != nil {
			return fmt.Errorf("archive records: %w", err)
		}
	}
	return nil
}

// Status derives the archived run status from the report.
func Status(rep report.Report) persistence.RunStatus {
	failed := len(rep.Diagnostics.SessionFailures)
	switch {
	case failed == 0:
		return persistence.RunCompleted
	case len(rep.Sessions) > 0 || rep.Cohort != nil:
		return persistence.RunPartial
	default:
		return persistence.RunFailed
	}
}

// Replay rebuilds the identity graph from the archived ingest log and
// classifies it again, e.g. after the cohort rule changed. rosterIDs
// requests the interview roster as in LinkInput.
func (s *Service) Replay(ctx context.Context, candidates []cohort.Candidate, rosterIDs []string) (Linkage, error) {
	if s.store == nil {
		return Linkage{}, errors.New("pipeline: no run archive configured")
	}
	records, err := s.store.Records(ctx)
	if err != nil {
		return Linkage{}, err
	}
	return s.Link(ctx, LinkInput{Records: records, Candidates: candidates, RosterImagingIDs: rosterIDs})
}

// rejectedRecord keeps row errors as they are and files anything else the
// graph refused under the linkage source.
func rejectedRecord(err error) ingest.RowError {
	var rr ingest.RowError
	if errors.As(err, &rr) {
		return rr
	}
	return ingest.RowError{Source: "linkage", Reason: err.Error()}
}
