package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fcreport/internal/blob"
	"fcreport/internal/cohort"
	"fcreport/internal/linkage"
	"fcreport/internal/persistence"
	"fcreport/internal/report"
	"fcreport/internal/stats"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func session(name string) stats.SessionInput {
	return stats.SessionInput{
		Name:  name,
		Edges: []stats.Edge{{A: "L-Amyg", B: "R-Amyg"}, {A: "L-Hip", B: "R-Hip"}},
		GroupA: stats.Group{Label: "NSSI", Subjects: []stats.Subject{
			{ID: "a1", Values: []float64{0.9, 0.1}},
			{ID: "a2", Values: []float64{0.8, 0.2}},
			{ID: "a3", Values: []float64{0.85, 0.3}},
		}},
		GroupB: stats.Group{Label: "HC", Subjects: []stats.Subject{
			{ID: "b1", Values: []float64{0.1, 0.2}},
			{ID: "b2", Values: []float64{0.2, 0.1}},
			{ID: "b3", Values: []float64{0.15, 0.25}},
		}},
	}
}

func failing(name string, err error) SessionJob {
	return SessionJob{Name: name, Load: func() (stats.SessionInput, error) { return stats.SessionInput{}, err }}
}

type recorder struct {
	mu       sync.Mutex
	ops      map[string]int
	sessions map[string]int
	rejected map[string]int
	outcomes map[string]int
}

func newRecorder() *recorder {
	return &recorder{ops: map[string]int{}, sessions: map[string]int{}, rejected: map[string]int{}, outcomes: map[string]int{}}
}

func (r *recorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[fmt.Sprintf("%s/%t", op, success)]++
}

func (r *recorder) SessionCompared(session string, edges, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session] = edges
}

func (r *recorder) EdgeWarning(string) {}

func (r *recorder) RecordRejected(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[source]++
}

func (r *recorder) CohortOutcome(outcome string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome] = n
}

func (r *recorder) LinkageConflicts(int) {}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestCompareSessionsIsolatesFailures(t *testing.T) {
	for _, parallelism := range []int{1, 4} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			rec := newRecorder()
			svc := newService(t, Options{Parallelism: parallelism, Metrics: rec})
			bad := session("RS2")
			bad.GroupB.Subjects[0].Values = []float64{0.1}

			cmpRes, err := svc.CompareSessions(context.Background(), []SessionJob{
				FromInput(session("RS1")),
				FromInput(bad),
				failing("RS3", errors.New("missing matrix")),
				FromInput(session("RS4")),
			})
			if err != nil {
				t.Fatalf("compare: %v", err)
			}
			var names []string
			for _, s := range cmpRes.Sessions {
				names = append(names, s.Session)
			}
			if diff := cmp.Diff([]string{"RS1", "RS4"}, names); diff != "" {
				t.Fatalf("sessions (-want +got):\n%s", diff)
			}
			var failed []string
			for _, f := range cmpRes.Failures {
				failed = append(failed, f.Session)
			}
			if diff := cmp.Diff([]string{"RS2", "RS3"}, failed); diff != "" {
				t.Fatalf("failures (-want +got):\n%s", diff)
			}
			if cmpRes.Failures[1].Error != "missing matrix" {
				t.Fatalf("unexpected failure message %q", cmpRes.Failures[1].Error)
			}
			if rec.ops["compare/true"] != 2 || rec.ops["compare/false"] != 2 {
				t.Fatalf("unexpected operation counts %v", rec.ops)
			}
			if rec.sessions["RS1"] != 2 {
				t.Fatalf("expected RS1 edge count recorded, got %v", rec.sessions)
			}
		})
	}
}

func TestCompareSessionsMatchesSequentialEngine(t *testing.T) {
	svc := newService(t, Options{})
	got, err := svc.CompareSessions(context.Background(), []SessionJob{FromInput(session("RS1"))})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	want, err := stats.NewEngine(stats.Options{}).Compare(session("RS1"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if diff := cmp.Diff(want.Records, got.Sessions[0].Records); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestCompareSessionsHonoursCancellation(t *testing.T) {
	svc := newService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.CompareSessions(ctx, []SessionJob{FromInput(session("RS1"))}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSessionJobWithoutLoaderFails(t *testing.T) {
	svc := newService(t, Options{})
	res, err := svc.CompareSessions(context.Background(), []SessionJob{{Name: "RS1"}})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.Failures) != 1 || !strings.Contains(res.Failures[0].Error, "no loader") {
		t.Fatalf("expected loader failure, got %+v", res.Failures)
	}
}

func linkFixture() LinkInput {
	dep := []linkage.Indicator{{Name: "抑郁发作-当前_MINI", Value: "1"}}
	return LinkInput{
		Records: []linkage.Record{
			{Source: SourceInterview, InterviewID: "2032", Cohort: "NSSI组", InterviewDate: "2024-05-06", Indicators: dep},
			{Source: SourceInterview, InterviewID: "2040", Cohort: "NSSI组", Indicators: dep},
			{Source: SourceMapping, InterviewID: "2032", ImagingID: "sub-032"},
			{Source: SourceImaging, ImagingID: "sub-032"},
			{Source: SourceMapping},
		},
		RosterImagingIDs: []string{"sub-032", "sub-099"},
	}
}

func TestLinkClassifiesAndReportsRejects(t *testing.T) {
	rec := newRecorder()
	svc := newService(t, Options{Metrics: rec})
	lk, err := svc.Link(context.Background(), linkFixture())
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(lk.Result.Confirmed) != 1 || lk.Result.Confirmed[0].ImagingID != "sub-032" {
		t.Fatalf("expected sub-032 confirmed, got %+v", lk.Result.Confirmed)
	}
	if len(lk.Result.Unmapped) != 1 || lk.Result.Unmapped[0].InterviewID != "2040" {
		t.Fatalf("expected 2040 unmapped, got %+v", lk.Result.Unmapped)
	}
	if len(lk.Rejected) != 1 || !errors.Is(lk.Rejected[0], linkage.ErrEmptyRecord) {
		t.Fatalf("expected one empty record rejected, got %v", lk.Rejected)
	}
	if lk.Roster == nil || len(lk.Roster.Found) != 1 || lk.Roster.Found[0].InterviewDate != "2024-05-06" {
		t.Fatalf("expected sub-032 in roster, got %+v", lk.Roster)
	}
	if diff := cmp.Diff([]string{"sub-099"}, lk.Roster.Missing); diff != "" {
		t.Fatalf("roster missing (-want +got):\n%s", diff)
	}
	if rec.outcomes[string(cohort.OutcomeConfirmed)] != 1 {
		t.Fatalf("expected cohort outcome recorded, got %v", rec.outcomes)
	}
}

func TestRunArchivesAndExports(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	audit := &report.MemoryAuditLog{}
	blobs := blob.NewMemory()
	svc := newService(t, Options{
		Store:    store,
		Exporter: report.NewExporter(blobs, report.WithAudit(audit)),
		Formats:  []report.Format{report.FormatMarkdown, report.FormatJSON},
	})
	in := linkFixture()
	rep, err := svc.Run(ctx, RunInput{
		Name:     "baseline",
		Sessions: []SessionJob{FromInput(session("RS1")), failing("RS2", errors.New("boom"))},
		Linkage:  &in,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.RunID == "" || !rep.GeneratedAt.Equal(fixedNow) {
		t.Fatalf("unexpected run header %+v", rep)
	}
	if len(rep.Diagnostics.RejectedRecords) != 1 || rep.Diagnostics.RejectedRecords[0].Source != "linkage" {
		t.Fatalf("expected linkage reject in diagnostics, got %+v", rep.Diagnostics.RejectedRecords)
	}

	run, err := store.GetRun(ctx, rep.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != persistence.RunPartial {
		t.Fatalf("expected partial status, got %s", run.Status)
	}
	if len(run.Sessions) != 2 || run.Sessions[1].Error != "boom" {
		t.Fatalf("unexpected session outcomes %+v", run.Sessions)
	}
	if run.Cohort[string(cohort.OutcomeConfirmed)] != 1 {
		t.Fatalf("unexpected cohort counts %v", run.Cohort)
	}
	if len(run.Artifacts) != 2 {
		t.Fatalf("expected two artifacts, got %+v", run.Artifacts)
	}
	for _, a := range run.Artifacts {
		if _, err := blobs.Head(ctx, a.Key); err != nil {
			t.Fatalf("artifact %s missing: %v", a.Key, err)
		}
	}
	if len(audit.Entries()) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(audit.Entries()))
	}
	records, err := store.Records(ctx)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != len(in.Records) {
		t.Fatalf("expected %d archived records, got %d", len(in.Records), len(records))
	}
}

type brokenStore struct {
	blob.Store
}

func (brokenStore) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("disk full")
}

func TestRunReturnsReportWhenExportFails(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	svc := newService(t, Options{
		Store:    store,
		Exporter: report.NewExporter(brokenStore{blob.NewMemory()}),
		Formats:  []report.Format{report.FormatCSV},
	})
	rep, err := svc.Run(ctx, RunInput{Sessions: []SessionJob{FromInput(session("RS1"))}})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected export error, got %v", err)
	}
	if len(rep.Sessions) != 1 {
		t.Fatalf("expected report returned alongside error, got %+v", rep)
	}
	run, err := store.GetRun(ctx, rep.RunID)
	if err != nil {
		t.Fatalf("run should still be archived: %v", err)
	}
	if run.Status != persistence.RunCompleted || len(run.Artifacts) != 0 {
		t.Fatalf("unexpected archived run %+v", run)
	}
}

func TestReplayUsesArchivedRecords(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	in := linkFixture()
	if err := store.PutRecords(ctx, in.Records[:4]); err != nil {
		t.Fatalf("put records: %v", err)
	}
	svc := newService(t, Options{Store: store})
	lk, err := svc.Replay(ctx, nil, []string{"sub-032"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(lk.Result.Confirmed) != 1 {
		t.Fatalf("expected one confirmed identity, got %+v", lk.Result)
	}
	if lk.Roster == nil || len(lk.Roster.Found) != 1 {
		t.Fatalf("expected roster for sub-032, got %+v", lk.Roster)
	}

	if _, err := newService(t, Options{}).Replay(ctx, nil, nil); err == nil {
		t.Fatalf("expected error without archive")
	}
}

func TestStatus(t *testing.T) {
	ok := stats.SessionResult{Session: "RS1"}
	fail := []report.SessionFailure{{Session: "RS2", Error: "x"}}
	cases := []struct {
		name string
		rep  report.Report
		want persistence.RunStatus
	}{
		{"clean", report.Report{Sessions: []stats.SessionResult{ok}}, persistence.RunCompleted},
		{"some failed", report.Report{Sessions: []stats.SessionResult{ok}, Diagnostics: report.Diagnostics{SessionFailures: fail}}, persistence.RunPartial},
		{"cohort only", report.Report{Cohort: &cohort.Result{}, Diagnostics: report.Diagnostics{SessionFailures: fail}}, persistence.RunPartial},
		{"all failed", report.Report{Diagnostics: report.Diagnostics{SessionFailures: fail}}, persistence.RunFailed},
	}
	for _, tc := range cases {
		if got := Status(tc.rep); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestNewRejectsIncompleteRule(t *testing.T) {
	if _, err := New(Options{Rule: cohort.Rule{CohortTag: "NSSI组"}}); err == nil {
		t.Fatalf("expected rule validation error")
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadLinkInput(t *testing.T) {
	dir := t.TempDir()
	src := DefaultLinkSources()
	src.Mapping = writeFile(t, dir, "mapping.csv", "核磁编号,基线问卷编号,编号\nsub-032,B032,2032\n,,\n")
	src.Interview = writeFile(t, dir, "mini.csv", "被试编号,入组,访谈时间_MINI,抑郁发作-当前_MINI\n2032,NSSI组,2024-05-06,1\n2040,NSSI组,,0\n")
	src.Questionnaire = writeFile(t, dir, "q.csv", "基线问卷编号,近况\nB032,最近有些抑郁\n")
	src.ImagingIDs = writeFile(t, dir, "imaging.txt", "sub-032\nsub-050\n")
	src.Candidates = writeFile(t, dir, "candidates.txt", "2032\n")

	in, err := LoadLinkInput(src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// mapping 1 + mini 2 + questionnaire 1 + imaging 2
	if len(in.Records) != 6 {
		t.Fatalf("expected 6 records, got %d: %+v", len(in.Records), in.Records)
	}
	if len(in.Rejected) != 1 || in.Rejected[0].Source != SourceMapping {
		t.Fatalf("expected blank mapping row rejected, got %+v", in.Rejected)
	}
	if diff := cmp.Diff([]cohort.Candidate{{Namespace: linkage.NamespaceInterview, ID: "2032"}}, in.Candidates); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"sub-032", "sub-050"}, in.RosterImagingIDs); diff != "" {
		t.Fatalf("roster ids (-want +got):\n%s", diff)
	}

	svc := newService(t, Options{})
	lk, err := svc.Link(context.Background(), in)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(lk.Result.Confirmed) != 1 || len(lk.Result.KeywordFlagged) != 1 {
		t.Fatalf("unexpected classification %+v", lk.Result)
	}
}

func TestLoadLinkInputMissingColumn(t *testing.T) {
	src := DefaultLinkSources()
	src.Mapping = writeFile(t, t.TempDir(), "mapping.csv", "imaging\nsub-1\n")
	if _, err := LoadLinkInput(src); err == nil {
		t.Fatalf("expected missing column error")
	}
}
