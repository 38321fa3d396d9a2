package pipeline

import (
	"fmt"

	"fcreport/internal/cohort"
	"fcreport/internal/ingest"
	"fcreport/internal/linkage"
	"fcreport/internal/stats"
)

// Source names attached to linkage records.
const (
	SourceMapping       = "mapping"
	SourceInterview     = "mini"
	SourceQuestionnaire = "questionnaire"
	SourceImaging       = "imaging"
)

// SessionJob produces the input of one session. Loading happens inside the
// session's goroutine so a missing or malformed file fails only that
// session.
type SessionJob struct {
	Name string
	Load func() (stats.SessionInput, error)
}

// FromInput wraps an already loaded session.
func FromInput(in stats.SessionInput) SessionJob {
	return SessionJob{Name: in.Name, Load: func() (stats.SessionInput, error) { return in, nil }}
}

// FromSource loads a session's matrices and subject sequences from disk.
func FromSource(src ingest.SessionSource, edges []stats.Edge) SessionJob {
	return SessionJob{Name: src.Name, Load: func() (stats.SessionInput, error) { return ingest.LoadSession(src, edges) }}
}

// LinkInput is everything the linkage and classification stage needs.
type LinkInput struct {
	Records  []linkage.Record
	Rejected []ingest.RowError
	// Candidates are checked against the diagnostic source. Empty evaluates
	// every interviewed identity.
	Candidates []cohort.Candidate
	// RosterImagingIDs requests the interview roster for these subjects.
	RosterImagingIDs []string
}

// LinkSources locates the CSV exports feeding the identity graph. Empty
// paths are skipped.
type LinkSources struct {
	Mapping          string
	Interview        string
	Questionnaire    string
	ImagingIDs       string
	Candidates       string
	CandidatesNS     linkage.Namespace
	MappingColumns   ingest.MappingColumns
	InterviewOptions ingest.InterviewOptions
	QuestionOptions  ingest.QuestionnaireOptions
}

// DefaultLinkSources returns sources with the default column layouts and no
// paths.
func DefaultLinkSources() LinkSources {
	return LinkSources{
		CandidatesNS:     linkage.NamespaceInterview,
		MappingColumns:   ingest.DefaultMappingColumns(),
		InterviewOptions: ingest.DefaultInterviewOptions(),
		QuestionOptions:  ingest.DefaultQuestionnaireOptions(),
	}
}

// LoadLinkInput reads every configured source. Row-level problems are
// collected in Rejected; unreadable files and missing columns are errors.
// The imaging ID list doubles as the roster request.
func LoadLinkInput(src LinkSources) (LinkInput, error) {
	var in LinkInput
	type tableSource struct {
		path, name string
		parse      func(ingest.Table) ([]linkage.Record, []ingest.RowError, error)
	}
	for _, ts := range []tableSource{
		{src.Mapping, SourceMapping, func(t ingest.Table) ([]linkage.Record, []ingest.RowError, error) {
			return ingest.MappingRecords(SourceMapping, t, src.MappingColumns)
		}},
		{src.Interview, SourceInterview, func(t ingest.Table) ([]linkage.Record, []ingest.RowError, error) {
			return ingest.InterviewRecords(SourceInterview, t, src.InterviewOptions)
		}},
		{src.Questionnaire, SourceQuestionnaire, func(t ingest.Table) ([]linkage.Record, []ingest.RowError, error) {
			return ingest.QuestionnaireRecords(SourceQuestionnaire, t, src.QuestionOptions)
		}},
	} {
		if ts.path == "" {
			continue
		}
		t, err := ingest.LoadTable(ts.path)
		if err != nil {
			return LinkInput{}, fmt.Errorf("%s: %w", ts.name, err)
		}
		recs, rejected, err := ts.parse(t)
		if err != nil {
			return LinkInput{}, err
		}
		in.Records = append(in.Records, recs...)
		in.Rejected = append(in.Rejected, rejected...)
	}
	if src.ImagingIDs != "" {
		ids, err := ingest.ReadIDList(src.ImagingIDs)
		if err != nil {
			return LinkInput{}, fmt.Errorf("%s: %w", SourceImaging, err)
		}
		in.Records = append(in.Records, ingest.ImagingRecords(SourceImaging, ids)...)
		in.RosterImagingIDs = ids
	}
	if src.Candidates != "" {
		ids, err := ingest.ReadIDList(src.Candidates)
		if err != nil {
			return LinkInput{}, fmt.Errorf("candidates: %w", err)
		}
		ns := src.CandidatesNS
		if ns == "" {
			ns = linkage.NamespaceInterview
		}
		for _, id := range ids {
			in.Candidates = append(in.Candidates, cohort.Candidate{Namespace: ns, ID: id})
		}
	}
	return in, nil
}
