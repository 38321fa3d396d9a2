package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"fcreport/internal/cohort"
	"fcreport/internal/stats"
)

// WriteMarkdown renders r as a Markdown document with the top-K edges of
// each session, the cohort buckets and the diagnostics.
func WriteMarkdown(w io.Writer, r Report) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format+"\n", args...) }

	title := r.Name
	if title == "" {
		title = "Functional connectivity report"
	}
	p("# %s", title)
	p("")
	if r.Description != "" {
		p("%s", r.Description)
		p("")
	}
	p("- Run: %s", r.RunID)
	p("- Generated: %s", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	p("")

	for _, s := range r.Sessions {
		writeMarkdownSession(p, r, s)
	}
	if r.Cohort != nil {
		writeMarkdownCohort(p, *r.Cohort)
	}
	if r.Roster != nil {
		writeMarkdownRoster(p, *r.Roster)
	}
	writeMarkdownDiagnostics(p, r.Diagnostics)
	return bw.Flush()
}

func writeMarkdownSession(p func(string, ...any), r Report, s stats.SessionResult) {
	a, b := s.GroupA, s.GroupB
	p("## %s", s.Session)
	p("- %s subjects: %d (IDs: %s)", a.Label, a.N, strings.Join(a.SubjectIDs, ", "))
	p("- %s subjects: %d (IDs: %s)", b.Label, b.N, strings.Join(b.SubjectIDs, ", "))
	p("- Edges per subject: %d", s.EdgesPerSubject)
	p("- t statistic: %s; edges with q < %s: %d", s.TTest, fixed(r.alpha(), 2), r.Significant(s))
	p("")
	p("Overall mean connectivity (%s): %s ± %s", a.Label, fixed(a.OverallMean, 4), fixed(a.OverallSD, 4))
	p("Overall mean connectivity (%s): %s ± %s", b.Label, fixed(b.OverallMean, 4), fixed(b.OverallSD, 4))
	p("")
	top := s.Top(s.TopK)
	p("Top %d edges by absolute Cohen's d:", len(top))
	p("")
	p("| Rank | Edge | Mean %s | Mean %s | Difference | Cohen's d | t-value | p | q |", a.Label, b.Label)
	p("| --- | --- | --- | --- | --- | --- | --- | --- | --- |")
	for _, rec := range top {
		p("| %d | %s | %s | %s | %s | %s | %s | %s | %s |",
			rec.Rank, rec.Edge.Label(), fixed(rec.MeanA, 4), fixed(rec.MeanB, 4),
			fixed(rec.Difference, 4), fixed(rec.CohenD, 3), fixed(rec.T, 3), pvalue(rec.P), pvalue(rec.Q))
	}
	p("")
}

func writeMarkdownCohort(p func(string, ...any), res cohort.Result) {
	p("## Cohort classification")
	p("")
	p("Rule: cohort %q with any of %s in source %q.", res.Rule.CohortTag, strings.Join(res.Rule.DepressionIndicators, ", "), res.Rule.DiagnosticSource)
	p("")
	for _, b := range []struct {
		title   string
		entries []cohort.Entry
	}{
		{"Confirmed", res.Confirmed},
		{"Diagnosed without imaging ID", res.Unmapped},
		{"Not found in diagnostic source", res.SourceMissing},
		{"Rule not satisfied", res.Excluded},
		{"Keyword flagged", res.KeywordFlagged},
	} {
		p("### %s (%d)", b.title, len(b.entries))
		if len(b.entries) == 0 {
			p("")
			p("None.")
			p("")
			continue
		}
		p("")
		for _, e := range b.entries {
			p("- %s", markdownEntry(e))
		}
		p("")
	}
}

func markdownEntry(e cohort.Entry) string {
	var sb strings.Builder
	sb.WriteString(e.DisplayID)
	var ids []string
	if e.ImagingID != "" {
		ids = append(ids, "imaging "+e.ImagingID)
	}
	if e.BaselineID != "" {
		ids = append(ids, "baseline "+e.BaselineID)
	}
	if e.InterviewID != "" {
		ids = append(ids, "interview "+e.InterviewID)
	}
	if len(ids) > 0 {
		sb.WriteString(" (" + strings.Join(ids, ", ") + ")")
	}
	if e.InterviewDate != "" {
		sb.WriteString(" [访谈时间: " + e.InterviewDate + "]")
	}
	if len(e.Depression) > 0 {
		sb.WriteString(": " + indicators(e.Depression))
	}
	for _, hit := range e.KeywordHits {
		sb.WriteString("; " + hit.Field + " → " + hit.Text)
	}
	return sb.String()
}

func writeMarkdownRoster(p func(string, ...any), r cohort.Roster) {
	p("## MINI roster for imaging subjects")
	p("")
	p("Found %d, missing %d.", len(r.Found), len(r.Missing))
	p("")
	for _, e := range r.Found {
		date := ""
		if e.InterviewDate != "" {
			date = " (访谈时间: " + e.InterviewDate + ")"
		}
		p("- %s%s: %s", e.ImagingID, date, indicators(e.Indicators))
	}
	if len(r.Missing) > 0 {
		p("")
		p("Missing: %s", strings.Join(r.Missing, ", "))
	}
	p("")
}

func writeMarkdownDiagnostics(p func(string, ...any), d Diagnostics) {
	p("## Diagnostics")
	p("")
	if d.Empty() {
		p("No problems recorded.")
		return
	}
	for _, f := range d.SessionFailures {
		p("- session %s failed: %s", f.Session, f.Error)
	}
	for _, w := range d.Warnings {
		p("- warning: %s", w)
	}
	for _, c := range d.Conflicts {
		p("- conflict: %s", c.Error())
	}
	for _, u := range d.Unresolved {
		p("- unresolved: %s", u.Error())
	}
	for _, rr := range d.RejectedRecords {
		p("- rejected: %s", rr.Error())
	}
}
