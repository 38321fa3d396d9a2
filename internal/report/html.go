package report

import (
	_ "embed"
	"html/template"
	"io"
	"strings"

	"fcreport/internal/cohort"
	"fcreport/internal/stats"
)

//go:embed templates/report.html.tmpl
var htmlSource string

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"f3":         func(v float64) string { return fixed(v, 3) },
	"f4":         func(v float64) string { return fixed(v, 4) },
	"pval":       pvalue,
	"join":       func(ids []string) string { return strings.Join(ids, ", ") },
	"indicators": indicators,
}).Parse(htmlSource))

type htmlSession struct {
	Result      stats.SessionResult
	Top         []stats.ComparisonRecord
	Significant int
}

type htmlBucket struct {
	Title   string
	Entries []cohort.Entry
	Open    bool
}

type htmlView struct {
	Title     string
	Generated string
	Alpha     string
	Report    Report
	Sessions  []htmlSession
	Cohort    *cohort.Result
	Buckets   []htmlBucket
}

// WriteHTML renders r as a standalone HTML page with filterable edge
// tables.
func WriteHTML(w io.Writer, r Report) error {
	view := htmlView{
		Title:     r.Name,
		Generated: r.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		Alpha:     fixed(r.alpha(), 2),
		Report:    r,
		Cohort:    r.Cohort,
	}
	if view.Title == "" {
		view.Title = "Functional connectivity report"
	}
	for _, s := range r.Sessions {
		view.Sessions = append(view.Sessions, htmlSession{Result: s, Top: s.Top(s.TopK), Significant: r.Significant(s)})
	}
	if c := r.Cohort; c != nil {
		view.Buckets = []htmlBucket{
			{"Confirmed", c.Confirmed, true},
			{"Diagnosed without imaging ID", c.Unmapped, true},
			{"Not found in diagnostic source", c.SourceMissing, true},
			{"Rule not satisfied", c.Excluded, false},
			{"Keyword flagged", c.KeywordFlagged, true},
		}
	}
	return htmlTemplate.Execute(w, view)
}
