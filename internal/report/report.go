// Package report renders pipeline results as Markdown, HTML, CSV and JSON
// artifacts and exports them to the blob store.
package report

import (
	"fmt"
	"time"

	"fcreport/internal/cohort"
	"fcreport/internal/ingest"
	"fcreport/internal/linkage"
	"fcreport/internal/stats"
)

// DefaultAlpha is the q-value threshold reports use to count significant
// edges.
const DefaultAlpha = 0.05

// Report is the complete output of one pipeline run.
type Report struct {
	RunID       string                `json:"run_id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
	Alpha       float64               `json:"alpha"`
	Sessions    []stats.SessionResult `json:"sessions"`
	Cohort      *cohort.Result        `json:"cohort,omitempty"`
	Roster      *cohort.Roster        `json:"roster,omitempty"`
	Diagnostics Diagnostics           `json:"diagnostics"`
}

// SessionFailure records a session that could not be compared.
type SessionFailure struct {
	Session string `json:"session"`
	Error   string `json:"error"`
}

// Diagnostics collects every non-fatal problem found during a run.
type Diagnostics struct {
	SessionFailures []SessionFailure        `json:"session_failures,omitempty"`
	Warnings        []stats.Warning         `json:"warnings,omitempty"`
	Conflicts       []linkage.ConflictError `json:"conflicts,omitempty"`
	Unresolved      []cohort.UnresolvedID   `json:"unresolved,omitempty"`
	RejectedRecords []ingest.RowError       `json:"rejected_records,omitempty"`
}

// Empty reports whether nothing was recorded.
func (d Diagnostics) Empty() bool {
	return len(d.SessionFailures) == 0 && len(d.Warnings) == 0 && len(d.Conflicts) == 0 &&
		len(d.Unresolved) == 0 && len(d.RejectedRecords) == 0
}

func (r Report) alpha() float64 {
	if r.Alpha <= 0 {
		return DefaultAlpha
	}
	return r.Alpha
}

// Significant counts edges of s whose q value is below the report alpha.
func (r Report) Significant(s stats.SessionResult) int {
	return CountSignificant(s, r.alpha())
}

// CountSignificant counts records with q < alpha. NaN q never counts.
func CountSignificant(s stats.SessionResult, alpha float64) int {
	n := 0
	for _, rec := range s.Records {
		if rec.Q < alpha {
			n++
		}
	}
	return n
}

// Format identifies an artifact encoding.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
)

// AllFormats lists every supported format in export order.
var AllFormats = []Format{FormatMarkdown, FormatHTML, FormatCSV, FormatJSON}

// ParseFormat maps a configuration string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatMarkdown, FormatHTML, FormatCSV, FormatJSON:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

func (f Format) extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

func (f Format) contentType() string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/json"
	}
}
