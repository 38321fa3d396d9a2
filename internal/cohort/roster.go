package cohort

import (
	"sort"
	"strings"

	"fcreport/internal/linkage"
)

// RosterEntry is the interview summary for one imaging subject.
type RosterEntry struct {
	ImagingID     string              `json:"imaging_id"`
	InterviewID   string              `json:"interview_id,omitempty"`
	InterviewDate string              `json:"interview_date,omitempty"`
	Cohorts       []string            `json:"cohorts,omitempty"`
	Indicators    []linkage.Indicator `json:"indicators,omitempty"`
}

// Roster splits the requested imaging IDs into those with a diagnostic
// interview and those without.
type Roster struct {
	Found   []RosterEntry `json:"found"`
	Missing []string      `json:"missing"`
}

// Roster looks up the diagnostic interview for each imaging ID. Duplicates
// and blank IDs are ignored; both lists are sorted by imaging ID.
func (c *Classifier) Roster(g *linkage.Graph, imagingIDs []string) Roster {
	var out Roster
	seen := make(map[string]struct{}, len(imagingIDs))
	for _, raw := range imagingIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ident, ok := g.Lookup(linkage.NamespaceImaging, id)
		if !ok || !ident.FromSource(c.rule.DiagnosticSource) {
			out.Missing = append(out.Missing, id)
			continue
		}
		out.Found = append(out.Found, RosterEntry{
			ImagingID:     id,
			InterviewID:   ident.ID(linkage.NamespaceInterview),
			InterviewDate: ident.InterviewDate(),
			Cohorts:       ident.Cohorts,
			Indicators:    ident.Indicators,
		})
	}
	sort.Slice(out.Found, func(i, j int) bool { return out.Found[i].ImagingID < out.Found[j].ImagingID })
	sort.Strings(out.Missing)
	return out
}
