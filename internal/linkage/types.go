// Package linkage reconciles subject identities across the imaging,
// baseline questionnaire and clinical interview ID namespaces.
//
// IDs are linked only when a single record carries more than one of them.
// Matching within a namespace is exact (after trimming surrounding
// whitespace); zero-padded and unpadded forms are different IDs.
package linkage

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Namespace is one of the independent ID systems.
type Namespace string

const (
	NamespaceImaging   Namespace = "imaging"
	NamespaceBaseline  Namespace = "baseline"
	NamespaceInterview Namespace = "interview"
)

// Namespaces lists every namespace in display priority order.
var Namespaces = []Namespace{NamespaceImaging, NamespaceBaseline, NamespaceInterview}

// ParseNamespace maps configuration strings onto a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	switch ns := Namespace(strings.ToLower(strings.TrimSpace(s))); ns {
	case NamespaceImaging, NamespaceBaseline, NamespaceInterview:
		return ns, nil
	default:
		return "", fmt.Errorf("unknown namespace %q", s)
	}
}

// Indicator is a positive diagnostic field, e.g. a MINI module with a
// non-missing, non-zero value.
type Indicator struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (i Indicator) String() string { return i.Name + "=" + i.Value }

// KeywordHit is free-text evidence that matched the keyword predicate.
type KeywordHit struct {
	Field string `json:"field"`
	Text  string `json:"text"`
}

// Record is one row from one source stream: a sparse ID tuple plus payload.
type Record struct {
	Source        string       `json:"source"`
	ImagingID     string       `json:"imaging_id,omitempty"`
	BaselineID    string       `json:"baseline_id,omitempty"`
	InterviewID   string       `json:"interview_id,omitempty"`
	Cohort        string       `json:"cohort,omitempty"`
	InterviewDate string       `json:"interview_date,omitempty"`
	Indicators    []Indicator  `json:"indicators,omitempty"`
	KeywordHits   []KeywordHit `json:"keyword_hits,omitempty"`
}

// ID returns the record's ID in ns, or "".
func (r Record) ID(ns Namespace) string {
	switch ns {
	case NamespaceImaging:
		return strings.TrimSpace(r.ImagingID)
	case NamespaceBaseline:
		return strings.TrimSpace(r.BaselineID)
	case NamespaceInterview:
		return strings.TrimSpace(r.InterviewID)
	}
	return ""
}

func (r Record) keys() []nodeKey {
	var out []nodeKey
	for _, ns := range Namespaces {
		if id := r.ID(ns); id != "" {
			out = append(out, nodeKey{ns: ns, id: id})
		}
	}
	return out
}

// Identity is the reconciled view of one subject.
type Identity struct {
	// Key is stable across ingestion orders: the smallest node key in the
	// component.
	Key         string                 `json:"key"`
	IDs         map[Namespace][]string `json:"ids"`
	Cohorts     []string               `json:"cohorts,omitempty"`
	Indicators  []Indicator            `json:"indicators,omitempty"`
	KeywordHits []KeywordHit           `json:"keyword_hits,omitempty"`
	Dates       []string               `json:"interview_dates,omitempty"`
	Sources     []string               `json:"sources"`
}

// ID returns the canonical ID in ns: the lexically smallest when the
// identity is in conflict.
func (i Identity) ID(ns Namespace) string {
	if ids := i.IDs[ns]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// clone copies the identity so callers cannot alter the graph's cache.
func (i Identity) clone() Identity {
	out := i
	if i.IDs != nil {
		out.IDs = make(map[Namespace][]string, len(i.IDs))
		for ns, ids := range i.IDs {
			out.IDs[ns] = slices.Clone(ids)
		}
	}
	out.Cohorts = slices.Clone(i.Cohorts)
	out.Indicators = slices.Clone(i.Indicators)
	out.KeywordHits = slices.Clone(i.KeywordHits)
	out.Dates = slices.Clone(i.Dates)
	out.Sources = slices.Clone(i.Sources)
	return out
}

// Has reports whether the identity carries a non-empty ID in ns.
func (i Identity) Has(ns Namespace) bool { return len(i.IDs[ns]) > 0 }

// DisplayID is the imaging ID where present, else the baseline ID, else
// the interview ID.
func (i Identity) DisplayID() string {
	for _, ns := range Namespaces {
		if id := i.ID(ns); id != "" {
			return id
		}
	}
	return ""
}

// InCohort reports whether any merged record carried the cohort tag.
func (i Identity) InCohort(tag string) bool {
	for _, c := range i.Cohorts {
		if c == tag {
			return true
		}
	}
	return false
}

// FromSource reports whether any merged record came from source.
func (i Identity) FromSource(source string) bool {
	for _, s := range i.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// InterviewDate returns the first recorded interview date, if any.
func (i Identity) InterviewDate() string {
	if len(i.Dates) == 0 {
		return ""
	}
	return i.Dates[0]
}

// ErrEmptyRecord rejects a record that carries no ID in any namespace.
var ErrEmptyRecord = errors.New("linkage: record carries no identifier")

// ConflictError reports an identity holding two different values for one
// namespace. It is surfaced for review and never resolved automatically.
type ConflictError struct {
	Identity  string    `json:"identity"`
	Namespace Namespace `json:"namespace"`
	Values    []string  `json:"values"`
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("identity %s has conflicting %s ids: %s", e.Identity, e.Namespace, strings.Join(e.Values, ", "))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
