// Package cohort applies the combined inclusion rule (cohort membership,
// depression-positive interview, mapped imaging ID) over a linkage graph.
package cohort

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"fcreport/internal/linkage"
)

// Outcome is the terminal classification of one evaluated subject.
type Outcome string

const (
	OutcomeConfirmed     Outcome = "confirmed"
	OutcomeUnmapped      Outcome = "unmapped"
	OutcomeSourceMissing Outcome = "source_missing"
	OutcomeExcluded      Outcome = "excluded"
	// OutcomeKeywordFlagged is an overlay and may coexist with any of the above.
	OutcomeKeywordFlagged Outcome = "keyword_flagged"
)

// Rule parameterises the inclusion predicate.
type Rule struct {
	CohortTag            string   `json:"cohort_tag" yaml:"cohort_tag"`
	DepressionIndicators []string `json:"depression_indicators" yaml:"depression_indicators"`
	// DiagnosticSource names the record stream holding structured interviews.
	DiagnosticSource string `json:"diagnostic_source" yaml:"diagnostic_source"`
	// KeywordScope restricts the keyword overlay to these imaging IDs. Empty
	// means every identity is eligible.
	KeywordScope []string `json:"keyword_scope,omitempty" yaml:"keyword_scope"`
}

// DefaultRule is the self-harm cohort with any current, past or recurrent
// depressive episode recorded in the MINI interview.
func DefaultRule() Rule {
	return Rule{
		CohortTag: "NSSI组",
		DepressionIndicators: []string{
			"抑郁发作-当前_MINI",
			"抑郁发作-既往_MINI",
			"抑郁发作-复发_MINI",
		},
		DiagnosticSource: "mini",
	}
}

// Validate reports the first missing rule field.
func (r Rule) Validate() error {
	switch {
	case r.CohortTag == "":
		return fmt.Errorf("cohort rule: cohort tag is required")
	case len(r.DepressionIndicators) == 0:
		return fmt.Errorf("cohort rule: at least one depression indicator is required")
	case r.DiagnosticSource == "":
		return fmt.Errorf("cohort rule: diagnostic source is required")
	}
	return nil
}

// Candidate is an externally supplied ID to check.
type Candidate struct {
	Namespace linkage.Namespace `json:"namespace"`
	ID        string            `json:"id"`
}

func (c Candidate) String() string { return string(c.Namespace) + ":" + c.ID }

// Entry is one subject in a bucket.
type Entry struct {
	DisplayID     string               `json:"display_id"`
	Candidate     *Candidate           `json:"candidate,omitempty"`
	ImagingID     string               `json:"imaging_id,omitempty"`
	BaselineID    string               `json:"baseline_id,omitempty"`
	InterviewID   string               `json:"interview_id,omitempty"`
	InterviewDate string               `json:"interview_date,omitempty"`
	Cohorts       []string             `json:"cohorts,omitempty"`
	Indicators    []linkage.Indicator  `json:"indicators,omitempty"`
	Depression    []linkage.Indicator  `json:"depression,omitempty"`
	KeywordHits   []linkage.KeywordHit `json:"keyword_hits,omitempty"`
	IdentityKey   string               `json:"identity_key,omitempty"`
}

// UnresolvedID reports a candidate the diagnostic source never mentioned.
type UnresolvedID struct {
	Candidate Candidate `json:"candidate"`
	// SeenIn lists other sources that did mention it; empty when the ID is
	// absent from every ingested source.
	SeenIn []string `json:"seen_in,omitempty"`
}

func (u UnresolvedID) Error() string {
	if len(u.SeenIn) == 0 {
		return fmt.Sprintf("%s not found in any source", u.Candidate)
	}
	return fmt.Sprintf("%s not found in diagnostic source (seen in %v)", u.Candidate, u.SeenIn)
}

// Result holds the classification buckets.
type Result struct {
	Rule           Rule           `json:"rule"`
	Confirmed      []Entry        `json:"confirmed"`
	Unmapped       []Entry        `json:"unmapped"`
	SourceMissing  []Entry        `json:"source_missing"`
	Excluded       []Entry        `json:"excluded"`
	KeywordFlagged []Entry        `json:"keyword_flagged"`
	Unresolved     []UnresolvedID `json:"unresolved,omitempty"`
}

// Find returns every bucket holding displayID.
func (r Result) Find(displayID string) []Outcome {
	var out []Outcome
	for _, b := range []struct {
		o       Outcome
		entries []Entry
	}{
		{OutcomeConfirmed, r.Confirmed},
		{OutcomeUnmapped, r.Unmapped},
		{OutcomeSourceMissing, r.SourceMissing},
		{OutcomeExcluded, r.Excluded},
		{OutcomeKeywordFlagged, r.KeywordFlagged},
	} {
		for _, e := range b.entries {
			if e.DisplayID == displayID {
				out = append(out, b.o)
				break
			}
		}
	}
	return out
}

// Counts returns bucket sizes keyed by outcome.
func (r Result) Counts() map[Outcome]int {
	return map[Outcome]int{
		OutcomeConfirmed:      len(r.Confirmed),
		OutcomeUnmapped:       len(r.Unmapped),
		OutcomeSourceMissing:  len(r.SourceMissing),
		OutcomeExcluded:       len(r.Excluded),
		OutcomeKeywordFlagged: len(r.KeywordFlagged),
	}
}

// Classifier evaluates identities against a Rule.
type Classifier struct {
	rule   Rule
	logger *zap.Logger
}

// New constructs a classifier. A nil logger is replaced by a no-op.
func New(rule Rule, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{rule: rule, logger: logger}
}

// Rule returns the rule in use.
func (c *Classifier) Rule() Rule { return c.rule }

// Classify evaluates each candidate, or every identity seen in the
// diagnostic source when candidates is empty. Each evaluated identity lands
// in exactly one of Confirmed, Unmapped, SourceMissing or Excluded; the
// keyword overlay is computed independently over the whole graph.
func (c *Classifier) Classify(g *linkage.Graph, candidates []Candidate) Result {
	res := Result{Rule: c.rule}
	seen := make(map[string]struct{})

	evaluate := func(ident linkage.Identity, cand *Candidate) {
		if _, dup := seen[ident.Key]; dup {
			return
		}
		seen[ident.Key] = struct{}{}
		e := c.entry(ident, cand)
		switch c.outcome(ident) {
		case OutcomeConfirmed:
			res.Confirmed = append(res.Confirmed, e)
		case OutcomeUnmapped:
			res.Unmapped = append(res.Unmapped, e)
		default:
			res.Excluded = append(res.Excluded, e)
		}
	}

	if len(candidates) == 0 {
		for _, ident := range g.Identities() {
			if ident.FromSource(c.rule.DiagnosticSource) {
				evaluate(ident, nil)
			}
		}
	}
	missing := make(map[Candidate]struct{})
	for _, cand := range candidates {
		cand := cand
		ident, ok := g.Lookup(cand.Namespace, cand.ID)
		if ok && ident.FromSource(c.rule.DiagnosticSource) {
			evaluate(ident, &cand)
			continue
		}
		if _, dup := missing[cand]; dup {
			continue
		}
		missing[cand] = struct{}{}
		e := Entry{DisplayID: cand.ID, Candidate: &cand}
		u := UnresolvedID{Candidate: cand}
		if ok {
			e = c.entry(ident, &cand)
			u.SeenIn = ident.Sources
		}
		res.SourceMissing = append(res.SourceMissing, e)
		res.Unresolved = append(res.Unresolved, u)
	}

	res.KeywordFlagged = c.keywordFlagged(g)

	for _, bucket := range [][]Entry{res.Confirmed, res.Unmapped, res.SourceMissing, res.Excluded, res.KeywordFlagged} {
		sortEntries(bucket)
	}
	sort.SliceStable(res.Unresolved, func(i, j int) bool {
		return res.Unresolved[i].Candidate.ID < res.Unresolved[j].Candidate.ID
	})

	c.logger.Debug("cohort classified",
		zap.Int("candidates", len(candidates)),
		zap.Int("confirmed", len(res.Confirmed)),
		zap.Int("unmapped", len(res.Unmapped)),
		zap.Int("source_missing", len(res.SourceMissing)),
		zap.Int("excluded", len(res.Excluded)),
		zap.Int("keyword_flagged", len(res.KeywordFlagged)),
	)
	return res
}

func (c *Classifier) outcome(ident linkage.Identity) Outcome {
	if !ident.InCohort(c.rule.CohortTag) || len(c.depression(ident)) == 0 {
		return OutcomeExcluded
	}
	if !ident.Has(linkage.NamespaceImaging) {
		return OutcomeUnmapped
	}
	return OutcomeConfirmed
}

func (c *Classifier) depression(ident linkage.Identity) []linkage.Indicator {
	var out []linkage.Indicator
	for _, ind := range ident.Indicators {
		for _, name := range c.rule.DepressionIndicators {
			if ind.Name == name {
				out = append(out, ind)
				break
			}
		}
	}
	return out
}

func (c *Classifier) keywordFlagged(g *linkage.Graph) []Entry {
	scope := make(map[string]struct{}, len(c.rule.KeywordScope))
	for _, id := range c.rule.KeywordScope {
		scope[id] = struct{}{}
	}
	var out []Entry
	for _, ident := range g.Identities() {
		if len(ident.KeywordHits) == 0 {
			continue
		}
		if len(scope) > 0 && !inScope(ident, scope) {
			continue
		}
		out = append(out, c.entry(ident, nil))
	}
	return out
}

func inScope(ident linkage.Identity, scope map[string]struct{}) bool {
	for _, id := range ident.IDs[linkage.NamespaceImaging] {
		if _, ok := scope[id]; ok {
			return true
		}
	}
	return false
}

func (c *Classifier) entry(ident linkage.Identity, cand *Candidate) Entry {
	return Entry{
		DisplayID:     ident.DisplayID(),
		Candidate:     cand,
		ImagingID:     ident.ID(linkage.NamespaceImaging),
		BaselineID:    ident.ID(linkage.NamespaceBaseline),
		InterviewID:   ident.ID(linkage.NamespaceInterview),
		InterviewDate: ident.InterviewDate(),
		Cohorts:       ident.Cohorts,
		Indicators:    ident.Indicators,
		Depression:    c.depression(ident),
		KeywordHits:   ident.KeywordHits,
		IdentityKey:   ident.Key,
	}
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].DisplayID != entries[j].DisplayID {
			return entries[i].DisplayID < entries[j].DisplayID
		}
		return entries[i].IdentityKey < entries[j].IdentityKey
	})
}
