package stats

import (
	"math"
	"sort"
)

// SessionResult is the full comparison of one session. Records are kept in
// canonical edge order; Rank on each record is derived from them and the
// ranked views below are computed on demand.
type SessionResult struct {
	Session         string             `json:"session"`
	GroupA          GroupSummary       `json:"group_a"`
	GroupB          GroupSummary       `json:"group_b"`
	EdgesPerSubject int                `json:"edges_per_subject"`
	TTest           TTestKind          `json:"t_test"`
	TopK            int                `json:"top_k"`
	Records         []ComparisonRecord `json:"records"`
	Warnings        []Warning          `json:"warnings,omitempty"`
}

// Ranked returns a copy of the records ordered by rank.
func (r SessionResult) Ranked() []ComparisonRecord {
	out := make([]ComparisonRecord, len(r.Records))
	copy(out, r.Records)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Top returns the k best-ranked records. k <= 0 uses the session's TopK.
func (r SessionResult) Top(k int) []ComparisonRecord {
	if k <= 0 {
		k = r.TopK
	}
	ranked := r.Ranked()
	if k > len(ranked) {
		k = len(ranked)
	}
	return ranked[:k]
}

// Lookup finds the record for an edge label, whether or not it is displayed.
func (r SessionResult) Lookup(label string) (ComparisonRecord, bool) {
	for _, rec := range r.Records {
		if rec.Edge.Label() == label {
			return rec, true
		}
	}
	return ComparisonRecord{}, false
}

// assignRanks orders by |d| descending, then |t| descending, then edge
// label and index ascending. Undefined values sort after defined ones.
func assignRanks(records []ComparisonRecord) {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return rankedBefore(records[order[i]], records[order[j]])
	})
	for rank, idx := range order {
		records[idx].Rank = rank + 1
	}
}

func rankedBefore(a, b ComparisonRecord) bool {
	if c := compareMagnitude(a.CohenD, b.CohenD); c != 0 {
		return c > 0
	}
	if c := compareMagnitude(a.T, b.T); c != 0 {
		return c > 0
	}
	if la, lb := a.Edge.Label(), b.Edge.Label(); la != lb {
		return la < lb
	}
	return a.Index < b.Index
}

// compareMagnitude returns +1 when |x| should rank ahead of |y|, -1 when
// behind and 0 when tied. NaN ranks behind every number.
func compareMagnitude(x, y float64) int {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xn && yn:
		return 0
	case xn:
		return -1
	case yn:
		return 1
	}
	ax, ay := math.Abs(x), math.Abs(y)
	switch {
	case ax > ay:
		return 1
	case ax < ay:
		return -1
	}
	return 0
}
