package stats

import (
	"encoding/json"
	"math"
)

// JSON cannot carry NaN, so undefined statistics travel as null and come
// back as NaN.

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func fromNullable(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

type recordJSON struct {
	Index      int      `json:"index"`
	Edge       Edge     `json:"edge"`
	Label      string   `json:"label"`
	NA         int      `json:"n_a"`
	NB         int      `json:"n_b"`
	MeanA      *float64 `json:"mean_a"`
	StdA       *float64 `json:"std_a"`
	MeanB      *float64 `json:"mean_b"`
	StdB       *float64 `json:"std_b"`
	Difference *float64 `json:"difference"`
	CohenD     *float64 `json:"cohen_d"`
	T          *float64 `json:"t"`
	DF         *float64 `json:"df"`
	P          *float64 `json:"p"`
	Q          *float64 `json:"q"`
	Rank       int      `json:"rank"`
}

// MarshalJSON implements json.Marshaler.
func (r ComparisonRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Index:      r.Index,
		Edge:       r.Edge,
		Label:      r.Edge.Label(),
		NA:         r.NA,
		NB:         r.NB,
		MeanA:      nullable(r.MeanA),
		StdA:       nullable(r.StdA),
		MeanB:      nullable(r.MeanB),
		StdB:       nullable(r.StdB),
		Difference: nullable(r.Difference),
		CohenD:     nullable(r.CohenD),
		T:          nullable(r.T),
		DF:         nullable(r.DF),
		P:          nullable(r.P),
		Q:          nullable(r.Q),
		Rank:       r.Rank,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ComparisonRecord) UnmarshalJSON(b []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = ComparisonRecord{
		Index:      raw.Index,
		Edge:       raw.Edge,
		NA:         raw.NA,
		NB:         raw.NB,
		MeanA:      fromNullable(raw.MeanA),
		StdA:       fromNullable(raw.StdA),
		MeanB:      fromNullable(raw.MeanB),
		StdB:       fromNullable(raw.StdB),
		Difference: fromNullable(raw.Difference),
		CohenD:     fromNullable(raw.CohenD),
		T:          fromNullable(raw.T),
		DF:         fromNullable(raw.DF),
		P:          fromNullable(raw.P),
		Q:          fromNullable(raw.Q),
		Rank:       raw.Rank,
	}
	return nil
}

type summaryJSON struct {
	Label       string   `json:"label"`
	N           int      `json:"n"`
	SubjectIDs  []string `json:"subject_ids"`
	OverallMean *float64 `json:"overall_mean"`
	OverallSD   *float64 `json:"overall_sd"`
}

// MarshalJSON implements json.Marshaler.
func (g GroupSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryJSON{
		Label:       g.Label,
		N:           g.N,
		SubjectIDs:  g.SubjectIDs,
		OverallMean: nullable(g.OverallMean),
		OverallSD:   nullable(g.OverallSD),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *GroupSummary) UnmarshalJSON(b []byte) error {
	var raw summaryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*g = GroupSummary{
		Label:       raw.Label,
		N:           raw.N,
		SubjectIDs:  raw.SubjectIDs,
		OverallMean: fromNullable(raw.OverallMean),
		OverallSD:   fromNullable(raw.OverallSD),
	}
	return nil
}
