package stats

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultTopK is the number of ranked edges surfaced in detail.
const DefaultTopK = 10

// Options configures an Engine.
type Options struct {
	TopK   int
	TTest  TTestKind
	Logger *zap.Logger
}

// Engine computes GroupComparison records for sessions. It holds no
// per-session state and may be shared between goroutines.
type Engine struct {
	topK   int
	ttest  TTestKind
	logger *zap.Logger
}

// NewEngine constructs an engine, filling unset options with defaults.
func NewEngine(opts Options) *Engine {
	e := &Engine{topK: opts.TopK, ttest: opts.TTest, logger: opts.Logger}
	if e.topK <= 0 {
		e.topK = DefaultTopK
	}
	if e.ttest == "" {
		e.ttest = TTestWelch
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// TopK returns the configured display limit.
func (e *Engine) TopK() int { return e.topK }

// Compare computes a record for every edge of the session, applies
// Benjamini-Hochberg correction across all of them and ranks the result.
func (e *Engine) Compare(in SessionInput) (SessionResult, error) {
	if err := validate(in); err != nil {
		return SessionResult{}, err
	}

	records := make([]ComparisonRecord, len(in.Edges))
	var warnings []Warning
	a := make([]float64, 0, len(in.GroupA.Subjects))
	b := make([]float64, 0, len(in.GroupB.Subjects))
	for i, edge := range in.Edges {
		a = column(a[:0], in.GroupA.Subjects, i)
		b = column(b[:0], in.GroupB.Subjects, i)
		rec, kind := e.compareEdge(i, edge, a, b)
		if kind != "" {
			warnings = append(warnings, Warning{
				Session: in.Name,
				Index:   i,
				Edge:    edge,
				Kind:    kind,
				Detail:  fmt.Sprintf("nA=%d nB=%d", rec.NA, rec.NB),
			})
		}
		records[i] = rec
	}

	pvals := make([]float64, len(records))
	for i := range records {
		pvals[i] = records[i].P
	}
	for i, q := range BenjaminiHochberg(pvals) {
		records[i].Q = q
	}
	assignRanks(records)

	res := SessionResult{
		Session:         in.Name,
		GroupA:          SummarizeGroup(in.GroupA),
		GroupB:          SummarizeGroup(in.GroupB),
		EdgesPerSubject: len(in.Edges),
		TTest:           e.ttest,
		TopK:            e.topK,
		Records:         records,
		Warnings:        warnings,
	}
	e.logger.Debug("session compared",
		zap.String("session", in.Name),
		zap.Int("edges", len(records)),
		zap.Int("group_a_n", res.GroupA.N),
		zap.Int("group_b_n", res.GroupB.N),
		zap.Int("warnings", len(warnings)),
	)
	return res, nil
}

func validate(in SessionInput) error {
	if len(in.Edges) == 0 {
		return InputShapeError{Session: in.Name, Reason: "edge set is empty"}
	}
	for _, g := range []Group{in.GroupA, in.GroupB} {
		if g.Label == "" {
			return InputShapeError{Session: in.Name, Reason: "group label is required"}
		}
		if len(g.Subjects) == 0 {
			return InputShapeError{Session: in.Name, Group: g.Label, Reason: "group has zero subjects"}
		}
		for _, s := range g.Subjects {
			if len(s.Values) != len(in.Edges) {
				return InputShapeError{
					Session: in.Name,
					Group:   g.Label,
					Subject: s.ID,
					Reason:  fmt.Sprintf("has %d edge values, session defines %d edges", len(s.Values), len(in.Edges)),
				}
			}
			for i, v := range s.Values {
				if math.IsInf(v, 0) {
					return InputShapeError{
						Session: in.Name,
						Group:   g.Label,
						Subject: s.ID,
						Reason:  fmt.Sprintf("edge %d (%s) has non-finite value %v", i, in.Edges[i].Label(), v),
					}
				}
			}
		}
	}
	if in.GroupA.Label == in.GroupB.Label {
		return InputShapeError{Session: in.Name, Reason: fmt.Sprintf("both groups are labelled %q", in.GroupA.Label)}
	}
	return nil
}

// column gathers the present values of edge i across subjects. NaN marks
// an absent value.
func column(dst []float64, subjects []Subject, i int) []float64 {
	for _, s := range subjects {
		v := s.Values[i]
		if math.IsNaN(v) {
			continue
		}
		dst = append(dst, v)
	}
	return dst
}

func describe(x []float64) (mean, variance float64) {
	switch len(x) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return x[0], math.NaN()
	}
	mean, variance = stat.MeanVariance(x, nil)
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

func (e *Engine) compareEdge(idx int, edge Edge, a, b []float64) (ComparisonRecord, WarningKind) {
	nA, nB := len(a), len(b)
	meanA, varA := describe(a)
	meanB, varB := describe(b)
	rec := ComparisonRecord{
		Index:      idx,
		Edge:       edge,
		NA:         nA,
		NB:         nB,
		MeanA:      meanA,
		StdA:       math.Sqrt(varA),
		MeanB:      meanB,
		StdB:       math.Sqrt(varB),
		Difference: meanA - meanB,
		CohenD:     math.NaN(),
		T:          math.NaN(),
		DF:         math.NaN(),
		P:          math.NaN(),
		Q:          math.NaN(),
	}
	if nA < 2 || nB < 2 {
		return rec, WarningInsufficientData
	}

	fA, fB := float64(nA), float64(nB)
	pooled := ((fA-1)*varA + (fB-1)*varB) / (fA + fB - 2)
	if pooled <= 0 {
		return rec, WarningZeroVariance
	}
	rec.CohenD = rec.Difference / math.Sqrt(pooled)

	var se2 float64
	switch e.ttest {
	case TTestPooled:
		se2 = pooled * (1/fA + 1/fB)
		rec.DF = fA + fB - 2
	default:
		sa, sb := varA/fA, varB/fB
		se2 = sa + sb
		rec.DF = se2 * se2 / (sa*sa/(fA-1) + sb*sb/(fB-1))
	}
	rec.T = rec.Difference / math.Sqrt(se2)
	rec.P = twoTailed(rec.T, rec.DF)
	return rec, ""
}

func twoTailed(t, df float64) float64 {
	if math.IsNaN(t) || math.IsNaN(df) || df <= 0 {
		return math.NaN()
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	if p > 1 {
		p = 1
	}
	return p
}

// SummarizeGroup reports the overall mean and sample SD of every present
// value in the group, across subjects and edges.
func SummarizeGroup(g Group) GroupSummary {
	ids := make([]string, len(g.Subjects))
	var all []float64
	for i, s := range g.Subjects {
		ids[i] = s.ID
		for _, v := range s.Values {
			if math.IsNaN(v) {
				continue
			}
			all = append(all, v)
		}
	}
	sum := GroupSummary{Label: g.Label, N: len(g.Subjects), SubjectIDs: ids, OverallMean: math.NaN(), OverallSD: math.NaN()}
	switch len(all) {
	case 0:
	case 1:
		sum.OverallMean = all[0]
	default:
		sum.OverallMean, sum.OverallSD = stat.MeanStdDev(all, nil)
	}
	return sum
}
