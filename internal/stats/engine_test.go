package stats

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const tol = 1e-9

func approx(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func subjects(prefix string, rows ...[]float64) []Subject {
	out := make([]Subject, len(rows))
	for i, r := range rows {
		out[i] = Subject{ID: prefix + string(rune('a'+i)), Values: r}
	}
	return out
}

func twoEdgeSession() SessionInput {
	return SessionInput{
		Name:  "Rest 1",
		Edges: []Edge{{A: "L.Insula", B: "R.ACC"}, {A: "L.PCC", B: "R.PCC"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah",
			[]float64{0.5, 0.2},
			[]float64{0.3, 0.3},
		)},
		GroupB: Group{Label: "AP", Subjects: subjects("ap",
			[]float64{0.1, 0.25},
			[]float64{0.1, 0.2},
		)},
	}
}

func TestCompareWorkedExample(t *testing.T) {
	res, err := NewEngine(Options{}).Compare(twoEdgeSession())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	rec := res.Records[0]
	if !approx(rec.MeanA, 0.4, tol) || !approx(rec.MeanB, 0.1, tol) || !approx(rec.Difference, 0.3, tol) {
		t.Fatalf("unexpected means: %+v", rec)
	}
	if !approx(rec.StdA, math.Sqrt(0.02), tol) || rec.StdB != 0 {
		t.Fatalf("unexpected sds: a=%v b=%v", rec.StdA, rec.StdB)
	}
	if !approx(rec.CohenD, 3, 1e-9) {
		t.Fatalf("expected d=3, got %v", rec.CohenD)
	}
	if !approx(rec.T, 3, 1e-9) || !approx(rec.DF, 1, 1e-9) {
		t.Fatalf("expected welch t=3 df=1, got t=%v df=%v", rec.T, rec.DF)
	}
	wantP := 1 - 2*math.Atan(3)/math.Pi
	if !approx(rec.P, wantP, 1e-6) {
		t.Fatalf("expected p=%v, got %v", wantP, rec.P)
	}
	if rec.Rank != 1 || res.Records[1].Rank != 2 {
		t.Fatalf("expected larger |d| edge first, ranks=%d,%d", rec.Rank, res.Records[1].Rank)
	}
	if res.EdgesPerSubject != 2 || res.GroupA.N != 2 || res.GroupB.N != 2 {
		t.Fatalf("unexpected summary: %+v", res)
	}
}

func TestComparePooledTTest(t *testing.T) {
	res, err := NewEngine(Options{TTest: TTestPooled}).Compare(twoEdgeSession())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	rec := res.Records[0]
	if rec.DF != 2 {
		t.Fatalf("expected pooled df=2, got %v", rec.DF)
	}
	// pooled sd 0.1, se = 0.1*sqrt(1/2+1/2) = 0.1
	if !approx(rec.T, 3, 1e-9) {
		t.Fatalf("expected pooled t=3, got %v", rec.T)
	}
	if res.TTest != TTestPooled {
		t.Fatalf("expected pooled kind recorded, got %s", res.TTest)
	}
}

func TestCohenDSignFollowsMeanDifference(t *testing.T) {
	in := randomSession(7, 40, 6, 5)
	eng := NewEngine(Options{})
	fwd, err := eng.Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	in.GroupA, in.GroupB = in.GroupB, in.GroupA
	rev, err := eng.Compare(in)
	if err != nil {
		t.Fatalf("compare swapped: %v", err)
	}
	for i, rec := range fwd.Records {
		if !rec.EffectDefined() {
			continue
		}
		if math.Signbit(rec.CohenD) != math.Signbit(rec.Difference) {
			t.Fatalf("edge %d: d=%v disagrees with diff=%v", i, rec.CohenD, rec.Difference)
		}
		if !approx(rev.Records[i].CohenD, -rec.CohenD, 1e-12) {
			t.Fatalf("edge %d: swapped d=%v, want %v", i, rev.Records[i].CohenD, -rec.CohenD)
		}
	}
}

func TestQValuesMonotoneInRawP(t *testing.T) {
	res, err := NewEngine(Options{}).Compare(randomSession(11, 200, 8, 9))
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	recs := append([]ComparisonRecord(nil), res.Records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].P < recs[j].P })
	for i := 1; i < len(recs); i++ {
		if recs[i].Q < recs[i-1].Q {
			t.Fatalf("q not monotone at %d: %v < %v", i, recs[i].Q, recs[i-1].Q)
		}
		if recs[i].Q < recs[i].P || recs[i].Q > 1 {
			t.Fatalf("q out of range at %d: p=%v q=%v", i, recs[i].P, recs[i].Q)
		}
	}
}

func TestBenjaminiHochbergKnownValues(t *testing.T) {
	got := BenjaminiHochberg([]float64{0.01, 0.04, math.NaN(), 0.03, 0.005})
	want := []float64{0.02, 0.04, math.NaN(), 0.04, 0.02}
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(got[i]) {
				t.Fatalf("index %d: expected NaN, got %v", i, got[i])
			}
			continue
		}
		if !approx(got[i], want[i], 1e-12) {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestQValuesIndependentOfDisplayedSubset(t *testing.T) {
	in := randomSession(3, 60, 5, 5)
	narrow, err := NewEngine(Options{TopK: 1}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	wide, err := NewEngine(Options{TopK: 50}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(narrow.Top(0)) != 1 || len(wide.Top(0)) != 50 {
		t.Fatalf("unexpected top sizes %d/%d", len(narrow.Top(0)), len(wide.Top(0)))
	}
	for i := range narrow.Records {
		if math.Float64bits(narrow.Records[i].Q) != math.Float64bits(wide.Records[i].Q) {
			t.Fatalf("edge %d: q depends on top-k", i)
		}
	}
	top := narrow.Top(0)[0]
	if rec, ok := wide.Lookup(top.Edge.Label()); !ok || rec.Q != top.Q {
		t.Fatalf("lookup mismatch for %s", top.Edge.Label())
	}
}

func TestCompareIsIdempotent(t *testing.T) {
	in := randomSession(5, 80, 7, 6)
	eng := NewEngine(Options{})
	first, err := eng.Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	second, err := eng.Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	bitEqual := cmp.Comparer(func(a, b float64) bool { return math.Float64bits(a) == math.Float64bits(b) })
	if diff := cmp.Diff(first, second, bitEqual); diff != "" {
		t.Fatalf("rerun differs (-first +second):\n%s", diff)
	}
}

func TestZeroVarianceEdgeIsSentinelAndSortsLast(t *testing.T) {
	in := SessionInput{
		Name:  "Rest 2",
		Edges: []Edge{{A: "A", B: "B"}, {A: "C", B: "D"}, {A: "E", B: "F"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah",
			[]float64{0.2, 0.7, 0.1},
			[]float64{0.2, 0.5, 0.4},
		)},
		GroupB: Group{Label: "AP", Subjects: subjects("ap",
			[]float64{0.2, 0.1, 0.3},
			[]float64{0.2, 0.2, 0.2},
		)},
	}
	res, err := NewEngine(Options{}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	zero := res.Records[0]
	if zero.EffectDefined() || !math.IsNaN(zero.T) || !math.IsNaN(zero.Q) {
		t.Fatalf("expected NaN sentinel, got %+v", zero)
	}
	if zero.Rank != len(res.Records) {
		t.Fatalf("expected zero-variance edge last, got rank %d", zero.Rank)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarningZeroVariance || res.Warnings[0].Index != 0 {
		t.Fatalf("expected one zero-variance warning, got %+v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[0].String(), "A — B") {
		t.Fatalf("warning should name the edge: %s", res.Warnings[0])
	}
}

func TestAbsentValuesAreExcludedNotZeroFilled(t *testing.T) {
	nan := math.NaN()
	in := SessionInput{
		Name:  "Rest 1",
		Edges: []Edge{{A: "A", B: "B"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah",
			[]float64{0.4}, []float64{nan}, []float64{0.6},
		)},
		GroupB: Group{Label: "AP", Subjects: subjects("ap",
			[]float64{0.1}, []float64{0.3},
		)},
	}
	res, err := NewEngine(Options{}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	rec := res.Records[0]
	if rec.NA != 2 || !approx(rec.MeanA, 0.5, tol) {
		t.Fatalf("expected absent value skipped, got n=%d mean=%v", rec.NA, rec.MeanA)
	}
}

func TestSingleValueGroupWarnsInsufficientData(t *testing.T) {
	nan := math.NaN()
	in := SessionInput{
		Name:   "Rest 1",
		Edges:  []Edge{{A: "A", B: "B"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah", []float64{0.4}, []float64{nan})},
		GroupB: Group{Label: "AP", Subjects: subjects("ap", []float64{0.1}, []float64{0.3})},
	}
	res, err := NewEngine(Options{}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Records[0].EffectDefined() {
		t.Fatalf("expected undefined d")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != WarningInsufficientData {
		t.Fatalf("expected insufficient data warning, got %+v", res.Warnings)
	}
}

func TestCompareRejectsMalformedInput(t *testing.T) {
	base := twoEdgeSession()
	cases := map[string]func(in *SessionInput){
		"empty group": func(in *SessionInput) { in.GroupB.Subjects = nil },
		"length mismatch": func(in *SessionInput) {
			in.GroupA.Subjects[1].Values = []float64{0.1}
		},
		"no edges":       func(in *SessionInput) { in.Edges = nil },
		"same labels":    func(in *SessionInput) { in.GroupB.Label = in.GroupA.Label },
		"missing labels": func(in *SessionInput) { in.GroupA.Label = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			in.GroupA.Subjects = append([]Subject(nil), base.GroupA.Subjects...)
			in.GroupB.Subjects = append([]Subject(nil), base.GroupB.Subjects...)
			mutate(&in)
			_, err := NewEngine(Options{}).Compare(in)
			var shape InputShapeError
			if !errors.As(err, &shape) {
				t.Fatalf("expected InputShapeError, got %v", err)
			}
			if shape.Session != "Rest 1" {
				t.Fatalf("expected session in error, got %+v", shape)
			}
		})
	}
}

func TestCompareRejectsInfiniteValue(t *testing.T) {
	in := SessionInput{
		Name:  "Rest 1",
		Edges: []Edge{{A: "A", B: "B"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah",
			[]float64{0.5}, []float64{0.3}, []float64{math.Inf(1)},
		)},
		GroupB: Group{Label: "AP", Subjects: subjects("ap",
			[]float64{0.1}, []float64{0.2},
		)},
	}
	_, err := NewEngine(Options{}).Compare(in)
	var shape InputShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("expected InputShapeError, got %v", err)
	}
	if shape.Group != "AH" || shape.Subject != "ahc" || !strings.Contains(shape.Reason, "A — B") {
		t.Fatalf("expected subject and edge named, got %+v", shape)
	}
}

func TestTieBreakUsesEdgeLabel(t *testing.T) {
	in := SessionInput{
		Name:   "Rest 1",
		Edges:  []Edge{{A: "Z", B: "Y"}, {A: "B", B: "C"}},
		GroupA: Group{Label: "AH", Subjects: subjects("ah", []float64{0.5, 0.5}, []float64{0.3, 0.3})},
		GroupB: Group{Label: "AP", Subjects: subjects("ap", []float64{0.1, 0.1}, []float64{0.2, 0.2})},
	}
	res, err := NewEngine(Options{}).Compare(in)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	top := res.Top(2)
	if top[0].Edge.A != "B" || top[1].Edge.A != "Z" {
		t.Fatalf("expected lexical tie break, got %s then %s", top[0].Edge.Label(), top[1].Edge.Label())
	}
}

func TestRecordJSONCarriesNaNAsNull(t *testing.T) {
	rec := ComparisonRecord{Index: 3, Edge: Edge{A: "A", B: "B"}, MeanA: 0.2, CohenD: math.NaN(), Q: math.NaN(), Rank: 4}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"cohen_d":null`) {
		t.Fatalf("expected null d, got %s", b)
	}
	var back ComparisonRecord
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !math.IsNaN(back.CohenD) || back.MeanA != 0.2 || back.Rank != 4 {
		t.Fatalf("unexpected decode: %+v", back)
	}
}

func TestSummarizeGroupOverall(t *testing.T) {
	g := Group{Label: "AH", Subjects: subjects("ah", []float64{1, 2}, []float64{3, math.NaN()})}
	sum := SummarizeGroup(g)
	if sum.N != 2 || !approx(sum.OverallMean, 2, tol) || !approx(sum.OverallSD, 1, tol) {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.SubjectIDs) != 2 || sum.SubjectIDs[0] != "aha" {
		t.Fatalf("unexpected ids %v", sum.SubjectIDs)
	}
}

func TestParseTTestKind(t *testing.T) {
	if k, err := ParseTTestKind(""); err != nil || k != TTestWelch {
		t.Fatalf("expected welch default, got %v %v", k, err)
	}
	if _, err := ParseTTestKind("student"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func randomSession(seed int64, edges, nA, nB int) SessionInput {
	rng := rand.New(rand.NewSource(seed))
	in := SessionInput{Name: "Rest 1", Edges: make([]Edge, edges)}
	for i := range in.Edges {
		in.Edges[i] = Edge{A: "R" + string(rune('A'+i%26)), B: "S" + string(rune('A'+i/26))}
	}
	mk := func(label string, n int, shift float64) Group {
		g := Group{Label: label, Subjects: make([]Subject, n)}
		for s := range g.Subjects {
			vals := make([]float64, edges)
			for e := range vals {
				vals[e] = rng.NormFloat64()*0.1 + shift*float64(e%3)
			}
			g.Subjects[s] = Subject{ID: label + string(rune('0'+s)), Values: vals}
		}
		return g
	}
	in.GroupA = mk("AH", nA, 0.05)
	in.GroupB = mk("AP", nB, 0)
	return in
}
