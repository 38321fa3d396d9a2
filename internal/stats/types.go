// Package stats compares per-edge connectivity values between two unpaired
// groups of subjects for a single recording session.
//
// Every edge receives descriptive statistics per group, Cohen's d with a
// pooled standard deviation, a two-sample t statistic, a raw two-tailed p
// value and a Benjamini-Hochberg q value computed across all edges of the
// session. Edges are then ranked by absolute effect size.
package stats

import (
	"fmt"
	"math"
)

// Edge is an unordered pair of anatomical region labels.
type Edge struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Label renders the edge the way reports display it. It is also the
// deterministic tie-breaker used when ranking.
func (e Edge) Label() string {
	return e.A + " — " + e.B
}

// Subject carries one connectivity value per edge, in the session's
// canonical edge order. NaN marks a value that is absent for that subject.
type Subject struct {
	ID     string    `json:"id"`
	Values []float64 `json:"values"`
}

// Group is one side of the comparison.
type Group struct {
	Label    string    `json:"label"`
	Subjects []Subject `json:"subjects"`
}

// SessionInput is everything needed to compare two groups for one session.
// Group A is the first-listed group: a positive Cohen's d means A is higher.
type SessionInput struct {
	Name   string `json:"name"`
	Edges  []Edge `json:"edges"`
	GroupA Group  `json:"group_a"`
	GroupB Group  `json:"group_b"`
}

// TTestKind selects the variance model of the t statistic.
type TTestKind string

const (
	// TTestWelch uses unequal variances with Welch-Satterthwaite degrees of freedom.
	TTestWelch TTestKind = "welch"
	// TTestPooled uses the same (n-1)-weighted pooled variance as Cohen's d
	// with nA+nB-2 degrees of freedom.
	TTestPooled TTestKind = "pooled"
)

// ParseTTestKind maps configuration strings onto a TTestKind.
func ParseTTestKind(s string) (TTestKind, error) {
	switch TTestKind(s) {
	case "", TTestWelch:
		return TTestWelch, nil
	case TTestPooled:
		return TTestPooled, nil
	default:
		return "", fmt.Errorf("unknown t-test kind %q", s)
	}
}

// ComparisonRecord holds the statistics of one edge for one session.
// Undefined quantities (zero pooled variance, fewer than two values in a
// group) are NaN; they are never replaced with zero.
type ComparisonRecord struct {
	Index      int
	Edge       Edge
	NA         int
	NB         int
	MeanA      float64
	StdA       float64
	MeanB      float64
	StdB       float64
	Difference float64
	CohenD     float64
	T          float64
	DF         float64
	P          float64
	Q          float64
	Rank       int
}

// EffectDefined reports whether Cohen's d could be computed for the edge.
func (r ComparisonRecord) EffectDefined() bool {
	return !math.IsNaN(r.CohenD)
}

// GroupSummary describes one group as a whole for a session.
type GroupSummary struct {
	Label       string
	N           int
	SubjectIDs  []string
	OverallMean float64
	OverallSD   float64
}

// WarningKind classifies non-fatal conditions found while computing an edge.
type WarningKind string

const (
	// WarningZeroVariance marks an edge whose pooled variance is zero, so d
	// and t are undefined.
	WarningZeroVariance WarningKind = "zero_variance"
	// WarningInsufficientData marks an edge where a group has fewer than two
	// present values.
	WarningInsufficientData WarningKind = "insufficient_data"
)

// Warning records an edge whose effect size is reported as the NaN sentinel.
type Warning struct {
	Session string      `json:"session"`
	Index   int         `json:"index"`
	Edge    Edge        `json:"edge"`
	Kind    WarningKind `json:"kind"`
	Detail  string      `json:"detail,omitempty"`
}

func (w Warning) String() string {
	if w.Detail == "" {
		return fmt.Sprintf("%s: edge %s: %s", w.Session, w.Edge.Label(), w.Kind)
	}
	return fmt.Sprintf("%s: edge %s: %s (%s)", w.Session, w.Edge.Label(), w.Kind, w.Detail)
}

// InputShapeError is returned when a session's input cannot be compared at
// all. It aborts that session only.
type InputShapeError struct {
	Session string
	Group   string
	Subject string
	Reason  string
}

func (e InputShapeError) Error() string {
	switch {
	case e.Subject != "":
		return fmt.Sprintf("session %s: group %s: subject %s: %s", e.Session, e.Group, e.Subject, e.Reason)
	case e.Group != "":
		return fmt.Sprintf("session %s: group %s: %s", e.Session, e.Group, e.Reason)
	default:
		return fmt.Sprintf("session %s: %s", e.Session, e.Reason)
	}
}
