package stats

import (
	"math"
	"sort"
)

// BenjaminiHochberg returns the BH-adjusted q value for each p value. NaN
// p values are not tests: they receive a NaN q and do not count towards m.
// The returned slice is index-aligned with p.
func BenjaminiHochberg(p []float64) []float64 {
	q := make([]float64, len(p))
	order := make([]int, 0, len(p))
	for i, v := range p {
		q[i] = math.NaN()
		if !math.IsNaN(v) {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return p[order[i]] < p[order[j]] })

	m := float64(len(order))
	prev := 1.0
	for r := len(order) - 1; r >= 0; r-- {
		i := order[r]
		v := p[i] * m / float64(r+1)
		if v > prev {
			v = prev
		}
		q[i] = v
		prev = v
	}
	return q
}
