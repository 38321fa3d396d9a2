package report

import (
	"math"
	"strconv"
	"strings"

	"fcreport/internal/linkage"
)

// fixed renders v with prec decimals, or "n/a" for the NaN sentinel.
func fixed(v float64, prec int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// pvalue renders small probabilities in scientific notation.
func pvalue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case v != 0 && v < 1e-3:
		return strconv.FormatFloat(v, 'e', 2, 64)
	default:
		return strconv.FormatFloat(v, 'f', 4, 64)
	}
}

// raw renders v losslessly for machine-readable output.
func raw(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func indicators(list []linkage.Indicator) string {
	if len(list) == 0 {
		return "none"
	}
	parts := make([]string, len(list))
	for i, ind := range list {
		parts[i] = ind.String()
	}
	return strings.Join(parts, "; ")
}
