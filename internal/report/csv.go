package report

import (
	"encoding/csv"
	"io"
	"strconv"
)

var csvHeader = []string{
	"session", "rank", "edge_index", "region_a", "region_b",
	"n_a", "n_b", "mean_a", "sd_a", "mean_b", "sd_b",
	"difference", "cohen_d", "t", "df", "p", "q",
}

// WriteCSV writes every edge of every session, ranked, including q values.
// Undefined statistics are written as NaN.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range r.Sessions {
		for _, rec := range s.Ranked() {
			row := []string{
				s.Session,
				strconv.Itoa(rec.Rank),
				strconv.Itoa(rec.Index),
				rec.Edge.A,
				rec.Edge.B,
				strconv.Itoa(rec.NA),
				strconv.Itoa(rec.NB),
				raw(rec.MeanA),
				raw(rec.StdA),
				raw(rec.MeanB),
				raw(rec.StdB),
				raw(rec.Difference),
				raw(rec.CohenD),
				raw(rec.T),
				raw(rec.DF),
				raw(rec.P),
				raw(rec.Q),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
