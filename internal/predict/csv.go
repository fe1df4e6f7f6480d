package predict

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
)

// WriteCSV emits the result in its shaped column order.
func (r *Result) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.Header); err != nil {
		return err
	}

	hasActual := containsActual(r.Header)
	for _, row := range r.Rows {
		record := []string{
			row.SiteID,
			row.Ecoregion,
			strconv.Itoa(row.Year),
			row.Month,
			row.Start,
			row.End,
		}
		for _, col := range r.PredictorColumns {
			v, ok := row.Predictors[col]
			record = append(record, formatCell(v, ok && !math.IsNaN(v)))
		}
		if hasActual {
			record = append(record, formatCell(row.Actual.Float64, row.Actual.Valid))
		}
		for _, v := range row.Values {
			record = append(record, formatCell(v, true))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func containsActual(header []string) bool {
	for _, h := range header {
		if h == "Actual" {
			return true
		}
	}
	return false
}

func formatCell(v float64, valid bool) string {
	if !valid {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
