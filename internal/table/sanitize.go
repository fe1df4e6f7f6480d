package table

import (
	"math"

	"github.com/riverlab/streamtemp/internal/metrics"
)

// DropStats reports what Sanitize removed. Row dropping is documented
// behavior rather than an error, so callers get the counts to log.
type DropStats struct {
	DroppedColumns []string
	DroppedRows    int
}

// Sanitize applies the two-step cleaning policy:
//
//  1. Predictor columns whose values are missing in every row are dropped,
//     so optional predictors that are absent from a dataset do not wipe out
//     all of its rows. A response column that is missing everywhere is
//     dropped the same way.
//  2. Remaining rows with any missing value (identifier, response when the
//     column survives, or surviving predictor) are dropped.
//
// Sanitize never errors; an empty result is valid and downstream stages
// treat empty strata as "no model". It is a pure function and idempotent.
func Sanitize(t Table) (Table, DropStats) {
	var stats DropStats

	// With no rows there is nothing to judge column emptiness by; keep the
	// column contract intact so an empty table stays a valid empty table.
	if len(t.Rows) == 0 {
		return t, stats
	}

	keep := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		if columnAllMissing(t.Rows, col) {
			stats.DroppedColumns = append(stats.DroppedColumns, col)
			continue
		}
		keep = append(keep, col)
	}

	hasTemp := t.HasTemperature && !temperatureAllMissing(t.Rows)
	if t.HasTemperature && !hasTemp {
		stats.DroppedColumns = append(stats.DroppedColumns, "temperature")
	}

	out := Table{
		Columns:        keep,
		HasTemperature: hasTemp,
		HasEcoregion:   t.HasEcoregion,
	}
	for _, row := range t.Rows {
		if rowMissing(row, keep, hasTemp) {
			stats.DroppedRows++
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	metrics.RowsDropped.WithLabelValues("sanitize").Add(float64(stats.DroppedRows))
	return out, stats
}

func columnAllMissing(rows []Row, col string) bool {
	for _, row := range rows {
		if !math.IsNaN(row.Predictor(col)) {
			return false
		}
	}
	return true
}

func temperatureAllMissing(rows []Row) bool {
	for _, row := range rows {
		if row.Temperature.Valid {
			return false
		}
	}
	return true
}

func rowMissing(row Row, columns []string, hasTemp bool) bool {
	if row.SiteID == "" || row.Month == "" || row.Start == "" || row.End == "" {
		return true
	}
	if hasTemp && !row.Temperature.Valid {
		return true
	}
	for _, col := range columns {
		if math.IsNaN(row.Predictor(col)) {
			return true
		}
	}
	return false
}
