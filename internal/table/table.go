// Package table holds the observation table that flows through the fitting
// and prediction pipeline: required identifier fields, an optional response,
// and an open set of numeric predictor columns.
//
// Categorical predictors must be numerically encoded upstream; a non-numeric
// predictor cell is treated as missing.
package table

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Row is a single gauge-month record. Predictor values use NaN for missing;
// a predictor absent from the map is also missing. Ecoregion is carried for
// reporting only and never participates in modeling or missing-value checks.
type Row struct {
	SiteID      string
	Month       string
	Year        int
	Start       string
	End         string
	Ecoregion   string
	Temperature sql.NullFloat64
	Predictors  map[string]float64
}

// Table is an ordered collection of rows plus the predictor column contract.
// Columns is the authoritative, ordered set of predictor names; it must be
// identical between the table a model was fitted on and every table later
// passed to that model.
type Table struct {
	Columns []string
	Rows    []Row

	// HasTemperature records whether the response column exists at all,
	// as opposed to existing with missing values in some rows.
	HasTemperature bool
	// HasEcoregion records whether the source carried an ecoregion column.
	HasEcoregion bool
}

// Predictor returns the named predictor value, or NaN if missing.
func (r Row) Predictor(name string) float64 {
	v, ok := r.Predictors[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// Vector materializes the row's predictors in the given column order.
func (r Row) Vector(columns []string) []float64 {
	v := make([]float64, len(columns))
	for i, c := range columns {
		v[i] = r.Predictor(c)
	}
	return v
}

// CanonicalMonth normalizes a month key to its zero-padded two-digit form.
func CanonicalMonth(s string) (string, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("month %q: %w", s, err)
	}
	if n < 1 || n > 12 {
		return "", fmt.Errorf("month %q out of range", s)
	}
	return fmt.Sprintf("%02d", n), nil
}

// SplitByMonth partitions the table into disjoint per-month tables. The
// predictor column contract is shared unchanged by every part.
func SplitByMonth(t Table) map[string]Table {
	parts := make(map[string]Table)
	for _, row := range t.Rows {
		part, ok := parts[row.Month]
		if !ok {
			part = Table{
				Columns:        t.Columns,
				HasTemperature: t.HasTemperature,
				HasEcoregion:   t.HasEcoregion,
			}
		}
		part.Rows = append(part.Rows, row)
		parts[row.Month] = part
	}
	return parts
}

// Months returns the distinct month keys present, sorted.
func (t Table) Months() []string {
	seen := make(map[string]bool)
	for _, row := range t.Rows {
		seen[row.Month] = true
	}
	months := make([]string, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Strings(months)
	return months
}
