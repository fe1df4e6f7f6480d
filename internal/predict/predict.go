// Package predict applies a fitted model bank to new observation tables and
// shapes the output in one of three documented forms: bare predictions,
// compare-with-actual, or preserve-all-columns.
package predict

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/metrics"
	"github.com/riverlab/streamtemp/internal/table"
)

var (
	// ErrMissingResponse means compare mode was requested on a table
	// without a temperature column.
	ErrMissingResponse = errors.New("predict: compare requires a temperature column")

	// ErrColumnContract means the input's predictor columns differ from the
	// columns the bank was trained on. This is never coerced silently.
	ErrColumnContract = errors.New("predict: predictor columns differ from training contract")
)

// Options selects the output shape and the quantiles to request.
//
// A nil Quantiles slice means the caller relies on the default median and
// yields a single unsuffixed output column; an explicit list, even []float64
// {0.5}, always yields suffixed columns. Downstream consumers depend on this
// distinction, so it is part of the contract rather than a convenience.
type Options struct {
	Compare   bool
	Preserve  bool
	Quantiles []float64
}

// Row is one prediction output row. Values holds one predicted temperature
// per requested quantile, in request order. Predictors is populated only in
// preserve mode.
type Row struct {
	SiteID     string
	Ecoregion  string
	Year       int
	Month      string
	Start      string
	End        string
	Actual     sql.NullFloat64
	Predictors map[string]float64
	Values     []float64
}

// Result is the concatenated per-stratum output. Header is the exact ordered
// column set for the chosen shape; Dropped counts input rows whose month had
// no usable model and therefore produced no output.
type Result struct {
	Header           []string
	PredictorColumns []string
	ValueColumns     []string
	Rows             []Row
	Dropped          int
}

// Apply runs the bank's per-month models over the table.
//
// Months absent from the bank, or present but skipped at training time,
// contribute zero rows; that is documented behavior, surfaced through
// Result.Dropped rather than an error.
func Apply(b *bank.Bank, t table.Table, opts Options) (*Result, error) {
	if opts.Compare && !t.HasTemperature {
		return nil, ErrMissingResponse
	}

	quantiles := opts.Quantiles
	defaulted := quantiles == nil
	if defaulted {
		quantiles = []float64{0.5}
	}

	clean, drops := table.Sanitize(t)
	if drops.DroppedRows > 0 {
		log.Printf("predict: sanitize dropped %d rows", drops.DroppedRows)
	}

	contract := b.Columns()
	if !sameColumnSet(clean.Columns, contract) {
		return nil, fmt.Errorf("%w: trained on %v, given %v",
			ErrColumnContract, contract, clean.Columns)
	}

	base := "temperature"
	if opts.Compare || (opts.Preserve && t.HasTemperature) {
		base = "Modeled"
	}
	valueColumns := valueColumnNames(base, quantiles, defaulted)

	res := &Result{
		ValueColumns: valueColumns,
	}
	if opts.Preserve {
		res.PredictorColumns = contract
	}
	res.Header = buildHeader(opts, t.HasTemperature, res.PredictorColumns, valueColumns)

	parts := table.SplitByMonth(clean)
	months := make([]string, 0, len(parts))
	for m := range parts {
		months = append(months, m)
	}
	sort.Strings(months)

	for _, month := range months {
		part := parts[month]
		model, ok := b.Model(month)
		if !ok {
			res.Dropped += len(part.Rows)
			metrics.RowsDropped.WithLabelValues("predict").Add(float64(len(part.Rows)))
			continue
		}

		x := make([][]float64, len(part.Rows))
		for i, row := range part.Rows {
			x[i] = row.Vector(contract)
		}
		preds, err := model.Predict(x, quantiles)
		if err != nil {
			return nil, fmt.Errorf("predict: month %s: %w", month, err)
		}

		for i, row := range part.Rows {
			out := Row{
				SiteID: row.SiteID,
				Year:   row.Year,
				Month:  row.Month,
				Start:  row.Start,
				End:    row.End,
				Values: preds[i],
			}
			if t.HasEcoregion {
				out.Ecoregion = row.Ecoregion
			}
			if opts.Compare || (opts.Preserve && clean.HasTemperature) {
				out.Actual = row.Temperature
			}
			if opts.Preserve {
				out.Predictors = row.Predictors
			}
			res.Rows = append(res.Rows, out)
		}
	}

	metrics.PredictionRows.Add(float64(len(res.Rows)))
	return res, nil
}

// valueColumnNames implements the naming policy: the bare base name only for
// the single default quantile, base_<q> otherwise.
func valueColumnNames(base string, quantiles []float64, defaulted bool) []string {
	if defaulted && len(quantiles) == 1 {
		return []string{base}
	}
	names := make([]string, len(quantiles))
	for i, q := range quantiles {
		names[i] = base + "_" + strconv.FormatFloat(q, 'g', -1, 64)
	}
	return names
}

func buildHeader(opts Options, hasTemp bool, predictorCols, valueCols []string) []string {
	header := []string{"id", "ecoregion", "year", "time", "start", "end"}
	if opts.Preserve {
		header = append(header, predictorCols...)
		if hasTemp {
			header = append(header, "Actual")
		}
	} else if opts.Compare {
		header = append(header, "Actual")
	}
	return append(header, valueCols...)
}

func sameColumnSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}
