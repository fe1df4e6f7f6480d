// Package bank owns per-month model training: one independently fitted
// quantile regression forest per calendar month, plus an explicit record of
// the months that could not be fitted.
package bank

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/riverlab/streamtemp/internal/metrics"
	"github.com/riverlab/streamtemp/internal/qrf"
	"github.com/riverlab/streamtemp/internal/table"
)

// DefaultMinRows is the insufficient-data threshold: a month with this many
// or fewer usable rows after sanitization gets no model.
const DefaultMinRows = 10

var ErrNoResponse = errors.New("bank: training table has no usable temperature column")

// Options configures a bank fit. Learner options are passed through to the
// forest untouched.
type Options struct {
	Learner qrf.Options
	MinRows int // <=0 means DefaultMinRows

	// Strict aborts the whole fit on the first stratum-local learner
	// failure. The default records the failure for that month and keeps
	// fitting the rest.
	Strict bool
}

// Bank maps canonical month keys to fitted models. It is built once by Fit
// and read-only afterwards; retraining means building a new bank.
type Bank struct {
	models  map[string]*qrf.Forest
	columns []string
	skipped map[string]string
}

// Fit sanitizes the table, partitions it by month, and trains one model per
// month with enough data. Identifier columns never enter the predictor
// matrix; the sanitized predictor column set becomes the bank's column
// contract for later prediction.
func Fit(t table.Table, opts Options) (*Bank, error) {
	start := time.Now()
	defer func() { metrics.FitDuration.Observe(time.Since(start).Seconds()) }()

	minRows := opts.MinRows
	if minRows <= 0 {
		minRows = DefaultMinRows
	}

	clean, drops := table.Sanitize(t)
	if !clean.HasTemperature {
		return nil, ErrNoResponse
	}
	if drops.DroppedRows > 0 || len(drops.DroppedColumns) > 0 {
		log.Printf("bank: sanitize dropped %d rows, %d columns %v",
			drops.DroppedRows, len(drops.DroppedColumns), drops.DroppedColumns)
	}

	b := &Bank{
		models:  make(map[string]*qrf.Forest),
		columns: append([]string(nil), clean.Columns...),
		skipped: make(map[string]string),
	}

	for month, part := range table.SplitByMonth(clean) {
		if len(part.Rows) <= minRows {
			b.skipped[month] = fmt.Sprintf("insufficient data (%d rows)", len(part.Rows))
			metrics.StrataSkipped.WithLabelValues("insufficient_data").Inc()
			continue
		}

		x := make([][]float64, len(part.Rows))
		y := make([]float64, len(part.Rows))
		for i, row := range part.Rows {
			x[i] = row.Vector(clean.Columns)
			y[i] = row.Temperature.Float64
		}

		model, err := qrf.Fit(x, y, opts.Learner)
		if err != nil {
			if opts.Strict {
				return nil, fmt.Errorf("bank: fit month %s: %w", month, err)
			}
			log.Printf("bank: fit month %s failed, skipping: %v", month, err)
			b.skipped[month] = err.Error()
			metrics.StrataSkipped.WithLabelValues("fit_error").Inc()
			continue
		}
		b.models[month] = model
		metrics.StrataFitted.Inc()
	}
	return b, nil
}

// Model returns the fitted model for a month, if one exists.
func (b *Bank) Model(month string) (*qrf.Forest, bool) {
	m, ok := b.models[month]
	return m, ok
}

// Months returns the months with fitted models, sorted.
func (b *Bank) Months() []string {
	months := make([]string, 0, len(b.models))
	for m := range b.models {
		months = append(months, m)
	}
	sort.Strings(months)
	return months
}

// Columns returns the predictor column contract the bank was trained on.
func (b *Bank) Columns() []string {
	return append([]string(nil), b.columns...)
}

// Skipped returns the months that got no model, keyed to the reason.
func (b *Bank) Skipped() map[string]string {
	out := make(map[string]string, len(b.skipped))
	for k, v := range b.skipped {
		out[k] = v
	}
	return out
}
