package table

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Required identifier columns in the delimited interchange format. The
// response ("temperature") and reporting ("ecoregion") columns are optional;
// every other column is taken to be a predictor.
var requiredColumns = []string{"id", "time", "year", "start", "end"}

// ReadCSV parses an observation table from the delimited interchange format.
// Predictor column names are free-form and preserved in header order; cells
// that do not parse as numbers become missing values.
func ReadCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			return Table{}, fmt.Errorf("missing required column %q", name)
		}
	}

	var t Table
	_, t.HasTemperature = index["temperature"]
	_, t.HasEcoregion = index["ecoregion"]

	special := map[string]bool{"temperature": true, "ecoregion": true}
	for _, name := range requiredColumns {
		special[name] = true
	}
	for _, name := range header {
		if !special[name] {
			t.Columns = append(t.Columns, name)
		}
	}

	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read row: %w", err)
		}
		line++

		row, err := parseRow(record, index, t)
		if err != nil {
			return Table{}, fmt.Errorf("line %d: %w", line, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseRow(record []string, index map[string]int, t Table) (Row, error) {
	cell := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	row := Row{
		SiteID:     cell("id"),
		Start:      cell("start"),
		End:        cell("end"),
		Predictors: make(map[string]float64, len(t.Columns)),
	}

	if raw := cell("time"); raw != "" {
		month, err := CanonicalMonth(raw)
		if err != nil {
			return Row{}, err
		}
		row.Month = month
	}

	if raw := cell("year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return Row{}, fmt.Errorf("year %q: %w", raw, err)
		}
		row.Year = year
	}

	if t.HasEcoregion {
		row.Ecoregion = cell("ecoregion")
	}
	if t.HasTemperature {
		if raw := cell("temperature"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err == nil {
				row.Temperature = sql.NullFloat64{Float64: v, Valid: true}
			}
		}
	}

	for _, col := range t.Columns {
		raw := cell(col)
		if raw == "" {
			row.Predictors[col] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			v = math.NaN()
		}
		row.Predictors[col] = v
	}
	return row, nil
}

// WriteCSV emits the table back in the interchange format, identifiers
// first, then temperature and ecoregion when present, then predictors in
// contract order.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)

	header := append([]string{}, requiredColumns...)
	if t.HasTemperature {
		header = append(header, "temperature")
	}
	if t.HasEcoregion {
		header = append(header, "ecoregion")
	}
	header = append(header, t.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, row := range t.Rows {
		record := []string{
			row.SiteID,
			row.Month,
			strconv.Itoa(row.Year),
			row.Start,
			row.End,
		}
		if t.HasTemperature {
			record = append(record, formatNullable(row.Temperature.Float64, row.Temperature.Valid))
		}
		if t.HasEcoregion {
			record = append(record, row.Ecoregion)
		}
		for _, col := range t.Columns {
			v := row.Predictor(col)
			record = append(record, formatNullable(v, !math.IsNaN(v)))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatNullable(v float64, valid bool) string {
	if !valid {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
