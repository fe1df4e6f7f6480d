package predict

import (
	"database/sql"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/qrf"
	"github.com/riverlab/streamtemp/internal/table"
)

func syntheticTable(months []string, perMonth int, seed int64) table.Table {
	rng := rand.New(rand.NewSource(seed))
	t := table.Table{Columns: []string{"lst", "elev"}, HasTemperature: true, HasEcoregion: true}
	for _, m := range months {
		for i := 0; i < perMonth; i++ {
			lst := rng.Float64() * 10
			t.Rows = append(t.Rows, table.Row{
				SiteID:      "S1",
				Month:       m,
				Year:        2000 + i,
				Start:       "2000-01-01",
				End:         "2000-01-31",
				Ecoregion:   "piedmont",
				Temperature: sql.NullFloat64{Float64: 275 + 0.5*lst, Valid: true},
				Predictors:  map[string]float64{"lst": lst, "elev": rng.Float64() * 100},
			})
		}
	}
	return t
}

func fitBank(t *testing.T, tbl table.Table) *bank.Bank {
	t.Helper()
	b, err := bank.Fit(tbl, bank.Options{Learner: qrf.Options{Trees: 20, Seed: 1}})
	if err != nil {
		t.Fatalf("bank.Fit: %v", err)
	}
	return b
}

var identifierColumns = []string{"id", "ecoregion", "year", "time", "start", "end"}

func TestApplyShapes(t *testing.T) {
	tbl := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, tbl)

	tests := []struct {
		name       string
		opts       Options
		wantHeader []string
	}{
		{
			name:       "bare",
			opts:       Options{},
			wantHeader: append(append([]string{}, identifierColumns...), "temperature"),
		},
		{
			name:       "compare",
			opts:       Options{Compare: true},
			wantHeader: append(append([]string{}, identifierColumns...), "Actual", "Modeled"),
		},
		{
			name: "preserve",
			opts: Options{Preserve: true},
			wantHeader: append(append([]string{}, identifierColumns...),
				"lst", "elev", "Actual", "Modeled"),
		},
		{
			name: "preserve wins over compare",
			opts: Options{Preserve: true, Compare: true},
			wantHeader: append(append([]string{}, identifierColumns...),
				"lst", "elev", "Actual", "Modeled"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Apply(b, tbl, tt.opts)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !reflect.DeepEqual(res.Header, tt.wantHeader) {
				t.Errorf("Header = %v\nwant     %v", res.Header, tt.wantHeader)
			}
			if len(res.Rows) != 20 {
				t.Errorf("rows = %d, want 20", len(res.Rows))
			}
		})
	}
}

func TestApplyQuantileNaming(t *testing.T) {
	tbl := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, tbl)

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"default median unsuffixed", Options{Compare: true}, []string{"Modeled"}},
		{"explicit median suffixed", Options{Compare: true, Quantiles: []float64{0.5}}, []string{"Modeled_0.5"}},
		{"multiple quantiles", Options{Compare: true, Quantiles: []float64{0.1, 0.5, 0.9}},
			[]string{"Modeled_0.1", "Modeled_0.5", "Modeled_0.9"}},
		{"bare mode base name", Options{Quantiles: []float64{0.25}}, []string{"temperature_0.25"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Apply(b, tbl, tt.opts)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !reflect.DeepEqual(res.ValueColumns, tt.want) {
				t.Errorf("ValueColumns = %v, want %v", res.ValueColumns, tt.want)
			}
			for i, row := range res.Rows {
				if len(row.Values) != len(tt.want) {
					t.Fatalf("row %d has %d values, want %d", i, len(row.Values), len(tt.want))
				}
			}
		})
	}
}

func TestApplyCompareRequiresResponse(t *testing.T) {
	tbl := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, tbl)

	noTemp := tbl
	noTemp.HasTemperature = false

	if _, err := Apply(b, noTemp, Options{Compare: true}); !errors.Is(err, ErrMissingResponse) {
		t.Fatalf("err = %v, want ErrMissingResponse", err)
	}
}

func TestApplyColumnContract(t *testing.T) {
	tbl := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, tbl)

	narrower := tbl
	narrower.Columns = []string{"lst"}

	_, err := Apply(b, narrower, Options{})
	if !errors.Is(err, ErrColumnContract) {
		t.Fatalf("err = %v, want ErrColumnContract", err)
	}
	if err != nil && !strings.Contains(err.Error(), "lst") {
		t.Errorf("contract error should name the columns: %v", err)
	}
}

func TestApplyDropsUnmodeledStrata(t *testing.T) {
	train := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, train)

	// Month 02 was never seen at training; its rows drop silently but the
	// count is surfaced.
	input := syntheticTable([]string{"01", "02"}, 15, 2)
	res, err := Apply(b, input, Options{Compare: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Rows) != 15 {
		t.Errorf("rows = %d, want 15 (month 01 only)", len(res.Rows))
	}
	if res.Dropped != 15 {
		t.Errorf("Dropped = %d, want 15", res.Dropped)
	}
	for _, row := range res.Rows {
		if row.Month != "01" {
			t.Errorf("unexpected month %s in output", row.Month)
		}
	}
}

func TestApplyInsufficientStratumYieldsNoRows(t *testing.T) {
	train := table.Table{Columns: []string{"lst", "elev"}, HasTemperature: true, HasEcoregion: true}
	train.Rows = append(train.Rows, syntheticTable([]string{"01"}, 20, 1).Rows...)
	train.Rows = append(train.Rows, syntheticTable([]string{"02"}, 10, 2).Rows...) // at threshold

	b := fitBank(t, train)
	if _, ok := b.Model("02"); ok {
		t.Fatal("month 02 should have no model at the threshold")
	}

	res, err := Apply(b, train, Options{Compare: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Dropped != 10 {
		t.Errorf("Dropped = %d, want 10", res.Dropped)
	}
}

func TestWriteCSV(t *testing.T) {
	tbl := syntheticTable([]string{"01"}, 20, 1)
	b := fitBank(t, tbl)

	res, err := Apply(b, tbl, Options{Compare: true, Quantiles: []float64{0.1, 0.9}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var sb strings.Builder
	if err := res.WriteCSV(&sb); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 21 {
		t.Fatalf("lines = %d, want header + 20 rows", len(lines))
	}
	if lines[0] != "id,ecoregion,year,time,start,end,Actual,Modeled_0.1,Modeled_0.9" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "S1,piedmont,") {
		t.Errorf("first row = %q", lines[1])
	}
}
