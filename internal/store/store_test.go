package store

import (
	"database/sql"
	"math"
	"math/rand"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/models"
	"github.com/riverlab/streamtemp/internal/qrf"
	"github.com/riverlab/streamtemp/internal/table"
	"github.com/riverlab/streamtemp/internal/validate"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestUpsertAndGetSite(t *testing.T) {
	st := setupTestStore(t)

	site := models.Site{
		SiteID:    "01646500",
		Name:      "Potomac River near Washington DC",
		Latitude:  38.9495,
		Longitude: -77.1276,
		Ecoregion: "piedmont",
		Active:    true,
	}
	if err := st.UpsertSite(site); err != nil {
		t.Fatalf("UpsertSite: %v", err)
	}

	// Upsert again with a changed name; still one row.
	site.Name = "Potomac River (Little Falls)"
	if err := st.UpsertSite(site); err != nil {
		t.Fatalf("UpsertSite update: %v", err)
	}

	sites, err := st.GetActiveSites()
	if err != nil {
		t.Fatalf("GetActiveSites: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1", len(sites))
	}
	if sites[0].Name != "Potomac River (Little Falls)" {
		t.Errorf("Name = %q, want updated name", sites[0].Name)
	}
}

func TestGaugeObservationRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	rec := models.GaugeRecord{
		SiteID:      "01646500",
		Year:        2019,
		Month:       "07",
		Temperature: sql.NullFloat64{Float64: 298.85, Valid: true},
	}
	if err := st.UpsertGaugeObservation(rec); err != nil {
		t.Fatalf("UpsertGaugeObservation: %v", err)
	}

	// Re-upsert the same key with a revised value.
	rec.Temperature = sql.NullFloat64{Float64: 299.05, Valid: true}
	if err := st.UpsertGaugeObservation(rec); err != nil {
		t.Fatalf("UpsertGaugeObservation update: %v", err)
	}

	records, err := st.GetGaugeObservations("01646500")
	if err != nil {
		t.Fatalf("GetGaugeObservations: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if got := records[0].Temperature.Float64; got != 299.05 {
		t.Errorf("Temperature = %v, want 299.05", got)
	}
}

func trainedBank(t *testing.T) *bank.Bank {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	tbl := table.Table{Columns: []string{"lst"}, HasTemperature: true}
	for i := 0; i < 25; i++ {
		lst := rng.Float64() * 10
		tbl.Rows = append(tbl.Rows, table.Row{
			SiteID:      "S1",
			Month:       "06",
			Year:        1990 + i,
			Start:       "1990-06-01",
			End:         "1990-06-30",
			Temperature: sql.NullFloat64{Float64: 280 + 0.5*lst, Valid: true},
			Predictors:  map[string]float64{"lst": lst},
		})
	}
	b, err := bank.Fit(tbl, bank.Options{Learner: qrf.Options{Trees: 15, Seed: 1}})
	if err != nil {
		t.Fatalf("bank.Fit: %v", err)
	}
	return b
}

func TestSaveAndLoadBank(t *testing.T) {
	st := setupTestStore(t)
	b := trainedBank(t)

	if err := st.SaveBank("default", b); err != nil {
		t.Fatalf("SaveBank: %v", err)
	}

	loaded, err := st.LoadBank("default")
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadBank returned nil for saved bank")
	}

	orig, _ := b.Model("06")
	back, ok := loaded.Model("06")
	if !ok {
		t.Fatal("loaded bank lost month 06")
	}
	x := [][]float64{{3.3}}
	want, _ := orig.Predict(x, []float64{0.5})
	got, err := back.Predict(x, []float64{0.5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if want[0][0] != got[0][0] {
		t.Errorf("loaded bank predicts %v, want %v", got[0][0], want[0][0])
	}

	info, err := st.GetBankInfo("default")
	if err != nil {
		t.Fatalf("GetBankInfo: %v", err)
	}
	if info == nil || info.MonthsFitted != 1 {
		t.Errorf("BankInfo = %+v, want 1 month fitted", info)
	}
	if len(info.Columns) != 1 || info.Columns[0] != "lst" {
		t.Errorf("Columns = %v, want [lst]", info.Columns)
	}
}

func TestLoadMissingBank(t *testing.T) {
	st := setupTestStore(t)

	b, err := st.LoadBank("absent")
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	if b != nil {
		t.Error("missing bank should load as nil")
	}
}

func TestSaveBankReplaces(t *testing.T) {
	st := setupTestStore(t)
	b := trainedBank(t)

	if err := st.SaveBank("default", b); err != nil {
		t.Fatalf("SaveBank: %v", err)
	}
	if err := st.SaveBank("default", b); err != nil {
		t.Fatalf("SaveBank second: %v", err)
	}

	var count int
	// A bank name maps to exactly one stored payload.
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM model_banks WHERE name = 'default'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored banks = %d, want 1", count)
	}
}

func TestGOFResultsRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	runID, err := st.CreateValidationRun("kfold", `{"k":5}`)
	if err != nil {
		t.Fatalf("CreateValidationRun: %v", err)
	}

	in := []validate.GOF{
		{Entity: "01646500", N: 60, RMSE: 0.42, PBias: -1.3, R2: 0.91, NSE: 0.88},
		{Entity: "02035000", N: 4, RMSE: 0.9, PBias: 2.2, R2: math.NaN(), NSE: math.NaN()},
	}
	if err := st.InsertGOFResults(runID, in); err != nil {
		t.Fatalf("InsertGOFResults: %v", err)
	}

	out, err := st.GetGOFResults(runID)
	if err != nil {
		t.Fatalf("GetGOFResults: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Entity != "01646500" || out[0].RMSE != 0.42 {
		t.Errorf("first result = %+v", out[0])
	}
	if !math.IsNaN(out[1].R2) || !math.IsNaN(out[1].NSE) {
		t.Errorf("NaN statistics should survive the round trip: %+v", out[1])
	}
}

func TestObservationTable(t *testing.T) {
	st := setupTestStore(t)

	if err := st.UpsertSite(models.Site{SiteID: "A", Ecoregion: "coastal", Active: true}); err != nil {
		t.Fatalf("UpsertSite: %v", err)
	}
	recs := []models.GaugeRecord{
		{SiteID: "A", Year: 2020, Month: "01", Temperature: sql.NullFloat64{Float64: 278, Valid: true}},
		{SiteID: "A", Year: 2020, Month: "02", Temperature: sql.NullFloat64{Float64: 279, Valid: true}},
	}
	for _, rec := range recs {
		if err := st.UpsertGaugeObservation(rec); err != nil {
			t.Fatalf("UpsertGaugeObservation: %v", err)
		}
	}

	tbl, err := st.ObservationTable()
	if err != nil {
		t.Fatalf("ObservationTable: %v", err)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(tbl.Rows))
	}
	first := tbl.Rows[0]
	if first.Ecoregion != "coastal" {
		t.Errorf("Ecoregion = %q, want coastal", first.Ecoregion)
	}
	if first.Start != "2020-01-01" || first.End != "2020-01-31" {
		t.Errorf("interval = %s..%s, want 2020-01-01..2020-01-31", first.Start, first.End)
	}
}
