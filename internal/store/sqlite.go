package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/models"
	"github.com/riverlab/streamtemp/internal/table"
	"github.com/riverlab/streamtemp/internal/validate"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertSite(site models.Site) error {
	_, err := s.db.Exec(`
		INSERT INTO sites (site_id, name, latitude, longitude, ecoregion, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			ecoregion = excluded.ecoregion,
			active = excluded.active
	`, site.SiteID, site.Name, site.Latitude, site.Longitude, site.Ecoregion, site.Active)
	return err
}

func (s *Store) GetActiveSites() ([]models.Site, error) {
	rows, err := s.db.Query(`SELECT site_id, name, latitude, longitude, ecoregion, active FROM sites WHERE active = TRUE ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		var site models.Site
		if err := rows.Scan(&site.SiteID, &site.Name, &site.Latitude, &site.Longitude, &site.Ecoregion, &site.Active); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *Store) UpsertGaugeObservation(rec models.GaugeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO gauge_observations (site_id, year, month, temperature, provisional)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, year, month) DO UPDATE SET
			temperature = excluded.temperature,
			provisional = excluded.provisional
	`, rec.SiteID, rec.Year, rec.Month, rec.Temperature, rec.Provisional)
	return err
}

func (s *Store) GetGaugeObservations(siteID string) ([]models.GaugeRecord, error) {
	rows, err := s.db.Query(`
		SELECT site_id, year, month, temperature, provisional, created_at
		FROM gauge_observations
		WHERE site_id = ?
		ORDER BY year, month
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.GaugeRecord
	for rows.Next() {
		var rec models.GaugeRecord
		if err := rows.Scan(&rec.SiteID, &rec.Year, &rec.Month, &rec.Temperature, &rec.Provisional, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveBank persists a fitted bank under a name, replacing any previous bank
// with that name; a bank is immutable, so replacement is the only update.
func (s *Store) SaveBank(name string, b *bank.Bank) error {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return err
	}
	columns, err := json.Marshal(b.Columns())
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO model_banks (name, trained_at, months_fitted, columns, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			trained_at = excluded.trained_at,
			months_fitted = excluded.months_fitted,
			columns = excluded.columns,
			payload = excluded.payload
	`, name, time.Now().UTC(), len(b.Months()), string(columns), buf.Bytes())
	return err
}

// LoadBank returns the named bank, or nil if none has been saved.
func (s *Store) LoadBank(name string) (*bank.Bank, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM model_banks WHERE name = ?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bank.Decode(bytes.NewReader(payload))
}

func (s *Store) GetBankInfo(name string) (*models.BankInfo, error) {
	var info models.BankInfo
	var columns string
	err := s.db.QueryRow(`
		SELECT id, name, trained_at, months_fitted, columns
		FROM model_banks WHERE name = ?
	`, name).Scan(&info.ID, &info.Name, &info.TrainedAt, &info.MonthsFitted, &columns)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columns), &info.Columns); err != nil {
		return nil, fmt.Errorf("unmarshal columns: %w", err)
	}
	return &info, nil
}

func (s *Store) CreateValidationRun(strategy, params string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO validation_runs (strategy, params) VALUES (?, ?)`, strategy, params)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertGOFResults(runID int64, results []validate.GOF) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, g := range results {
		if _, err := tx.Exec(`
			INSERT INTO gof_results (run_id, entity, n, rmse, pbias, r2, nse)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, g.Entity, g.N, nanToNull(g.RMSE), nanToNull(g.PBias), nanToNull(g.R2), nanToNull(g.NSE)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetGOFResults(runID int64) ([]validate.GOF, error) {
	rows, err := s.db.Query(`
		SELECT entity, n, rmse, pbias, r2, nse
		FROM gof_results WHERE run_id = ? ORDER BY entity
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []validate.GOF
	for rows.Next() {
		var g validate.GOF
		var rmse, pbias, r2, nse sql.NullFloat64
		if err := rows.Scan(&g.Entity, &g.N, &rmse, &pbias, &r2, &nse); err != nil {
			return nil, err
		}
		g.RMSE = nullToNaN(rmse)
		g.PBias = nullToNaN(pbias)
		g.R2 = nullToNaN(r2)
		g.NSE = nullToNaN(nse)
		results = append(results, g)
	}
	return results, rows.Err()
}

// ObservationTable joins the stored gauge observations into a modeling table
// keyed the way the pipeline expects, one row per (site, year, month).
func (s *Store) ObservationTable() (table.Table, error) {
	rows, err := s.db.Query(`
		SELECT o.site_id, o.year, o.month, o.temperature, COALESCE(st.ecoregion, '')
		FROM gauge_observations o
		LEFT JOIN sites st ON st.site_id = o.site_id
		ORDER BY o.site_id, o.year, o.month
	`)
	if err != nil {
		return table.Table{}, err
	}
	defer rows.Close()

	t := table.Table{HasTemperature: true, HasEcoregion: true}
	for rows.Next() {
		var row table.Row
		if err := rows.Scan(&row.SiteID, &row.Year, &row.Month, &row.Temperature, &row.Ecoregion); err != nil {
			return table.Table{}, err
		}
		row.Start = fmt.Sprintf("%d-%s-01", row.Year, row.Month)
		row.End = endOfMonth(row.Year, row.Month)
		row.Predictors = map[string]float64{}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func endOfMonth(year int, month string) string {
	start, err := time.Parse("2006-01-02", fmt.Sprintf("%d-%s-01", year, month))
	if err != nil {
		return ""
	}
	return start.AddDate(0, 1, -1).Format("2006-01-02")
}

func nanToNull(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
