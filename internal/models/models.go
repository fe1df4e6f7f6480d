package models

import (
	"database/sql"
	"time"
)

type Site struct {
	SiteID    string
	Name      string
	Latitude  float64
	Longitude float64
	Ecoregion string
	Active    bool
}

// GaugeRecord is one monthly-mean water temperature observation for a gauge,
// keyed by (site, year, month). Temperature is stored in Kelvin.
type GaugeRecord struct {
	SiteID      string
	Year        int
	Month       string // canonical two-digit month, "01".."12"
	Temperature sql.NullFloat64
	Provisional bool
	CreatedAt   time.Time
}

type BankInfo struct {
	ID           int64
	Name         string
	TrainedAt    time.Time
	MonthsFitted int
	Columns      []string
}

type ValidationRun struct {
	ID        int64
	Strategy  string
	Params    string
	CreatedAt time.Time
}
