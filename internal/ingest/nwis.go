// Package ingest retrieves the two upstream inputs: monthly-mean gauge
// temperatures from the USGS NWIS statistics service, and the published
// remote-sensing predictor table from its FTP archive.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/riverlab/streamtemp/internal/httputil"
	"github.com/riverlab/streamtemp/internal/metrics"
	"github.com/riverlab/streamtemp/internal/models"
	"github.com/riverlab/streamtemp/internal/table"
)

const (
	nwisStatURL = "https://waterservices.usgs.gov/nwis/stat/"

	// USGS parameter code for water temperature, degrees Celsius.
	paramWaterTemp = "00010"

	celsiusToKelvin = 273.15
)

type NWIS struct {
	baseURL string
	client  *http.Client
}

func NewNWIS() *NWIS {
	return &NWIS{
		baseURL: nwisStatURL,
		client:  httputil.NewClient(),
	}
}

// NewNWISWithBase points the client at an alternate endpoint, for tests.
func NewNWISWithBase(baseURL string) *NWIS {
	return &NWIS{
		baseURL: baseURL,
		client:  httputil.NewClient(),
	}
}

// FetchMonthlyMeans returns the monthly-mean water temperature records for
// one station over [start, end], converted to Kelvin.
//
// Retrieval failure for a station is isolated: it is logged and an empty
// result returned, never an error, so a batch retrieval over many stations
// degrades per station instead of aborting.
func (n *NWIS) FetchMonthlyMeans(ctx context.Context, site string, start, end time.Time) []models.GaugeRecord {
	records, err := n.fetch(ctx, site, start, end)
	if err != nil {
		metrics.NWISAPICallsTotal.WithLabelValues(site, "error").Inc()
		log.Printf("nwis: fetch %s: %v", site, err)
		return nil
	}
	metrics.NWISAPICallsTotal.WithLabelValues(site, "ok").Inc()
	return records
}

func (n *NWIS) fetch(ctx context.Context, site string, start, end time.Time) ([]models.GaugeRecord, error) {
	q := url.Values{}
	q.Set("format", "rdb")
	q.Set("sites", site)
	q.Set("statReportType", "monthly")
	q.Set("statTypeCd", "mean")
	q.Set("parameterCd", paramWaterTemp)
	q.Set("startDt", start.Format("2006-01-02"))
	q.Set("endDt", end.Format("2006-01-02"))

	reqURL := n.baseURL + "?" + q.Encode()

	var body []byte
	operation := func() error {
		start := time.Now()
		defer func() { metrics.NWISAPILatency.WithLabelValues(site).Observe(time.Since(start).Seconds()) }()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch stats: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("retryable: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch stats: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	return parseMonthlyRDB(site, string(body))
}

// parseMonthlyRDB decodes the tab-delimited RDB returned by the statistics
// service: comment lines, a header row, a column-format row, then data.
func parseMonthlyRDB(site, body string) ([]models.GaugeRecord, error) {
	var header []string
	sawFormatRow := false
	var records []models.GaugeRecord

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")

		if header == nil {
			header = fields
			continue
		}
		if !sawFormatRow {
			// The row after the header describes column widths ("5s", "3n").
			sawFormatRow = true
			continue
		}

		rec, err := parseStatRow(site, header, fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if header == nil {
		return nil, fmt.Errorf("no RDB header in response")
	}
	return records, nil
}

func parseStatRow(site string, header, fields []string) (models.GaugeRecord, error) {
	get := func(name string) string {
		for i, h := range header {
			if h == name && i < len(fields) {
				return fields[i]
			}
		}
		return ""
	}

	year, err := strconv.Atoi(get("year_nu"))
	if err != nil {
		return models.GaugeRecord{}, fmt.Errorf("year_nu %q: %w", get("year_nu"), err)
	}
	month, err := table.CanonicalMonth(get("month_nu"))
	if err != nil {
		return models.GaugeRecord{}, err
	}

	rec := models.GaugeRecord{
		SiteID: site,
		Year:   year,
		Month:  month,
	}
	if raw := get("mean_va"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			rec.Temperature = sql.NullFloat64{Float64: v + celsiusToKelvin, Valid: true}
		}
	}
	return rec, nil
}
