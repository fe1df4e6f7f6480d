package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/ingest"
	"github.com/riverlab/streamtemp/internal/predict"
	"github.com/riverlab/streamtemp/internal/qrf"
	"github.com/riverlab/streamtemp/internal/store"
	"github.com/riverlab/streamtemp/internal/table"
	"github.com/riverlab/streamtemp/internal/validate"
)

func main() {
	dbPath := flag.String("db", "data/streamtemp.db", "path to SQLite database")
	metricsAddr := flag.String("metrics-addr", "", "expose prometheus metrics on this address (e.g. :9090)")

	fit := flag.Bool("fit", false, "fit a model bank from a training table")
	doPredict := flag.Bool("predict", false, "apply a saved bank to an input table")
	doValidate := flag.Bool("validate", false, "run a cross-validation strategy")
	fetchGauges := flag.Bool("fetch-gauges", false, "fetch monthly gauge temperatures from NWIS into the store")
	fetchPredictors := flag.Bool("fetch-predictors", false, "fetch the predictor table from the FTP archive")

	input := flag.String("input", "", "input table (CSV)")
	output := flag.String("out", "", "output file (CSV); default stdout")
	bankName := flag.String("bank", "default", "bank name in the store")

	trees := flag.Int("trees", 0, "trees per forest (0 = learner default)")
	minRows := flag.Int("min-rows", 0, "insufficient-data threshold (0 = default 10)")
	strict := flag.Bool("strict", false, "abort fit on the first stratum failure")
	seed := flag.Int64("seed", 0, "learner/resampling RNG seed (0 = time-derived)")

	quantilesFlag := flag.String("quantiles", "", "comma-separated quantiles; empty means default median")
	compare := flag.Bool("compare", false, "compare mode: keep observed temperature as Actual")
	preserve := flag.Bool("preserve", false, "preserve mode: keep all input columns")

	strategy := flag.String("strategy", "kfold", "validation strategy: kfold, year, column, density")
	groupCol := flag.String("group-col", "", "grouping column for kfold/column strategies (default site id)")
	k := flag.Int("k", 5, "number of folds")
	fractionsFlag := flag.String("fractions", "0.25,0.5,0.75,1.0", "density subsample fractions")
	repeats := flag.Int("repeats", 5, "density subsample repeats per fraction")
	workers := flag.Int("workers", 0, "parallel validation rounds (0 = sequential)")

	sitesFlag := flag.String("sites", "", "comma-separated NWIS site numbers")
	startDate := flag.String("start", "", "retrieval start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "retrieval end date (YYYY-MM-DD)")
	ftpHost := flag.String("ftp-host", os.Getenv("PREDICTOR_FTP_HOST"), "predictor archive FTP host:port")
	ftpPath := flag.String("ftp-path", os.Getenv("PREDICTOR_FTP_PATH"), "predictor archive file path")

	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("metrics listener: %v", err)
			}
		}()
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	bankOpts := bank.Options{
		Learner: qrf.Options{Trees: *trees, Seed: *seed},
		MinRows: *minRows,
		Strict:  *strict,
	}

	switch {
	case *fit:
		if err := runFit(st, *input, *bankName, bankOpts); err != nil {
			log.Fatalf("fit: %v", err)
		}
	case *doPredict:
		opts := predict.Options{Compare: *compare, Preserve: *preserve}
		if *quantilesFlag != "" {
			qs, err := parseFloats(*quantilesFlag)
			if err != nil {
				log.Fatalf("parse quantiles: %v", err)
			}
			opts.Quantiles = qs
		}
		if err := runPredict(st, *input, *output, *bankName, opts); err != nil {
			log.Fatalf("predict: %v", err)
		}
	case *doValidate:
		fractions, err := parseFloats(*fractionsFlag)
		if err != nil {
			log.Fatalf("parse fractions: %v", err)
		}
		vopts := validate.Options{Bank: bankOpts, Workers: *workers, Seed: *seed}
		if err := runValidate(st, *input, *strategy, *groupCol, *k, fractions, *repeats, vopts); err != nil {
			log.Fatalf("validate: %v", err)
		}
	case *fetchGauges:
		if err := runFetchGauges(st, *sitesFlag, *startDate, *endDate); err != nil {
			log.Fatalf("fetch gauges: %v", err)
		}
	case *fetchPredictors:
		if err := runFetchPredictors(*ftpHost, *ftpPath, *output); err != nil {
			log.Fatalf("fetch predictors: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadTable(path string) (table.Table, error) {
	if path == "" {
		return table.Table{}, fmt.Errorf("missing -input")
	}
	f, err := os.Open(path)
	if err != nil {
		return table.Table{}, err
	}
	defer f.Close()
	return table.ReadCSV(f)
}

func runFit(st *store.Store, input, name string, opts bank.Options) error {
	t, err := loadTable(input)
	if err != nil {
		return err
	}

	b, err := bank.Fit(t, opts)
	if err != nil {
		return err
	}
	for month, reason := range b.Skipped() {
		log.Printf("fit: month %s skipped: %s", month, reason)
	}
	log.Printf("fit: %d months fitted, %d skipped", len(b.Months()), len(b.Skipped()))

	return st.SaveBank(name, b)
}

func runPredict(st *store.Store, input, output, name string, opts predict.Options) error {
	b, err := st.LoadBank(name)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("no bank named %q; run -fit first", name)
	}

	t, err := loadTable(input)
	if err != nil {
		return err
	}

	res, err := predict.Apply(b, t, opts)
	if err != nil {
		return err
	}
	if res.Dropped > 0 {
		log.Printf("predict: %d rows dropped (month without a model)", res.Dropped)
	}
	log.Printf("predict: %d rows", len(res.Rows))

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return res.WriteCSV(out)
}

func runValidate(st *store.Store, input, strategy, groupCol string, k int, fractions []float64, repeats int, opts validate.Options) error {
	t, err := loadTable(input)
	if err != nil {
		return err
	}

	params, _ := json.Marshal(map[string]any{
		"k": k, "group": groupCol, "fractions": fractions, "repeats": repeats,
	})

	var gofs []validate.GOF
	switch strategy {
	case "kfold":
		group := validate.GroupBySite
		if groupCol != "" {
			group = validate.GroupByColumn(groupCol)
		}
		gofs, err = validate.KFold(t, group, k, opts)
	case "year":
		gofs, err = validate.LeaveOneOut(t, validate.GroupByYear, opts)
	case "column":
		if groupCol == "" {
			return fmt.Errorf("strategy column requires -group-col")
		}
		gofs, err = validate.LeaveOneOut(t, validate.GroupByColumn(groupCol), opts)
	case "density":
		results, derr := validate.DensitySubsample(t, fractions, repeats, k, opts)
		if derr != nil {
			return derr
		}
		for _, r := range results {
			fmt.Printf("fraction=%.2f run=%d entities=%d rmse=%.3f pbias=%.2f r2=%.3f nse=%.3f\n",
				r.Fraction, r.Run, r.Entities, r.MedianRMSE, r.MedianPBias, r.MedianR2, r.MedianNSE)
		}
		return nil
	default:
		return fmt.Errorf("unknown strategy %q", strategy)
	}
	if err != nil {
		return err
	}

	runID, err := st.CreateValidationRun(strategy, string(params))
	if err != nil {
		return err
	}
	if err := st.InsertGOFResults(runID, gofs); err != nil {
		return err
	}

	for _, g := range gofs {
		fmt.Printf("%-16s n=%-5d rmse=%.3f pbias=%.2f r2=%.3f nse=%.3f\n",
			g.Entity, g.N, g.RMSE, g.PBias, g.R2, g.NSE)
	}
	log.Printf("validate: run %d saved (%d entities)", runID, len(gofs))
	return nil
}

func runFetchGauges(st *store.Store, sitesFlag, startDate, endDate string) error {
	if sitesFlag == "" {
		return fmt.Errorf("missing -sites")
	}
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return fmt.Errorf("parse -start: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return fmt.Errorf("parse -end: %w", err)
	}

	nwis := ingest.NewNWIS()
	ctx := context.Background()
	total := 0
	for _, site := range strings.Split(sitesFlag, ",") {
		site = strings.TrimSpace(site)
		records := nwis.FetchMonthlyMeans(ctx, site, start, end)
		for _, rec := range records {
			if err := st.UpsertGaugeObservation(rec); err != nil {
				return fmt.Errorf("store %s %d-%s: %w", rec.SiteID, rec.Year, rec.Month, err)
			}
		}
		log.Printf("fetch-gauges: %s: %d records", site, len(records))
		total += len(records)
	}
	log.Printf("fetch-gauges: %d records total", total)
	return nil
}

func runFetchPredictors(host, path, output string) error {
	if host == "" || path == "" {
		return fmt.Errorf("missing -ftp-host or -ftp-path")
	}

	client := ingest.NewArchiveClient(host, path)
	t, err := client.FetchPredictorTable()
	if err != nil {
		return err
	}
	log.Printf("fetch-predictors: %d rows, %d predictor columns", len(t.Rows), len(t.Columns))

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return table.WriteCSV(out, t)
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
