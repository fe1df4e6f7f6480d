package validate

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/riverlab/streamtemp/internal/bank"
	"github.com/riverlab/streamtemp/internal/metrics"
	"github.com/riverlab/streamtemp/internal/predict"
	"github.com/riverlab/streamtemp/internal/table"
)

// Options configures a harness run. Every resampling round performs a full
// independent bank fit on its own materialized subset; there is no warm
// starting, so no information leaks between rounds.
type Options struct {
	Bank    bank.Options
	Entity  EntityFunc // default EntityBySite
	Workers int        // parallel rounds; <=0 means sequential
	Seed    int64
}

func (o Options) entity() EntityFunc {
	if o.Entity == nil {
		return EntityBySite
	}
	return o.Entity
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return 1
	}
	return o.Workers
}

// KFold partitions the distinct values of the grouping key into k random
// buckets. Each round trains on the rows of a single bucket and evaluates on
// the rows of every other bucket pooled together. This is deliberately
// inverted from conventional k-fold; the reported statistics depend on it.
func KFold(t table.Table, group GroupFunc, k int, opts Options) ([]GOF, error) {
	if k < 2 {
		return nil, fmt.Errorf("validate: k must be at least 2, got %d", k)
	}

	groups := distinctGroups(t, group)
	if len(groups) < k {
		return nil, fmt.Errorf("validate: %d distinct groups for k=%d", len(groups), k)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })

	buckets := make([]map[string]bool, k)
	for i := range buckets {
		buckets[i] = make(map[string]bool)
	}
	for i, g := range groups {
		buckets[i%k][g] = true
	}

	roundPairs := make([][]Pair, k)
	var eg errgroup.Group
	eg.SetLimit(opts.workers())
	for i := range buckets {
		i := i
		eg.Go(func() error {
			train := filterRows(t, func(r table.Row) bool { return buckets[i][group(r)] })
			test := filterRows(t, func(r table.Row) bool { return !buckets[i][group(r)] })

			pairs, err := runRound(train, test, opts)
			if err != nil {
				return fmt.Errorf("fold %d: %w", i, err)
			}
			roundPairs[i] = pairs
			metrics.ValidationRounds.WithLabelValues("kfold").Inc()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return Reduce(flatten(roundPairs)), nil
}

// LeaveOneOut trains on everything except one category (a year, a spatial
// cell) and evaluates on that category, once per distinct value.
func LeaveOneOut(t table.Table, category GroupFunc, opts Options) ([]GOF, error) {
	categories := distinctGroups(t, category)
	if len(categories) < 2 {
		return nil, fmt.Errorf("validate: %d distinct categories, need at least 2", len(categories))
	}

	roundPairs := make([][]Pair, len(categories))
	var eg errgroup.Group
	eg.SetLimit(opts.workers())
	for i, c := range categories {
		i, c := i, c
		eg.Go(func() error {
			train := filterRows(t, func(r table.Row) bool { return category(r) != c })
			test := filterRows(t, func(r table.Row) bool { return category(r) == c })

			pairs, err := runRound(train, test, opts)
			if err != nil {
				return fmt.Errorf("category %s: %w", c, err)
			}
			roundPairs[i] = pairs
			metrics.ValidationRounds.WithLabelValues("leave_one_out").Inc()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return Reduce(flatten(roundPairs)), nil
}

// DensityResult summarizes one subsampling round: the median of each
// statistic across the entities scored in that round.
type DensityResult struct {
	Fraction    float64
	Run         int
	Entities    int
	MedianRMSE  float64
	MedianPBias float64
	MedianR2    float64
	MedianNSE   float64
}

// DensitySubsample repeatedly samples a fraction of the distinct sites,
// runs k-fold validation on the subsample, and reduces each run to median
// statistics. It measures how thinning the gauge network degrades accuracy.
func DensitySubsample(t table.Table, fractions []float64, repeats, k int, opts Options) ([]DensityResult, error) {
	sites := distinctGroups(t, GroupBySite)
	rng := rand.New(rand.NewSource(opts.Seed))

	var results []DensityResult
	for _, fraction := range fractions {
		if fraction <= 0 || fraction > 1 {
			return nil, fmt.Errorf("validate: fraction %v outside (0, 1]", fraction)
		}
		size := int(math.Ceil(fraction * float64(len(sites))))

		for run := 0; run < repeats; run++ {
			chosen := sampleWithout(sites, size, rng)
			sub := filterRows(t, func(r table.Row) bool { return chosen[r.SiteID] })

			roundOpts := opts
			roundOpts.Seed = rng.Int63()
			gofs, err := KFold(sub, GroupBySite, k, roundOpts)
			if err != nil {
				return nil, fmt.Errorf("fraction %v run %d: %w", fraction, run, err)
			}
			metrics.ValidationRounds.WithLabelValues("density").Inc()

			results = append(results, summarizeRun(fraction, run, gofs))
			log.Printf("validate: density fraction=%.2f run=%d sites=%d entities=%d",
				fraction, run, size, len(gofs))
		}
	}
	return results, nil
}

// runRound is one full fit-and-score cycle on independently materialized
// train and test subsets.
func runRound(train, test table.Table, opts Options) ([]Pair, error) {
	b, err := bank.Fit(train, opts.Bank)
	if err != nil {
		return nil, err
	}

	res, err := predict.Apply(b, test, predict.Options{Compare: true})
	if err != nil {
		return nil, err
	}

	entity := opts.entity()
	pairs := make([]Pair, 0, len(res.Rows))
	for _, row := range res.Rows {
		if !row.Actual.Valid {
			continue
		}
		pairs = append(pairs, Pair{
			Entity:  entity(row),
			Actual:  row.Actual.Float64,
			Modeled: row.Values[0],
		})
	}
	return pairs, nil
}

func distinctGroups(t table.Table, group GroupFunc) []string {
	seen := make(map[string]bool)
	for _, r := range t.Rows {
		seen[group(r)] = true
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// filterRows materializes an independent subset; the master table is never
// mutated during a harness run.
func filterRows(t table.Table, keep func(table.Row) bool) table.Table {
	out := table.Table{
		Columns:        t.Columns,
		HasTemperature: t.HasTemperature,
		HasEcoregion:   t.HasEcoregion,
	}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

func flatten(rounds [][]Pair) []Pair {
	var all []Pair
	for _, pairs := range rounds {
		all = append(all, pairs...)
	}
	return all
}

func sampleWithout(values []string, size int, rng *rand.Rand) map[string]bool {
	perm := rng.Perm(len(values))
	chosen := make(map[string]bool, size)
	for _, i := range perm[:size] {
		chosen[values[i]] = true
	}
	return chosen
}

func summarizeRun(fraction float64, run int, gofs []GOF) DensityResult {
	rmse := make([]float64, 0, len(gofs))
	pbias := make([]float64, 0, len(gofs))
	r2 := make([]float64, 0, len(gofs))
	nse := make([]float64, 0, len(gofs))
	for _, g := range gofs {
		rmse = append(rmse, g.RMSE)
		pbias = append(pbias, g.PBias)
		r2 = append(r2, g.R2)
		nse = append(nse, g.NSE)
	}
	return DensityResult{
		Fraction:    fraction,
		Run:         run,
		Entities:    len(gofs),
		MedianRMSE:  median(rmse),
		MedianPBias: median(pbias),
		MedianR2:    median(r2),
		MedianNSE:   median(nse),
	}
}

// median ignores NaN entries, which reduceEntity emits for degenerate
// entities.
func median(values []float64) float64 {
	clean := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return math.NaN()
	}
	sort.Float64s(clean)
	mid := len(clean) / 2
	if len(clean)%2 == 1 {
		return clean[mid]
	}
	return (clean[mid-1] + clean[mid]) / 2
}

func itoa(n int) string { return strconv.Itoa(n) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
