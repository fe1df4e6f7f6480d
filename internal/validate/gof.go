// Package validate provides the resampling harness (k-fold by group,
// leave-one-out by category, density subsampling) and goodness-of-fit
// reduction over held-out predictions.
package validate

import (
	"math"
	"sort"

	"github.com/riverlab/streamtemp/internal/predict"
	"github.com/riverlab/streamtemp/internal/table"
)

// GOF is a per-entity goodness-of-fit summary over held-out pairs.
type GOF struct {
	Entity string
	N      int
	RMSE   float64
	PBias  float64 // percent bias, 100 * sum(sim-obs) / sum(obs)
	R2     float64 // squared Pearson correlation
	NSE    float64 // Nash–Sutcliffe efficiency
}

// Pair is one held-out observation with its modeled counterpart, tagged with
// the reporting entity (gauge, month, region).
type Pair struct {
	Entity  string
	Actual  float64
	Modeled float64
}

// Reduce groups pairs by entity and computes the standard statistics,
// returning entities in sorted order. Statistics that are undefined for an
// entity (single pair, zero observed variance) come back as NaN.
func Reduce(pairs []Pair) []GOF {
	byEntity := make(map[string][]Pair)
	for _, p := range pairs {
		byEntity[p.Entity] = append(byEntity[p.Entity], p)
	}

	entities := make([]string, 0, len(byEntity))
	for e := range byEntity {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	out := make([]GOF, 0, len(entities))
	for _, e := range entities {
		out = append(out, reduceEntity(e, byEntity[e]))
	}
	return out
}

func reduceEntity(entity string, pairs []Pair) GOF {
	n := float64(len(pairs))
	var sumObs, sumErr, sumSqErr float64
	for _, p := range pairs {
		diff := p.Modeled - p.Actual
		sumObs += p.Actual
		sumErr += diff
		sumSqErr += diff * diff
	}
	meanObs := sumObs / n

	var ssTot float64
	for _, p := range pairs {
		d := p.Actual - meanObs
		ssTot += d * d
	}

	g := GOF{
		Entity: entity,
		N:      len(pairs),
		RMSE:   math.Sqrt(sumSqErr / n),
		PBias:  math.NaN(),
		R2:     pearsonSq(pairs),
		NSE:    math.NaN(),
	}
	if sumObs != 0 {
		g.PBias = 100 * sumErr / sumObs
	}
	if ssTot > 0 {
		g.NSE = 1 - sumSqErr/ssTot
	}
	return g
}

func pearsonSq(pairs []Pair) float64 {
	n := float64(len(pairs))
	if n < 2 {
		return math.NaN()
	}
	var sumA, sumM float64
	for _, p := range pairs {
		sumA += p.Actual
		sumM += p.Modeled
	}
	meanA := sumA / n
	meanM := sumM / n

	var cov, varA, varM float64
	for _, p := range pairs {
		da := p.Actual - meanA
		dm := p.Modeled - meanM
		cov += da * dm
		varA += da * da
		varM += dm * dm
	}
	if varA == 0 || varM == 0 {
		return math.NaN()
	}
	r := cov / math.Sqrt(varA*varM)
	return r * r
}

// GroupFunc assigns an input row to a resampling group.
type GroupFunc func(table.Row) string

// EntityFunc assigns a held-out prediction to a reporting entity.
type EntityFunc func(predict.Row) string

func GroupBySite(r table.Row) string { return r.SiteID }

func GroupByYear(r table.Row) string { return itoa(r.Year) }

func GroupByMonth(r table.Row) string { return r.Month }

// GroupByColumn groups on an arbitrary column: a predictor (formatted
// numerically, e.g. a spatial cell index) or the ecoregion field.
func GroupByColumn(name string) GroupFunc {
	return func(r table.Row) string {
		if name == "ecoregion" {
			return r.Ecoregion
		}
		v := r.Predictor(name)
		if math.IsNaN(v) {
			return ""
		}
		return formatFloat(v)
	}
}

func EntityBySite(r predict.Row) string { return r.SiteID }

func EntityByMonth(r predict.Row) string { return r.Month }

func EntityByEcoregion(r predict.Row) string { return r.Ecoregion }
