// Package qrf implements a quantile regression forest: a bagged ensemble of
// regression trees that keeps the training responses in each leaf, so any
// conditional quantile can be read off the weighted empirical distribution
// at prediction time (Meinshausen 2006).
package qrf

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures forest construction. The zero value of each field
// selects a default, so callers can set only what they care about.
type Options struct {
	Trees   int   // number of trees (default 300)
	MinLeaf int   // minimum samples per leaf (default 5)
	MTry    int   // candidate features per split (default max(1, p/3))
	Workers int   // parallel tree builders (default GOMAXPROCS)
	Seed    int64 // RNG seed; 0 means time-derived
}

func (o Options) withDefaults(numFeatures int) Options {
	if o.Trees <= 0 {
		o.Trees = 300
	}
	if o.MinLeaf <= 0 {
		o.MinLeaf = 5
	}
	if o.MTry <= 0 {
		o.MTry = numFeatures / 3
	}
	if o.MTry < 1 {
		o.MTry = 1
	}
	if o.MTry > numFeatures {
		o.MTry = numFeatures
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	return o
}

// Node is one tree node. Leaves carry the bootstrap sample indices that
// landed in them; internal nodes carry the split and child offsets. All
// fields are exported so forests round-trip through encoding/gob.
type Node struct {
	Feature   int
	Threshold float64
	Left      int32
	Right     int32
	Samples   []int32 // non-nil marks a leaf
}

type Tree struct {
	Nodes []Node
}

// Forest is a fitted quantile regression forest. It is immutable after Fit
// and safe for concurrent Predict calls.
type Forest struct {
	NumFeatures int
	Y           []float64
	Trees       []Tree
}

// Fit trains a forest on the predictor matrix x and response y. Rows must be
// rectangular and free of NaNs; the caller owns sanitization.
func Fit(x [][]float64, y []float64, opts Options) (*Forest, error) {
	if len(x) == 0 {
		return nil, errors.New("qrf: empty training matrix")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("qrf: %d predictor rows but %d responses", len(x), len(y))
	}
	p := len(x[0])
	if p == 0 {
		return nil, errors.New("qrf: no predictor columns")
	}
	for i, row := range x {
		if len(row) != p {
			return nil, fmt.Errorf("qrf: ragged matrix at row %d", i)
		}
		for j, v := range row {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("qrf: NaN predictor at row %d column %d", i, j)
			}
		}
	}

	opts = opts.withDefaults(p)

	f := &Forest{
		NumFeatures: p,
		Y:           append([]float64(nil), y...),
		Trees:       make([]Tree, opts.Trees),
	}

	// Each tree gets its own derived seed, so results are deterministic for
	// a fixed seed regardless of worker scheduling.
	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := range f.Trees {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			f.Trees[i] = growTree(x, y, opts, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return f, nil
}

// Predict evaluates the requested quantiles for each input row, returning a
// rows × quantiles matrix column-aligned to the quantile list.
func (f *Forest) Predict(x [][]float64, quantiles []float64) ([][]float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return nil, errors.New("qrf: predict on unfitted forest")
	}
	if len(quantiles) == 0 {
		return nil, errors.New("qrf: no quantiles requested")
	}
	for _, q := range quantiles {
		if q <= 0 || q >= 1 {
			return nil, fmt.Errorf("qrf: quantile %v outside (0, 1)", q)
		}
	}

	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != f.NumFeatures {
			return nil, fmt.Errorf("qrf: row %d has %d features, forest was fitted on %d",
				i, len(row), f.NumFeatures)
		}
		out[i] = f.predictRow(row, quantiles)
	}
	return out, nil
}

// predictRow accumulates per-training-sample weights across trees and reads
// quantiles from the weighted empirical response distribution.
func (f *Forest) predictRow(row []float64, quantiles []float64) []float64 {
	weights := make(map[int32]float64)
	treeWeight := 1.0 / float64(len(f.Trees))

	for _, t := range f.Trees {
		samples := t.leafFor(row)
		w := treeWeight / float64(len(samples))
		for _, idx := range samples {
			weights[idx] += w
		}
	}

	type weighted struct {
		y float64
		w float64
	}
	dist := make([]weighted, 0, len(weights))
	total := 0.0
	for idx, w := range weights {
		dist = append(dist, weighted{y: f.Y[idx], w: w})
		total += w
	}
	sort.Slice(dist, func(i, j int) bool { return dist[i].y < dist[j].y })

	out := make([]float64, len(quantiles))
	for qi, q := range quantiles {
		cum := 0.0
		out[qi] = dist[len(dist)-1].y
		for _, d := range dist {
			cum += d.w
			if cum >= q*total {
				out[qi] = d.y
				break
			}
		}
	}
	return out
}

func (t Tree) leafFor(row []float64) []int32 {
	i := int32(0)
	for {
		n := t.Nodes[i]
		if n.Samples != nil {
			return n.Samples
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
