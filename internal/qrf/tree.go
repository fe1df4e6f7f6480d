package qrf

import (
	"math"
	"math/rand"
	"sort"
)

type treeBuilder struct {
	x       [][]float64
	y       []float64
	minLeaf int
	mtry    int
	rng     *rand.Rand
	nodes   []Node
}

// growTree builds one CART regression tree on a bootstrap sample, splitting
// on sum-of-squared-error reduction and keeping sample indices in leaves.
func growTree(x [][]float64, y []float64, opts Options, rng *rand.Rand) Tree {
	n := len(x)
	samples := make([]int32, n)
	for i := range samples {
		samples[i] = int32(rng.Intn(n))
	}

	b := &treeBuilder{
		x:       x,
		y:       y,
		minLeaf: opts.MinLeaf,
		mtry:    opts.MTry,
		rng:     rng,
	}
	b.grow(samples)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(samples []int32) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{})

	if len(samples) < 2*b.minLeaf || b.pure(samples) {
		b.nodes[idx].Samples = samples
		return idx
	}

	feature, threshold, ok := b.bestSplit(samples)
	if !ok {
		b.nodes[idx].Samples = samples
		return idx
	}

	var left, right []int32
	for _, s := range samples {
		if b.x[s][feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	b.nodes[idx].Feature = feature
	b.nodes[idx].Threshold = threshold
	b.nodes[idx].Left = b.grow(left)
	b.nodes[idx].Right = b.grow(right)
	return idx
}

func (b *treeBuilder) pure(samples []int32) bool {
	first := b.y[samples[0]]
	for _, s := range samples[1:] {
		if b.y[s] != first {
			return false
		}
	}
	return true
}

// bestSplit searches mtry random features for the threshold minimizing the
// combined child SSE, honoring the minimum leaf size on both sides.
func (b *treeBuilder) bestSplit(samples []int32) (feature int, threshold float64, ok bool) {
	p := len(b.x[samples[0]])
	features := b.rng.Perm(p)[:b.mtry]

	n := len(samples)
	values := make([]float64, n)
	responses := make([]float64, n)
	order := make([]int, n)

	bestCost := math.Inf(1)

	for _, f := range features {
		for i, s := range samples {
			values[i] = b.x[s][f]
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return values[order[i]] < values[order[j]] })
		for i, o := range order {
			responses[i] = b.y[samples[o]]
		}

		// Prefix sums over the sorted responses let each candidate split be
		// scored in constant time.
		sum := 0.0
		sumSq := 0.0
		prefix := make([]float64, n+1)
		prefixSq := make([]float64, n+1)
		for i, r := range responses {
			sum += r
			sumSq += r * r
			prefix[i+1] = sum
			prefixSq[i+1] = sumSq
		}

		for i := b.minLeaf; i <= n-b.minLeaf; i++ {
			lo := values[order[i-1]]
			hi := values[order[i]]
			if lo == hi {
				continue
			}

			nl := float64(i)
			nr := float64(n - i)
			costL := prefixSq[i] - prefix[i]*prefix[i]/nl
			costR := (prefixSq[n] - prefixSq[i]) - (prefix[n]-prefix[i])*(prefix[n]-prefix[i])/nr
			if cost := costL + costR; cost < bestCost {
				bestCost = cost
				feature = f
				threshold = (lo + hi) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}
