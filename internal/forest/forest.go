// Package forest is a binary random forest classifier: bootstrap-bagged
// CART trees split on gini impurity over a random feature subset.
package forest

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/darktracer/darktracer/internal/faults"
)

// Classes is the number of target classes; labels are 0 and 1.
const Classes = 2

type Config struct {
	NumTrees int
	// MaxDepth of 0 grows trees until leaves are pure.
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures per split; 0 means floor(sqrt(features)).
	MaxFeatures int
	Seed        uint64
}

func DefaultConfig() Config {
	return Config{NumTrees: 100, MinSamplesSplit: 2, Seed: 42}
}

// Node is a tree node. Leaves carry the class distribution of the
// training samples that reached them.
type Node struct {
	Leaf      bool
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Proba     [Classes]float64
}

type Tree struct {
	Nodes []Node
}

type Forest struct {
	Trees       []Tree
	NumFeatures int
}

// Fit trains a forest on x (rows of equal width) and binary labels y.
func Fit(x [][]float64, y []int, cfg Config) (*Forest, error) {
	if len(x) == 0 {
		return nil, faults.Invalid("no training rows")
	}
	if len(x) != len(y) {
		return nil, faults.Invalid("%d rows but %d labels", len(x), len(y))
	}
	nf := len(x[0])
	if nf == 0 {
		return nil, faults.Invalid("no feature columns")
	}
	for i, row := range x {
		if len(row) != nf {
			return nil, faults.Invalid("row %d has %d features, want %d", i, len(row), nf)
		}
		if y[i] < 0 || y[i] >= Classes {
			return nil, faults.Invalid("row %d label %d is not 0 or 1", i, y[i])
		}
	}
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > nf {
		cfg.MaxFeatures = max(1, int(math.Sqrt(float64(nf))))
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	f := &Forest{NumFeatures: nf, Trees: make([]Tree, cfg.NumTrees)}
	for t := range f.Trees {
		sample := make([]int, len(x))
		for i := range sample {
			sample[i] = rng.IntN(len(x))
		}
		b := builder{x: x, y: y, cfg: cfg, rng: rng}
		b.grow(sample, 0)
		f.Trees[t] = Tree{Nodes: b.nodes}
	}
	return f, nil
}

type builder struct {
	x     [][]float64
	y     []int
	cfg   Config
	rng   *rand.Rand
	nodes []Node
}

func (b *builder) counts(idx []int) [Classes]float64 {
	var c [Classes]float64
	for _, i := range idx {
		c[b.y[i]]++
	}
	return c
}

func gini(c [Classes]float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	g := 1.0
	for _, v := range c {
		p := v / n
		g -= p * p
	}
	return g
}

func (b *builder) leaf(c [Classes]float64, n float64) Node {
	nd := Node{Leaf: true}
	for k := range c {
		nd.Proba[k] = c[k] / n
	}
	return nd
}

// grow appends the subtree for idx and returns its root id.
func (b *builder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	c := b.counts(idx)
	n := float64(len(idx))
	pure := c[0] == 0 || c[1] == 0
	if pure || len(idx) < b.cfg.MinSamplesSplit || (b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth) {
		b.nodes[id] = b.leaf(c, n)
		return id
	}

	feature, threshold, ok := b.bestSplit(idx, gini(c, n))
	if !ok {
		b.nodes[id] = b.leaf(c, n)
		return id
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		b.nodes[id] = b.leaf(c, n)
		return id
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return id
}

// bestSplit draws features in random order and scores the first
// MaxFeatures of them, continuing past that only while none could split.
func (b *builder) bestSplit(idx []int, parent float64) (int, float64, bool) {
	features := b.rng.Perm(len(b.x[0]))
	n := float64(len(idx))
	bestGain, bestFeature, bestThreshold := 0.0, -1, 0.0
	order := slices.Clone(idx)

	for k, f := range features {
		if k >= b.cfg.MaxFeatures && bestFeature >= 0 {
			break
		}
		slices.SortFunc(order, func(i, j int) int {
			switch {
			case b.x[i][f] < b.x[j][f]:
				return -1
			case b.x[i][f] > b.x[j][f]:
				return 1
			}
			return 0
		})

		var left [Classes]float64
		right := b.counts(order)
		for p := 0; p < len(order)-1; p++ {
			cls := b.y[order[p]]
			left[cls]++
			right[cls]--
			lo, hi := b.x[order[p]][f], b.x[order[p+1]][f]
			if lo == hi {
				continue
			}
			nl := float64(p + 1)
			nr := n - nl
			impurity := (nl*gini(left, nl) + nr*gini(right, nr)) / n
			if gain := parent - impurity; gain > bestGain || bestFeature < 0 {
				bestGain, bestFeature, bestThreshold = gain, f, threshold32(lo, hi)
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// threshold32 is the midpoint of lo and hi rounded to float32, the
// precision the exported model compares at.
func threshold32(lo, hi float64) float64 {
	t := float32((lo + hi) / 2)
	if float64(t) >= hi || float64(t) < lo {
		t = float32(lo)
	}
	return float64(t)
}

func (t *Tree) leaf(x []float64) *Node {
	n := &t.Nodes[0]
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

// Proba averages the leaf class distributions across trees.
func (f *Forest) Proba(x []float64) [Classes]float64 {
	var p [Classes]float64
	for i := range f.Trees {
		leaf := f.Trees[i].leaf(x)
		for k := range p {
			p[k] += leaf.Proba[k]
		}
	}
	for k := range p {
		p[k] /= float64(len(f.Trees))
	}
	return p
}

// Predict returns the most probable class; ties go to class 0.
func (f *Forest) Predict(x []float64) int {
	p := f.Proba(x)
	if p[1] > p[0] {
		return 1
	}
	return 0
}

// Accuracy is the fraction of rows predicted correctly.
func (f *Forest) Accuracy(x [][]float64, y []int) float64 {
	if len(x) == 0 {
		return 0
	}
	hit := 0
	for i := range x {
		if f.Predict(x[i]) == y[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(x))
}
