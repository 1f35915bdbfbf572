package scoring

import (
	"math"
	"math/rand"
)

// forest is a trained isolation-forest ensemble. Immutable after build;
// scoring never mutates a tree, so repeated evaluation of the same point
// is stable.
type forest struct {
	trees      []*treeNode
	sampleSize int
}

type treeNode struct {
	dim   int
	split float64
	left  *treeNode
	right *treeNode
	size  int
}

// buildForest trains an ensemble of randomized partitioning trees over
// fixed-dimension sample vectors.
func buildForest(samples [][]float64, trees, subsample int, rng *rand.Rand) *forest {
	if len(samples) == 0 || trees <= 0 {
		return nil
	}
	if subsample > len(samples) {
		subsample = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	f := &forest{sampleSize: subsample}
	for i := 0; i < trees; i++ {
		sub := make([][]float64, subsample)
		for j := range sub {
			sub[j] = samples[rng.Intn(len(samples))]
		}
		f.trees = append(f.trees, buildTree(sub, 0, maxDepth, rng))
	}
	return f
}

func buildTree(samples [][]float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if len(samples) <= 1 || depth >= maxDepth {
		return &treeNode{size: len(samples)}
	}

	dims := len(samples[0])
	// Try a few random dimensions before conceding the node is pure.
	for attempt := 0; attempt < dims; attempt++ {
		dim := rng.Intn(dims)
		lo, hi := samples[0][dim], samples[0][dim]
		for _, s := range samples {
			if s[dim] < lo {
				lo = s[dim]
			}
			if s[dim] > hi {
				hi = s[dim]
			}
		}
		if hi <= lo {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, s := range samples {
			if s[dim] < split {
				left = append(left, s)
			} else {
				right = append(right, s)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &treeNode{
			dim:   dim,
			split: split,
			left:  buildTree(left, depth+1, maxDepth, rng),
			right: buildTree(right, depth+1, maxDepth, rng),
			size:  len(samples),
		}
	}
	return &treeNode{size: len(samples)}
}

// score returns the anomaly score for a point in [0,1]; higher means the
// point isolates faster and is more anomalous.
func (f *forest) score(point []float64) float64 {
	if f == nil || len(f.trees) == 0 {
		return 0
	}

	var total float64
	for _, t := range f.trees {
		total += pathLength(t, point, 0)
	}
	avg := total / float64(len(f.trees))

	c := avgPathLength(f.sampleSize)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

func pathLength(n *treeNode, point []float64, depth float64) float64 {
	if n.left == nil && n.right == nil {
		return depth + avgPathLength(n.size)
	}
	if point[n.dim] < n.split {
		return pathLength(n.left, point, depth+1)
	}
	return pathLength(n.right, point, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// over n points, the standard isolation-forest normalization term.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
