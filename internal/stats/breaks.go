// Package stats computes class breaks for map styling.
package stats

import (
	"math"
	"slices"

	"github.com/rotisserie/eris"
)

// ErrTooFewValues is returned when a sample has fewer distinct values than
// the requested number of classes.
var ErrTooFewValues = eris.New("stats: fewer distinct values than classes")

// JenksBreaks returns the k-1 inner class boundaries of the Jenks natural
// breaks classification of values (each boundary is the upper bound of its
// class).
func JenksBreaks(values []float64, k int) ([]float64, error) {
	xs, err := prepare(values, k)
	if err != nil {
		return nil, err
	}
	n := len(xs)

	lower := make([][]int, n+1)
	variance := make([][]float64, n+1)
	for i := range lower {
		lower[i] = make([]int, k+1)
		variance[i] = make([]float64, k+1)
	}
	for j := 1; j <= k; j++ {
		lower[1][j] = 1
		for i := 2; i <= n; i++ {
			variance[i][j] = math.Inf(1)
		}
	}

	for l := 2; l <= n; l++ {
		var s1, s2, w, v float64
		for m := 1; m <= l; m++ {
			i3 := l - m + 1
			val := xs[i3-1]
			s1 += val
			s2 += val * val
			w++
			v = s2 - s1*s1/w
			i4 := i3 - 1
			if i4 == 0 {
				continue
			}
			for j := 2; j <= k; j++ {
				if variance[l][j] >= v+variance[i4][j-1] {
					lower[l][j] = i3
					variance[l][j] = v + variance[i4][j-1]
				}
			}
		}
		lower[l][1] = 1
		variance[l][1] = v
	}

	bounds := make([]float64, k+1)
	bounds[k] = xs[n-1]
	bounds[0] = xs[0]
	row := n
	for class := k; class >= 2; class-- {
		idx := lower[row][class] - 2
		bounds[class-1] = xs[idx]
		row = lower[row][class] - 1
	}
	return bounds[1:k], nil
}

// QuantileBreaks returns the k-1 inner boundaries splitting values into k
// equal-count classes.
func QuantileBreaks(values []float64, k int) ([]float64, error) {
	xs, err := prepare(values, k)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, k-1)
	for i := 1; i < k; i++ {
		out = append(out, quantileSorted(xs, float64(i)/float64(k)))
	}
	return out, nil
}

func prepare(values []float64, k int) ([]float64, error) {
	if k < 2 {
		return nil, eris.Errorf("stats: need at least 2 classes, got %d", k)
	}
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	slices.Sort(xs)
	if len(slices.Compact(slices.Clone(xs))) < k {
		return nil, ErrTooFewValues
	}
	return xs, nil
}

// quantileSorted interpolates between closest ranks of sorted xs, as
// percentile_cont does. p is clamped to [0, 1].
func quantileSorted(xs []float64, p float64) float64 {
	p = math.Max(0, math.Min(1, p))
	pos := p * float64(len(xs)-1)
	lo := math.Floor(pos)
	hi := math.Ceil(pos)
	if lo == hi {
		return xs[int(lo)]
	}
	return xs[int(lo)] + (pos-lo)*(xs[int(hi)]-xs[int(lo)])
}
