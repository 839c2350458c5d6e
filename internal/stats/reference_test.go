package stats

import (
	"cmp"
	"math"
	"slices"
)

// The datastore computes answer statistics. These are the same statistics
// in process (percentile_cont quartiles, sample stddev, mode with
// smallest-value ties) for checking the compiled aggregates against.

// summary holds the statistics of a continuous sample. Every pointer is nil
// when N is 0; StdDev is also nil when N is 1.
type summary struct {
	N             int64
	Mean          *float64
	Mode          *float64
	Min           *float64
	FirstQuartile *float64
	Median        *float64
	ThirdQuartile *float64
	Max           *float64
	StdDev        *float64
	Sum           *float64
}

// summarize computes the summary of values. NaNs are treated as nulls and
// skipped.
func summarize(values []float64) summary {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			xs = append(xs, v)
		}
	}
	s := summary{N: int64(len(xs))}
	if len(xs) == 0 {
		return s
	}
	slices.Sort(xs)

	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean := sum / float64(len(xs))

	s.Sum = ptr(sum)
	s.Mean = ptr(mean)
	s.Min = ptr(xs[0])
	s.Max = ptr(xs[len(xs)-1])
	s.FirstQuartile = ptr(quantileSorted(xs, 0.25))
	s.Median = ptr(quantileSorted(xs, 0.5))
	s.ThirdQuartile = ptr(quantileSorted(xs, 0.75))
	mode, _ := modeOf(xs)
	s.Mode = ptr(mode)

	if len(xs) > 1 {
		var ss float64
		for _, v := range xs {
			d := v - mean
			ss += d * d
		}
		s.StdDev = ptr(math.Sqrt(ss / float64(len(xs)-1)))
	}
	return s
}

func ptr(v float64) *float64 { return &v }

// quantile returns the p-quantile of values by linear interpolation between
// closest ranks, as percentile_cont does. p is clamped to [0, 1].
func quantile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	xs := slices.Clone(values)
	slices.Sort(xs)
	return quantileSorted(xs, p)
}

// modeOf returns the most frequent value; ties go to the smallest value. ok
// is false for an empty input.
func modeOf[T cmp.Ordered](values []T) (mode T, ok bool) {
	if len(values) == 0 {
		return mode, false
	}
	counts := make(map[T]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best := -1
	for v, n := range counts {
		if n > best || (n == best && v < mode) {
			mode, best = v, n
		}
	}
	return mode, true
}
