package lib

import "math"

// AverageInt64 running mean and variance of int64 samples, computed
// online so that Merge of two averages is exact.
type AverageInt64 struct {
	n      int64
	minval int64
	maxval int64
	sum    int64
	mean   float64
	m2     float64 // sum of squared deviations from mean
}

// Add a sample.
func (av *AverageInt64) Add(sample int64) {
	if av.n == 0 || sample < av.minval {
		av.minval = sample
	}
	if av.n == 0 || sample > av.maxval {
		av.maxval = sample
	}
	av.n++
	av.sum += sample
	delta := float64(sample) - av.mean
	av.mean += delta / float64(av.n)
	av.m2 += delta * (float64(sample) - av.mean)
}

// Merge samples from other into av.
func (av *AverageInt64) Merge(other *AverageInt64) {
	if other.n == 0 {
		return
	} else if av.n == 0 {
		*av = *other
		return
	}
	n := av.n + other.n
	delta := other.mean - av.mean
	av.m2 += other.m2 + delta*delta*float64(av.n)*float64(other.n)/float64(n)
	av.mean += delta * float64(other.n) / float64(n)
	av.n, av.sum = n, av.sum+other.sum
	if other.minval < av.minval {
		av.minval = other.minval
	}
	if other.maxval > av.maxval {
		av.maxval = other.maxval
	}
}

// Min smallest sample.
func (av *AverageInt64) Min() int64 {
	return av.minval
}

// Max largest sample.
func (av *AverageInt64) Max() int64 {
	return av.maxval
}

// Samples number of samples added.
func (av *AverageInt64) Samples() int64 {
	return av.n
}

// Sum of all samples.
func (av *AverageInt64) Sum() int64 {
	return av.sum
}

// Mean of samples, truncated.
func (av *AverageInt64) Mean() int64 {
	return int64(av.mean)
}

// Variance population variance of samples.
func (av *AverageInt64) Variance() float64 {
	if av.n == 0 {
		return 0
	}
	return av.m2 / float64(av.n)
}

// SD standard deviation.
func (av *AverageInt64) SD() float64 {
	return math.Sqrt(av.Variance())
}

// Stats return a map of sample statistics.
func (av *AverageInt64) Stats() map[string]interface{} {
	return map[string]interface{}{
		"samples":     av.Samples(),
		"min":         av.Min(),
		"max":         av.Max(),
		"mean":        av.Mean(),
		"variance":    av.Variance(),
		"stddeviance": av.SD(),
	}
}
