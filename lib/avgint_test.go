package lib

import "math"
import "testing"

import "github.com/stretchr/testify/assert"

func TestAverageInt(t *testing.T) {
	avg := &AverageInt64{}
	for i := 1; i <= 100; i++ {
		avg.Add(int64(i))
	}
	if x, y := int64(1), avg.Min(); x != y {
		t.Errorf("Min() expected %v, got %v", x, y)
	} else if x, y := int64(100), avg.Max(); x != y {
		t.Errorf("Max() expected %v, got %v", x, y)
	} else if x, y := int64(100), avg.Samples(); x != y {
		t.Errorf("Samples() expected %v, got %v", x, y)
	} else if x, y := int64(100*101)/2, avg.Sum(); x != y {
		t.Errorf("Sum() expected %v, got %v", x, y)
	} else if x, y := int64(50), avg.Mean(); x != y {
		t.Errorf("Mean() expected %v, got %v", x, y)
	}
	assert.InDelta(t, 833.25, avg.Variance(), 1e-9)
	assert.InDelta(t, math.Sqrt(833.25), avg.SD(), 1e-9)

	stats := avg.Stats()
	assert.Equal(t, int64(100), stats["samples"])
	assert.Equal(t, int64(1), stats["min"])
	assert.Equal(t, int64(100), stats["max"])
}

func TestAverageIntEmpty(t *testing.T) {
	avg := &AverageInt64{}
	if avg.Mean() != 0 || avg.Variance() != 0 || avg.SD() != 0 {
		t.Errorf("unexpected %v", avg.Stats())
	}
	avg.Add(-5)
	if avg.Min() != -5 || avg.Max() != -5 {
		t.Errorf("unexpected %v", avg.Stats())
	}
}

func TestAverageIntMerge(t *testing.T) {
	all, a, b := &AverageInt64{}, &AverageInt64{}, &AverageInt64{}
	for i := 1; i <= 100; i++ {
		all.Add(int64(i * 3))
		if i%3 == 0 {
			a.Add(int64(i * 3))
		} else {
			b.Add(int64(i * 3))
		}
	}
	a.Merge(b)
	assert.Equal(t, all.Samples(), a.Samples())
	assert.Equal(t, all.Sum(), a.Sum())
	assert.Equal(t, all.Min(), a.Min())
	assert.Equal(t, all.Max(), a.Max())
	assert.InDelta(t, all.Variance(), a.Variance(), 1e-6)

	empty := &AverageInt64{}
	empty.Merge(all)
	assert.Equal(t, all.Samples(), empty.Samples())
	all.Merge(&AverageInt64{})
	assert.Equal(t, int64(100), all.Samples())
}

func BenchmarkAvgintAdd(b *testing.B) {
	avg := &AverageInt64{}
	for i := 0; i < b.N; i++ {
		avg.Add(int64(i))
	}
}
