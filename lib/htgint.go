package lib

import "fmt"
import "sort"
import "strconv"
import "strings"

// HistogramInt64 fixed width histogram of int64 samples, along with
// their running average. Samples below `from` and at or beyond `till`
// are counted in open ended buckets.
type HistogramInt64 struct {
	AverageInt64
	from    int64
	till    int64
	width   int64
	buckets []int64 // [underflow, from..till by width, overflow]
}

// NewhistorgramInt64 return a new histogram object, from and till are
// rounded down to a multiple of width.
func NewhistorgramInt64(from, till, width int64) *HistogramInt64 {
	if width <= 0 {
		panicerr("histogram width %v", width)
	}
	from, till = (from/width)*width, (till/width)*width
	if till < from {
		panicerr("histogram range %v > %v", from, till)
	}
	h := &HistogramInt64{from: from, till: till, width: width}
	h.buckets = make([]int64, ((till-from)/width)+2)
	return h
}

func (h *HistogramInt64) bucket(sample int64) int {
	if sample < h.from {
		return 0
	} else if sample >= h.till {
		return len(h.buckets) - 1
	}
	return int((sample-h.from)/h.width) + 1
}

// Add a sample to this histogram.
func (h *HistogramInt64) Add(sample int64) {
	h.AverageInt64.Add(sample)
	h.buckets[h.bucket(sample)]++
}

// Merge samples from other, both histograms must have the same layout.
func (h *HistogramInt64) Merge(other *HistogramInt64) {
	if h.from != other.from || h.till != other.till || h.width != other.width {
		panicerr("histogram layout mismatch")
	}
	h.AverageInt64.Merge(&other.AverageInt64)
	for i, n := range other.buckets {
		h.buckets[i] += n
	}
}

func (h *HistogramInt64) bucketkey(i int) string {
	switch i {
	case 0:
		return "-"
	case len(h.buckets) - 1:
		return "+"
	}
	return strconv.FormatInt(h.from+int64(i-1)*h.width, 10)
}

// Stats return non-empty buckets keyed by their lower bound, "-" for
// samples below range and "+" for samples beyond range.
func (h *HistogramInt64) Stats() map[string]int64 {
	m := make(map[string]int64)
	for i, n := range h.buckets {
		if n > 0 {
			m[h.bucketkey(i)] = n
		}
	}
	return m
}

// Fullstats includes sample statistics along with the buckets.
func (h *HistogramInt64) Fullstats() map[string]interface{} {
	stats := h.AverageInt64.Stats()
	hmap := make(map[string]interface{})
	for k, v := range h.Stats() {
		hmap[k] = v
	}
	stats["histogram"] = hmap
	return stats
}

// Logstring return Fullstats as loggable string, buckets in ascending
// order.
func (h *HistogramInt64) Logstring() string {
	stats := h.AverageInt64.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ss := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		ss = append(ss, fmt.Sprintf(`"%v": %v`, key, stats[key]))
	}
	hs := []string{}
	for i, n := range h.buckets {
		if n > 0 {
			hs = append(hs, fmt.Sprintf(`"%v": %v`, h.bucketkey(i), n))
		}
	}
	ss = append(ss, fmt.Sprintf(`"histogram": {%v}`, strings.Join(hs, ",")))
	return "{" + strings.Join(ss, ",") + "}"
}
