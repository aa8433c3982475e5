package utils

import (
	"sort"
)

// Summary 一组样本的统计值，样本为空时所有字段都是-1
type Summary struct {
	Min    float64
	Max    float64
	Median float64
	Avg    float64
}

var emptySummary = Summary{Min: -1, Max: -1, Median: -1, Avg: -1}

// Summarize 不修改samples
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return emptySummary
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return Summary{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: median,
		Avg:    sum / float64(n),
	}
}
