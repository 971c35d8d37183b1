// Package records implements the records manager and aggregators (C7,
// ): it accumulates every MetricRecord from the record
// processors, computes exact percentiles, publishes a periodic
// RealtimeMetrics snapshot, and reduces the run into the final
// ProfileResults. No ProgressReport message is published.
package records

import (
	"math"
	"sort"
	"sync"

	"github.com/aiperf/aiperf/internal/types"
)

// MetricAccumulator collects every sample for one MetricTag and computes
// its exact percentiles on demand: an exact sorted-array rank rather than a
// streaming estimator (t-digest, HDR histogram), since exactness is the
// testable property a benchmark run's modest record count can afford over
// streaming-memory bounds.
type MetricAccumulator struct {
	mu      sync.Mutex
	samples []float64
}

// Add records one sample.
func (a *MetricAccumulator) Add(v float64) {
	a.mu.Lock()
	a.samples = append(a.samples, v)
	a.mu.Unlock()
}

// Count returns the number of samples recorded so far.
func (a *MetricAccumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

// percentiles reported for every MetricResult.
var percentiles = []float64{1, 5, 10, 25, 50, 75, 90, 95, 99}

// Result computes the full MetricResult snapshot for this tag.
func (a *MetricAccumulator) Result(tag types.MetricTag, header string, unit types.DisplayUnit) types.MetricResult {
	a.mu.Lock()
	sorted := make([]float64, len(a.samples))
	copy(sorted, a.samples)
	a.mu.Unlock()

	sort.Float64s(sorted)

	res := types.MetricResult{Tag: tag, Header: header, Unit: unit, Count: len(sorted)}
	if len(sorted) == 0 {
		return res
	}

	var sum float64
	res.Min = sorted[0]
	res.Max = sorted[len(sorted)-1]
	for _, v := range sorted {
		sum += v
	}
	res.Avg = sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		d := v - res.Avg
		variance += d * d
	}
	if len(sorted) > 0 {
		variance /= float64(len(sorted))
	}
	res.Std = math.Sqrt(variance)

	for _, p := range percentiles {
		setPercentile(&res, p, percentile(sorted, p))
	}
	return res
}

// percentile returns the exact rank-based percentile of a pre-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted))
	index := int(rank)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}
	return sorted[index]
}

func setPercentile(res *types.MetricResult, p float64, v float64) {
	switch p {
	case 1:
		res.P1 = v
	case 5:
		res.P5 = v
	case 10:
		res.P10 = v
	case 25:
		res.P25 = v
	case 50:
		res.P50 = v
	case 75:
		res.P75 = v
	case 90:
		res.P90 = v
	case 95:
		res.P95 = v
	case 99:
		res.P99 = v
	}
}
