package perf

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// For any sequence of samples, the running stat must report the exact count,
// the true extrema, and an average within floating-point tolerance of the
// arithmetic mean.
func TestMetricStat_MatchesTrueAggregates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		samples := rapid.SliceOfN(rapid.Float64Range(-1e6, 1e6), 1, 200).Draw(rt, "samples")

		var stat MetricStat
		min, max, sum := samples[0], samples[0], 0.0
		for _, v := range samples {
			stat.Add(v)
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}

		if stat.Count != int64(len(samples)) {
			rt.Fatalf("count = %d, want %d", stat.Count, len(samples))
		}
		if stat.Min != min || stat.Max != max {
			rt.Fatalf("extrema = %v/%v, want %v/%v", stat.Min, stat.Max, min, max)
		}
		mean := sum / float64(len(samples))
		if math.Abs(stat.Average()-mean) > 1e-9*math.Max(1, math.Abs(mean)) {
			rt.Fatalf("average = %v, want %v", stat.Average(), mean)
		}
		if stat.Last != samples[len(samples)-1] {
			rt.Fatalf("last = %v, want %v", stat.Last, samples[len(samples)-1])
		}
	})
}

func TestMetricStat_EmptyAverageIsZero(t *testing.T) {
	var stat MetricStat
	if got := stat.Average(); got != 0 {
		t.Fatalf("empty average = %v, want 0", got)
	}
}
