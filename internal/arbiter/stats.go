package arbiter

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencySummary describes how long vehicles spent between being granted
// access and reporting their exit.
type LatencySummary struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"std_dev"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	Max    time.Duration `json:"max"`
}

// summarize computes a LatencySummary over samples in seconds.
func summarize(samples []float64) LatencySummary {
	s := LatencySummary{Count: len(samples)}
	if len(samples) == 0 {
		return s
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	s.Mean = seconds(stat.Mean(sorted, nil))
	if len(sorted) > 1 {
		s.StdDev = seconds(stat.StdDev(sorted, nil))
	}
	s.P50 = seconds(stat.Quantile(0.5, stat.Empirical, sorted, nil))
	s.P95 = seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil))
	s.Max = seconds(sorted[len(sorted)-1])
	return s
}

func seconds(v float64) time.Duration {
	if math.IsNaN(v) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
