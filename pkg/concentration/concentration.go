// Package concentration computes position concentration metrics from raw
// exposure values (for example absolute market values).
package concentration

import "sort"

// Metrics summarizes how concentrated a set of weights is.
type Metrics struct {
	Top1       float64 `json:"top1"`
	Top3       float64 `json:"top3"`
	Top5       float64 `json:"top5"`
	HHI        float64 `json:"hhi"`
	EffectiveN float64 `json:"effective_n"`
}

// NormalizeWeights scales values so they sum to 1.
// When the sum is not positive (including an empty input) the result is a
// zero vector of the same length. The input slice is never modified.
func NormalizeWeights(values []float64) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	if sum <= 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / sum
	}
	return out
}

// FromWeights normalizes values and derives top-k shares, the
// Herfindahl-Hirschman index and the effective number of positions.
// A degenerate input (no positive mass) yields zero metrics.
func FromWeights(values []float64) Metrics {
	w := NormalizeWeights(values)
	sorted := make([]float64, len(w))
	copy(sorted, w)
	// ties keep input order
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	var m Metrics
	m.Top1 = topK(sorted, 1)
	m.Top3 = topK(sorted, 3)
	m.Top5 = topK(sorted, 5)
	for _, x := range w {
		m.HHI += x * x
	}
	if m.HHI > 0 {
		m.EffectiveN = 1 / m.HHI
	}
	return m
}

func topK(sorted []float64, k int) float64 {
	if k > len(sorted) {
		k = len(sorted)
	}
	var s float64
	for _, x := range sorted[:k] {
		s += x
	}
	return s
}
