package concentration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestNormalizeWeights(t *testing.T) {
	in := []float64{50, 30, 20}
	got := NormalizeWeights(in)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.5, got[0], eps)
	assert.InDelta(t, 0.3, got[1], eps)
	assert.InDelta(t, 0.2, got[2], eps)
	assert.Equal(t, []float64{50, 30, 20}, in, "input must not be mutated")
}

func TestNormalizeWeightsZeroSum(t *testing.T) {
	assert.Equal(t, []float64{0, 0, 0}, NormalizeWeights([]float64{0, 0, 0}))
	assert.Empty(t, NormalizeWeights(nil))
}

func TestFromWeightsExample(t *testing.T) {
	m := FromWeights([]float64{50, 30, 20})
	assert.InDelta(t, 0.5, m.Top1, eps)
	assert.InDelta(t, 1.0, m.Top3, eps)
	assert.InDelta(t, 1.0, m.Top5, eps)
	assert.InDelta(t, 0.38, m.HHI, eps)
	assert.InDelta(t, 1/0.38, m.EffectiveN, 1e-6)
}

func TestFromWeightsEqualWeights(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = 7
	}
	m := FromWeights(values)
	assert.InDelta(t, 0.1, m.Top1, eps)
	assert.InDelta(t, 0.3, m.Top3, eps)
	assert.InDelta(t, 0.5, m.Top5, eps)
	assert.InDelta(t, 0.1, m.HHI, eps)
	assert.InDelta(t, 10, m.EffectiveN, 1e-6)
}

func TestFromWeightsFiveEqual(t *testing.T) {
	m := FromWeights([]float64{20, 20, 20, 20, 20})
	assert.InDelta(t, 0.2, m.Top1, eps)
	assert.InDelta(t, 0.6, m.Top3, eps)
	assert.InDelta(t, 1.0, m.Top5, eps)
	assert.InDelta(t, 0.2, m.HHI, eps)
	assert.InDelta(t, 5, m.EffectiveN, 1e-6)
}

func TestFromWeightsConcentrated(t *testing.T) {
	m := FromWeights([]float64{60, 10, 10, 10, 10})
	assert.InDelta(t, 0.6, m.Top1, eps)
	assert.InDelta(t, 0.8, m.Top3, eps)
	assert.InDelta(t, 1.0, m.Top5, eps)
	assert.InDelta(t, 0.4, m.HHI, eps)
	assert.InDelta(t, 2.5, m.EffectiveN, 1e-6)
	assert.Less(t, m.EffectiveN, 3.0)
}

func TestFromWeightsSingle(t *testing.T) {
	m := FromWeights([]float64{42})
	assert.InDelta(t, 1, m.Top1, eps)
	assert.InDelta(t, 1, m.HHI, eps)
	assert.InDelta(t, 1, m.EffectiveN, eps)
}

func TestFromWeightsDegenerate(t *testing.T) {
	for _, in := range [][]float64{nil, {}, {0, 0}} {
		assert.Equal(t, Metrics{}, FromWeights(in))
	}
}

func TestFromWeightsRanges(t *testing.T) {
	inputs := [][]float64{
		{1},
		{3, 1, 4, 1, 5, 9, 2, 6},
		{100, 0, 0, 0},
		{0.001, 0.002, 1000},
	}
	for _, in := range inputs {
		m := FromWeights(in)
		n := float64(len(in))
		assert.GreaterOrEqual(t, m.HHI, 1/n-eps)
		assert.LessOrEqual(t, m.HHI, 1+eps)
		assert.GreaterOrEqual(t, m.EffectiveN, 1-eps)
		assert.LessOrEqual(t, m.EffectiveN, n+1e-6)
		assert.LessOrEqual(t, m.Top1, m.Top3+eps)
		assert.LessOrEqual(t, m.Top3, m.Top5+eps)
		assert.LessOrEqual(t, m.Top5, 1+eps)
	}
}

func TestFromWeightsDoesNotMutate(t *testing.T) {
	in := []float64{1, 5, 3}
	_ = FromWeights(in)
	assert.Equal(t, []float64{1, 5, 3}, in)
}
