package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greedy(maxTokens int) SampleConfig {
	return SampleConfig{Temperature: 0, MaxTokens: maxTokens, StopToken: -1}
}

func TestGenerateCachedMatchesUncached(t *testing.T) {
	prompt := []int{3, 1, 4}

	g := newTinyGPT(t, 40)
	g.SetUseCache(false)
	plain, err := g.Generate(prompt, greedy(8), nil)
	require.NoError(t, err)

	g.SetUseCache(true)
	cached, err := g.Generate(prompt, greedy(8), nil)
	require.NoError(t, err)

	assert.Len(t, plain, 8)
	assert.Equal(t, plain, cached)
}

func TestGenerateStopsAtStopToken(t *testing.T) {
	g := newTinyGPT(t, 41)
	first, err := g.Generate([]int{5, 6}, greedy(1), nil)
	require.NoError(t, err)
	require.Len(t, first, 1)

	cfg := greedy(10)
	cfg.StopToken = first[0]
	out, err := g.Generate([]int{5, 6}, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, first, out)
}

func TestGenerateRespectsContextLength(t *testing.T) {
	g := newTinyGPT(t, 42)
	g.SetUseCache(true)
	maxLen := tinyConfig().MaxPositionEmbeddings

	out, err := g.Generate([]int{1, 2, 3}, greedy(100), nil)
	require.NoError(t, err)
	assert.Len(t, out, maxLen-3)

	// Overlong prompts keep their tail.
	long := make([]int, maxLen+4)
	out, err = g.Generate(long, greedy(5), nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	_, err := newTinyGPT(t, 43).Generate(nil, greedy(4), nil)
	assert.ErrorContains(t, err, "empty prompt")
}

func TestGenerateSamplingIsSeeded(t *testing.T) {
	g := newTinyGPT(t, 44)
	cfg := DefaultSampleConfig()
	cfg.MaxTokens = 6
	cfg.StopToken = -1

	a, err := g.Generate([]int{1}, cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	b, err := g.Generate([]int{1}, cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestApplyTopK(t *testing.T) {
	probs := applyTopK([]float64{0.1, 0.4, 0.2, 0.3}, 2)
	assert.InDeltaSlice(t, []float64{0, 4.0 / 7, 0, 3.0 / 7}, probs, 1e-12)

	same := []float64{0.5, 0.5}
	assert.Equal(t, same, applyTopK(same, 0))
}

func TestApplyTopP(t *testing.T) {
	probs := applyTopP([]float64{0.05, 0.6, 0.25, 0.1}, 0.8)
	assert.InDeltaSlice(t, []float64{0, 0.6 / 0.85, 0.25 / 0.85, 0}, probs, 1e-12)
}

func TestSampleGreedyAndDistribution(t *testing.T) {
	assert.Equal(t, 2, sample([]float64{0.1, -1, 3, 2.9}, greedy(1), nil))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 1, sampleFromDistribution([]float64{0, 1, 0}, rng))
	}
}

func TestRankByProbIsStable(t *testing.T) {
	assert.Equal(t, []int{1, 3, 0, 2}, rankByProb([]float64{0.1, 0.4, 0.1, 0.4}))
}
