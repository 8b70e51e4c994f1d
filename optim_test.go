package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptimizerNames(t *testing.T) {
	for _, name := range []string{"adamw_torch", "paged_adamw_32bit", "paged_adamw_8bit", "ADAMW_HF", "adam", "sgd"} {
		opt, err := NewOptimizer(name, DefaultOptimizerOptions())
		require.NoError(t, err, name)
		assert.Equal(t, name, opt.Name())
	}

	_, err := NewOptimizer("lion", DefaultOptimizerOptions())
	assert.True(t, errors.Is(err, ErrUnknownOptimizer))
	assert.Contains(t, err.Error(), "lion")
}

func TestSGDStep(t *testing.T) {
	p := NewParameter(2)
	p.data[0], p.data[1] = 1, -1
	p.grad[0], p.grad[1] = 0.5, 0.5

	opt, err := NewOptimizer("sgd", OptimizerOptions{WeightDecay: 0.1})
	require.NoError(t, err)
	opt.Step([]*Tensor{p}, 0.1)

	assert.InDeltaSlice(t, []float64{1 - 0.1*(0.5+0.1), -1 - 0.1*(0.5-0.1)}, p.data, 1e-12)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// Bias correction makes the first update lr * sign(g).
	p := NewParameter(3)
	p.grad[0], p.grad[1], p.grad[2] = 2, -0.001, 0

	opt, err := NewOptimizer("adamw_torch", DefaultOptimizerOptions())
	require.NoError(t, err)
	opt.Step([]*Tensor{p}, 0.01)

	assert.InDelta(t, -0.01, p.data[0], 1e-6)
	assert.InDelta(t, 0.01, p.data[1], 1e-4)
	assert.Equal(t, 0.0, p.data[2])
}

func TestAdamWDecouplesWeightDecay(t *testing.T) {
	opts := DefaultOptimizerOptions()
	opts.WeightDecay = 0.5

	p := NewParameter(1)
	p.data[0] = 2

	opt, err := NewOptimizer("adamw", opts)
	require.NoError(t, err)
	opt.Step([]*Tensor{p}, 0.1)

	// Zero gradient: only the decay applies.
	assert.InDelta(t, 2-0.1*0.5*2, p.data[0], 1e-12)
}

func TestOptimizerSkipsFrozenParameters(t *testing.T) {
	p := NewParameter(2)
	p.data[0] = 3
	p.SetRequiresGrad(false)

	opt, err := NewOptimizer("adamw_torch", DefaultOptimizerOptions())
	require.NoError(t, err)
	opt.Step([]*Tensor{p}, 1)
	assert.Equal(t, 3.0, p.data[0])
}

func TestLRSchedulerLinear(t *testing.T) {
	s, err := NewLRScheduler("linear", 1.0, 2, 10)
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.LR(0))
	assert.Equal(t, 0.5, s.LR(1))
	assert.Equal(t, 1.0, s.LR(2))
	assert.InDelta(t, 0.5, s.LR(6), 1e-12)
	assert.Equal(t, 0.0, s.LR(10))
	assert.Equal(t, 0.0, s.LR(20))
}

func TestLRSchedulerNoWarmup(t *testing.T) {
	s, err := NewLRScheduler("linear", 2e-4, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 2e-4, s.LR(0))
	assert.InDelta(t, 1e-4, s.LR(2), 1e-18)
}

func TestLRSchedulerCosineAndConstant(t *testing.T) {
	cos, err := NewLRScheduler("cosine", 1.0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, cos.LR(0))
	assert.InDelta(t, 0.5, cos.LR(5), 1e-12)
	assert.InDelta(t, 0.0, cos.LR(10), 1e-12)

	constant, err := NewLRScheduler("constant", 0.3, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.3, constant.LR(9))

	_, err = NewLRScheduler("polynomial", 1, 0, 1)
	assert.ErrorContains(t, err, "polynomial")
}

func TestClipGradNorm(t *testing.T) {
	a := NewParameter(2)
	b := NewParameter(1)
	a.grad[0], a.grad[1], b.grad[0] = 3, 0, 4

	norm := clipGradNorm([]*Tensor{a, b}, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-12)

	clipped := math.Sqrt(a.grad[0]*a.grad[0] + b.grad[0]*b.grad[0])
	assert.InDelta(t, 1.0, clipped, 1e-6)

	// Under the limit: untouched.
	norm = clipGradNorm([]*Tensor{a, b}, 10)
	assert.InDelta(t, clipped, norm, 1e-12)
	assert.InDelta(t, 0.6, a.grad[0], 1e-6)
}
