package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	tests := map[string]DType{
		"float32":        DTypeFloat32,
		"torch.bfloat16": DTypeBFloat16,
		"bf16":           DTypeBFloat16,
		"FP16":           DTypeFloat16,
		"half":           DTypeFloat16,
		"double":         DTypeFloat64,
	}
	for in, want := range tests {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDType("int8")
	assert.ErrorContains(t, err, "int8")
}

func TestFloat16Conversion(t *testing.T) {
	for _, v := range []float32{0, 1, -2.5, 0.333251953125, 65504} {
		assert.Equal(t, v, Float16ToFloat32(Float32ToFloat16(v)), "value %v", v)
	}

	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(1e6))), 1))
	assert.Equal(t, float32(0), Float16ToFloat32(Float32ToFloat16(1e-10)))

	// Round to nearest even: 1 + 2^-11 sits halfway between 1 and 1 + 2^-10.
	assert.Equal(t, float32(1), Float16ToFloat32(Float32ToFloat16(1+1.0/2048)))
}

func TestBFloat16Conversion(t *testing.T) {
	assert.Equal(t, float32(1), BFloat16ToFloat32(Float32ToBFloat16(1)))
	assert.Equal(t, float32(-3), BFloat16ToFloat32(Float32ToBFloat16(-3)))

	got := BFloat16ToFloat32(Float32ToBFloat16(1.0 / 3.0))
	assert.InDelta(t, 1.0/3.0, got, 1.0/256)
	assert.NotEqual(t, float32(1.0/3.0), got)
}

func TestDTypeRoundTensor(t *testing.T) {
	x := NewTensorFrom([]float64{1.0 / 3.0, 2}, 2)
	DTypeFloat64.RoundTensor(x)
	assert.Equal(t, 1.0/3.0, x.data[0])

	DTypeFloat32.RoundTensor(x)
	assert.Equal(t, float64(float32(1.0/3.0)), x.data[0])
	assert.Equal(t, 2.0, x.data[1])
}

func TestGradScaler(t *testing.T) {
	disabled := NewGradScaler(false)
	assert.Equal(t, 1.0, disabled.LossScale())
	assert.True(t, disabled.Unscale([]*Tensor{NewParameter(1)}))

	s := NewGradScaler(true)
	require.True(t, s.Enabled())
	assert.Equal(t, 65536.0, s.LossScale())

	p := NewParameter(2)
	p.grad[0], p.grad[1] = 65536, -131072
	assert.True(t, s.Unscale([]*Tensor{p}))
	assert.Equal(t, []float64{1, -2}, p.grad)

	p.grad[0] = math.Inf(1)
	assert.False(t, s.Unscale([]*Tensor{p}))
	s.Update(true)
	assert.Equal(t, 32768.0, s.LossScale())

	for i := 0; i < 2000; i++ {
		s.Update(false)
	}
	assert.Equal(t, 65536.0, s.LossScale())
}
