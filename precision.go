package main

import (
	"fmt"
	"math"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Numeric precision
// ===========================================================================
//
// Tensors always hold float64. Lower precisions are emulated by rounding
// values through the narrower format and back, which reproduces their
// range and rounding error without a second storage type.
//
// Two places use this:
//
// 1. MODEL DTYPE: base weights are rounded to the dtype requested in the
//    config when a model is loaded (the "torch_dtype" of the model).
//
// 2. AUTOCAST: during training the outputs of every linear projection are
//    rounded to bfloat16 or float16. Gradients, master weights and
//    optimizer state stay in full precision.
//
// float16 has a tiny dynamic range (min normal 2^-14), so small gradients
// underflow. The GradScaler multiplies the loss by a large factor before
// backprop, divides it out before the optimizer step, and backs off when
// the scaled gradients overflow. bfloat16 keeps float32's exponent range
// and needs no scaling.
//
// Float16:  1 sign, 5 exponent, 10 mantissa bits. Max 65504.
// BFloat16: 1 sign, 8 exponent,  7 mantissa bits. Same range as float32.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Mixed Precision Training" by Micikevicius et al. (2018)
//   https://arxiv.org/abs/1710.03740
// - "A Study of BFLOAT16 for Deep Learning Training" by Kalamkar et al. (2019)
//   https://arxiv.org/abs/1905.12322
// ===========================================================================

// DType names a numeric precision.
type DType string

const (
	DTypeFloat64  DType = "float64"
	DTypeFloat32  DType = "float32"
	DTypeFloat16  DType = "float16"
	DTypeBFloat16 DType = "bfloat16"
)

// ParseDType accepts the dtype spellings found in training configs
// ("float16", "fp16", "half", "bfloat16", "bf16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimPrefix(s, "torch.")) {
	case "float64", "fp64", "double":
		return DTypeFloat64, nil
	case "float32", "fp32", "float":
		return DTypeFloat32, nil
	case "float16", "fp16", "half":
		return DTypeFloat16, nil
	case "bfloat16", "bf16":
		return DTypeBFloat16, nil
	default:
		return "", fmt.Errorf("precision: unknown dtype %q", s)
	}
}

// Round returns v as it would be stored in this precision.
func (d DType) Round(v float64) float64 {
	switch d {
	case DTypeFloat32:
		return float64(float32(v))
	case DTypeFloat16:
		return float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
	case DTypeBFloat16:
		return float64(BFloat16ToFloat32(Float32ToBFloat16(float32(v))))
	default:
		return v
	}
}

// RoundTensor rounds every element of t in place. The empty dtype and
// float64 are no-ops.
func (d DType) RoundTensor(t *Tensor) {
	if d == "" || d == DTypeFloat64 {
		return
	}
	for i, v := range t.data {
		t.data[i] = d.Round(v)
	}
}

// Float16 is an IEEE 754 half-precision value stored as its bit pattern.
type Float16 uint16

// Float32ToFloat16 converts with round-to-nearest-even. Values past the
// float16 range become ±Inf; values below the smallest subnormal become ±0.
func Float32ToFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := uint32(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return Float16(sign | 0x7E00) // NaN
		}
		return Float16(sign | 0x7C00) // Inf
	}

	e := exp - 127 + 15
	if e >= 0x1F {
		return Float16(sign | 0x7C00)
	}

	if e <= 0 {
		if e < -10 {
			return Float16(sign)
		}
		// Subnormal: the implicit leading bit becomes explicit.
		m := mant | 0x800000
		shift := uint32(14 - e)
		half := m >> shift
		rem := m & ((1 << shift) - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return Float16(sign | half)
	}

	half := uint32(e)<<10 | mant>>13
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++ // may carry into the exponent, up to Inf
	}
	return Float16(sign | half)
}

// Float16ToFloat32 converts a float16 to float32 exactly.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		v := float32(mant) / (1 << 24)
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	}

	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

// BFloat16 is a brain floating point value: the top 16 bits of a float32.
type BFloat16 uint16

// Float32ToBFloat16 converts with round-to-nearest-even.
func Float32ToBFloat16(f float32) BFloat16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return BFloat16(bits>>16 | 0x40)
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return BFloat16((bits + rounding) >> 16)
}

// BFloat16ToFloat32 converts a bfloat16 to float32 exactly.
func BFloat16ToFloat32(b BFloat16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// GradScaler implements dynamic loss scaling for float16 training.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
}

// NewGradScaler returns a scaler starting at 2^16. A disabled scaler has
// scale 1 and never skips a step.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

// Enabled reports whether loss scaling is active.
func (s *GradScaler) Enabled() bool {
	return s.enabled
}

// LossScale is the factor to multiply the loss gradient by.
func (s *GradScaler) LossScale() float64 {
	if !s.enabled {
		return 1.0
	}
	return s.scale
}

// Unscale divides gradients by the current scale and reports whether they
// are all finite.
func (s *GradScaler) Unscale(params []*Tensor) bool {
	if !s.enabled {
		return true
	}

	inv := 1.0 / s.scale
	finite := true
	for _, p := range params {
		for i, g := range p.grad {
			g *= inv
			if math.IsInf(g, 0) || math.IsNaN(g) {
				finite = false
			}
			p.grad[i] = g
		}
	}
	return finite
}

// Update adjusts the scale after a step: back off on overflow, grow after
// growthInterval consecutive clean steps.
func (s *GradScaler) Update(foundInf bool) {
	if !s.enabled {
		return
	}
	if foundInf {
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
}
