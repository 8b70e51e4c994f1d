package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Linear is the one projection type in the model: y = x @ W + b.
// Every attention and MLP projection, and the language model head, is a
// Linear with a dotted name ("blocks.3.attn.q_proj"). Adapters are
// attached to Linears by name, so this is also where LoRA lives.
//
// With an adapter attached the layer computes
//
//	y = x @ W + b + scaling * (dropout(x) @ A) @ B
//
// where A is (in, r), B is (r, out) and scaling = alpha / r. B starts at
// zero, so a freshly wrapped model computes exactly what the base model
// did. Only A and B receive gradients; W and b are frozen.
//
// Forward returns a cache holding whatever backward needs. Keeping caches
// explicit (instead of a tape) is what lets gradient checkpointing throw
// them away and rebuild them later.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "LoRA: Low-Rank Adaptation of Large Language Models" by Hu et al. (2021)
//   https://arxiv.org/abs/2106.09685
// ===========================================================================

// runMode carries the per-forward settings every layer needs.
type runMode struct {
	training bool
	rng      *rand.Rand // dropout source; nil disables dropout
	autocast DType      // precision of projection outputs; "" means full
}

// Linear is a dense projection with an optional low-rank adapter.
type Linear struct {
	name    string
	in, out int

	weight *Tensor // (in, out)
	bias   *Tensor // (out), nil for bias-free layers

	lora *loraAdapter
}

// loraAdapter holds the low-rank update attached to a Linear.
type loraAdapter struct {
	r       int
	alpha   float64
	scaling float64
	dropout float64

	a *Tensor // (in, r)
	b *Tensor // (r, out)
}

type linearCache struct {
	x *Tensor

	// Adapter path only.
	mask    []float64 // dropout multipliers, nil when dropout was off
	dropped *Tensor   // dropout(x)
	xa      *Tensor   // dropout(x) @ A
}

func newLinear(name string, in, out int, withBias bool, rng *rand.Rand, std float64) *Linear {
	l := &Linear{name: name, in: in, out: out}
	if rng != nil {
		l.weight = NewParameterNormal(rng, std, in, out)
	} else {
		l.weight = NewParameter(in, out)
	}
	if withBias {
		l.bias = NewParameter(out)
	}
	return l
}

// Name returns the dotted module name.
func (l *Linear) Name() string {
	return l.name
}

// attachLoRA injects a fresh adapter. A is Kaiming-uniform with bound
// 1/sqrt(in), B is zero.
func (l *Linear) attachLoRA(r int, alpha, dropout float64, rng *rand.Rand) {
	a := NewParameter(l.in, r)
	bound := 1.0 / math.Sqrt(float64(l.in))
	for i := range a.data {
		a.data[i] = (rng.Float64()*2 - 1) * bound
	}

	l.lora = &loraAdapter{
		r:       r,
		alpha:   alpha,
		scaling: alpha / float64(r),
		dropout: dropout,
		a:       a,
		b:       NewParameter(r, l.out),
	}
}

// merge folds the adapter into the base weight and removes it.
func (l *Linear) merge() {
	if l.lora == nil {
		return
	}
	delta := MatMul(l.lora.a, l.lora.b)
	addScaledInPlace(l.weight, delta, l.lora.scaling)
	l.lora = nil
}

func (l *Linear) forward(x *Tensor, mode runMode) (*Tensor, *linearCache) {
	if len(x.shape) != 2 || x.shape[1] != l.in {
		panic(fmt.Sprintf("linear %s: expected (*, %d) input, got %v", l.name, l.in, x.shape))
	}

	cache := &linearCache{x: x}

	y := MatMul(x, l.weight)
	if l.bias != nil {
		addBiasInPlace(y, l.bias)
	}

	if ad := l.lora; ad != nil {
		dropped := x
		if mode.training && mode.rng != nil && ad.dropout > 0 {
			keep := 1.0 / (1.0 - ad.dropout)
			cache.mask = make([]float64, len(x.data))
			dropped = NewTensor(x.shape...)
			for i, v := range x.data {
				if mode.rng.Float64() >= ad.dropout {
					cache.mask[i] = keep
					dropped.data[i] = v * keep
				}
			}
		}
		cache.dropped = dropped
		cache.xa = MatMul(dropped, ad.a)
		addScaledInPlace(y, MatMul(cache.xa, ad.b), ad.scaling)
	}

	// Rounding is treated as identity in backward (straight-through).
	mode.autocast.RoundTensor(y)

	return y, cache
}

// backward accumulates parameter gradients and returns the gradient with
// respect to the input.
func (l *Linear) backward(cache *linearCache, gradY *Tensor) *Tensor {
	if l.weight.requiresGrad {
		l.weight.AccumulateGrad(MatMul(Transpose(cache.x), gradY))
	}
	if l.bias != nil && l.bias.requiresGrad {
		gb := NewTensor(l.out)
		for i, g := range gradY.data {
			gb.data[i%l.out] += g
		}
		l.bias.AccumulateGrad(gb)
	}

	gradX := MatMul(gradY, Transpose(l.weight))

	if ad := l.lora; ad != nil {
		gradXA := Scale(MatMul(gradY, Transpose(ad.b)), ad.scaling)
		ad.b.AccumulateGrad(Scale(MatMul(Transpose(cache.xa), gradY), ad.scaling))
		ad.a.AccumulateGrad(MatMul(Transpose(cache.dropped), gradXA))

		gradDropped := MatMul(gradXA, Transpose(ad.a))
		if cache.mask != nil {
			for i, m := range cache.mask {
				gradDropped.data[i] *= m
			}
		}
		addScaledInPlace(gradX, gradDropped, 1.0)
	}

	return gradX
}
