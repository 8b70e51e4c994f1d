package main

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Optimizers and learning rate schedules for the trainer.
//
// Update rules (g = gradient, t = step):
//
//	SGD:    p -= lr * (g + wd * p)
//	Adam:   g' = g + wd * p  (L2 folded into the gradient)
//	        m = β1 m + (1-β1) g'      v = β2 v + (1-β2) g'²
//	        p -= lr * m̂ / (√v̂ + ε)   with m̂ = m/(1-β1^t), v̂ = v/(1-β2^t)
//	AdamW:  as Adam on g, then p -= lr * wd * p  (decoupled decay)
//
// Optimizer state is keyed by parameter, so the same optimizer serves the
// full model or just the adapter weights.
//
// The names accepted by NewOptimizer are the ones training configs use.
// The paged and 8-bit AdamW variants exist to save accelerator memory;
// on the host they are the same update as AdamW with 32-bit state.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Adam: A Method for Stochastic Optimization" by Kingma & Ba (2014)
//   https://arxiv.org/abs/1412.6980
// - "Decoupled Weight Decay Regularization" by Loshchilov & Hutter (2017)
//   https://arxiv.org/abs/1711.05101
// ===========================================================================

// ErrUnknownOptimizer is returned for optimizer names NewOptimizer does
// not recognize.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step applies one update with learning rate lr.
	Step(params []*Tensor, lr float64)

	// Name returns the configured optimizer name.
	Name() string
}

// OptimizerOptions are the hyperparameters shared by all optimizers.
type OptimizerOptions struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultOptimizerOptions matches the usual trainer defaults: betas
// (0.9, 0.999), epsilon 1e-8, no weight decay.
func DefaultOptimizerOptions() OptimizerOptions {
	return OptimizerOptions{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// NewOptimizer builds an optimizer by name.
func NewOptimizer(name string, opts OptimizerOptions) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adamw_torch", "adamw_torch_fused", "adamw_hf", "adamw",
		"paged_adamw_32bit", "paged_adamw_8bit", "adamw_8bit":
		return &AdamOptimizer{name: name, opts: opts, decoupled: true, state: make(map[*Tensor]*adamState)}, nil
	case "adam":
		return &AdamOptimizer{name: name, opts: opts, state: make(map[*Tensor]*adamState)}, nil
	case "sgd":
		return &SGDOptimizer{name: name, weightDecay: opts.WeightDecay}, nil
	default:
		return nil, fmt.Errorf("optimizer %q: %w", name, ErrUnknownOptimizer)
	}
}

// SGDOptimizer implements plain stochastic gradient descent.
type SGDOptimizer struct {
	name        string
	weightDecay float64
}

// Name returns the configured optimizer name.
func (opt *SGDOptimizer) Name() string { return opt.name }

// Step updates parameters: p -= lr * (g + weightDecay * p).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		if p.grad == nil {
			continue
		}
		for i := range p.data {
			p.data[i] -= lr * (p.grad[i] + opt.weightDecay*p.data[i])
		}
	}
}

// AdamOptimizer implements Adam, and AdamW when decoupled is set.
type AdamOptimizer struct {
	name      string
	opts      OptimizerOptions
	decoupled bool

	state map[*Tensor]*adamState
}

type adamState struct {
	m, v []float64
	t    int
}

// Name returns the configured optimizer name.
func (opt *AdamOptimizer) Name() string { return opt.name }

// Step performs one Adam update per parameter.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	b1, b2, eps, wd := opt.opts.Beta1, opt.opts.Beta2, opt.opts.Epsilon, opt.opts.WeightDecay

	for _, p := range params {
		if p.grad == nil {
			continue
		}

		st, ok := opt.state[p]
		if !ok {
			st = &adamState{m: make([]float64, len(p.data)), v: make([]float64, len(p.data))}
			opt.state[p] = st
		}
		st.t++

		bias1 := 1.0 - math.Pow(b1, float64(st.t))
		bias2 := 1.0 - math.Pow(b2, float64(st.t))

		for j := range p.data {
			g := p.grad[j]
			if !opt.decoupled {
				g += wd * p.data[j]
			}

			st.m[j] = b1*st.m[j] + (1.0-b1)*g
			st.v[j] = b2*st.v[j] + (1.0-b2)*g*g

			mHat := st.m[j] / bias1
			vHat := st.v[j] / bias2

			if opt.decoupled {
				p.data[j] -= lr * wd * p.data[j]
			}
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}
}

// LRScheduler computes the learning rate for each optimizer step.
type LRScheduler struct {
	kind        string // "linear", "cosine" or "constant"
	baseLR      float64
	warmupSteps int
	totalSteps  int
}

// NewLRScheduler creates a scheduler with linear warmup followed by the
// given decay to zero at totalSteps.
func NewLRScheduler(kind string, baseLR float64, warmupSteps, totalSteps int) (*LRScheduler, error) {
	switch kind {
	case "linear", "cosine", "constant":
	default:
		return nil, fmt.Errorf("scheduler: unknown type %q", kind)
	}
	return &LRScheduler{kind: kind, baseLR: baseLR, warmupSteps: warmupSteps, totalSteps: totalSteps}, nil
}

// LR returns the learning rate for the update that follows step completed
// updates. Step 0 is the first update.
func (s *LRScheduler) LR(step int) float64 {
	if step < s.warmupSteps {
		return s.baseLR * float64(step) / float64(max(1, s.warmupSteps))
	}
	if s.kind == "constant" || s.totalSteps <= s.warmupSteps {
		return s.baseLR
	}

	progress := float64(step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	progress = math.Min(progress, 1.0)

	switch s.kind {
	case "cosine":
		return s.baseLR * 0.5 * (1.0 + math.Cos(math.Pi*progress))
	default:
		return s.baseLR * (1.0 - progress)
	}
}

// clipGradNorm scales gradients so their global L2 norm is at most
// maxNorm, and returns the norm before clipping.
func clipGradNorm(params []*Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			total += g * g
		}
	}
	norm := math.Sqrt(total)

	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
	return norm
}
