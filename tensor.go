package main

import (
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Gradients are only allocated for tensors that take part in
// backpropagation: parameters get one up front, activations get one the
// first time something accumulates into them.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [seq_len, features, etc.]
	grad  []float64 // Gradient for backpropagation, nil until needed

	// requiresGrad marks trainable parameters. Frozen tensors ignore
	// AccumulateGrad so the base model stays untouched under LoRA.
	requiresGrad bool
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The slice is
// copied.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// NewParameter creates a zero-initialized trainable tensor.
func NewParameter(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.requiresGrad = true
	t.grad = make([]float64, len(t.data))
	return t
}

// NewParameterNormal creates a trainable tensor sampled from N(0, std²)
// using the Box-Muller transform.
func NewParameterNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewParameter(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()
		mag := std * math.Sqrt(-2*math.Log(u1))

		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// RequiresGrad reports whether the tensor is a trainable parameter.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad freezes or unfreezes a parameter. Freezing releases
// the gradient buffer.
func (t *Tensor) SetRequiresGrad(on bool) {
	t.requiresGrad = on
	switch {
	case !on:
		t.grad = nil
	case t.grad == nil:
		t.grad = make([]float64, len(t.data))
	}
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// GradAt returns the gradient element at the given indices, or 0 when no
// gradient has been accumulated.
func (t *Tensor) GradAt(indices ...int) float64 {
	if t.grad == nil {
		return 0
	}
	return t.grad[t.flatIndex(indices)]
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor's values. The clone does not
// require gradients.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Row returns a copy of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	cols := t.shape[1]
	row := make([]float64, cols)
	copy(row, t.data[i*cols:(i+1)*cols])
	return row
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// addScaledInPlace computes dst += alpha * src.
func addScaledInPlace(dst, src *Tensor, alpha float64) {
	if !shapeEqual(dst.shape, src.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", dst.shape, src.shape))
	}
	for i := range dst.data {
		dst.data[i] += alpha * src.data[i]
	}
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// Work is spread over the device's workers by the global compute
// configuration (see device.go).
func MatMul(a, b *Tensor) *Tensor {
	return ParallelMatMul(a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// addBiasInPlace adds a bias vector to each row of a 2D tensor.
func addBiasInPlace(x, bias *Tensor) {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("tensor: cannot add bias %v to %v", bias.shape, x.shape))
	}
	cols := x.shape[1]
	for i := range x.data {
		x.data[i] += bias.data[i%cols]
	}
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

const (
	sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
	geluCoeff   = 0.044715
)

// GELU applies the tanh approximation of the Gaussian Error Linear Unit,
// as used by GPT-2.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax applies a row-wise, numerically stable softmax to a 2D tensor.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax currently requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)
	for r := 0; r < rows; r++ {
		softmaxInto(out.data[r*cols:(r+1)*cols], x.data[r*cols:(r+1)*cols])
	}
	return out
}

// softmaxInto writes softmax(src) into dst. Subtracting the max keeps
// exp from overflowing.
func softmaxInto(dst, src []float64) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
