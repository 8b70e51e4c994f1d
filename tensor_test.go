package main

import (
	"math"
	"math/rand"
	"testing"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	if shape := tensor.Shape(); len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", shape)
	}
	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)

	if v := tensor.At(0, 0); v != 1.5 {
		t.Errorf("expected 1.5, got %f", v)
	}
	if v := tensor.At(1, 2); v != 2.5 {
		t.Errorf("expected 2.5, got %f", v)
	}
	if tensor.RequiresGrad() || tensor.GradAt(0, 0) != 0 {
		t.Errorf("plain tensors should not carry gradients")
	}
}

func TestNewTensorPanicsOnBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic for zero dimension")
		}
	}()
	NewTensor(2, 0)
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	// [1 2 3]   [1 2]   [22 28]
	// [4 5 6] @ [3 4] = [49 64]
	//           [5 6]
	c := MatMul(a, b)
	want := []float64{22, 28, 49, 64}
	for i, w := range want {
		if c.data[i] != w {
			t.Errorf("c[%d] = %f, want %f", i, c.data[i], w)
		}
	}
}

func TestParallelMatMulMatchesSingleThreaded(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := NewParameterNormal(rng, 1, 37, 19)
	b := NewParameterNormal(rng, 1, 19, 23)

	parallel := DefaultComputeConfig()
	parallel.NumWorkers = 4
	parallel.MinSizeForParallel = 1

	got := ParallelMatMul(a, b, parallel)
	want := ParallelMatMul(a, b, SingleThreadedConfig())
	for i := range want.data {
		if math.Abs(got.data[i]-want.data[i]) > 1e-12 {
			t.Fatalf("entry %d: parallel %f, single %f", i, got.data[i], want.data[i])
		}
	}
}

// TestTranspose tests matrix transpose.
func TestTranspose(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	at := Transpose(a)

	if at.shape[0] != 3 || at.shape[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", at.shape)
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if a.At(i, j) != at.At(j, i) {
				t.Errorf("transpose mismatch at (%d,%d)", i, j)
			}
		}
	}
}

// TestSoftmax tests softmax activation.
func TestSoftmax(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	out := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for _, v := range out.Row(r) {
			sum += v
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Errorf("row %d sums to %f", r, sum)
		}
	}
	if math.Abs(out.At(1, 0)-1.0/3.0) > 1e-12 {
		t.Errorf("large equal logits should give uniform probabilities, got %f", out.At(1, 0))
	}
}

func TestGELU(t *testing.T) {
	out := GELU(NewTensorFrom([]float64{0, 1, -1}, 3))
	if out.data[0] != 0 {
		t.Errorf("GELU(0) = %f", out.data[0])
	}
	if math.Abs(out.data[1]-0.8411920) > 1e-6 {
		t.Errorf("GELU(1) = %f", out.data[1])
	}
	if math.Abs(out.data[2]+0.1588080) > 1e-6 {
		t.Errorf("GELU(-1) = %f", out.data[2])
	}
}

func TestSetRequiresGrad(t *testing.T) {
	p := NewParameter(3)
	p.grad[0] = 5

	p.SetRequiresGrad(false)
	if p.grad != nil || p.RequiresGrad() {
		t.Errorf("freezing should drop the gradient buffer")
	}

	p.AccumulateGrad(NewTensorFrom([]float64{1, 1, 1}, 3))
	if p.grad != nil {
		t.Errorf("frozen tensor accumulated a gradient")
	}

	p.SetRequiresGrad(true)
	if len(p.grad) != 3 || p.grad[0] != 0 {
		t.Errorf("unfreezing should allocate a zero gradient, got %v", p.grad)
	}
}
