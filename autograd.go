package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward operations for the handful of primitives the transformer uses.
// Each forward op in tensor.go / model.go has a matching gradient here.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// EXAMPLE: Matrix Multiplication
//
// Forward: C = A @ B
// Backward:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
//
// ===========================================================================

import (
	"math"
)

// ignoreIndex marks label positions that do not contribute to the loss
// (padding, and anything else the collator wants to hide).
const ignoreIndex = -100

// MatMulBackward computes gradients for C = A @ B.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of the tanh-approximated GELU.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + geluCoeff*v*v*v)
		tanhInner := math.Tanh(inner)

		sech2 := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*geluCoeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*sech2*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes the gradient of a row-wise softmax.
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		yRow := y.data[r*cols : (r+1)*cols]
		gRow := gradY.data[r*cols : (r+1)*cols]

		dot := 0.0
		for c := range yRow {
			dot += gRow[c] * yRow[c]
		}
		for c := range yRow {
			gradX.data[r*cols+c] = yRow[c] * (gRow[c] - dot)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for y = gamma * (x - mean) / std + beta
// given the layer input x. Statistics are recomputed rather than cached.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows, features := x.shape[0], x.shape[1]
	n := float64(features)

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(gamma.shape...)

	xNorm := make([]float64, features)
	for r := 0; r < rows; r++ {
		xRow := x.data[r*features : (r+1)*features]
		gRow := gradY.data[r*features : (r+1)*features]

		mean, std := meanStd(xRow, epsilon)

		sumG := 0.0
		sumGX := 0.0
		for f, v := range xRow {
			xNorm[f] = (v - mean) / std
			gradGamma.data[f] += gRow[f] * xNorm[f]
			gradBeta.data[f] += gRow[f]

			g := gRow[f] * gamma.data[f]
			sumG += g
			sumGX += g * xNorm[f]
		}

		for f := range xRow {
			g := gRow[f] * gamma.data[f]
			gradX.data[r*features+f] = (n*g - sumG - xNorm[f]*sumGX) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// meanStd returns the mean and sqrt(variance + epsilon) of a row.
func meanStd(row []float64, epsilon float64) (float64, float64) {
	mean := 0.0
	for _, v := range row {
		mean += v
	}
	mean /= float64(len(row))

	variance := 0.0
	for _, v := range row {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(row))

	return mean, math.Sqrt(variance + epsilon)
}

// CrossEntropyLoss computes the summed next-token cross-entropy over the
// rows of logits whose target is not ignoreIndex, together with the
// gradient of (sum * scale) with respect to logits.
//
// Returning the sum and count instead of a mean lets the trainer
// normalize by the number of target tokens in the whole micro-batch.
func CrossEntropyLoss(logits *Tensor, targets []int, scale float64) (lossSum float64, count int, gradLogits *Tensor) {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss expects 2D logits")
	}

	rows, vocab := logits.shape[0], logits.shape[1]
	if len(targets) != rows {
		panic("CrossEntropyLoss: target length does not match logits")
	}

	gradLogits = NewTensor(rows, vocab)
	for r := 0; r < rows; r++ {
		target := targets[r]
		if target == ignoreIndex {
			continue
		}

		row := logits.data[r*vocab : (r+1)*vocab]
		probs := gradLogits.data[r*vocab : (r+1)*vocab]
		softmaxInto(probs, row)

		lossSum += -math.Log(math.Max(probs[target], 1e-300))
		count++

		probs[target] -= 1.0
		for v := range probs {
			probs[v] *= scale
		}
	}

	return lossSum, count, gradLogits
}

// AccumulateGrad adds grad into the tensor's gradient buffer. Frozen
// tensors ignore it.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !t.requiresGrad {
		return
	}
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
