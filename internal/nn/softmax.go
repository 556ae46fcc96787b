package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaskedSoftmax writes the softmax of src into dst.
//
// Entries equal to -Inf are treated as masked out: they receive probability
// 0 and do not contribute to the normaliser. A row with no finite entry
// produces all zeros.
//
//	softmax(x)_i = exp(x_i - max(x)) / Σ_j exp(x_j - max(x))
//
// dst and src may alias.
func MaskedSoftmax(dst, src []float64) {
	if len(dst) != len(src) {
		panic("MaskedSoftmax: length mismatch")
	}
	if len(src) == 0 {
		return
	}
	maxVal := floats.Max(src)
	if math.IsInf(maxVal, -1) || math.IsNaN(maxVal) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	sum := 0.0
	for i, v := range src {
		if math.IsInf(v, -1) {
			dst[i] = 0
			continue
		}
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
}

// SoftmaxBackward computes the input gradient of a softmax row.
//
// Given the cached softmax output p and the output gradient g:
//
//	∂L/∂x_j = p_j * (g_j - Σ_i g_i p_i)
//
// Masked entries (p_j == 0) receive zero gradient.
func SoftmaxBackward(dst, probs, grad []float64) {
	if len(dst) != len(probs) || len(probs) != len(grad) {
		panic("SoftmaxBackward: length mismatch")
	}
	dot := floats.Dot(grad, probs)
	for j, p := range probs {
		dst[j] = p * (grad[j] - dot)
	}
}

// LogSumExp returns log Σ exp(x_i) over the finite entries of x.
// Returns -Inf when no entry is finite.
func LogSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	maxVal := floats.Max(x)
	if math.IsInf(maxVal, -1) || math.IsNaN(maxVal) {
		return math.Inf(-1)
	}
	sum := 0.0
	for _, v := range x {
		if math.IsInf(v, -1) {
			continue
		}
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}
