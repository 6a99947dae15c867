package metrics

import (
	"gonum.org/v1/gonum/floats"

	"lenet-forge/internal/tensor"
)

// Argmax returns the highest-scoring class of every row of scores [N,C].
// Ties resolve to the lowest class index.
func Argmax(scores *tensor.Tensor) []int {
	n := scores.Dim(0)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = floats.MaxIdx(scores.Row(i))
	}
	return out
}

// Correct counts rows whose arg-max class equals the label.
func Correct(scores *tensor.Tensor, labels []int) int {
	hits := 0
	for i, p := range Argmax(scores) {
		if p == labels[i] {
			hits++
		}
	}
	return hits
}

// Accuracy is Correct divided by the batch size, in [0,1].
func Accuracy(scores *tensor.Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	return float64(Correct(scores, labels)) / float64(len(labels))
}
