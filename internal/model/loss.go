package model

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"lenet-forge/internal/tensor"
)

// softmaxCrossEntropy returns the summed cross-entropy of scores [N,C] against
// labels, and the gradient of (sum / norm) with respect to the scores.
func softmaxCrossEntropy(scores *tensor.Tensor, labels []int, norm int) (float64, *tensor.Tensor) {
	n := scores.Dim(0)
	grad := tensor.New(scores.Shape...)
	inv := 1 / float64(norm)
	total := 0.0
	for i := 0; i < n; i++ {
		z, g := scores.Row(i), grad.Row(i)
		maxZ := floats.Max(z)
		sum := 0.0
		for j, v := range z {
			e := math.Exp(v - maxZ)
			g[j] = e
			sum += e
		}
		logSum := maxZ + math.Log(sum)
		total += logSum - z[labels[i]]
		floats.Scale(inv/sum, g)
		g[labels[i]] -= inv
	}
	return total, grad
}

// CrossEntropy is the mean softmax cross-entropy of scores [N,C] against labels.
func CrossEntropy(scores *tensor.Tensor, labels []int) float64 {
	total, _ := softmaxCrossEntropy(scores, labels, len(labels))
	return total / float64(len(labels))
}
