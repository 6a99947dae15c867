package model

import (
	"lenet-forge/internal/tensor"
)

// NumClasses is the number of digit classes scored by the model.
const NumClasses = 10

// Param is a learnable tensor and the gradient accumulated for it.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: tensor.New(shape...), Grad: tensor.New(shape...)}
}

// StageInfo describes one stage of the model's pipeline with per-sample shapes.
type StageInfo struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"`
	In     tensor.Shape `json:"in"`
	Out    tensor.Shape `json:"out"`
	Params int          `json:"params"`
}

// StepOutput is what one forward/backward pass over a batch produced.
type StepOutput struct {
	Scores *tensor.Tensor
	Loss   float64
}

// Model defines the functionality the training loop needs from a classifier.
type Model interface {
	Forward(images *tensor.Tensor) (*tensor.Tensor, error)
	ForwardBackward(images *tensor.Tensor, labels []int, workers int) (StepOutput, error)
	Params() []*Param
}
