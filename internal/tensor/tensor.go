package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrShape reports a tensor whose shape does not match what an operation requires.
var ErrShape = errors.New("tensor: shape mismatch")

// Shape lists the dimensions of a tensor, outermost first.
type Shape []int

// Size is the number of scalars a tensor of this shape holds.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	s := append(Shape(nil), shape...)
	return &Tensor{Shape: s, Data: make([]float64, s.Size())}
}

// FromData wraps data without copying.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	s := append(Shape(nil), shape...)
	if s.Size() != len(data) {
		return nil, errors.Wrapf(ErrShape, "%d values do not fill shape %s", len(data), s)
	}
	return &Tensor{Shape: s, Data: data}, nil
}

// Dim returns dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Rank is the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append(Shape(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Zero resets all values to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Reshape returns a tensor sharing t's data under a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s := append(Shape(nil), shape...)
	if s.Size() != len(t.Data) {
		return nil, errors.Wrapf(ErrShape, "cannot reshape %s into %s", t.Shape, s)
	}
	return &Tensor{Shape: s, Data: t.Data}, nil
}

// Row returns the slice for index i along the leading dimension.
func (t *Tensor) Row(i int) []float64 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Slice returns rows [from, to) along the leading dimension, sharing data.
func (t *Tensor) Slice(from, to int) *Tensor {
	stride := len(t.Data) / t.Shape[0]
	shape := append(Shape{to - from}, t.Shape[1:]...)
	return &Tensor{Shape: shape, Data: t.Data[from*stride : to*stride]}
}

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name   string
	Tensor *Tensor
}
