package dataset

import (
	"github.com/pkg/errors"

	"lenet-forge/internal/tensor"
)

// NumClasses is the size of the digit label set.
const NumClasses = 10

// Sample is one normalized image [1,H,W] and its class label.
type Sample struct {
	Image *tensor.Tensor
	Label int
}

// Batch stacks N samples into images [N,1,H,W] and labels [N].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Len is the number of samples in the batch.
func (b Batch) Len() int { return len(b.Labels) }

// Dataset is a finite, indexable collection of samples.
type Dataset interface {
	Len() int
	At(i int) (Sample, error)
}

// Normalize maps a raw pixel p to ((p/255) - Mean) / Std.
type Normalize struct {
	Mean float64
	Std  float64
}

// DefaultTransform maps pixels into [-1, 1].
var DefaultTransform = Normalize{Mean: 0.5, Std: 0.5}

// Apply writes the normalized pixels into dst, which must be at least len(pix) long.
func (n Normalize) Apply(dst []float64, pix []byte) {
	for i, p := range pix {
		dst[i] = (float64(p)/255 - n.Mean) / n.Std
	}
}

// InMemory holds raw 8-bit grayscale images and applies the transform on access.
type InMemory struct {
	name          string
	height, width int
	pixels        [][]byte
	labels        []int
	transform     Normalize
}

var _ Dataset = (*InMemory)(nil)

// NewInMemory validates and wraps images and labels. The slices are retained,
// not copied, and must not be modified afterwards.
func NewInMemory(name string, height, width int, pixels [][]byte, labels []int, transform Normalize) (*InMemory, error) {
	if len(pixels) != len(labels) {
		return nil, errors.Errorf("dataset %s: %d images but %d labels", name, len(pixels), len(labels))
	}
	if transform.Std == 0 {
		return nil, errors.Errorf("dataset %s: transform std must be non-zero", name)
	}
	for i, p := range pixels {
		if len(p) != height*width {
			return nil, errors.Wrapf(ErrBadFormat, "dataset %s: image %d has %d pixels, want %d", name, i, len(p), height*width)
		}
		if labels[i] < 0 || labels[i] >= NumClasses {
			return nil, errors.Wrapf(ErrBadFormat, "dataset %s: label %d at %d outside [0,%d)", name, labels[i], i, NumClasses)
		}
	}
	return &InMemory{
		name:      name,
		height:    height,
		width:     width,
		pixels:    pixels,
		labels:    labels,
		transform: transform,
	}, nil
}

// Name identifies the dataset in logs.
func (d *InMemory) Name() string { return d.name }

// Len implements Dataset.
func (d *InMemory) Len() int { return len(d.labels) }

// Shape is the per-sample image shape [1,H,W].
func (d *InMemory) Shape() tensor.Shape { return tensor.Shape{1, d.height, d.width} }

// Raw returns the untransformed pixels of sample i; callers must not modify them.
func (d *InMemory) Raw(i int) []byte { return d.pixels[i] }

// At implements Dataset.
func (d *InMemory) At(i int) (Sample, error) {
	if i < 0 || i >= len(d.labels) {
		return Sample{}, errors.Errorf("dataset %s: index %d out of range [0,%d)", d.name, i, len(d.labels))
	}
	img := tensor.New(1, d.height, d.width)
	d.transform.Apply(img.Data, d.pixels[i])
	return Sample{Image: img, Label: d.labels[i]}, nil
}
