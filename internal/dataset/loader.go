package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"lenet-forge/internal/tensor"
)

// Loader turns a Dataset into per-epoch sequences of Batches. A shuffling
// loader draws a new sample order on every Epoch call; otherwise dataset order
// is kept. A Loader and its Epochs must not be shared between goroutines.
type Loader struct {
	ds        Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewLoader validates its arguments; rng is required when shuffle is set.
func NewLoader(ds Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("loader: nil dataset")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", batchSize)
	}
	if shuffle && rng == nil {
		return nil, errors.New("loader: shuffle requires a random source")
	}
	return &Loader{ds: ds, batchSize: batchSize, shuffle: shuffle, rng: rng}, nil
}

// BatchSize is the size of every batch but possibly the last.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumSamples is the dataset size.
func (l *Loader) NumSamples() int { return l.ds.Len() }

// NumBatches is the number of batches one epoch yields.
func (l *Loader) NumBatches() int { return (l.ds.Len() + l.batchSize - 1) / l.batchSize }

// Epoch starts a new pass over the dataset.
func (l *Loader) Epoch() *Epoch {
	n := l.ds.Len()
	var order []int
	if l.shuffle {
		order = l.rng.Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	return &Epoch{loader: l, order: order}
}

// Epoch lazily assembles the batches of one pass.
type Epoch struct {
	loader *Loader
	order  []int
	pos    int
}

// Order returns a copy of the sample order of this pass.
func (e *Epoch) Order() []int { return append([]int(nil), e.order...) }

// Next returns the next batch, or ok=false once the pass is exhausted.
func (e *Epoch) Next() (batch Batch, ok bool, err error) {
	if e.pos >= len(e.order) {
		return Batch{}, false, nil
	}
	end := min(e.pos+e.loader.batchSize, len(e.order))
	idx := e.order[e.pos:end]
	e.pos = end

	var images *tensor.Tensor
	labels := make([]int, len(idx))
	for i, j := range idx {
		s, err := e.loader.ds.At(j)
		if err != nil {
			return Batch{}, false, errors.Wrapf(err, "sample %d", j)
		}
		if images == nil {
			shape := append(tensor.Shape{len(idx)}, s.Image.Shape...)
			images = tensor.New(shape...)
		}
		row := images.Row(i)
		if len(row) != len(s.Image.Data) {
			return Batch{}, false, errors.Wrapf(tensor.ErrShape, "sample %d has shape %s", j, s.Image.Shape)
		}
		copy(row, s.Image.Data)
		labels[i] = s.Label
	}
	return Batch{Images: images, Labels: labels}, true, nil
}
