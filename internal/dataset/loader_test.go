package dataset_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/dataset"
	"lenet-forge/internal/dataset/datasettest"
)

func newSynthetic(t *testing.T, n int) *dataset.InMemory {
	t.Helper()
	pixels, labels := datasettest.Synthetic(n, 3)
	ds, err := dataset.NewInMemory("synthetic", datasettest.Side, datasettest.Side, pixels, labels, dataset.DefaultTransform)
	require.NoError(t, err)
	return ds
}

func epochIndices(t *testing.T, e *dataset.Epoch) (indices []int, sizes []int) {
	t.Helper()
	for {
		b, ok, err := e.Next()
		require.NoError(t, err)
		if !ok {
			return indices, sizes
		}
		require.Equal(t, []int{b.Len(), 1, 28, 28}, []int(b.Images.Shape))
		sizes = append(sizes, b.Len())
		for i := 0; i < b.Len(); i++ {
			idx := datasettest.Index(b, i)
			indices = append(indices, idx)
			require.Equal(t, idx%10, b.Labels[i])
		}
	}
}

func TestLoaderPartialLastBatch(t *testing.T) {
	loader, err := dataset.NewLoader(newSynthetic(t, 37), 16, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())

	indices, sizes := epochIndices(t, loader.Epoch())
	assert.Equal(t, []int{16, 16, 5}, sizes)
	require.Len(t, indices, 37)
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}
}

func TestLoaderShuffleRestarts(t *testing.T) {
	ds := newSynthetic(t, 32)
	train, err := dataset.NewLoader(ds, 16, true, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	test, err := dataset.NewLoader(ds, 32, false, nil)
	require.NoError(t, err)

	first, _ := epochIndices(t, train.Epoch())
	second, _ := epochIndices(t, train.Epoch())
	assert.NotEqual(t, first, second, "train order should change between epochs")
	assert.ElementsMatch(t, first, second)

	a, _ := epochIndices(t, test.Epoch())
	b, _ := epochIndices(t, test.Epoch())
	assert.Equal(t, a, b)
}

func TestNewLoaderValidates(t *testing.T) {
	ds := newSynthetic(t, 4)
	_, err := dataset.NewLoader(ds, 0, false, nil)
	assert.Error(t, err)
	_, err = dataset.NewLoader(ds, 2, true, nil)
	assert.Error(t, err)
	_, err = dataset.NewInMemory("bad", 28, 28, [][]byte{make([]byte, 10)}, []int{1}, dataset.DefaultTransform)
	assert.Error(t, err)
}
