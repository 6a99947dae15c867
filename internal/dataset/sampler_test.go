package dataset_test

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/dataset"
	"lenet-forge/internal/dataset/datasettest"
)

func TestInterleaveRootsDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"},
		"/rootB": {"/rootB/shard-000001.tar"},
		"/empty": nil,
	}
	order1 := dataset.InterleaveRoots(roots, rand.New(rand.NewSource(7)))
	order2 := dataset.InterleaveRoots(roots, rand.New(rand.NewSource(7)))
	assert.Equal(t, order1, order2)
	require.Len(t, order1, 3)
	assert.NotEqual(t, filepath.Dir(order1[0]), filepath.Dir(order1[1]))

	plain := dataset.InterleaveRoots(roots, nil)
	assert.Equal(t, []string{"/rootA/shard-000000.tar", "/rootB/shard-000001.tar", "/rootA/shard-000002.tar"}, plain)
	assert.Equal(t, []string{"/rootA/shard-000000.tar", "/rootA/shard-000002.tar"}, roots["/rootA"])
}

func TestLoadShardsParallelKeepsPathOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for s := 0; s < 5; s++ {
		var recs []dataset.ShardRecord
		for r := 0; r < 3; r++ {
			pix := make([]byte, 28*28)
			pix[0] = byte(s*3 + r)
			recs = append(recs, dataset.ShardRecord{
				Key:   fmt.Sprintf("%02d%02d", s, r),
				Image: datasettest.PNG(t, pix, 28, 28),
				Label: (s*3 + r) % 10,
			})
		}
		path := filepath.Join(dir, fmt.Sprintf("shard-%06d.tar", s))
		datasettest.WriteShard(t, path, recs)
		paths = append(paths, path)
	}

	ds, err := dataset.LoadShards(context.Background(), "shards", paths, dataset.ShardOptions{Workers: 4})
	require.NoError(t, err)
	require.Equal(t, 15, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		s, err := ds.At(i)
		require.NoError(t, err)
		assert.Equal(t, i%10, s.Label)
		assert.Equal(t, byte(i), ds.Raw(i)[0])
	}
}

func TestLoadShardsReportsBadShard(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "shard-000000.tar")
	bad := filepath.Join(dir, "shard-000001.tar")
	datasettest.WriteShard(t, good, []dataset.ShardRecord{{Key: "a", Image: datasettest.PNG(t, make([]byte, 28*28), 28, 28), Label: 1}})
	datasettest.WriteShard(t, bad, []dataset.ShardRecord{{Key: "b", Image: []byte("not an image"), Label: 2}})

	_, err := dataset.LoadShards(context.Background(), "shards", []string{good, bad}, dataset.ShardOptions{Workers: 2})
	assert.ErrorIs(t, err, dataset.ErrBadFormat)
}
