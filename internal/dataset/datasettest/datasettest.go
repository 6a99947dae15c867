// Package datasettest writes small synthetic MNIST files and shards for tests.
package datasettest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/dataset"
)

// Side is the width and height of synthetic images.
const Side = 28

// Synthetic returns n images with label i%10. Pixel 0 of image i holds i%256,
// so Index can recover which sample a batch row came from.
func Synthetic(n int, seed int64) (pixels [][]byte, labels []int) {
	rng := rand.New(rand.NewSource(seed))
	pixels = make([][]byte, n)
	labels = make([]int, n)
	for i := range pixels {
		labels[i] = i % dataset.NumClasses
		p := make([]byte, Side*Side)
		for j := range p {
			p[j] = byte(rng.Intn(64))
		}
		// A bright bar whose row depends on the label makes the task learnable.
		row := 2 + labels[i]*2
		for x := 4; x < Side-4; x++ {
			p[row*Side+x] = 255
		}
		p[0] = byte(i % 256)
		pixels[i] = p
	}
	return pixels, labels
}

// Index recovers the Synthetic sample index of row i of a batch normalized
// with dataset.DefaultTransform.
func Index(b dataset.Batch, i int) int {
	x := b.Images.Row(i)[0]
	return int(math.Round((x*dataset.DefaultTransform.Std + dataset.DefaultTransform.Mean) * 255))
}

var splitNames = map[string][2]string{
	"train": {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	"test":  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// GzipIDX encodes images and labels as gzipped IDX payloads.
func GzipIDX(t testing.TB, pixels [][]byte, labels []int) (images, lbls []byte) {
	t.Helper()
	var ib, lb bytes.Buffer
	iw := gzip.NewWriter(&ib)
	require.NoError(t, dataset.WriteImages(iw, Side, Side, pixels))
	require.NoError(t, iw.Close())
	lw := gzip.NewWriter(&lb)
	require.NoError(t, dataset.WriteLabels(lw, labels))
	require.NoError(t, lw.Close())
	return ib.Bytes(), lb.Bytes()
}

// FileNames returns the gzipped file names of a split.
func FileNames(split string) [2]string { return splitNames[split] }

// WriteMNIST writes a gzipped split under dataset.Dir(root).
func WriteMNIST(t testing.TB, root, split string, pixels [][]byte, labels []int) {
	t.Helper()
	dir := dataset.Dir(root)
	must.M(os.MkdirAll(dir, 0o755))
	images, lbls := GzipIDX(t, pixels, labels)
	names := splitNames[split]
	require.NoError(t, os.WriteFile(filepath.Join(dir, names[0]), images, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, names[1]), lbls, 0o644))
}

// PNG encodes gray pixels of a width x height image.
func PNG(t testing.TB, pix []byte, width, height int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: pix[y*width+x]})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// WriteShard writes a WebDataset tar shard of PNG images and .cls labels.
func WriteShard(t testing.TB, path string, records []dataset.ShardRecord) {
	t.Helper()
	must.M(os.MkdirAll(filepath.Dir(path), 0o755))
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add := func(name string, data []byte) {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	for _, rec := range records {
		add(rec.Key+".png", rec.Image)
		add(rec.Key+".cls", []byte(strconv.Itoa(rec.Label)))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
