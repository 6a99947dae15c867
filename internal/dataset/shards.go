package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("shards: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ShardRecord is one image/label pair read from a WebDataset shard.
type ShardRecord struct {
	Key   string
	Image []byte
	Label int
}

// ReadShard pairs `<key>.{png,jpg,jpeg}` with `<key>.cls` entries of the tar
// shard at path and calls fn for each completed pair, in completion order.
func ReadShard(ctx context.Context, path string, pendingCap int, fn func(ShardRecord) error) error {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open shard")
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read tar %s", path)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrapf(err, "read image %s", name)
			}
			pendingFor(pending, key).image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrapf(err, "read label %s", name)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return errors.Wrapf(ErrBadFormat, "parse label %s: %v", name, err)
			}
			pendingFor(pending, key).label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}
		if part := pending[key]; part.ready() {
			delete(pending, key)
			if err := fn(ShardRecord{Key: key, Image: part.image, Label: *part.label}); err != nil {
				return err
			}
		}
	}
	if len(pending) > 0 {
		return errors.Wrapf(ErrBadFormat, "%s: %d samples incomplete", path, len(pending))
	}
	return nil
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return p != nil && len(p.image) > 0 && p.label != nil
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

// LoadShards decodes every record of the shards into a 28x28 grayscale
// in-memory dataset, in path order and record order within a shard.
func LoadShards(ctx context.Context, name string, paths []string, opts ShardOptions) (*InMemory, error) {
	if len(paths) == 0 {
		return nil, &UnavailableError{Split: name, Err: errors.New("no shards")}
	}
	if opts.Transform == (Normalize{}) {
		opts.Transform = DefaultTransform
	}
	const side = 28
	shards, err := decodeShards(ctx, paths, side, opts)
	if err != nil {
		return nil, err
	}
	var pixels [][]byte
	var labels []int
	for _, d := range shards {
		pixels = append(pixels, d.pixels...)
		labels = append(labels, d.labels...)
	}
	return NewInMemory(name, side, side, pixels, labels, opts.Transform)
}

// decodeGray decodes an encoded image into width*height 8-bit gray values.
func decodeGray(data []byte, width, height int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrBadFormat, "%v", err)
	}
	gray := imaging.Grayscale(img)
	if gray.Bounds().Dx() != width || gray.Bounds().Dy() != height {
		gray = imaging.Resize(gray, width, height, imaging.Lanczos)
	}
	return grayPixels(gray), nil
}

func grayPixels(img *image.NRGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, row[x*4])
		}
	}
	return out
}
