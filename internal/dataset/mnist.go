package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultBaseURL serves the gzipped MNIST IDX files.
	DefaultBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	// DirName is the directory under the data root holding the MNIST files.
	DirName = "MNIST"

	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// maxImagePixels bounds the per-image size an IDX header may declare.
	maxImagePixels = 1 << 20
	// maxPrealloc bounds how many records are reserved from a header count.
	maxPrealloc = 1 << 16
)

var (
	// ErrDataUnavailable reports a split that is neither present locally nor fetchable.
	ErrDataUnavailable = errors.New("dataset: data unavailable")

	// ErrBadFormat reports malformed dataset files.
	ErrBadFormat = errors.New("dataset: bad format")
)

// UnavailableError carries the cause of an ErrDataUnavailable condition.
type UnavailableError struct {
	Split string
	Err   error
}

func (e *UnavailableError) Error() string {
	return "dataset: " + e.Split + " split unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDataUnavailable) hold.
func (e *UnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

// Split file names, without the .gz suffix.
var splitFiles = map[string][2]string{
	"train": {"train-images-idx3-ubyte", "train-labels-idx1-ubyte"},
	"test":  {"t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"},
}

// Splits lists the supported split names.
func Splits() []string { return []string{"train", "test"} }

// Dir is where the MNIST files live below a data root.
func Dir(root string) string { return filepath.Join(root, DirName) }

// OpenOptions controls how a split is located.
type OpenOptions struct {
	// Download fetches the dataset files when the split is absent.
	Download bool
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Checksums optionally maps gzipped file names to their sha256 hex digest.
	Checksums map[string]string
	// Progress shows a progress bar while downloading.
	Progress  bool
	Transform Normalize
	// Client fetches the files; http.DefaultClient when nil.
	Client *http.Client
}

// Open loads an MNIST split from Dir(root). A missing split is downloaded
// when opts.Download is set; otherwise the error matches ErrDataUnavailable.
func Open(root, split string, opts OpenOptions) (*InMemory, error) {
	names, ok := splitFiles[split]
	if !ok {
		return nil, errors.Errorf("dataset: unknown split %q", split)
	}
	if opts.Transform == (Normalize{}) {
		opts.Transform = DefaultTransform
	}
	dir := Dir(root)

	imagesPath, labelsPath, found, err := findSplitFiles(dir, names)
	if err != nil {
		return nil, err
	}
	if !found {
		if !opts.Download {
			return nil, &UnavailableError{Split: split, Err: errors.Errorf("no %s files under %s", split, dir)}
		}
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		if err := Download(baseURL, dir, DownloadOptions{Checksums: opts.Checksums, Progress: opts.Progress, Client: opts.Client}); err != nil {
			return nil, &UnavailableError{Split: split, Err: err}
		}
		if imagesPath, labelsPath, found, err = findSplitFiles(dir, names); err != nil {
			return nil, err
		}
		if !found {
			return nil, &UnavailableError{Split: split, Err: errors.Errorf("download left no %s files under %s", split, dir)}
		}
	}

	klog.V(1).Infof("dataset split=%s images=%s labels=%s", split, imagesPath, labelsPath)
	pixels, height, width, err := readImageFile(imagesPath)
	if err != nil {
		return nil, err
	}
	labels, err := readLabelFile(labelsPath)
	if err != nil {
		return nil, err
	}
	return NewInMemory(DirName+" "+split, height, width, pixels, labels, opts.Transform)
}

// openIDX opens a raw or gzipped IDX file.
func openIDX(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return struct {
			io.Reader
			io.Closer
		}{bufio.NewReader(f), f}, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrBadFormat, "gunzip %s: %v", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, closeBoth{zr, f}}, nil
}

type closeBoth [2]io.Closer

func (c closeBoth) Close() error {
	err := c[0].Close()
	if err2 := c[1].Close(); err == nil {
		err = err2
	}
	return err
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

func readImageFile(path string) ([][]byte, int, int, error) {
	r, err := openIDX(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()
	pixels, h, w, err := ReadImages(r)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "read %s", path)
	}
	return pixels, h, w, nil
}

func readLabelFile(path string) ([]int, error) {
	r, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	labels, err := ReadLabels(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return labels, nil
}

// ReadImages parses an IDX3 image stream.
func ReadImages(r io.Reader) (pixels [][]byte, height, width int, err error) {
	var hdr imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, errors.Wrapf(ErrBadFormat, "image header: %v", err)
	}
	if hdr.Magic != imageMagic || hdr.NumImages < 0 || hdr.Height <= 0 || hdr.Width <= 0 {
		return nil, 0, 0, errors.Wrapf(ErrBadFormat, "image header magic=%#x n=%d h=%d w=%d",
			hdr.Magic, hdr.NumImages, hdr.Height, hdr.Width)
	}
	size := int64(hdr.Height) * int64(hdr.Width)
	if size > maxImagePixels {
		return nil, 0, 0, errors.Wrapf(ErrBadFormat, "image size %dx%d too large", hdr.Height, hdr.Width)
	}
	n := int(hdr.NumImages)
	pixels = make([][]byte, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		img := make([]byte, size)
		if _, err := io.ReadFull(r, img); err != nil {
			return nil, 0, 0, errors.Wrapf(ErrBadFormat, "image %d of %d: %v", i, n, err)
		}
		pixels = append(pixels, img)
	}
	return pixels, int(hdr.Height), int(hdr.Width), nil
}

// ReadLabels parses an IDX1 label stream.
func ReadLabels(r io.Reader) ([]int, error) {
	var hdr labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrapf(ErrBadFormat, "label header: %v", err)
	}
	if hdr.Magic != labelMagic || hdr.NumLabels < 0 {
		return nil, errors.Wrapf(ErrBadFormat, "label header magic=%#x n=%d", hdr.Magic, hdr.NumLabels)
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(hdr.NumLabels)))
	if err != nil {
		return nil, errors.Wrapf(ErrBadFormat, "labels: %v", err)
	}
	if len(raw) != int(hdr.NumLabels) {
		return nil, errors.Wrapf(ErrBadFormat, "labels: got %d of %d", len(raw), hdr.NumLabels)
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

// WriteImages encodes images of the given size as an IDX3 stream.
func WriteImages(w io.Writer, height, width int, pixels [][]byte) error {
	hdr := imageFileHeader{Magic: imageMagic, NumImages: int32(len(pixels)), Height: int32(height), Width: int32(width)}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return err
	}
	for i, p := range pixels {
		if len(p) != height*width {
			return errors.Wrapf(ErrBadFormat, "image %d has %d pixels", i, len(p))
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// WriteLabels encodes labels as an IDX1 stream.
func WriteLabels(w io.Writer, labels []int) error {
	hdr := labelFileHeader{Magic: labelMagic, NumLabels: int32(len(labels))}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return err
	}
	raw := make([]byte, len(labels))
	for i, l := range labels {
		raw[i] = byte(l)
	}
	_, err := w.Write(raw)
	return err
}
