// Package checkpoint stores named tensors in a single file: an 8-byte magic,
// a little-endian uint32 header length, a JSON header and the raw tensor data.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"lenet-forge/internal/tensor"
)

const magic = "LNCKPT01"

// ErrCorrupt reports a file that is not a readable checkpoint.
var ErrCorrupt = errors.New("checkpoint: corrupt file")

// DType is the on-disk scalar encoding.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

func (d DType) size() (int, error) {
	switch d {
	case Float32:
		return 4, nil
	case Float16:
		return 2, nil
	}
	return 0, errors.Errorf("checkpoint: unsupported dtype %q", d)
}

// Options controls Save.
type Options struct {
	DType    DType
	Metadata map[string]string
}

type entry struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Count  int    `json:"count"`
}

// fits reports whether the entry describes a non-negative shape whose
// values lie inside a payload of n bytes.
func (e entry) fits(n int64, width int) bool {
	if e.Count < 0 || e.Offset < 0 || e.Offset > n {
		return false
	}
	if int64(e.Count) > (n-e.Offset)/int64(width) {
		return false
	}
	if len(e.Shape) == 0 {
		return e.Count == 0
	}
	size := 1
	for _, d := range e.Shape {
		if d < 0 || (d > 0 && size > e.Count/d) {
			return false
		}
		size *= d
	}
	return size == e.Count
}

type header struct {
	DType    DType             `json:"dtype"`
	Tensors  []entry           `json:"tensors"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// State is a loaded checkpoint.
type State struct {
	DType    DType
	Tensors  []tensor.Named
	Metadata map[string]string
}

// NumValues is the total number of scalars stored.
func (s *State) NumValues() int {
	n := 0
	for _, t := range s.Tensors {
		n += len(t.Tensor.Data)
	}
	return n
}

// Save writes tensors to path, replacing any existing file only once the new
// one is complete.
func Save(path string, tensors []tensor.Named, opts Options) error {
	if opts.DType == "" {
		opts.DType = Float32
	}
	width, err := opts.DType.size()
	if err != nil {
		return err
	}
	hdr := header{DType: opts.DType, Metadata: opts.Metadata}
	var offset int64
	seen := map[string]bool{}
	for _, t := range tensors {
		if seen[t.Name] {
			return errors.Errorf("checkpoint: duplicate tensor %q", t.Name)
		}
		seen[t.Name] = true
		hdr.Tensors = append(hdr.Tensors, entry{Name: t.Name, Shape: t.Tensor.Shape, Offset: offset, Count: len(t.Tensor.Data)})
		offset += int64(len(t.Tensor.Data) * width)
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return errors.Wrap(err, "checkpoint: encode header")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "checkpoint: create dir for %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "checkpoint: create temporary file for %s", path)
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(magic); err != nil {
		return errors.Wrap(err, "checkpoint: write magic")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return errors.Wrap(err, "checkpoint: write header length")
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return errors.Wrap(err, "checkpoint: write header")
	}
	buf := make([]byte, width)
	for _, t := range tensors {
		for _, v := range t.Tensor.Data {
			encode(opts.DType, buf, v)
			if _, err := w.Write(buf); err != nil {
				return errors.Wrapf(err, "checkpoint: write %s", t.Name)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "checkpoint: flush %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "checkpoint: sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "checkpoint: close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "checkpoint: rename into %s", path)
	}
	tmp = nil
	return nil
}

func encode(d DType, buf []byte, v float64) {
	switch d {
	case Float16:
		binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
	default:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	}
}

func decode(d DType, buf []byte) float64 {
	switch d {
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(buf)).Float32())
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}
}

// Load reads a checkpoint written by Save.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: read %s", path)
	}
	return Decode(bytes.NewReader(data))
}

// Decode parses a checkpoint stream.
func Decode(r io.Reader) (*State, error) {
	var m [len(magic)]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || string(m[:]) != magic {
		return nil, errors.Wrap(ErrCorrupt, "bad magic")
	}
	var hdrLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "missing header length")
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: read data")
	}
	if uint64(hdrLen) > uint64(len(rest)) {
		return nil, errors.Wrapf(ErrCorrupt, "header length %d exceeds %d remaining bytes", hdrLen, len(rest))
	}
	var hdr header
	if err := json.Unmarshal(rest[:hdrLen], &hdr); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "header: %v", err)
	}
	width, err := hdr.DType.size()
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%v", err)
	}
	payload := rest[hdrLen:]

	st := &State{DType: hdr.DType, Metadata: hdr.Metadata}
	for _, e := range hdr.Tensors {
		if !e.fits(int64(len(payload)), width) {
			return nil, errors.Wrapf(ErrCorrupt, "tensor %q shape %v count %d offset %d out of bounds",
				e.Name, e.Shape, e.Count, e.Offset)
		}
		t := tensor.New(e.Shape...)
		for i := range t.Data {
			pos := e.Offset + int64(i*width)
			t.Data[i] = decode(hdr.DType, payload[pos:pos+int64(width)])
		}
		st.Tensors = append(st.Tensors, tensor.Named{Name: e.Name, Tensor: t})
	}
	return st, nil
}
