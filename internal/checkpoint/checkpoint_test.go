package checkpoint

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/tensor"
)

func sampleTensors(t *testing.T) []tensor.Named {
	w, err := tensor.FromData([]float64{0.5, -1.25, 3, 0.1, 0, -0.75}, 2, 3)
	require.NoError(t, err)
	b, err := tensor.FromData([]float64{1, -2}, 2)
	require.NoError(t, err)
	return []tensor.Named{{Name: "fc.weight", Tensor: w}, {Name: "fc.bias", Tensor: b}}
}

func TestSaveLoadFloat32(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	in := sampleTensors(t)
	require.NoError(t, Save(path, in, Options{Metadata: map[string]string{"arch": "LeNet5"}}))

	st, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Float32, st.DType)
	assert.Equal(t, "LeNet5", st.Metadata["arch"])
	require.Len(t, st.Tensors, 2)
	assert.Equal(t, 8, st.NumValues())
	for i, named := range st.Tensors {
		assert.Equal(t, in[i].Name, named.Name)
		assert.Equal(t, in[i].Tensor.Shape, named.Tensor.Shape)
		for j, v := range in[i].Tensor.Data {
			assert.InDelta(t, v, named.Tensor.Data[j], 1e-7)
		}
	}
}

func TestSaveLoadFloat16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.ckpt")
	in := sampleTensors(t)
	require.NoError(t, Save(path, in, Options{DType: Float16}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	st, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Float16, st.DType)
	assert.InDelta(t, -1.25, st.Tensors[0].Tensor.Data[1], 1e-3)
	assert.InDelta(t, 0.1, st.Tensors[0].Tensor.Data[3], 1e-3)

	full := filepath.Join(t.TempDir(), "full.ckpt")
	require.NoError(t, Save(full, in, Options{DType: Float32}))
	fullInfo, err := os.Stat(full)
	require.NoError(t, err)
	assert.Less(t, info.Size(), fullInfo.Size())
}

func TestLoadRejectsCorrupt(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.ckpt")
	require.NoError(t, os.WriteFile(bad, []byte("not a checkpoint"), 0o644))
	_, err := Load(bad)
	assert.True(t, errors.Is(err, ErrCorrupt))

	good := filepath.Join(dir, "good.ckpt")
	require.NoError(t, Save(good, sampleTensors(t), Options{}))
	data, err := os.ReadFile(good)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.ckpt")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-4], 0o644))
	_, err = Load(truncated)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func rawCheckpoint(hdrLen uint32, hdr string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	_ = binary.Write(&buf, binary.LittleEndian, hdrLen)
	buf.WriteString(hdr)
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	payload := make([]byte, 8)
	tensorHeader := func(shape string, offset, count int) string {
		return `{"dtype":"float32","tensors":[{"name":"w","shape":` + shape +
			`,"offset":` + strconv.Itoa(offset) + `,"count":` + strconv.Itoa(count) + `}]}`
	}
	cases := []struct {
		name   string
		hdr    string
		hdrLen int
	}{
		{name: "negative dim", hdr: tensorHeader("[-1]", 0, -1)},
		{name: "negative dims cancel", hdr: tensorHeader("[-1,-2]", 0, 2)},
		{name: "count mismatch", hdr: tensorHeader("[3]", 0, 2)},
		{name: "past payload", hdr: tensorHeader("[2]", 4, 2)},
		{name: "negative offset", hdr: tensorHeader("[2]", -4, 2)},
		{name: "overflowing dims", hdr: tensorHeader("[4294967296,4294967296]", 0, 0)},
		{name: "huge count", hdr: tensorHeader("[1]", 0, 1<<40)},
		{name: "header length past end", hdr: tensorHeader("[2]", 0, 2), hdrLen: 1<<31 - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := uint32(len(tc.hdr))
			if tc.hdrLen != 0 {
				n = uint32(tc.hdrLen)
			}
			_, err := Decode(bytes.NewReader(rawCheckpoint(n, tc.hdr, payload)))
			assert.True(t, errors.Is(err, ErrCorrupt), "err=%v", err)
		})
	}

	hdr := tensorHeader("[2]", 0, 2)
	st, err := Decode(bytes.NewReader(rawCheckpoint(uint32(len(hdr)), hdr, payload)))
	require.NoError(t, err)
	require.Len(t, st.Tensors, 1)
	assert.Equal(t, tensor.Shape{2}, st.Tensors[0].Tensor.Shape)
}

func TestSaveRejectsDuplicates(t *testing.T) {
	in := sampleTensors(t)
	in[1].Name = in[0].Name
	assert.Error(t, Save(filepath.Join(t.TempDir(), "dup.ckpt"), in, Options{}))
}
