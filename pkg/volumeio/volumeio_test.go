package volumeio

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crftune/internal/models"
)

func TestNIfTIRoundTrip(t *testing.T) {
	shape := models.Shape{X: 4, Y: 3, Z: 2}
	spacing := models.Spacing{X: 0.7, Y: 0.7, Z: 2.5}
	data := make([]float64, shape.Len())
	for i := range data {
		data[i] = float64(i*10 - 100)
	}

	for _, name := range []string{"scan.nii", "scan.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteNIfTI(path, data, shape, spacing))

			vol, err := LoadVolume(path)
			require.NoError(t, err)
			assert.Equal(t, shape, vol.Shape)
			assert.InDelta(t, 0.7, vol.Spacing.X, 1e-6)
			assert.InDelta(t, 2.5, vol.Spacing.Z, 1e-6)
			assert.Equal(t, data, vol.Data)
		})
	}
}

func TestNIfTIRejectsBadMagic(t *testing.T) {
	raw := make([]byte, niftiHeaderSize)
	binary.LittleEndian.PutUint32(raw, niftiHeaderSize)
	copy(raw[344:], "ni1\x00")

	_, err := DecodeNIfTI(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNpyFortranRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prob.npy")
	shape := []int{2, 2, 1, 3}
	data := []float64{0, 0.25, 0.5, 0.75, 1, 0.125, 0.375, 0.625, 0.875, 0.1, 0.2, 0.3}
	require.NoError(t, WriteNpy(path, data, shape, "<f8"))

	pv, err := LoadProbabilities(path)
	require.NoError(t, err)
	assert.Equal(t, 3, pv.Classes)
	assert.Equal(t, models.Shape{X: 2, Y: 2, Z: 1}, pv.Shape)
	assert.InDelta(t, 0.75, pv.At(3, 0), 1e-9)
	assert.InDelta(t, 0.1, pv.At(1, 2), 1e-7)
}

// npyStream builds a version 1.0 .npy stream around a raw header dictionary
func npyStream(t *testing.T, dict string, payload any) *bytes.Buffer {
	t.Helper()
	dict += string(bytes.Repeat([]byte(" "), 64-(10+len(dict)+1)%64)) + "\n"
	var buf bytes.Buffer
	buf.Write(npyio.Magic[:])
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(dict))))
	buf.WriteString(dict)
	if payload != nil {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, payload))
	}
	return &buf
}

func TestNpyCOrderIsTransposed(t *testing.T) {
	// shape (2, 3) in C order: row-major
	buf := npyStream(t, "{'descr': '<i4', 'fortran_order': False, 'shape': (2, 3), }", []int32{1, 2, 3, 4, 5, 6})

	arr, err := DecodeNpy(buf)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, arr.Shape)
	// first axis fastest: (0,0)=1 (1,0)=4 (0,1)=2 (1,1)=5 ...
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, arr.Data)
}

func TestNpyWriteIsReadableAsCOrder(t *testing.T) {
	shape := []int{2, 3, 2}
	data := make([]float64, 12)
	for i := range data {
		data[i] = float64(i)
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeNpy(&buf, data, shape, "|u1"))

	rd, err := npyio.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, shape, rd.Header.Descr.Shape)
	assert.False(t, rd.Header.Descr.Fortran)
	var raw []uint8
	require.NoError(t, rd.Read(&raw))
	// C order: element (1,0,0) is second-to-last axis stride 6 away
	assert.Equal(t, uint8(1), raw[6])

	arr, err := DecodeNpy(&buf)
	require.NoError(t, err)
	assert.Equal(t, shape, arr.Shape)
	assert.Equal(t, data, arr.Data)
}

func TestNpyRejectsMalformedHeaders(t *testing.T) {
	tests := []struct {
		name string
		buf  *bytes.Buffer
	}{
		{"negative dimension", npyStream(t, "{'descr': '<f8', 'fortran_order': True, 'shape': (4, -2), }", nil)},
		{"overflowing shape", npyStream(t, "{'descr': '<f8', 'fortran_order': True, 'shape': (4611686018427387904, 4611686018427387904), }", nil)},
		{"unknown dtype", npyStream(t, "{'descr': '<V7', 'fortran_order': True, 'shape': (2,), }", nil)},
		{"object dtype", npyStream(t, "{'descr': '|O', 'fortran_order': True, 'shape': (2,), }", nil)},
		{"short payload", npyStream(t, "{'descr': '<f4', 'fortran_order': True, 'shape': (4,), }", []float32{1, 2})},
		{"no magic", bytes.NewBufferString("not a numpy file at all")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNpy(tt.buf)
			assert.Error(t, err)
		})
	}
}

func TestNpyRejectsShapeMismatchOnWrite(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeNpy(&buf, []float64{1, 2, 3}, []int{2, 2}, "<f8")
	assert.ErrorIs(t, err, models.ErrShapeMismatch)

	err = EncodeNpy(&buf, []float64{1}, []int{1}, "<i2")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNIfTIRejectsMalformedHeaders(t *testing.T) {
	header := func(dims []int16, voxOff float32) []byte {
		raw := make([]byte, niftiHeaderSize)
		le := binary.LittleEndian
		le.PutUint32(raw, niftiHeaderSize)
		for i, d := range dims {
			le.PutUint16(raw[40+2*i:], uint16(d))
		}
		le.PutUint16(raw[70:], niftiFloat64)
		le.PutUint16(raw[72:], 64)
		le.PutUint32(raw[108:], math.Float32bits(voxOff))
		copy(raw[344:], "n+1\x00")
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"zero dimension", header([]int16{3, 4, 0, 2}, 352)},
		{"too many voxels", header([]int16{7, 32767, 32767, 32767, 32767, 32767, 32767, 32767}, 352)},
		{"negative offset", header([]int16{3, 2, 2, 2}, -1)},
		{"nan offset", header([]int16{3, 2, 2, 2}, float32(math.NaN()))},
		{"short payload", header([]int16{3, 2, 2, 2}, 352)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNIfTI(bytes.NewReader(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestLabelsRejectOutOfRange(t *testing.T) {
	arr := &Array{Data: []float64{0, 1, 300}, Shape: []int{3, 1, 1}, Spacing: models.UnitSpacing}
	_, err := arr.Labels()
	assert.Error(t, err)
}

func TestLoadUnknownExtension(t *testing.T) {
	_, err := Load("volume.mhd")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestHounsfieldToFloatDyn(t *testing.T) {
	in := []float64{-1000, 0, 1000}
	out := HounsfieldToFloatDyn(in)
	assert.InDeltaSlice(t, []float64{0, 0.5, 1}, out, 1e-12)
	assert.Equal(t, []float64{-1000, 0, 1000}, in, "input must not be modified")

	flat := HounsfieldToFloatDyn([]float64{7, 7, 7})
	for _, v := range flat {
		assert.False(t, math.IsNaN(v))
		assert.Zero(t, v)
	}
}
