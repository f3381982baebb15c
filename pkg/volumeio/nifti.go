package volumeio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"crftune/internal/models"
)

const niftiHeaderSize = 348

// maxVoxOffset bounds the extension block skipped before the voxel data
const maxVoxOffset = 1 << 30

// NIfTI-1 datatype codes
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

// niftiHeader holds the fields of the 348-byte NIfTI-1 header that crftune uses
type niftiHeader struct {
	Dim      [8]int16
	Datatype int16
	Bitpix   int16
	Pixdim   [8]float32
	VoxOff   float32
	SclSlope float32
	SclInter float32
}

// ReadNIfTI reads a single-file NIfTI-1 volume (.nii or .nii.gz)
func ReadNIfTI(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	arr, err := DecodeNIfTI(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return arr, nil
}

// DecodeNIfTI decodes a NIfTI-1 stream
func DecodeNIfTI(r io.Reader) (*Array, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading nifti header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == niftiHeaderSize:
	case binary.BigEndian.Uint32(raw[0:4]) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad nifti sizeof_hdr", ErrUnsupportedFormat)
	}
	if magic := string(raw[344:347]); magic != "n+1" {
		return nil, fmt.Errorf("%w: nifti magic %q, only single-file volumes are supported", ErrUnsupportedFormat, magic)
	}

	var hdr niftiHeader
	for i := range hdr.Dim {
		hdr.Dim[i] = int16(order.Uint16(raw[40+2*i:]))
	}
	hdr.Datatype = int16(order.Uint16(raw[70:]))
	hdr.Bitpix = int16(order.Uint16(raw[72:]))
	for i := range hdr.Pixdim {
		hdr.Pixdim[i] = math.Float32frombits(order.Uint32(raw[76+4*i:]))
	}
	hdr.VoxOff = math.Float32frombits(order.Uint32(raw[108:]))
	hdr.SclSlope = math.Float32frombits(order.Uint32(raw[112:]))
	hdr.SclInter = math.Float32frombits(order.Uint32(raw[116:]))

	rank := int(hdr.Dim[0])
	if rank < 1 || rank > 7 {
		return nil, fmt.Errorf("%w: nifti rank %d", ErrUnsupportedFormat, rank)
	}
	shape := make([]int, rank)
	for i := 0; i < rank; i++ {
		shape[i] = int(hdr.Dim[i+1])
		if shape[i] <= 0 {
			return nil, fmt.Errorf("%w: nifti dimension %d is %d", ErrUnsupportedFormat, i+1, shape[i])
		}
	}
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	voxOff := float64(hdr.VoxOff)
	if math.IsNaN(voxOff) || voxOff < 0 || voxOff > maxVoxOffset {
		return nil, fmt.Errorf("%w: nifti vox_offset %v", ErrUnsupportedFormat, hdr.VoxOff)
	}
	// skip extensions up to vox_offset
	if skip := int64(voxOff) - niftiHeaderSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skipping nifti extensions: %w", err)
		}
	}

	kind, size, err := niftiElement(hdr.Datatype)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n*size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short nifti payload: %w", err)
	}

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	data := make([]float64, n)
	for i := range data {
		v, err := decodeElement(payload[i*size:(i+1)*size], kind, size, order)
		if err != nil {
			return nil, err
		}
		if scaled {
			v = v*slope + inter
		}
		data[i] = v
	}

	spacing := models.UnitSpacing
	if rank >= 3 {
		spacing = models.Spacing{
			X: positiveOr(hdr.Pixdim[1], 1),
			Y: positiveOr(hdr.Pixdim[2], 1),
			Z: positiveOr(hdr.Pixdim[3], 1),
		}
	}

	return &Array{Data: data, Shape: shape, Spacing: spacing}, nil
}

func positiveOr(v float32, def float64) float64 {
	if v > 0 && !math.IsInf(float64(v), 0) {
		return float64(v)
	}
	return def
}

func niftiElement(datatype int16) (byte, int, error) {
	switch datatype {
	case niftiUint8:
		return 'u', 1, nil
	case niftiInt8:
		return 'i', 1, nil
	case niftiInt16:
		return 'i', 2, nil
	case niftiUint16:
		return 'u', 2, nil
	case niftiInt32:
		return 'i', 4, nil
	case niftiUint32:
		return 'u', 4, nil
	case niftiFloat32:
		return 'f', 4, nil
	case niftiFloat64:
		return 'f', 8, nil
	}
	return 0, 0, fmt.Errorf("%w: nifti datatype %d", ErrUnsupportedFormat, datatype)
}

func decodeElement(b []byte, kind byte, size int, order binary.ByteOrder) (float64, error) {
	switch {
	case kind == 'f' && size == 4:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case kind == 'f' && size == 8:
		return math.Float64frombits(order.Uint64(b)), nil
	case kind == 'u' && size == 1:
		return float64(b[0]), nil
	case kind == 'i' && size == 1:
		return float64(int8(b[0])), nil
	case kind == 'u' && size == 2:
		return float64(order.Uint16(b)), nil
	case kind == 'i' && size == 2:
		return float64(int16(order.Uint16(b))), nil
	case kind == 'u' && size == 4:
		return float64(order.Uint32(b)), nil
	case kind == 'i' && size == 4:
		return float64(int32(order.Uint32(b))), nil
	}
	return 0, fmt.Errorf("%w: nifti element %c%d", ErrUnsupportedFormat, kind, size)
}

// WriteNIfTI stores a rank-3 volume as an uncompressed little-endian float32 NIfTI-1 file,
// or gzip-compressed when path ends in .gz
func WriteNIfTI(path string, data []float64, shape models.Shape, spacing models.Spacing) error {
	var buf bytes.Buffer
	if err := EncodeNIfTI(&buf, data, shape, spacing); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := buf.WriteTo(w); err != nil {
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// EncodeNIfTI writes a NIfTI-1 header followed by float32 samples
func EncodeNIfTI(w io.Writer, data []float64, shape models.Shape, spacing models.Spacing) error {
	if len(data) != shape.Len() {
		return fmt.Errorf("%w: %d samples for shape %s", models.ErrShapeMismatch, len(data), shape)
	}

	hdr := make([]byte, niftiHeaderSize+4)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], niftiHeaderSize)
	dims := []int16{3, int16(shape.X), int16(shape.Y), int16(shape.Z), 1, 1, 1, 1}
	for i, d := range dims {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], niftiFloat32)
	le.PutUint16(hdr[72:], 32)
	pix := []float32{1, float32(spacing.X), float32(spacing.Y), float32(spacing.Z), 1, 1, 1, 1}
	for i, p := range pix {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(p))
	}
	le.PutUint32(hdr[108:], math.Float32bits(float32(niftiHeaderSize+4)))
	le.PutUint32(hdr[112:], math.Float32bits(1))
	copy(hdr[344:], "n+1\x00")

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	sample := make([]byte, 4)
	for _, v := range data {
		le.PutUint32(sample, math.Float32bits(float32(v)))
		if _, err := w.Write(sample); err != nil {
			return err
		}
	}
	return nil
}
