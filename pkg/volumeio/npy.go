package volumeio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/sbinet/npyio"

	"crftune/internal/models"
)

// maxElements bounds the element count a header may announce before anything
// is allocated
const maxElements = 1 << 31

// ReadNpy reads a NumPy .npy file. The returned array is first-axis fastest
// regardless of the order stored in the file.
func ReadNpy(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	arr, err := DecodeNpy(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return arr, nil
}

// DecodeNpy decodes an .npy stream
func DecodeNpy(r io.Reader) (arr *Array, err error) {
	defer func() {
		// npyio slices the header dictionary without bounds checks
		if p := recover(); p != nil {
			arr, err = nil, fmt.Errorf("%w: malformed npy header: %v", ErrUnsupportedFormat, p)
		}
	}()

	rd, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	descr := rd.Header.Descr
	n, err := elementCount(descr.Shape)
	if err != nil {
		return nil, err
	}

	values, err := readValues(rd, descr.Type, n)
	if err != nil {
		return nil, err
	}

	arr = &Array{Shape: append([]int(nil), descr.Shape...), Spacing: models.UnitSpacing}
	if descr.Fortran || len(descr.Shape) <= 1 {
		arr.Data = values
	} else {
		arr.Data = cToFortran(values, descr.Shape)
	}
	return arr, nil
}

// elementCount multiplies out shape, rejecting negative and oversized dimensions
func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in shape %v", ErrUnsupportedFormat, shape)
		}
		if d > 0 && n > maxElements/d {
			return 0, fmt.Errorf("%w: shape %v is too large", ErrUnsupportedFormat, shape)
		}
		n *= d
	}
	return n, nil
}

// readValues reads n elements of the on-disk dtype and widens them to float64
func readValues(rd *npyio.Reader, dtype string, n int) ([]float64, error) {
	rt := npyio.TypeFrom(dtype)
	if rt == nil {
		return nil, fmt.Errorf("%w: npy dtype %s", ErrUnsupportedFormat, dtype)
	}
	if n == 0 {
		return []float64{}, nil
	}

	switch rt.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
	default:
		return nil, fmt.Errorf("%w: npy dtype %s", ErrUnsupportedFormat, dtype)
	}

	ptr := reflect.New(reflect.SliceOf(rt))
	ptr.Elem().Set(reflect.MakeSlice(reflect.SliceOf(rt), n, n))
	if err := rd.Read(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("short npy payload: %w", err)
	}

	src := ptr.Elem()
	out := make([]float64, n)
	for i := range out {
		out[i] = toFloat(src.Index(i))
	}
	return out, nil
}

func toFloat(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	default:
		return v.Float()
	}
}

// cToFortran reorders a last-axis-fastest buffer into first-axis-fastest order
func cToFortran(values []float64, shape []int) []float64 {
	out := make([]float64, len(values))
	forEachCIndex(shape, func(c, f int) { out[f] = values[c] })
	return out
}

// fortranToC is the inverse of cToFortran
func fortranToC(values []float64, shape []int) []float64 {
	out := make([]float64, len(values))
	forEachCIndex(shape, func(c, f int) { out[c] = values[f] })
	return out
}

// forEachCIndex walks every element in C order, passing its C-order and
// Fortran-order offsets
func forEachCIndex(shape []int, fn func(c, f int)) {
	rank := len(shape)
	n := 1
	for _, d := range shape {
		n *= d
	}
	if rank == 0 || n == 0 {
		return
	}

	fstride := make([]int, rank)
	fstride[0] = 1
	for k := 1; k < rank; k++ {
		fstride[k] = fstride[k-1] * shape[k-1]
	}

	idx := make([]int, rank)
	for c := 0; c < n; c++ {
		off := 0
		for k := 0; k < rank; k++ {
			off += idx[k] * fstride[k]
		}
		fn(c, off)

		for k := rank - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
}

// WriteNpy stores first-axis-fastest data as a .npy file with the given shape.
// dtype is "<f4", "<f8" or "|u1".
func WriteNpy(path string, data []float64, shape []int, dtype string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := EncodeNpy(w, data, shape, dtype); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeNpy writes data as a C-ordered .npy stream. npyio derives the shape from
// nested fixed-size arrays, so the samples are copied into one of shape dims.
func EncodeNpy(w io.Writer, data []float64, shape []int, dtype string) error {
	n, err := elementCount(shape)
	if err != nil {
		return err
	}
	if len(shape) == 0 || n == 0 {
		return fmt.Errorf("%w: cannot write empty shape %v", ErrUnsupportedFormat, shape)
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d samples for shape %v", models.ErrShapeMismatch, len(data), shape)
	}

	var elem reflect.Type
	switch dtype {
	case "<f4":
		elem = reflect.TypeOf(float32(0))
	case "<f8":
		elem = reflect.TypeOf(float64(0))
	case "|u1":
		elem = reflect.TypeOf(uint8(0))
	default:
		return fmt.Errorf("%w: npy dtype %s", ErrUnsupportedFormat, dtype)
	}

	rt := elem
	for k := len(shape) - 1; k >= 0; k-- {
		rt = reflect.ArrayOf(shape[k], rt)
	}
	arr := reflect.New(rt).Elem()
	fillArray(arr, fortranToC(data, shape))

	return npyio.Write(w, arr.Interface())
}

// fillArray copies C-ordered values into a nested fixed-size array
func fillArray(v reflect.Value, values []float64) {
	if v.Type().Elem().Kind() == reflect.Array {
		stride := len(values) / v.Len()
		for i := 0; i < v.Len(); i++ {
			fillArray(v.Index(i), values[i*stride:(i+1)*stride])
		}
		return
	}
	for i := 0; i < v.Len(); i++ {
		e := v.Index(i)
		switch e.Kind() {
		case reflect.Uint8:
			e.SetUint(uint64(values[i]))
		default:
			e.SetFloat(values[i])
		}
	}
}
