package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseChunkID splits a dot-joined chunk key such as "0.2.1" into block
// indices.
func ParseChunkID(id string) ([]int, error) {
	parts := strings.Split(id, ".")
	indices := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid chunk id: %q", id)
		}
		indices[i] = n
	}
	return indices, nil
}

// ChunkID joins block indices into the dot-separated store key.
func ChunkID(indices []int) string {
	parts := make([]string, len(indices))
	for i, n := range indices {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func product(shape []int) int {
	p := 1
	for _, s := range shape {
		p *= s
	}
	return p
}

// Pad grows a C-order buffer of shape actual to the declared chunk shape,
// keeping the original data in the [0:actual[i]] slice of each axis and
// filling the rest with the array's fill value. Zarr requires full edge
// chunks; content beyond the array bounds is undefined but we write the fill
// value so the output is deterministic.
func Pad(data []byte, actual, chunk []int, dt DType, fill any) ([]byte, error) {
	if len(actual) != len(chunk) {
		return nil, fmt.Errorf("rank mismatch: %d vs %d", len(actual), len(chunk))
	}
	if want := product(actual) * dt.Size; len(data) != want {
		return nil, fmt.Errorf("chunk payload is %d bytes, want %d", len(data), want)
	}
	same := true
	for i := range actual {
		if actual[i] > chunk[i] {
			return nil, fmt.Errorf("actual shape exceeds chunk shape on axis %d", i)
		}
		if actual[i] != chunk[i] {
			same = false
		}
	}
	if same {
		return data, nil
	}

	out := make([]byte, product(chunk)*dt.Size)
	if pattern := fillBytes(dt, fill); pattern != nil {
		for i := 0; i < len(out); i += dt.Size {
			copy(out[i:], pattern)
		}
	}
	if len(actual) == 0 {
		copy(out, data)
		return out, nil
	}

	// Copy row by row: the innermost axis is contiguous in both buffers.
	rowBytes := actual[len(actual)-1] * dt.Size
	srcStrides := strides(actual, dt.Size)
	dstStrides := strides(chunk, dt.Size)
	idx := make([]int, len(actual)-1)
	for {
		src, dst := 0, 0
		for i, n := range idx {
			src += n * srcStrides[i]
			dst += n * dstStrides[i]
		}
		copy(out[dst:dst+rowBytes], data[src:src+rowBytes])
		// Advance the outer index odometer.
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < actual[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return out, nil
}

// strides returns byte strides for a C-order layout of the given shape.
func strides(shape []int, itemSize int) []int {
	out := make([]int, len(shape))
	stride := itemSize
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = stride
		stride *= shape[i]
	}
	return out
}

// fillBytes renders the fill value as one little-endian item, or nil when the
// zero pattern suffices.
func fillBytes(dt DType, fill any) []byte {
	f := DecodeFill(dt, fill)
	if f == 0 && dt.Kind != 'f' {
		return nil
	}
	buf := make([]byte, dt.Size)
	switch dt.Kind {
	case 'f':
		switch dt.Size {
		case 4:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		case 8:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		default:
			return nil
		}
	case 'i', 'u':
		v := uint64(int64(f))
		for i := 0; i < dt.Size && i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
	default:
		return nil
	}
	return buf
}

// Fill returns a C-order buffer of the given shape where every item carries
// the array's fill value. Used for chunks absent from the source store.
func Fill(shape []int, dt DType, fill any) []byte {
	out := make([]byte, product(shape)*dt.Size)
	if pattern := fillBytes(dt, fill); pattern != nil {
		for i := 0; i < len(out); i += dt.Size {
			copy(out[i:], pattern)
		}
	}
	return out
}

// Trim is the inverse of Pad: it cuts a full chunk-shaped buffer down to the
// actual data extent of an edge chunk.
func Trim(data []byte, chunk, actual []int, dt DType) ([]byte, error) {
	if len(actual) != len(chunk) {
		return nil, fmt.Errorf("rank mismatch: %d vs %d", len(actual), len(chunk))
	}
	if want := product(chunk) * dt.Size; len(data) != want {
		return nil, fmt.Errorf("chunk payload is %d bytes, want %d", len(data), want)
	}
	same := true
	for i := range actual {
		if actual[i] > chunk[i] {
			return nil, fmt.Errorf("actual shape exceeds chunk shape on axis %d", i)
		}
		if actual[i] != chunk[i] {
			same = false
		}
	}
	if same || len(actual) == 0 {
		return data, nil
	}

	out := make([]byte, product(actual)*dt.Size)
	rowBytes := actual[len(actual)-1] * dt.Size
	srcStrides := strides(chunk, dt.Size)
	dstStrides := strides(actual, dt.Size)
	idx := make([]int, len(actual)-1)
	for {
		src, dst := 0, 0
		for i, n := range idx {
			src += n * srcStrides[i]
			dst += n * dstStrides[i]
		}
		copy(out[dst:dst+rowBytes], data[src:src+rowBytes])
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < actual[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
	return out, nil
}

// EncodeChunk pads a raw chunk payload to the declared chunk shape, runs the
// array's filters in order and finally its compressor, yielding the bytes a
// zarr client expects for one chunk key.
func EncodeChunk(data []byte, actual []int, a *Array, filters []Codec, compressor Codec) ([]byte, error) {
	dt, err := ParseDType(a.DType)
	if err != nil {
		return nil, err
	}
	out, err := Pad(data, actual, a.Chunks, dt, a.FillValue)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if out, err = f.Encode(out); err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.ID(), err)
		}
	}
	if compressor != nil {
		if out, err = compressor.Encode(out); err != nil {
			return nil, fmt.Errorf("compressor %s: %w", compressor.ID(), err)
		}
	}
	return out, nil
}

// DecodeChunk reverses EncodeChunk: decompress, then undo the filters in
// reverse order. The result keeps the full chunk shape; callers trim edge
// chunks themselves when needed.
func DecodeChunk(data []byte, filters []Codec, compressor Codec) ([]byte, error) {
	var err error
	if compressor != nil {
		if data, err = compressor.Decode(data); err != nil {
			return nil, fmt.Errorf("compressor %s: %w", compressor.ID(), err)
		}
	}
	for i := len(filters) - 1; i >= 0; i-- {
		if data, err = filters[i].Decode(data); err != nil {
			return nil, fmt.Errorf("filter %s: %w", filters[i].ID(), err)
		}
	}
	return data, nil
}
