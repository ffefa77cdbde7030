package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// DType is a parsed numpy-style dtype string such as "<f4" or "<i8".
type DType struct {
	// Str is the original dtype string.
	Str string
	// Kind is the numpy kind character: b, i, u, f, c, S, U.
	Kind byte
	// Size is the item size in bytes.
	Size int
}

// ParseDType parses a numpy dtype string. The leading byte-order character
// ("<", ">", "|", "=") is optional.
func ParseDType(s string) (DType, error) {
	if s == "" {
		return DType{}, fmt.Errorf("empty dtype")
	}
	rest := s
	switch rest[0] {
	case '<', '>', '|', '=':
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return DType{}, fmt.Errorf("invalid dtype: %q", s)
	}
	kind := rest[0]
	switch kind {
	case 'b', 'i', 'u', 'f', 'c', 'S', 'U', 'M', 'm':
	default:
		return DType{}, fmt.Errorf("unsupported dtype kind %q in %q", kind, s)
	}
	size, err := strconv.Atoi(rest[1:])
	if err != nil || size < 1 {
		return DType{}, fmt.Errorf("invalid dtype size in %q", s)
	}
	if kind == 'U' {
		// Unicode dtypes count 4-byte code points.
		size *= 4
	}
	return DType{Str: s, Kind: kind, Size: size}, nil
}

// EncodeFill converts a fill value to its JSON representation per the zarr v2
// spec: non-finite floats become the strings "NaN", "Infinity" and
// "-Infinity"; missing fill values for float arrays default to NaN; integer
// arrays default to 0.
func EncodeFill(dt DType, value any) any {
	if value == nil {
		if dt.Kind == 'f' {
			return "NaN"
		}
		return 0
	}
	if f, ok := toFloat(value); ok && dt.Kind == 'f' {
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		}
		return f
	}
	return value
}

// DecodeFill parses a JSON fill value back into a float64 bit pattern usable
// for padding buffers. Only numeric kinds are supported; everything else
// pads with zero bytes.
func DecodeFill(dt DType, value any) float64 {
	switch v := value.(type) {
	case string:
		switch v {
		case "NaN":
			return math.NaN()
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
	default:
		if f, ok := toFloat(value); ok {
			return f
		}
	}
	return 0
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
