package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses chunk payloads. The configuration map is
// what ends up in the .zarray "compressor" (or "filters") entry, so its "id"
// must match what zarr clients expect.
type Codec interface {
	ID() string
	Config() map[string]any
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// DefaultCompressor is used for variables whose source store declares no
// compressor of its own.
func DefaultCompressor() map[string]any {
	return map[string]any{"id": "zlib", "level": 5}
}

// NewCodec builds a codec from a .zarray compressor or filter configuration.
// A nil config returns (nil, nil): chunks pass through uncompressed.
func NewCodec(config map[string]any) (Codec, error) {
	if config == nil {
		return nil, nil
	}
	id, _ := config["id"].(string)
	switch id {
	case "zlib":
		return &zlibCodec{level: intOption(config, "level", 5)}, nil
	case "zstd":
		return &zstdCodec{level: intOption(config, "level", 3)}, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %q", id)
	}
}

// NewCodecs builds the filter chain of an array. Filters apply in declared
// order on encode and in reverse on decode.
func NewCodecs(configs []map[string]any) ([]Codec, error) {
	codecs := make([]Codec, 0, len(configs))
	for _, cfg := range configs {
		c, err := NewCodec(cfg)
		if err != nil {
			return nil, err
		}
		if c != nil {
			codecs = append(codecs, c)
		}
	}
	return codecs, nil
}

func intOption(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

type zlibCodec struct {
	level int
}

func (c *zlibCodec) ID() string { return "zlib" }

func (c *zlibCodec) Config() map[string]any {
	return map[string]any{"id": "zlib", "level": c.level}
}

func (c *zlibCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib flush: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *zlibCodec) Decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

type zstdCodec struct {
	level int
}

func (c *zstdCodec) ID() string { return "zstd" }

func (c *zstdCodec) Config() map[string]any {
	return map[string]any{"id": "zstd", "level": c.level}
}

func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
