// Package zarr implements the subset of the zarr v2 storage format needed to
// re-expose chunked n-dimensional arrays over HTTP: consolidated metadata,
// per-array descriptors, dtype handling and chunk encoding.
//
// Only format version 2 with C-order layout is supported. Compression is
// handled by a small codec registry (see codec.go); the metadata carries the
// codec configuration so any zarr client can decode the chunks it fetches.
package zarr

import (
	"encoding/json"
	"fmt"
)

// Well-known store keys.
const (
	MetadataKey = ".zmetadata"
	GroupKey    = ".zgroup"
	AttrsKey    = ".zattrs"
	ArrayKey    = ".zarray"

	// DimensionKey is the xarray convention for naming array dimensions
	// inside .zattrs.
	DimensionKey = "_ARRAY_DIMENSIONS"
)

// Format versions written into every store.
const (
	Format             = 2
	ConsolidatedFormat = 1
)

// Array is the .zarray descriptor of a single variable.
type Array struct {
	Shape      []int            `json:"shape"`
	Chunks     []int            `json:"chunks"`
	DType      string           `json:"dtype"`
	Compressor map[string]any   `json:"compressor"`
	FillValue  any              `json:"fill_value"`
	Filters    []map[string]any `json:"filters"`
	Order      string           `json:"order"`
	ZarrFormat int              `json:"zarr_format"`
}

// NumChunks returns the number of chunks along each axis.
func (a *Array) NumChunks() []int {
	n := make([]int, len(a.Shape))
	for i, s := range a.Shape {
		c := a.Chunks[i]
		if c < 1 {
			c = 1
		}
		n[i] = (s + c - 1) / c
	}
	return n
}

// ChunkShape returns the actual (possibly trimmed) data shape of the chunk at
// the given block indices. Edge blocks can be smaller than the declared chunk
// shape; the encoder pads them back up (see EncodeChunk).
func (a *Array) ChunkShape(indices []int) ([]int, error) {
	if len(indices) != len(a.Shape) {
		return nil, fmt.Errorf("chunk rank %d does not match array rank %d",
			len(indices), len(a.Shape))
	}
	shape := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx*a.Chunks[i] >= a.Shape[i] {
			return nil, fmt.Errorf("chunk index %d out of range on axis %d", idx, i)
		}
		shape[i] = a.Chunks[i]
		if rest := a.Shape[i] - idx*a.Chunks[i]; rest < shape[i] {
			shape[i] = rest
		}
	}
	return shape, nil
}

// Consolidated is the .zmetadata document: every metadata key of the store
// gathered into a single JSON object so clients need one request to open the
// dataset.
type Consolidated struct {
	ConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
}

// NewConsolidated returns an empty consolidated document with the top-level
// group entry already present.
func NewConsolidated() *Consolidated {
	c := &Consolidated{
		ConsolidatedFormat: ConsolidatedFormat,
		Metadata:           map[string]json.RawMessage{},
	}
	c.Metadata[GroupKey], _ = json.Marshal(map[string]int{"zarr_format": Format})
	return c
}

// Set marshals value and stores it under key.
func (c *Consolidated) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	c.Metadata[key] = raw
	return nil
}

// Array decodes the .zarray descriptor of the named variable.
func (c *Consolidated) Array(variable string) (*Array, error) {
	raw, ok := c.Metadata[variable+"/"+ArrayKey]
	if !ok {
		return nil, fmt.Errorf("no such variable: %s", variable)
	}
	var a Array
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", variable, ArrayKey, err)
	}
	return &a, nil
}

// Variables lists the variable names present in the consolidated metadata.
func (c *Consolidated) Variables() []string {
	var names []string
	for key := range c.Metadata {
		if name, found := cutSuffix(key, "/"+ArrayKey); found {
			names = append(names, name)
		}
	}
	return names
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}
