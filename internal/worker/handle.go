// Package worker is the data-loader daemon: it subscribes to the job
// channel, materializes datasets as zarr stores (metadata into the load
// status, chunk payloads into the cache) and keeps opened dataset
// handles in-process so chunk requests do not re-open the source.
package worker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"freva/internal/dataset"
	"freva/internal/zarr"
)

// variable is one served array: the advertised zarr descriptor plus the
// ordered source parts its chunks are read from. A plain dataset yields
// one part; concatenation along the record axis yields several, each
// owning a contiguous run of chunk indices on axis 0.
type variable struct {
	name  string
	dims  []string
	attrs map[string]any
	array *zarr.Array
	dtype zarr.DType

	filters    []zarr.Codec
	compressor zarr.Codec
	parts      []varPart
}

type varPart struct {
	ds    *dataset.Dataset
	start int // first chunk index along axis 0 served by this part
}

// newVariable builds the served descriptor for a source variable. The
// advertised .zarray gets a compressor even when the source declares
// none, and a fill value in its JSON encoding.
func newVariable(ds *dataset.Dataset, v *dataset.Variable) (*variable, error) {
	arr := *v.Array
	arr.Shape = slices.Clone(v.Array.Shape)
	arr.Chunks = slices.Clone(v.Array.Chunks)
	arr.Order = "C"
	arr.ZarrFormat = zarr.Format

	attrs := maps.Clone(v.Attrs)
	if attrs == nil {
		attrs = map[string]any{}
	}
	// _FillValue lives in .zarray, not in the attributes.
	if fill, ok := attrs["_FillValue"]; ok {
		delete(attrs, "_FillValue")
		arr.FillValue = fill
	}
	arr.FillValue = zarr.EncodeFill(v.DType(), arr.FillValue)
	if arr.Compressor == nil {
		arr.Compressor = zarr.DefaultCompressor()
	}

	compressor, err := zarr.NewCodec(arr.Compressor)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", v.Name, err)
	}
	filters, err := zarr.NewCodecs(arr.Filters)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", v.Name, err)
	}
	return &variable{
		name:       v.Name,
		dims:       slices.Clone(v.Dims),
		attrs:      attrs,
		array:      &arr,
		dtype:      v.DType(),
		filters:    filters,
		compressor: compressor,
		parts:      []varPart{{ds: ds}},
	}, nil
}

// isCoord reports whether the variable is a classic one-dimensional
// coordinate, i.e. its only dimension carries its own name.
func (v *variable) isCoord() bool {
	return len(v.dims) == 1 && v.dims[0] == v.name
}

// chunk reads the raw decoded payload of one block, dispatching to the
// source part that owns the block index on axis 0.
func (v *variable) chunk(ctx context.Context, indices []int) ([]byte, []int, error) {
	part := v.parts[0]
	local := indices
	if len(v.parts) > 1 {
		if len(indices) == 0 {
			return nil, nil, fmt.Errorf("variable %s: scalar chunk on concatenated array", v.name)
		}
		i := sort.Search(len(v.parts), func(i int) bool {
			return v.parts[i].start > indices[0]
		}) - 1
		part = v.parts[i]
		local = slices.Clone(indices)
		local[0] -= part.start
	}
	return part.ds.Chunk(ctx, v.name, local)
}

// Handle is one loaded job: the consolidated metadata a zarr client
// opens the store with, and the variables its chunks are served from.
type Handle struct {
	meta *zarr.Consolidated
	vars map[string]*variable
}

// newHandle assembles the consolidated metadata document for a set of
// served variables.
func newHandle(attrs map[string]any, vars []*variable) (*Handle, error) {
	h := &Handle{
		meta: zarr.NewConsolidated(),
		vars: map[string]*variable{},
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	if err := h.meta.Set(zarr.AttrsKey, attrs); err != nil {
		return nil, err
	}
	for _, v := range vars {
		zattrs := maps.Clone(v.attrs)
		zattrs[zarr.DimensionKey] = v.dims
		if err := h.meta.Set(v.name+"/"+zarr.AttrsKey, zattrs); err != nil {
			return nil, err
		}
		if err := h.meta.Set(v.name+"/"+zarr.ArrayKey, v.array); err != nil {
			return nil, err
		}
		h.vars[v.name] = v
	}
	return h, nil
}

// Metadata returns the consolidated zarr metadata of the handle.
func (h *Handle) Metadata() *zarr.Consolidated { return h.meta }

// Encode reads one block of a variable and encodes it the way the
// advertised .zarray promises: padded to the full chunk shape, filtered
// and compressed.
func (h *Handle) Encode(ctx context.Context, name, chunkID string) ([]byte, error) {
	v, ok := h.vars[name]
	if !ok {
		return nil, fmt.Errorf("no such variable: %s", name)
	}
	indices, err := zarr.ParseChunkID(chunkID)
	if err != nil {
		return nil, err
	}
	data, actual, err := v.chunk(ctx, indices)
	if err != nil {
		return nil, err
	}
	return zarr.EncodeChunk(data, actual, v.array, v.filters, v.compressor)
}
