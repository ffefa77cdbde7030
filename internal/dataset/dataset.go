// Package dataset opens remote or local datasets as lazy chunked arrays.
//
// A dataset is a set of named variables, each with a shape, dtype, named
// dimensions, attributes and a chunk grid. Chunk payloads are only fetched
// and decoded on demand. Backends are selected by URI scheme and can be
// registered by embedders; the built-in backends read zarr v2 stores from a
// POSIX filesystem and from S3.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"freva/internal/zarr"
)

// ErrKeyNotFound is returned by stores for absent keys. A missing chunk key
// is legal in zarr and means the chunk holds only fill values.
var ErrKeyNotFound = errors.New("key not found")

// Store is the raw key/value view of a dataset backend. Keys follow the zarr
// store layout: ".zmetadata", ".zattrs", "tas/.zarray", "tas/0.0", ...
type Store interface {
	// Get fetches the raw bytes under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all keys in the store. Used when no consolidated
	// metadata document exists.
	List(ctx context.Context) ([]string, error)
}

// Opener creates a Store for a URI. Backends register themselves per scheme.
type Opener func(ctx context.Context, uri string) (Store, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes an Opener available for the given URI scheme. The empty
// scheme handles plain paths.
func Register(scheme string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[scheme] = open
}

// Variable is one array of a dataset.
type Variable struct {
	Name  string
	Dims  []string
	Attrs map[string]any
	Array *zarr.Array

	dtype      DTypeInfo
	filters    []zarr.Codec
	compressor zarr.Codec
}

// DTypeInfo carries the parsed dtype of a variable.
type DTypeInfo = zarr.DType

// DType returns the parsed dtype of the variable.
func (v *Variable) DType() DTypeInfo { return v.dtype }

// Dataset is an opened dataset handle. It is safe for concurrent use; chunk
// reads go straight to the backend store.
type Dataset struct {
	URI       string
	Attrs     map[string]any
	Variables map[string]*Variable

	store Store
}

// Open resolves the URI scheme to a registered backend and reads the
// dataset's metadata. Chunk data stays lazy.
func Open(ctx context.Context, uri string) (*Dataset, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	openersMu.RLock()
	open, ok := openers[parsed.Scheme]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no dataset backend for scheme %q", parsed.Scheme)
	}
	store, err := open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return fromStore(ctx, uri, store)
}

func fromStore(ctx context.Context, uri string, store Store) (*Dataset, error) {
	ds := &Dataset{
		URI:       uri,
		Attrs:     map[string]any{},
		Variables: map[string]*Variable{},
		store:     store,
	}

	meta, err := readMetadata(ctx, store)
	if err != nil {
		return nil, err
	}
	if raw, ok := meta.Metadata[zarr.AttrsKey]; ok {
		if err := json.Unmarshal(raw, &ds.Attrs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", zarr.AttrsKey, err)
		}
	}
	for _, name := range meta.Variables() {
		v, err := newVariable(name, meta)
		if err != nil {
			return nil, err
		}
		ds.Variables[v.Name] = v
	}
	if len(ds.Variables) == 0 {
		return nil, fmt.Errorf("no variables in %s", uri)
	}
	return ds, nil
}

func newVariable(name string, meta *zarr.Consolidated) (*Variable, error) {
	a, err := meta.Array(name)
	if err != nil {
		return nil, err
	}
	v := &Variable{Name: name, Attrs: map[string]any{}, Array: a}
	if raw, ok := meta.Metadata[name+"/"+zarr.AttrsKey]; ok {
		if err := json.Unmarshal(raw, &v.Attrs); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", name, zarr.AttrsKey, err)
		}
	}
	if dims, ok := v.Attrs[zarr.DimensionKey].([]any); ok {
		for _, d := range dims {
			if s, ok := d.(string); ok {
				v.Dims = append(v.Dims, s)
			}
		}
		delete(v.Attrs, zarr.DimensionKey)
	}
	if v.dtype, err = zarr.ParseDType(a.DType); err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	if v.compressor, err = zarr.NewCodec(a.Compressor); err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	if v.filters, err = zarr.NewCodecs(a.Filters); err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	return v, nil
}

// readMetadata loads the consolidated metadata document, falling back to
// stitching one together from the individual store keys.
func readMetadata(ctx context.Context, store Store) (*zarr.Consolidated, error) {
	raw, err := store.Get(ctx, zarr.MetadataKey)
	if err == nil {
		var meta zarr.Consolidated
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", zarr.MetadataKey, err)
		}
		return &meta, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	keys, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list store keys: %w", err)
	}
	sort.Strings(keys)
	meta := zarr.NewConsolidated()
	for _, key := range keys {
		switch {
		case key == zarr.AttrsKey,
			key == zarr.GroupKey,
			hasSuffix(key, "/"+zarr.ArrayKey),
			hasSuffix(key, "/"+zarr.AttrsKey):
			raw, err := store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			meta.Metadata[key] = json.RawMessage(raw)
		}
	}
	return meta, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Chunk fetches and decodes one block of a variable. The returned payload is
// trimmed to the actual data extent of the block; the second return value is
// that extent. Missing chunk keys yield a buffer full of the fill value.
func (d *Dataset) Chunk(ctx context.Context, variable string, indices []int) ([]byte, []int, error) {
	v, ok := d.Variables[variable]
	if !ok {
		return nil, nil, fmt.Errorf("no such variable: %s", variable)
	}
	actual, err := v.Array.ChunkShape(indices)
	if err != nil {
		return nil, nil, err
	}

	key := variable + "/" + zarr.ChunkID(indices)
	raw, err := d.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return zarr.Fill(actual, v.dtype, v.Array.FillValue), actual, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read chunk %s: %w", key, err)
	}

	data, err := zarr.DecodeChunk(raw, v.filters, v.compressor)
	if err != nil {
		return nil, nil, fmt.Errorf("decode chunk %s: %w", key, err)
	}
	data, err = zarr.Trim(data, v.Array.Chunks, actual, v.dtype)
	if err != nil {
		return nil, nil, fmt.Errorf("trim chunk %s: %w", key, err)
	}
	return data, actual, nil
}

// VariableNames returns the variable names in sorted order.
func (d *Dataset) VariableNames() []string {
	names := make([]string, 0, len(d.Variables))
	for name := range d.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
