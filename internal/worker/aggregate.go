package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"freva/internal/dataset"
)

// concatDim is the record dimension datasets are concatenated along.
const concatDim = "time"

// poolSize bounds the parallelism of dataset opens: at most 2*cpu-1
// workers, never more than there are jobs, never fewer than one.
func poolSize(jobs int) int {
	n := runtime.NumCPU()*2 - 1
	if n < 1 {
		n = 1
	}
	if jobs > 0 && jobs < n {
		n = jobs
	}
	return n
}

// group is a set of variables sharing one grid: the same dimensions
// with the same sizes and the same coordinate variables.
type group struct {
	attrs  map[string]any
	coords []string // sorted coordinate variable names
	vars   []*variable
}

func (g *group) find(name string) *variable {
	for _, v := range g.vars {
		if v.name == name {
			return v
		}
	}
	return nil
}

// openSources opens all URIs in parallel and aggregates them: grids are
// grouped, variables on the same grid merged into one store, and groups
// with matching coordinates concatenated along the record dimension.
// Sources that fail to open are logged and skipped; at least one must
// survive.
func openSources(ctx context.Context, uris []string, logger *slog.Logger) (map[string]any, []*variable, error) {
	dsets, err := loadAll(ctx, uris, logger)
	if err != nil {
		return nil, nil, err
	}
	groups, err := groupDatasets(dsets)
	if err != nil {
		return nil, nil, err
	}
	finals := concatGroups(groups, logger)

	var (
		attrs = map[string]any{}
		vars  []*variable
		seen  = map[string]bool{}
	)
	for _, g := range finals {
		for key, value := range g.attrs {
			if _, ok := attrs[key]; !ok {
				attrs[key] = value
			}
		}
		for _, v := range g.vars {
			if seen[v.name] {
				logger.Warn("dropping conflicting variable", "variable", v.name)
				continue
			}
			seen[v.name] = true
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *variable) int {
		return strings.Compare(a.name, b.name)
	})
	return attrs, vars, nil
}

// loadAll opens the sources with a bounded worker pool. Open failures
// are not fatal as long as one source survives.
func loadAll(ctx context.Context, uris []string, logger *slog.Logger) ([]*dataset.Dataset, error) {
	var (
		mu    sync.Mutex
		dsets = make([]*dataset.Dataset, 0, len(uris))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize(len(uris)))
	for _, uri := range uris {
		g.Go(func() error {
			ds, err := dataset.Open(gctx, uri)
			if err != nil {
				logger.Error("could not open dataset", "uri", uri, "error", err)
				return nil
			}
			mu.Lock()
			dsets = append(dsets, ds)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(dsets) == 0 {
		return nil, fmt.Errorf("none of %d sources could be opened", len(uris))
	}
	// The pool finishes in arbitrary order; restore the request order so
	// concatenation along the record dimension stays deterministic.
	order := map[string]int{}
	for i, uri := range uris {
		order[uri] = i
	}
	slices.SortFunc(dsets, func(a, b *dataset.Dataset) int {
		return order[a.URI] - order[b.URI]
	})
	return dsets, nil
}

// gridKey identifies the grid of a dataset: every dimension with its
// size plus the names of the coordinate variables.
func gridKey(ds *dataset.Dataset) string {
	dims := map[string]int{}
	var coords []string
	for name, v := range ds.Variables {
		for i, dim := range v.Dims {
			if i < len(v.Array.Shape) {
				dims[dim] = v.Array.Shape[i]
			}
		}
		if len(v.Dims) == 1 && v.Dims[0] == name {
			coords = append(coords, name)
		}
	}
	parts := make([]string, 0, len(dims))
	for dim, size := range dims {
		parts = append(parts, fmt.Sprintf("%s=%d", dim, size))
	}
	sort.Strings(parts)
	sort.Strings(coords)
	return strings.Join(parts, ",") + "|" + strings.Join(coords, ",")
}

// groupDatasets merges datasets on the same grid into one variable set.
// A dataset whose variables collide with the group keeps its own group,
// mirroring a failed merge.
func groupDatasets(dsets []*dataset.Dataset) ([]*group, error) {
	var (
		groups []*group
		byKey  = map[string]*group{}
	)
	for _, ds := range dsets {
		vars := make([]*variable, 0, len(ds.Variables))
		for _, name := range ds.VariableNames() {
			v, err := newVariable(ds, ds.Variables[name])
			if err != nil {
				return nil, err
			}
			vars = append(vars, v)
		}

		key := gridKey(ds)
		g, ok := byKey[key]
		if ok && mergeable(g, vars) {
			for _, v := range vars {
				if g.find(v.name) == nil {
					g.vars = append(g.vars, v)
				}
			}
			continue
		}
		g = &group{attrs: ds.Attrs, vars: vars, coords: coordNames(vars)}
		groups = append(groups, g)
		if !ok {
			byKey[key] = g
		}
	}
	return groups, nil
}

func coordNames(vars []*variable) []string {
	var names []string
	for _, v := range vars {
		if v.isCoord() {
			names = append(names, v.name)
		}
	}
	sort.Strings(names)
	return names
}

// mergeable reports whether the new variables fit into the group:
// data variables must be new names, coordinates may repeat when their
// descriptors agree.
func mergeable(g *group, vars []*variable) bool {
	for _, v := range vars {
		existing := g.find(v.name)
		if existing == nil {
			continue
		}
		if !v.isCoord() || !sameLayout(existing, v) {
			return false
		}
	}
	return true
}

// concatGroups joins groups with identical coordinate sets along the
// record dimension. Pairs that do not align stay separate.
func concatGroups(groups []*group, logger *slog.Logger) []*group {
	var finals []*group
	for len(groups) > 0 {
		g := groups[0]
		groups = groups[1:]
		rest := groups[:0]
		var failed []*group
		for _, other := range groups {
			if !slices.Equal(g.coords, other.coords) {
				rest = append(rest, other)
				continue
			}
			joined, err := concat(g, other)
			if err != nil {
				logger.Warn("cannot concatenate datasets", "error", err)
				failed = append(failed, other)
				continue
			}
			g = joined
		}
		groups = rest
		finals = append(finals, g)
		finals = append(finals, failed...)
	}
	return finals
}

// concat appends b's record blocks after a's. Every record variable
// must pair up with an aligned counterpart; variables without the
// record dimension must agree between the two and are kept from a.
func concat(a, b *group) (*group, error) {
	out := &group{attrs: a.attrs, coords: a.coords}
	matched := map[string]bool{}
	for _, va := range a.vars {
		vb := b.find(va.name)
		if len(va.dims) == 0 || va.dims[0] != concatDim {
			if vb != nil && !sameLayout(va, vb) {
				return nil, fmt.Errorf("variable %s differs between datasets", va.name)
			}
			matched[va.name] = true
			out.vars = append(out.vars, va)
			continue
		}
		if vb == nil {
			return nil, fmt.Errorf("variable %s missing from one dataset", va.name)
		}
		joined, err := concatVariable(va, vb)
		if err != nil {
			return nil, err
		}
		matched[va.name] = true
		out.vars = append(out.vars, joined)
	}
	for _, vb := range b.vars {
		if !matched[vb.name] {
			return nil, fmt.Errorf("variable %s missing from one dataset", vb.name)
		}
	}
	return out, nil
}

// concatVariable stacks b after a along axis 0. The chunk grids must
// line up: equal chunk shapes, equal trailing dimensions and no partial
// record chunk in a, so every block keeps a single source.
func concatVariable(a, b *variable) (*variable, error) {
	if a.dtype.Str != b.dtype.Str {
		return nil, fmt.Errorf("variable %s: dtype %s vs %s", a.name, a.dtype.Str, b.dtype.Str)
	}
	if !slices.Equal(a.array.Chunks, b.array.Chunks) ||
		!slices.Equal(a.array.Shape[1:], b.array.Shape[1:]) ||
		!slices.Equal(a.dims, b.dims) {
		return nil, fmt.Errorf("variable %s: shapes do not line up", a.name)
	}
	if a.array.Shape[0]%a.array.Chunks[0] != 0 {
		return nil, fmt.Errorf("variable %s: %s axis not aligned to chunk size",
			a.name, concatDim)
	}

	arr := *a.array
	arr.Shape = slices.Clone(a.array.Shape)
	arr.Shape[0] += b.array.Shape[0]
	offset := a.array.NumChunks()[0]

	out := &variable{
		name:       a.name,
		dims:       a.dims,
		attrs:      a.attrs,
		array:      &arr,
		dtype:      a.dtype,
		filters:    a.filters,
		compressor: a.compressor,
		parts:      slices.Clone(a.parts),
	}
	for _, part := range b.parts {
		out.parts = append(out.parts, varPart{ds: part.ds, start: part.start + offset})
	}
	return out, nil
}

func sameLayout(a, b *variable) bool {
	return a.dtype.Str == b.dtype.Str &&
		slices.Equal(a.array.Shape, b.array.Shape) &&
		slices.Equal(a.dims, b.dims)
}
