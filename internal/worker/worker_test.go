package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"freva/internal/cache"
	"freva/internal/logging"
	"freva/internal/zarr"
)

type fakeCache struct {
	mu       sync.Mutex
	statuses map[string]*cache.LoadStatus
	chunks   map[string][]byte
	sets     int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		statuses: map[string]*cache.LoadStatus{},
		chunks:   map[string][]byte{},
	}
}

func (f *fakeCache) GetStatus(_ context.Context, key string) (*cache.LoadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	copied := *status
	return &copied, nil
}

func (f *fakeCache) SetStatus(_ context.Context, key string, status *cache.LoadStatus, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *status
	f.statuses[key] = &copied
	f.sets++
	return nil
}

func (f *fakeCache) SetChunk(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[key] = data
	return nil
}

func newTestWorker(store statusStore) *Worker {
	return &Worker{
		store:   store,
		restURL: "http://rest:7777",
		ttl:     time.Hour,
		logger:  logging.Discard(),
		handles: map[string]*handleEntry{},
	}
}

// testVar describes a one-dimensional |u1 array for writeStore.
type testVar struct {
	name   string
	dims   []string
	shape  int
	chunks int
	data   []byte
}

// writeStore writes a minimal uncompressed zarr v2 store to dir.
func writeStore(t *testing.T, dir string, vars ...testVar) string {
	t.Helper()
	meta := zarr.NewConsolidated()
	if err := meta.Set(zarr.AttrsKey, map[string]any{"title": "test data"}); err != nil {
		t.Fatal(err)
	}
	for _, v := range vars {
		arr := zarr.Array{
			Shape:      []int{v.shape},
			Chunks:     []int{v.chunks},
			DType:      "|u1",
			FillValue:  0,
			Order:      "C",
			ZarrFormat: zarr.Format,
		}
		if err := meta.Set(v.name+"/"+zarr.ArrayKey, &arr); err != nil {
			t.Fatal(err)
		}
		attrs := map[string]any{zarr.DimensionKey: v.dims, "units": "1"}
		if err := meta.Set(v.name+"/"+zarr.AttrsKey, attrs); err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(dir, v.name), 0o755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i*v.chunks < v.shape; i++ {
			payload := make([]byte, v.chunks)
			copy(payload, v.data[i*v.chunks:min(len(v.data), (i+1)*v.chunks)])
			name := filepath.Join(dir, v.name, strconv.Itoa(i))
			if err := os.WriteFile(name, payload, 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, zarr.MetadataKey), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func decodeZlib(t *testing.T, data []byte) []byte {
	t.Helper()
	codec, err := zarr.NewCodec(zarr.DefaultCompressor())
	if err != nil {
		t.Fatal(err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	return out
}

func TestLoadPublishesMetadata(t *testing.T) {
	dir := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{10, 20, 30}},
		testVar{name: "time", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{1, 2, 3}},
	)
	store := newFakeCache()
	w := newTestWorker(store)

	w.handleLoad(context.Background(), &cache.URIJob{Path: dir, UUID: "job-1"})

	status := store.statuses["job-1"]
	if status == nil || status.Status != cache.StatusOK {
		t.Fatalf("status = %+v, want ok", status)
	}
	if want := "http://rest:7777/api/freva-nextgen/data-portal/zarr/job-1.zarr"; status.ObjPath != want {
		t.Errorf("obj path = %q, want %q", status.ObjPath, want)
	}
	if status.URL != dir {
		t.Errorf("recorded source = %q, want %q", status.URL, dir)
	}

	var meta zarr.Consolidated
	if err := json.Unmarshal(status.JSONMeta, &meta); err != nil {
		t.Fatalf("metadata does not decode: %v", err)
	}
	arr, err := meta.Array("tas")
	if err != nil {
		t.Fatal(err)
	}
	// Sources without a compressor get the default one advertised.
	if id, _ := arr.Compressor["id"].(string); id != "zlib" {
		t.Errorf("compressor = %v, want default zlib", arr.Compressor)
	}
	var attrs map[string]any
	if err := json.Unmarshal(meta.Metadata["tas/"+zarr.AttrsKey], &attrs); err != nil {
		t.Fatal(err)
	}
	dims, _ := attrs[zarr.DimensionKey].([]any)
	if len(dims) != 1 || dims[0] != "time" {
		t.Errorf("dimensions = %v", attrs[zarr.DimensionKey])
	}
}

func TestLoadFailure(t *testing.T) {
	store := newFakeCache()
	w := newTestWorker(store)

	w.handleLoad(context.Background(), &cache.URIJob{Path: "/no/such/store", UUID: "job-2"})

	status := store.statuses["job-2"]
	if status == nil || status.Status != cache.StatusFailed {
		t.Fatalf("status = %+v, want failed", status)
	}
	if status.Reason == "" {
		t.Error("failed status carries no reason")
	}
}

func TestLoadSkipsFinishedJobs(t *testing.T) {
	store := newFakeCache()
	store.statuses["job-3"] = &cache.LoadStatus{Status: cache.StatusOK}
	w := newTestWorker(store)

	w.handleLoad(context.Background(), &cache.URIJob{Path: "/ignored", UUID: "job-3"})

	if store.sets != 0 {
		t.Errorf("finished job was rewritten %d times", store.sets)
	}
}

func TestLoadRetriesFailedJobs(t *testing.T) {
	dir := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{10, 20}},
	)
	store := newFakeCache()
	store.statuses["job-4"] = &cache.LoadStatus{Status: cache.StatusFailed, Reason: "boom"}
	w := newTestWorker(store)

	w.handleLoad(context.Background(), &cache.URIJob{Path: dir, UUID: "job-4"})

	status := store.statuses["job-4"]
	if status.Status != cache.StatusOK {
		t.Fatalf("status = %+v, want ok after retry", status)
	}
	if status.Reason != "" {
		t.Errorf("reason = %q, want cleared", status.Reason)
	}
}

func TestChunkJob(t *testing.T) {
	dir := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{10, 20, 30}},
	)
	store := newFakeCache()
	w := newTestWorker(store)
	ctx := context.Background()
	w.handleLoad(ctx, &cache.URIJob{Path: dir, UUID: "job-5"})

	w.handleChunk(ctx, &cache.ChunkJob{UUID: "job-5", Variable: "tas", Chunk: "0"})
	got := decodeZlib(t, store.chunks[cache.ChunkKey("job-5", "tas", "0")])
	if !bytes.Equal(got, []byte{10, 20}) {
		t.Errorf("chunk 0 = %v", got)
	}

	// Edge chunks come back padded to the declared chunk shape.
	w.handleChunk(ctx, &cache.ChunkJob{UUID: "job-5", Variable: "tas", Chunk: "1"})
	got = decodeZlib(t, store.chunks[cache.ChunkKey("job-5", "tas", "1")])
	if !bytes.Equal(got, []byte{30, 0}) {
		t.Errorf("chunk 1 = %v", got)
	}
}

func TestChunkReopensEvictedHandle(t *testing.T) {
	dir := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{10, 20}},
	)
	store := newFakeCache()
	w := newTestWorker(store)
	ctx := context.Background()
	w.handleLoad(ctx, &cache.URIJob{Path: dir, UUID: "job-6"})

	// Simulate a restart: the in-process handle is gone, only the load
	// status with its recorded source path survives.
	w.handles = map[string]*handleEntry{}

	w.handleChunk(ctx, &cache.ChunkJob{UUID: "job-6", Variable: "tas", Chunk: "0"})
	got := decodeZlib(t, store.chunks[cache.ChunkKey("job-6", "tas", "0")])
	if !bytes.Equal(got, []byte{10, 20}) {
		t.Errorf("chunk 0 = %v", got)
	}
}

func TestChunkUnknownJob(t *testing.T) {
	store := newFakeCache()
	w := newTestWorker(store)

	w.handleChunk(context.Background(), &cache.ChunkJob{UUID: "gone", Variable: "tas", Chunk: "0"})
	if len(store.chunks) != 0 {
		t.Errorf("chunks = %v, want none", store.chunks)
	}
}

func TestAggregateConcat(t *testing.T) {
	a := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{10, 20}},
		testVar{name: "time", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{1, 2}},
	)
	b := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{30, 40, 50}},
		testVar{name: "time", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{3, 4, 5}},
	)
	w := newTestWorker(newFakeCache())
	ctx := context.Background()

	handle, err := w.open(ctx, a+","+b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	arr, err := handle.Metadata().Array("tas")
	if err != nil {
		t.Fatal(err)
	}
	if len(arr.Shape) != 1 || arr.Shape[0] != 5 {
		t.Fatalf("concatenated shape = %v, want [5]", arr.Shape)
	}

	want := map[string][]byte{
		"0": {10, 20},
		"1": {30, 40},
		"2": {50, 0},
	}
	for id, payload := range want {
		raw, err := handle.Encode(ctx, "tas", id)
		if err != nil {
			t.Fatalf("encode chunk %s: %v", id, err)
		}
		if got := decodeZlib(t, raw); !bytes.Equal(got, payload) {
			t.Errorf("chunk %s = %v, want %v", id, got, payload)
		}
	}
}

func TestAggregateMergeSameGrid(t *testing.T) {
	a := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{10, 20}},
		testVar{name: "time", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{1, 2}},
	)
	b := writeStore(t, t.TempDir(),
		testVar{name: "pr", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{70, 80}},
		testVar{name: "time", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{1, 2}},
	)
	w := newTestWorker(newFakeCache())
	ctx := context.Background()

	handle, err := w.open(ctx, a+","+b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, name := range []string{"tas", "pr", "time"} {
		if _, ok := handle.vars[name]; !ok {
			t.Errorf("merged store misses variable %s", name)
		}
	}
	raw, err := handle.Encode(ctx, "pr", "0")
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeZlib(t, raw); !bytes.Equal(got, []byte{70, 80}) {
		t.Errorf("pr chunk = %v", got)
	}
}

func TestAggregateMisalignedStaysSeparate(t *testing.T) {
	// The first store's record axis is no multiple of the chunk size, so
	// concatenation would split blocks across sources and must not happen.
	a := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{10, 20, 30}},
		testVar{name: "time", dims: []string{"time"}, shape: 3, chunks: 2, data: []byte{1, 2, 3}},
	)
	b := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{40, 50}},
		testVar{name: "time", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{4, 5}},
	)
	w := newTestWorker(newFakeCache())

	handle, err := w.open(context.Background(), a+","+b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	arr, err := handle.Metadata().Array("tas")
	if err != nil {
		t.Fatal(err)
	}
	if arr.Shape[0] != 3 {
		t.Errorf("shape = %v, want the first store untouched", arr.Shape)
	}
}

func TestAggregateSkipsBrokenSources(t *testing.T) {
	a := writeStore(t, t.TempDir(),
		testVar{name: "tas", dims: []string{"time"}, shape: 2, chunks: 2, data: []byte{10, 20}},
	)
	w := newTestWorker(newFakeCache())

	handle, err := w.open(context.Background(), a+",/no/such/store")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := handle.vars["tas"]; !ok {
		t.Error("surviving source was not served")
	}

	if _, err := w.open(context.Background(), "/no/such/store"); err == nil {
		t.Error("open with no surviving sources must fail")
	}
}

func TestEvict(t *testing.T) {
	w := newTestWorker(newFakeCache())
	w.handles["old"] = &handleEntry{used: time.Now().Add(-2 * time.Hour)}
	w.handles["fresh"] = &handleEntry{used: time.Now()}

	w.evict()

	if _, ok := w.handles["old"]; ok {
		t.Error("idle handle survived eviction")
	}
	if _, ok := w.handles["fresh"]; !ok {
		t.Error("fresh handle was evicted")
	}
}

func TestPoolSize(t *testing.T) {
	if got := poolSize(1); got != 1 {
		t.Errorf("poolSize(1) = %d", got)
	}
	if got := poolSize(1000); got < 1 {
		t.Errorf("poolSize(1000) = %d", got)
	}
	if a, b := poolSize(2), poolSize(1000); a > b {
		t.Errorf("pool grows beyond job count: %d > %d", a, b)
	}
}
