package databrowser

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"freva/internal/solr"
)

type fakeRecorder struct {
	mu   sync.Mutex
	recs []SearchRecord
}

func (r *fakeRecorder) RecordSearch(_ context.Context, rec SearchRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *fakeRecorder) wait(t *testing.T) SearchRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.recs)
		r.mu.Unlock()
		if n > 0 {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.recs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no search was recorded")
	return SearchRecord{}
}

func newTestFacade(t *testing.T, handler http.HandlerFunc, rec Recorder) *Facade {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := solr.New(srv.URL, nil)
	fields := []string{"project", "model", "variable"}
	return NewFacade(client, [2]string{"files", "latest"}, fields, rec, nil)
}

func TestFacadeMetadata(t *testing.T) {
	rec := &fakeRecorder{}
	var gotQuery url.Values
	f := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/solr/latest/") {
			t.Errorf("path = %s, want latest core", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"numFound": 3, "docs": []map[string]any{
				{"file": "/arch/a.nc", "fs_type": "posix"},
				{"file": "/arch/b.nc"},
			}},
			"facet_counts": map[string]any{"facet_fields": map[string]any{
				"project": []any{"cmip6", 3},
			}},
		})
	}, rec)

	s, err := NewSearch(SearchOptions{Flavour: FlavourCMIP6, Translate: true},
		url.Values{"mip_era": {"CMIP6"}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.Metadata(context.Background(), s, []string{"mip_era"}, 5)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}

	// The requested facet field is translated back to the index schema.
	if got := gotQuery["facet.field"]; len(got) != 1 || got[0] != "project" {
		t.Errorf("facet.field = %v", got)
	}
	if out.TotalCount != 3 {
		t.Errorf("total count = %d", out.TotalCount)
	}
	// Facet counts are translated into the requested flavour.
	if _, ok := out.Facets["mip_era"]; !ok {
		t.Errorf("facets = %v", out.Facets)
	}
	if out.FacetMapping["project"] != "mip_era" {
		t.Errorf("facet mapping = %v", out.FacetMapping)
	}
	if len(out.SearchResults) != 2 {
		t.Fatalf("search results = %v", out.SearchResults)
	}
	if out.SearchResults[1]["fs_type"] != "posix" {
		t.Errorf("fs_type should default to posix: %v", out.SearchResults[1])
	}

	r := rec.wait(t)
	if r.NumResults != 3 || r.Flavour != FlavourCMIP6 || r.Query["project"] != "CMIP6" {
		t.Errorf("recorded search = %+v", r)
	}
}

func TestFacadeCount(t *testing.T) {
	f := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("rows"); got != "0" {
			t.Errorf("rows = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"numFound": 42},
		})
	}, nil)

	s, _ := NewSearch(SearchOptions{Flavour: FlavourFreva}, nil)
	n, err := f.Count(context.Background(), s)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d", n)
	}
}

func TestFacadeEachResult(t *testing.T) {
	f := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		mark := r.URL.Query().Get("cursorMark")
		resp := map[string]any{"nextCursorMark": "end"}
		if mark == solr.CursorStart {
			resp["response"] = map[string]any{"numFound": 2, "docs": []map[string]any{
				{"file": "/arch/a.nc"}, {"file": "/arch/b.nc"},
			}}
			resp["nextCursorMark"] = "end"
		} else {
			resp["response"] = map[string]any{"numFound": 2, "docs": []map[string]any{}}
			resp["nextCursorMark"] = mark
		}
		json.NewEncoder(w).Encode(resp)
	}, nil)

	s, _ := NewSearch(SearchOptions{Flavour: FlavourFreva, MultiVersion: true}, nil)
	var files []string
	n, err := f.EachResult(context.Background(), s, nil, func(doc solr.Document) error {
		files = append(files, doc["file"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("EachResult: %v", err)
	}
	if n != 2 || len(files) != 2 || files[0] != "/arch/a.nc" {
		t.Errorf("n = %d, files = %v", n, files)
	}
}

func TestStreamIntake(t *testing.T) {
	f := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursorMark") == "" {
			// Catalogue header query with facet counts.
			json.NewEncoder(w).Encode(map[string]any{
				"response": map[string]any{"numFound": 2},
				"facet_counts": map[string]any{"facet_fields": map[string]any{
					"project":  []any{"cmip6", 2},
					"variable": []any{"tas", 2},
				}},
			})
			return
		}
		mark := r.URL.Query().Get("cursorMark")
		docs := []map[string]any{}
		next := mark
		if mark == solr.CursorStart {
			docs = []map[string]any{
				{"file": "/arch/a.nc", "project": []any{"cmip6"}, "variable": []any{"tas"}},
				{"file": "/arch/b.nc", "project": []any{"cmip6"}, "variable": []any{"pr", "tas"}},
			}
			next = "end"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response":       map[string]any{"numFound": 2, "docs": docs},
			"nextCursorMark": next,
		})
	}, nil)

	s, _ := NewSearch(SearchOptions{Flavour: FlavourFreva}, nil)
	var buf bytes.Buffer
	if err := f.StreamIntake(context.Background(), s, &buf, nil); err != nil {
		t.Fatalf("StreamIntake: %v", err)
	}

	var cat map[string]any
	if err := json.Unmarshal(buf.Bytes(), &cat); err != nil {
		t.Fatalf("catalogue is not valid JSON: %v\n%s", err, buf.String())
	}
	if cat["esmcat_version"] != "0.1.0" {
		t.Errorf("esmcat_version = %v", cat["esmcat_version"])
	}
	entries, ok := cat["catalog_dict"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("catalog_dict = %v", cat["catalog_dict"])
	}
	first := entries[0].(map[string]any)
	if first["file"] != "/arch/a.nc" || first["project"] != "cmip6" {
		t.Errorf("entry = %v", first)
	}
	// Multi-valued facets stay lists.
	second := entries[1].(map[string]any)
	if _, ok := second["variable"].([]any); !ok {
		t.Errorf("multi-valued facet = %v", second["variable"])
	}

	// Attribute columns follow the facet hierarchy fields that had values.
	attrs := cat["attributes"].([]any)
	if len(attrs) != 2 {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestStreamIntakeRewrite(t *testing.T) {
	f := newTestFacade(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursorMark") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"response":     map[string]any{"numFound": 1},
				"facet_counts": map[string]any{"facet_fields": map[string]any{"project": []any{"obs", 1}}},
			})
			return
		}
		docs := []map[string]any{}
		next := "end"
		if r.URL.Query().Get("cursorMark") == solr.CursorStart {
			docs = []map[string]any{{"file": "/arch/a.nc", "project": []any{"obs"}}}
		} else {
			next = r.URL.Query().Get("cursorMark")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response":       map[string]any{"numFound": 1, "docs": docs},
			"nextCursorMark": next,
		})
	}, nil)

	s, _ := NewSearch(SearchOptions{Flavour: FlavourFreva}, nil)
	var buf bytes.Buffer
	err := f.StreamIntake(context.Background(), s, &buf, func(uniq string) (string, error) {
		return "https://example.org/zarr/" + uniq, nil
	})
	if err != nil {
		t.Fatalf("StreamIntake: %v", err)
	}
	var cat map[string]any
	if err := json.Unmarshal(buf.Bytes(), &cat); err != nil {
		t.Fatalf("catalogue is not valid JSON: %v", err)
	}
	entry := cat["catalog_dict"].([]any)[0].(map[string]any)
	if entry["file"] != "https://example.org/zarr//arch/a.nc" {
		t.Errorf("rewritten entry = %v", entry)
	}
}
