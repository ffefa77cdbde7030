package databrowser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"freva/internal/logging"
	"freva/internal/solr"
)

// batchSize is the page size for cursor-mark streaming.
const batchSize = 150

// SearchResult is the body of a metadata search response.
type SearchResult struct {
	TotalCount    int64             `json:"total_count"`
	Facets        map[string][]any  `json:"facets"`
	SearchResults []map[string]any  `json:"search_results"`
	FacetMapping  map[string]string `json:"facet_mapping"`
	PrimaryFacets []string          `json:"primary_facets"`
}

// SearchRecord is one analytics entry describing a finished search.
type SearchRecord struct {
	NumResults   int64
	Flavour      Flavour
	UniqKey      string
	ServerStatus int
	Date         time.Time
	Query        map[string]string
}

// Recorder persists search analytics. Implementations must tolerate
// backend outages; recording is best effort and never blocks a search.
type Recorder interface {
	RecordSearch(ctx context.Context, rec SearchRecord)
}

// Facade runs compiled searches against the index and shapes the results
// for the HTTP endpoints.
type Facade struct {
	client   *solr.Client
	cores    [2]string
	fields   []string
	recorder Recorder
	logger   *slog.Logger
}

// NewFacade builds the search facade. cores holds the versioned core
// first and the latest-only core second; fields lists the index's facet
// fields. recorder may be nil to disable analytics.
func NewFacade(client *solr.Client, cores [2]string, fields []string, recorder Recorder, logger *slog.Logger) *Facade {
	return &Facade{
		client:   client,
		cores:    cores,
		fields:   fields,
		recorder: recorder,
		logger:   logging.Default(logger).With("component", "databrowser"),
	}
}

// record hands the search off to the analytics recorder in the
// background. Empty result sets are not recorded.
func (f *Facade) record(ctx context.Context, s *Search, numResults int64, status int) {
	if f.recorder == nil || numResults == 0 {
		return
	}
	rec := SearchRecord{
		NumResults:   numResults,
		Flavour:      s.Translator.Flavour,
		UniqKey:      s.UniqKey,
		ServerStatus: status,
		Date:         time.Now(),
		Query:        s.Facets(),
	}
	go f.recorder.RecordSearch(context.WithoutCancel(ctx), rec)
}

// Metadata runs a facet-counting search. facets narrows the counted
// fields; "*" or "all" selects every configured field. maxResults bounds
// the sample of result rows included alongside the counts.
func (f *Facade) Metadata(ctx context.Context, s *Search, facets []string, maxResults int) (*SearchResult, error) {
	var searchFacets []string
	for _, facet := range facets {
		if facet != "*" && facet != "all" {
			searchFacets = append(searchFacets, facet)
		}
	}
	if len(searchFacets) == 0 {
		searchFacets = f.fields
	}
	facetFields := s.Translator.TranslateFacets(searchFacets, true)

	params := s.QueryParams()
	params.Set("facet", "true")
	params.Set("rows", strconv.Itoa(maxResults))
	params.Set("facet.sort", "index")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	params.Set("wt", "json")
	for _, field := range facetFields {
		params.Add("facet.field", field)
	}
	params.Set("fl", s.UniqKey+",fs_type")

	resp, err := f.client.Select(ctx, s.Core(f.cores), params)
	if err != nil {
		return nil, fmt.Errorf("metadata search: %w", err)
	}

	counts := make(map[string][]any, len(resp.FacetCounts.FacetFields))
	for field, values := range resp.FacetCounts.FacetFields {
		name := field
		if s.Translator.Translate {
			name = s.Translator.Forward(field)
		}
		counts[name] = values
	}
	results := make([]map[string]any, 0, len(resp.Response.Docs))
	for _, doc := range resp.Response.Docs {
		fsType := doc["fs_type"]
		if fsType == nil {
			fsType = "posix"
		}
		results = append(results, map[string]any{
			s.UniqKey: doc[s.UniqKey],
			"fs_type": fsType,
		})
	}
	mapping := make(map[string]string, len(facetFields))
	for _, field := range facetFields {
		if s.Translator.validFacetFreva(field) {
			mapping[field] = s.Translator.Forward(field)
		}
	}

	out := &SearchResult{
		TotalCount:    resp.Response.NumFound,
		Facets:        counts,
		SearchResults: results,
		FacetMapping:  mapping,
		PrimaryFacets: s.Translator.PrimaryKeys(),
	}
	f.record(ctx, s, out.TotalCount, 200)
	return out, nil
}

// Count returns the number of hits without fetching any documents.
func (f *Facade) Count(ctx context.Context, s *Search) (int64, error) {
	params := s.QueryParams()
	params.Set("rows", "0")
	params.Set("fl", "file,uri")
	params.Set("wt", "json")
	resp, err := f.client.Select(ctx, s.Core(f.cores), params)
	if err != nil {
		return 0, fmt.Errorf("count search: %w", err)
	}
	return resp.Response.NumFound, nil
}

// EachResult pages through every matching document and invokes fn per
// document. fields selects the returned columns next to the unique key;
// nil fetches the unique keys alone. It returns the total hit count. A
// non-nil error from fn stops the iteration.
func (f *Facade) EachResult(ctx context.Context, s *Search, fields []string, fn func(doc solr.Document) error) (int64, error) {
	params := s.QueryParams()
	fl := "file,uri"
	if len(fields) > 0 {
		fl = s.UniqKey + "," + joinFields(fields)
	}
	params.Set("fl", fl)
	params.Set("wt", "json")
	cursor := f.client.Cursor(s.Core(f.cores), params, batchSize)
	for {
		docs, err := cursor.Next(ctx)
		if err != nil {
			return cursor.NumFound, fmt.Errorf("stream search: %w", err)
		}
		if docs == nil {
			break
		}
		for _, doc := range docs {
			if err := fn(doc); err != nil {
				return cursor.NumFound, err
			}
		}
	}
	f.record(ctx, s, cursor.NumFound, 200)
	return cursor.NumFound, nil
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// Overview describes the available DRS standards and their facets.
type Overview struct {
	Flavours   []Flavour            `json:"flavours"`
	Attributes map[Flavour][]string `json:"attributes"`
}

// NewOverview lists every flavour with its usable facet names. The
// regional-model keys only show up for cordex.
func NewOverview() Overview {
	attributes := make(map[Flavour][]string, len(Flavours))
	for _, flavour := range Flavours {
		t := NewTranslator(flavour, true)
		var facets []string
		for _, p := range t.pairs {
			if flavour != FlavourCordex && isCordexKey(p.translated) {
				continue
			}
			facets = append(facets, p.translated)
		}
		attributes[flavour] = facets
	}
	return Overview{Flavours: Flavours, Attributes: attributes}
}

func isCordexKey(facet string) bool {
	for _, k := range CordexKeys {
		if k == facet {
			return true
		}
	}
	return false
}

// validFacetFreva reports whether facet is a freva-standard key of this
// translator.
func (t *Translator) validFacetFreva(facet string) bool {
	_, ok := t.forward[facet]
	return ok
}
