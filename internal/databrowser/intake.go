package databrowser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"freva/internal/solr"
)

// Version is stamped into generated catalogues. main overrides it at
// startup with the build version.
var Version = "dev"

// ErrNotFound marks a search without any hits where the endpoint needs at
// least one. ErrTooLarge marks a result set over the caller's limit.
var (
	ErrNotFound = errors.New("no results found")
	ErrTooLarge = errors.New("result set too large")
)

// IntakeAttribute describes one catalogue column.
type IntakeAttribute struct {
	ColumnName string `json:"column_name"`
	Vocabulary string `json:"vocabulary"`
}

// IntakeAggregation describes how a column aggregates across assets.
type IntakeAggregation struct {
	Type          string         `json:"type"`
	AttributeName string         `json:"attribute_name"`
	Options       map[string]any `json:"options"`
}

// IntakeCatalogue is the header of an intake-esm catalogue document. The
// catalog_dict entries are streamed separately.
type IntakeCatalogue struct {
	EsmcatVersion string            `json:"esmcat_version"`
	Attributes    []IntakeAttribute `json:"attributes"`
	Assets        struct {
		ColumnName       string `json:"column_name"`
		FormatColumnName string `json:"format_column_name"`
	} `json:"assets"`
	ID                 string `json:"id"`
	Description        string `json:"description"`
	Title              string `json:"title"`
	LastUpdated        string `json:"last_updated"`
	AggregationControl struct {
		VariableColumnName string              `json:"variable_column_name"`
		GroupbyAttrs       []string            `json:"groupby_attrs"`
		Aggregations       []IntakeAggregation `json:"aggregations"`
	} `json:"aggregation_control"`
}

func newIntakeCatalogue(s *Search, facets []string) *IntakeCatalogue {
	cat := &IntakeCatalogue{
		EsmcatVersion: "0.1.0",
		Attributes:    make([]IntakeAttribute, len(facets)),
		ID:            "freva",
		Description:   fmt.Sprintf("Catalogue from freva-databrowser v%s", Version),
		Title:         "freva-databrowser catalogue",
		LastUpdated:   time.Now().Format("2006-01-02T15:04:05.999999"),
	}
	for i, f := range facets {
		cat.Attributes[i] = IntakeAttribute{ColumnName: f}
	}
	cat.Assets.ColumnName = s.UniqKey
	cat.Assets.FormatColumnName = "format"
	cat.AggregationControl.VariableColumnName = s.Translator.Forward("variable")
	cat.AggregationControl.GroupbyAttrs = []string{}
	cat.AggregationControl.Aggregations = make([]IntakeAggregation, len(facets))
	for i, f := range facets {
		cat.AggregationControl.Aggregations[i] = IntakeAggregation{
			Type:          "union",
			AttributeName: f,
			Options:       map[string]any{},
		}
	}
	return cat
}

// IntakeCatalogue runs the facet search backing a catalogue and builds
// its header. The second return value is the total hit count.
func (f *Facade) IntakeCatalogue(ctx context.Context, s *Search) (*IntakeCatalogue, int64, error) {
	params := s.QueryParams()
	params.Set("facet", "true")
	params.Set("facet.mincount", "1")
	params.Set("facet.limit", "-1")
	params.Set("rows", strconv.Itoa(batchSize))
	params.Set("wt", "json")
	for _, field := range f.fields {
		params.Add("facet.field", field)
	}
	params.Set("fl", s.UniqKey+","+joinFields(f.fields))

	resp, err := f.client.Select(ctx, s.Core(f.cores), params)
	if err != nil {
		return nil, 0, fmt.Errorf("intake search: %w", err)
	}

	// Only the hierarchy facets with at least one value become columns.
	var facets []string
	for _, facet := range FacetHierarchy {
		if len(resp.FacetCounts.FacetFields[facet]) > 0 {
			facets = append(facets, s.Translator.Forward(facet))
		}
	}
	return newIntakeCatalogue(s, facets), resp.Response.NumFound, nil
}

// catalogueEntry picks the unique key and hierarchy facets out of one
// document, unwrapping single-element value lists.
func (s *Search) catalogueEntry(doc solr.Document) map[string]any {
	entry := map[string]any{}
	for _, key := range append([]string{s.UniqKey}, FacetHierarchy...) {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		if list, ok := v.([]any); ok {
			if len(list) == 0 {
				continue
			}
			if len(list) == 1 {
				v = list[0]
			}
		}
		entry[key] = v
	}
	return entry
}

// StreamIntake writes a full intake-esm catalogue: the header followed by
// one catalog_dict entry per matching document. When rewrite is non-nil
// it replaces each entry's unique key value, which the zarr endpoint uses
// to point the catalogue at streaming URLs.
func (f *Facade) StreamIntake(ctx context.Context, s *Search, w io.Writer, rewrite func(uniqValue string) (string, error)) error {
	cat, _, err := f.IntakeCatalogue(ctx, s)
	if err != nil {
		return err
	}
	if err := writeIntakeHeader(w, cat); err != nil {
		return err
	}
	first := true
	_, err = f.EachResult(ctx, s, f.fields, func(doc solr.Document) error {
		if rewrite != nil {
			uniq, _ := doc[s.UniqKey].(string)
			replaced, err := rewrite(uniq)
			if err != nil {
				return err
			}
			doc[s.UniqKey] = replaced
		}
		entry, err := json.MarshalIndent(s.catalogueEntry(doc), "   ", "   ")
		if err != nil {
			return err
		}
		sep := ",\n   "
		if first {
			sep = "[\n   "
			first = false
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		_, err = w.Write(entry)
		return err
	})
	if err != nil {
		return err
	}
	if first {
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "\n   ]\n}")
	return err
}

// writeIntakeHeader writes the catalogue JSON without its closing brace
// and opens the catalog_dict member.
func writeIntakeHeader(w io.Writer, cat *IntakeCatalogue) error {
	raw, err := json.MarshalIndent(cat, "", "   ")
	if err != nil {
		return err
	}
	// Drop the trailing "\n}" so catalog_dict can be appended.
	raw = raw[:len(raw)-2]
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = io.WriteString(w, ",\n   \"catalog_dict\": ")
	return err
}
