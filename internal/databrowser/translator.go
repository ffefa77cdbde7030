// Package databrowser implements the climate dataset search core: facet
// name translation between Data Reference Syntax (DRS) standards, Lucene
// query compilation and the search facade feeding the HTTP endpoints.
package databrowser

// Flavour names a DRS standard the search facets can be expressed in.
type Flavour string

// The supported DRS standards.
const (
	FlavourFreva    Flavour = "freva"
	FlavourCMIP6    Flavour = "cmip6"
	FlavourCMIP5    Flavour = "cmip5"
	FlavourCordex   Flavour = "cordex"
	FlavourNextGEMS Flavour = "nextgems"
	FlavourUser     Flavour = "user"
)

// Flavours lists the supported standards in presentation order.
var Flavours = []Flavour{
	FlavourFreva, FlavourCMIP6, FlavourCMIP5,
	FlavourCordex, FlavourNextGEMS, FlavourUser,
}

// ValidFlavour reports whether f names a supported standard.
func ValidFlavour(f Flavour) bool {
	for _, v := range Flavours {
		if v == f {
			return true
		}
	}
	return false
}

// facetPair maps one freva-standard facet to its name in another standard.
type facetPair struct {
	freva, translated string
}

// frevaFacets lists the facets of the freva standard in definition order
// together with their relevance class.
var frevaFacets = []struct {
	name    string
	primary bool
}{
	{"project", true},
	{"product", true},
	{"institute", true},
	{"model", true},
	{"experiment", true},
	{"time_frequency", true},
	{"realm", true},
	{"variable", true},
	{"ensemble", true},
	{"time_aggregation", true},
	{"fs_type", false},
	{"grid_label", false},
	{"cmor_table", false},
	{"driving_model", false},
	{"format", false},
	{"grid_id", false},
	{"level_type", false},
	{"rcm_name", false},
	{"rcm_version", false},
	{"dataset", false},
	{"time", false},
	{"bbox", false},
	{"user", false},
}

var cmip6Lookup = []facetPair{
	{"experiment", "experiment_id"},
	{"ensemble", "member_id"},
	{"fs_type", "fs_type"},
	{"grid_label", "grid_label"},
	{"institute", "institution_id"},
	{"model", "source_id"},
	{"project", "mip_era"},
	{"product", "activity_id"},
	{"realm", "realm"},
	{"variable", "variable_id"},
	{"time", "time"},
	{"bbox", "bbox"},
	{"time_aggregation", "time_aggregation"},
	{"time_frequency", "frequency"},
	{"cmor_table", "table_id"},
	{"dataset", "dataset"},
	{"driving_model", "driving_model"},
	{"format", "format"},
	{"grid_id", "grid_id"},
	{"level_type", "level_type"},
	{"rcm_name", "rcm_name"},
	{"rcm_version", "rcm_version"},
}

var cmip5Lookup = []facetPair{
	{"experiment", "experiment"},
	{"ensemble", "member_id"},
	{"fs_type", "fs_type"},
	{"grid_label", "grid_label"},
	{"institute", "institution_id"},
	{"model", "model_id"},
	{"project", "project"},
	{"product", "product"},
	{"realm", "realm"},
	{"variable", "variable"},
	{"time", "time"},
	{"bbox", "bbox"},
	{"time_aggregation", "time_aggregation"},
	{"time_frequency", "time_frequency"},
	{"cmor_table", "cmor_table"},
	{"dataset", "dataset"},
	{"driving_model", "driving_model"},
	{"format", "format"},
	{"grid_id", "grid_id"},
	{"level_type", "level_type"},
	{"rcm_name", "rcm_name"},
	{"rcm_version", "rcm_version"},
}

var cordexLookup = []facetPair{
	{"experiment", "experiment"},
	{"ensemble", "ensemble"},
	{"fs_type", "fs_type"},
	{"grid_label", "grid_label"},
	{"institute", "institution"},
	{"model", "model"},
	{"project", "project"},
	{"product", "domain"},
	{"realm", "realm"},
	{"variable", "variable"},
	{"time", "time"},
	{"bbox", "bbox"},
	{"time_aggregation", "time_aggregation"},
	{"time_frequency", "time_frequency"},
	{"cmor_table", "cmor_table"},
	{"dataset", "dataset"},
	{"driving_model", "driving_model"},
	{"format", "format"},
	{"grid_id", "grid_id"},
	{"level_type", "level_type"},
	{"rcm_name", "rcm_name"},
	{"rcm_version", "rcm_version"},
}

var nextgemsLookup = []facetPair{
	{"experiment", "experiment"},
	{"ensemble", "member_id"},
	{"fs_type", "fs_type"},
	{"grid_label", "grid_label"},
	{"institute", "institution_id"},
	{"model", "source_id"},
	{"project", "project"},
	{"product", "experiment_id"},
	{"realm", "realm"},
	{"variable", "variable_id"},
	{"time", "time"},
	{"bbox", "bbox"},
	{"time_aggregation", "time_reduction"},
	{"time_frequency", "time_frequency"},
	{"cmor_table", "cmor_table"},
	{"dataset", "dataset"},
	{"driving_model", "driving_model"},
	{"format", "format"},
	{"grid_id", "grid_id"},
	{"level_type", "level_type"},
	{"rcm_name", "rcm_name"},
	{"rcm_version", "rcm_version"},
}

// identityLookup covers the freva and user flavours whose facet names are
// already in the freva standard.
func identityLookup() []facetPair {
	pairs := make([]facetPair, len(frevaFacets))
	for i, f := range frevaFacets {
		pairs[i] = facetPair{f.name, f.name}
	}
	return pairs
}

func lookupFor(flavour Flavour) []facetPair {
	switch flavour {
	case FlavourCMIP6:
		return cmip6Lookup
	case FlavourCMIP5:
		return cmip5Lookup
	case FlavourCordex:
		return cordexLookup
	case FlavourNextGEMS:
		return nextgemsLookup
	default:
		return identityLookup()
	}
}

// FacetHierarchy orders the facets that identify a dataset, from the most
// to the least significant.
var FacetHierarchy = []string{
	"project", "product", "institute", "model", "experiment",
	"time_frequency", "realm", "variable", "ensemble", "cmor_table",
	"fs_type", "grid_label", "grid_id", "format",
}

// CordexKeys are the facets that only make sense for regional (cordex)
// datasets.
var CordexKeys = []string{"rcm_name", "driving_model", "rcm_version"}

// Translator maps facet names between the freva standard and one target
// DRS flavour. With Translate disabled it passes names through unchanged,
// which lets clients do their own mapping.
type Translator struct {
	Flavour   Flavour
	Translate bool

	pairs    []facetPair
	forward  map[string]string
	backward map[string]string
}

// NewTranslator builds a translator for the given flavour.
func NewTranslator(flavour Flavour, translate bool) *Translator {
	pairs := lookupFor(flavour)
	t := &Translator{
		Flavour:   flavour,
		Translate: translate,
		pairs:     pairs,
		forward:   make(map[string]string, len(pairs)),
		backward:  make(map[string]string, len(pairs)),
	}
	for _, p := range pairs {
		t.forward[p.freva] = p.translated
		t.backward[p.translated] = p.freva
	}
	return t
}

// Forward returns the flavour's name for a freva-standard facet, or the
// input when the facet is unknown.
func (t *Translator) Forward(facet string) string {
	if v, ok := t.forward[facet]; ok {
		return v
	}
	return facet
}

// Backward returns the freva-standard name for a flavour facet, or the
// input when the facet is unknown.
func (t *Translator) Backward(facet string) string {
	if v, ok := t.backward[facet]; ok {
		return v
	}
	return facet
}

// ValidFacets lists the facet names a search request may use with this
// translator.
func (t *Translator) ValidFacets() []string {
	out := make([]string, len(t.pairs))
	for i, p := range t.pairs {
		if t.Translate {
			out[i] = p.translated
		} else {
			out[i] = p.freva
		}
	}
	return out
}

func (t *Translator) validFacet(facet string) bool {
	if t.Translate {
		_, ok := t.backward[facet]
		return ok
	}
	_, ok := t.forward[facet]
	return ok
}

// PrimaryKeys lists the facets shown prominently for this flavour. Cordex
// adds its regional-model keys.
func (t *Translator) PrimaryKeys() []string {
	var keys []string
	for _, f := range frevaFacets {
		if !f.primary {
			continue
		}
		if t.Translate {
			keys = append(keys, t.Forward(f.name))
		} else {
			keys = append(keys, f.name)
		}
	}
	if t.Flavour == FlavourCordex {
		keys = append(keys, CordexKeys...)
	}
	return keys
}

// TranslateFacets maps facet names forward into the flavour, or backward
// into the freva standard. Without translation the input passes through.
func (t *Translator) TranslateFacets(facets []string, backwards bool) []string {
	out := make([]string, len(facets))
	for i, f := range facets {
		switch {
		case !t.Translate:
			out[i] = f
		case backwards:
			out[i] = t.Backward(f)
		default:
			out[i] = t.Forward(f)
		}
	}
	return out
}
