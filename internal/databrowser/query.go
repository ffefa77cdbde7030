package databrowser

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrValidation marks unusable search parameters. Handlers map it to a
// 422 response.
var ErrValidation = errors.New("could not validate input")

// UniqKeys are the fields a search can stream as its result column.
var UniqKeys = []string{"file", "uri"}

// escapeChars are the Lucene query syntax characters that must be escaped
// inside facet values.
var escapeChars = []string{
	"+", "-", "&&", "||", "!", "(", ")", "{", "}", "[", "]", "^", "~", ":", "/",
}

func escapeLucene(value string) string {
	for _, c := range escapeChars {
		value = strings.ReplaceAll(value, c, `\`+c)
	}
	return value
}

// escapeLuceneQuoted additionally escapes double quotes, for values placed
// inside a quoted term.
func escapeLuceneQuoted(value string) string {
	return strings.ReplaceAll(escapeLucene(value), `"`, `\"`)
}

// Escape escapes Lucene query syntax characters in a facet value.
func Escape(value string) string { return escapeLucene(value) }

// EscapeQuoted escapes a value for use inside a quoted Lucene term.
func EscapeQuoted(value string) string { return escapeLuceneQuoted(value) }

// facetFilter is one user-supplied facet constraint in freva-standard
// naming, insertion order preserved.
type facetFilter struct {
	key    string
	values []string
}

// Search is a validated and compiled search request. Build one with
// NewSearch and feed it to the Facade's operations.
type Search struct {
	UniqKey      string
	MultiVersion bool
	Start        int
	Translator   *Translator

	facets []facetFilter
	time   string
	bbox   string
}

// SearchOptions collects the knobs of a search request before validation.
type SearchOptions struct {
	Flavour      Flavour
	UniqKey      string
	Start        int
	MultiVersion bool
	Translate    bool
}

// reservedParams are query keys with special handling rather than facet
// semantics.
var reservedParams = map[string]bool{
	"time_select": true,
	"bbox_select": true,
}

// NewSearch validates the request parameters and compiles the special
// time and bbox facets. Unknown facet keys fail with ErrValidation; a
// malformed time or bbox value is reported as a plain error, which the
// HTTP layer maps to an internal error like the reference service does.
func NewSearch(opts SearchOptions, params url.Values) (*Search, error) {
	if !ValidFlavour(opts.Flavour) {
		return nil, fmt.Errorf("%w: unknown flavour %q", ErrValidation, opts.Flavour)
	}
	uniqKey := opts.UniqKey
	if uniqKey == "" {
		uniqKey = "file"
	}
	if uniqKey != "file" && uniqKey != "uri" {
		return nil, fmt.Errorf("%w: uniq key must be file or uri", ErrValidation)
	}

	translator := NewTranslator(opts.Flavour, opts.Translate)
	s := &Search{
		UniqKey:      uniqKey,
		MultiVersion: opts.MultiVersion,
		Start:        opts.Start,
		Translator:   translator,
	}

	first := func(key string) string {
		if v := params[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	var err error
	if s.time, err = TimeFilter(first("time"), firstOr(params, "time_select", "flexible")); err != nil {
		return nil, err
	}
	if s.bbox, err = BBoxFilter(first("bbox"), firstOr(params, "bbox_select", "flexible")); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == "time" || key == "bbox" || reservedParams[key] {
			continue
		}
		bare := strings.ReplaceAll(strings.ToLower(key), "_not_", "")
		if !translator.validFacet(bare) && bare != "file" && bare != "uri" {
			return nil, fmt.Errorf("%w: unknown facet %q", ErrValidation, key)
		}
		s.facets = append(s.facets, facetFilter{
			key:    translateKey(translator, key),
			values: params[key],
		})
	}
	return s, nil
}

// translateKey maps one query key back to the freva standard, preserving
// a _not_ marker embedded in the key.
func translateKey(t *Translator, key string) string {
	if !t.Translate {
		return key
	}
	if bare, ok := strings.CutSuffix(key, "_not_"); ok {
		return t.Backward(bare) + "_not_"
	}
	return t.Backward(key)
}

func firstOr(params url.Values, key, fallback string) string {
	if v := params[key]; len(v) > 0 && v[0] != "" {
		return v[0]
	}
	return fallback
}

// Facets returns the compiled facet constraints in freva-standard naming,
// joined as the analytics recorder stores them.
func (s *Search) Facets() map[string]string {
	out := make(map[string]string, len(s.facets))
	for _, f := range s.facets {
		out[f.key] = strings.Join(f.values, "&")
	}
	return out
}

// Core picks the index core for the request: the versioned core when all
// dataset versions are wanted, the latest-only core otherwise.
func (s *Search) Core(cores [2]string) string {
	if s.MultiVersion {
		return cores[0]
	}
	return cores[1]
}

// selectMethods maps the user-facing range operators onto the spatial and
// temporal predicate names of the index.
var selectMethods = map[string]string{
	"strict":   "Within",
	"flexible": "Intersects",
	"file":     "Contains",
}

// TimeFilter compiles a time range such as "2000 to 2012" into the
// index's temporal predicate. Open ends default to year 1 and year 9999.
func TimeFilter(value, method string) (string, error) {
	if value == "" {
		return "", nil
	}
	op, ok := selectMethods[method]
	if !ok {
		return "", fmt.Errorf("choose time_select from strict, flexible, file")
	}
	value = strings.Join(strings.Fields(value), "")
	startStr, endStr, _ := strings.Cut(strings.ToLower(value), "to")
	start, err := parsePartialTime(startStr, time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return "", err
	}
	end, err := parsePartialTime(endStr, time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC))
	if err != nil {
		return "", err
	}
	const iso = "2006-01-02T15:04:05"
	return fmt.Sprintf("{!field f=time op=%s}[%s TO %s]", op, start.Format(iso), end.Format(iso)), nil
}

// parsePartialTime fills the components a partial ISO-8601 stamp leaves
// out from the given default, so "2012" becomes 2012-12-31T23:59:59 when
// anchored at the end of a range.
func parsePartialTime(value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	datePart, timePart, _ := strings.Cut(value, "t")

	year, month, day := def.Year(), int(def.Month()), def.Day()
	fields := strings.Split(datePart, "-")
	if len(fields) > 3 {
		return time.Time{}, fmt.Errorf("invalid time %q", value)
	}
	targets := []*int{&year, &month, &day}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q", value)
		}
		*targets[i] = n
	}

	hour, minute, sec := def.Hour(), def.Minute(), def.Second()
	if timePart != "" {
		fields = strings.Split(timePart, ":")
		if len(fields) > 3 {
			return time.Time{}, fmt.Errorf("invalid time %q", value)
		}
		targets = []*int{&hour, &minute, &sec}
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid time %q", value)
			}
			*targets[i] = n
		}
	}

	if year < 1 || year > 9999 || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid time %q", value)
	}
	// Clamp the default day to the target month's length so "2012-02"
	// anchored at day 31 stays inside February.
	if max := daysIn(year, time.Month(month)); day > max {
		if len(strings.Split(datePart, "-")) >= 3 {
			return time.Time{}, fmt.Errorf("invalid time %q", value)
		}
		day = max
	}
	if hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("invalid time %q", value)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// BBoxFilter compiles a "minLon,maxLon by minLat,maxLat" bounding box
// into the index's spatial predicate.
func BBoxFilter(value, method string) (string, error) {
	if value == "" {
		return "", nil
	}
	op, ok := selectMethods[strings.ToLower(method)]
	if !ok {
		return "", fmt.Errorf("choose bbox_select from strict, flexible, file")
	}
	value = strings.Join(strings.Fields(value), "")
	lonPart, latPart, ok := strings.Cut(strings.ToLower(value), "by")
	if !ok {
		return "", fmt.Errorf("failed to parse bbox string: %q", value)
	}
	minLon, maxLon, err := parseCoordPair(lonPart)
	if err != nil {
		return "", fmt.Errorf("failed to parse bbox string: %w", err)
	}
	minLat, maxLat, err := parseCoordPair(latPart)
	if err != nil {
		return "", fmt.Errorf("failed to parse bbox string: %w", err)
	}
	if minLon < -180 || minLon > 180 || maxLon < -180 || maxLon > 180 {
		return "", fmt.Errorf("longitude must be between -180 and 180")
	}
	if minLat < -90 || minLat > 90 || maxLat < -90 || maxLat > 90 {
		return "", fmt.Errorf("latitude must be between -90 and 90")
	}
	return fmt.Sprintf(`bbox:"%s(ENVELOPE(%s,%s,%s,%s))"`, op,
		formatCoord(minLon), formatCoord(maxLon),
		formatCoord(maxLat), formatCoord(minLat)), nil
}

func parseCoordPair(part string) (float64, float64, error) {
	lo, hi, ok := strings.Cut(part, ",")
	if !ok {
		return 0, 0, fmt.Errorf("expected two comma separated values in %q", part)
	}
	a, err := strconv.ParseFloat(lo, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(hi, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// joinFacetValues splits one facet's values into the contains and
// NOT-contains halves of the query and escapes them for Lucene. Values of
// the unique key fields keep their case.
func joinFacetValues(key string, values []string) (positive, negative string) {
	var pos, neg []string
	for _, v := range values {
		if key != "file" && key != "uri" {
			v = strings.ToLower(v)
		}
		switch {
		case strings.HasPrefix(strings.ToLower(v), "not "):
			neg = append(neg, v[4:])
		case v != "" && (v[0] == '!' || v[0] == '-'):
			neg = append(neg, v[1:])
		case strings.Contains(key, "_not_"):
			neg = append(neg, v)
		default:
			pos = append(pos, v)
		}
	}
	return escapeLucene(strings.Join(pos, " OR ")), escapeLucene(strings.Join(neg, " OR "))
}

// QueryParams compiles the search into index select parameters. Every
// facet becomes a filter query; the user-data tag keeps user-ingested
// records out of regular searches and is the sole scope of the user
// flavour.
func (s *Search) QueryParams() url.Values {
	var clauses []string
	for _, f := range s.facets {
		pos, neg := joinFacetValues(f.key, f.values)
		key := strings.ReplaceAll(strings.ToLower(f.key), "_not_", "")
		if pos != "" {
			clauses = append(clauses, fmt.Sprintf("%s:(%s)", key, pos))
		}
		if neg != "" {
			clauses = append(clauses, fmt.Sprintf("-%s:(%s)", key, neg))
		}
	}
	userQuery := "{!ex=userTag}-user:*"
	if s.Translator.Flavour == FlavourUser {
		userQuery = "user:*"
	}
	joined := strings.Join(clauses, " AND ")
	if joined == "" && s.time == "" && s.bbox == "" {
		joined = "*:*"
	}

	params := url.Values{}
	params.Set("q", "*:*")
	for _, fq := range []string{s.time, s.bbox, userQuery, joined} {
		if fq != "" {
			params.Add("fq", fq)
		}
	}
	params.Set("start", strconv.Itoa(s.Start))
	params.Set("sort", "file desc")
	return params
}
