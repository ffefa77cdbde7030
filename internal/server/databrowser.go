package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"freva/internal/databrowser"
	"freva/internal/solr"
)

// controlParams are query keys that steer the endpoint instead of
// constraining facets. They are stripped before search compilation.
var controlParams = []string{
	"start", "multi-version", "translate", "max-results", "facets", "catalogue-type",
}

func intParam(query url.Values, key string, fallback int) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", databrowser.ErrValidation, key)
	}
	return n, nil
}

func boolParam(query url.Values, key string, fallback bool) (bool, error) {
	raw := query.Get(key)
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", databrowser.ErrValidation, key)
	}
	return b, nil
}

// searchFromRequest compiles the search request from the path and query
// parameters. uniqKey overrides the path value for endpoints with a
// fixed result column.
func searchFromRequest(r *http.Request, uniqKey string) (*databrowser.Search, error) {
	query := r.URL.Query()
	start, err := intParam(query, "start", 0)
	if err != nil {
		return nil, err
	}
	multiVersion, err := boolParam(query, "multi-version", false)
	if err != nil {
		return nil, err
	}
	translate, err := boolParam(query, "translate", true)
	if err != nil {
		return nil, err
	}
	for _, key := range controlParams {
		query.Del(key)
	}
	return databrowser.NewSearch(databrowser.SearchOptions{
		Flavour:      databrowser.Flavour(r.PathValue("flavour")),
		UniqKey:      uniqKey,
		Start:        start,
		MultiVersion: multiVersion,
		Translate:    translate,
	}, query)
}

// handleOverview lists the search flavours with their facet attributes.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, databrowser.NewOverview())
}

// handleDataSearch streams the matching unique keys as plain text, one
// record per line. The stream is flushed per record; failures after the
// first line can only end the stream early.
func (s *Server) handleDataSearch(w http.ResponseWriter, r *http.Request) {
	search, err := searchFromRequest(r, r.PathValue("uniq_key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	flusher, _ := w.(http.Flusher)
	wrote := false
	_, err = s.browser.EachResult(r.Context(), search, nil, func(doc solr.Document) error {
		value, _ := doc[search.UniqKey].(string)
		if _, err := io.WriteString(w, value+"\n"); err != nil {
			return err
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if !wrote {
			s.writeError(w, err)
			return
		}
		s.logger.Warn("data search stream ended early", "error", err)
	}
}

// handleMetadataSearch returns the facet counts without result rows.
func (s *Server) handleMetadataSearch(w http.ResponseWriter, r *http.Request) {
	facets := r.URL.Query()["facets"]
	search, err := searchFromRequest(r, r.PathValue("uniq_key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.browser.Metadata(r.Context(), search, facets, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_count":    result.TotalCount,
		"facets":         result.Facets,
		"facet_mapping":  result.FacetMapping,
		"primary_facets": result.PrimaryFacets,
	})
}

// handleExtendedSearch returns facet counts plus a page of result rows.
func (s *Server) handleExtendedSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	facets := query["facets"]
	maxResults, err := intParam(query, "max-results", 150)
	if err != nil {
		s.writeError(w, err)
		return
	}
	search, err := searchFromRequest(r, r.PathValue("uniq_key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.browser.Metadata(r.Context(), search, facets, maxResults)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleIntakeCatalogue streams an intake-esm catalogue built from the
// search as a JSON attachment.
func (s *Server) handleIntakeCatalogue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	maxResults, err := intParam(query, "max-results", -1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	search, err := searchFromRequest(r, r.PathValue("uniq_key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.browser.Count(r.Context(), search)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if total == 0 {
		s.writeError(w, databrowser.ErrNotFound)
		return
	}
	if maxResults > 0 && total > int64(maxResults) {
		s.writeError(w, databrowser.ErrTooLarge)
		return
	}
	fileName := fmt.Sprintf("IntakeEsmCatalogue_%s_%s.json",
		r.PathValue("flavour"), search.UniqKey)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	if err := s.browser.StreamIntake(r.Context(), search, w, nil); err != nil {
		s.logger.Warn("intake catalogue stream ended early", "error", err)
	}
}

// handleLoad stages every matching dataset for zarr streaming and
// returns the chunk-store URLs, either as plain lines or wrapped in an
// intake catalogue.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Services["zarr-stream"] || s.portal == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiError{Detail: "Service not enabled."})
		return
	}
	catalogueType := r.URL.Query().Get("catalogue-type")
	if catalogueType != "" && catalogueType != "intake" {
		s.writeJSON(w, http.StatusUnprocessableEntity,
			apiError{Detail: "Catalogue type must be intake."})
		return
	}
	search, err := searchFromRequest(r, "uri")
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.browser.Count(r.Context(), search)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if total < 1 {
		s.writeJSON(w, http.StatusBadRequest, apiError{Detail: "No results found."})
		return
	}

	if catalogueType == "intake" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="IntakeEsmCatalogue.json"`)
		w.WriteHeader(http.StatusCreated)
		err := s.browser.StreamIntake(r.Context(), search, w, func(uri string) (string, error) {
			return s.portal.Stage(r.Context(), uri)
		})
		if err != nil {
			s.logger.Warn("zarr catalogue stream ended early", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	flusher, _ := w.(http.Flusher)
	_, err = s.browser.EachResult(r.Context(), search, nil, func(doc solr.Document) error {
		uri, _ := doc["uri"].(string)
		zarrURL, err := s.portal.Stage(r.Context(), uri)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, zarrURL+"\n"); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("zarr url stream ended early", "error", err)
	}
}

// userDataRequest is the body of a user-data ingest request.
type userDataRequest struct {
	UserMetadata []map[string]any  `json:"user_metadata"`
	Facets       map[string]string `json:"facets"`
}

// handleUserDataAdd ingests user-supplied metadata records into the
// index, scoped to the authenticated user.
func (s *Server) handleUserDataAdd(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiError{Detail: "Service not enabled."})
		return
	}
	var req userDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: "Invalid request body."})
		return
	}
	msg, err := s.ingestor.Add(r.Context(), s.username(r.Context()), req.UserMetadata, req.Facets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": msg})
}

// handleUserDataDelete removes the user's records matching the query
// parameters from index and document store.
func (s *Server) handleUserDataDelete(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiError{Detail: "Service not enabled."})
		return
	}
	keys := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			keys[key] = values[0]
		}
	}
	if err := s.ingestor.Delete(r.Context(), s.username(r.Context()), keys); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "Deletion request accepted."})
}
