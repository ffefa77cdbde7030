package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"freva/internal/cache"
	"freva/internal/databrowser"
	"freva/internal/portal"
	"freva/internal/zarr"
)

// maxPollTimeout caps how long a chunk-store request may wait for the
// workers before giving up.
const maxPollTimeout = 1500

// storeID extracts the job uuid from the {store} path segment.
func storeID(r *http.Request) (string, error) {
	store := r.PathValue("store")
	id, found := strings.CutSuffix(store, ".zarr")
	if !found || id == "" {
		return "", fmt.Errorf("%w: %s", cache.ErrNotFound, store)
	}
	return id, nil
}

// pollTimeout reads the poll budget in seconds from the timeout query
// parameter.
func pollTimeout(r *http.Request) (int, error) {
	polls, err := intParam(r.URL.Query(), "timeout", 1)
	if err != nil {
		return 0, err
	}
	if polls < 0 || polls > maxPollTimeout {
		return 0, fmt.Errorf("%w: timeout must be between 0 and %d",
			databrowser.ErrValidation, maxPollTimeout)
	}
	return polls, nil
}

// zarrError maps portal errors: an unknown uuid becomes a 404 naming the
// store, everything else goes through the standard mapping.
func (s *Server) zarrError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, cache.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound,
			apiError{Detail: fmt.Sprintf("%s uuid does not exist (anymore).", id)})
		return
	}
	s.writeError(w, err)
}

// writeRawJSON writes a pre-marshalled JSON document.
func (s *Server) writeRawJSON(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("could not write response", "error", err)
	}
}

// handleZarrStatus reports the state of a loading job. Unfinished or
// failed jobs answer 503 with the status text.
func (s *Server) handleZarrStatus(w http.ResponseWriter, r *http.Request) {
	id, err := storeID(r)
	if err != nil {
		s.zarrError(w, r.PathValue("store"), err)
		return
	}
	polls, err := pollTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.portal.Status(r.Context(), id, polls)
	if err != nil {
		s.zarrError(w, id, err)
		return
	}
	if status.Status != cache.StatusOK {
		s.writeError(w, &portal.StatusError{Status: status.Status, Reason: status.Reason})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": cache.StatusText(status.Status),
	})
}

// handleZarrMetadata serves the consolidated store metadata.
func (s *Server) handleZarrMetadata(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.storeMetadata(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

// handleZarrGroup serves the top-level group document.
func (s *Server) handleZarrGroup(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.storeMetadata(w, r)
	if !ok {
		return
	}
	s.writeRawJSON(w, meta.Metadata[zarr.GroupKey])
}

// handleZarrAttrs serves the top-level attributes.
func (s *Server) handleZarrAttrs(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.storeMetadata(w, r)
	if !ok {
		return
	}
	s.writeRawJSON(w, meta.Metadata[zarr.AttrsKey])
}

// storeMetadata resolves the consolidated metadata for the request's
// store, writing the error response itself when it fails.
func (s *Server) storeMetadata(w http.ResponseWriter, r *http.Request) (*zarr.Consolidated, bool) {
	id, err := storeID(r)
	if err != nil {
		s.zarrError(w, r.PathValue("store"), err)
		return nil, false
	}
	polls, err := pollTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	meta, err := s.portal.Metadata(r.Context(), id, polls)
	if err != nil {
		s.zarrError(w, id, err)
		return nil, false
	}
	return meta, true
}

// handleZarrChunk serves one encoded array chunk. The per-variable
// .zarray and .zattrs documents arrive through the same route since they
// share the {variable}/{chunk} shape.
func (s *Server) handleZarrChunk(w http.ResponseWriter, r *http.Request) {
	variable := r.PathValue("variable")
	chunk := r.PathValue("chunk")

	if strings.Contains(chunk, zarr.ArrayKey) || strings.Contains(chunk, zarr.AttrsKey) {
		meta, ok := s.storeMetadata(w, r)
		if !ok {
			return
		}
		key := variable + "/" + zarr.ArrayKey
		if strings.Contains(chunk, zarr.AttrsKey) {
			key = variable + "/" + zarr.AttrsKey
		}
		raw, found := meta.Metadata[key]
		if !found {
			s.writeJSON(w, http.StatusBadRequest,
				apiError{Detail: fmt.Sprintf("unknown variable %q", variable)})
			return
		}
		s.writeRawJSON(w, raw)
		return
	}
	if strings.Contains(chunk, zarr.GroupKey) {
		s.writeJSON(w, http.StatusBadRequest, apiError{Detail: "Sub groups are not supported."})
		return
	}

	id, err := storeID(r)
	if err != nil {
		s.zarrError(w, r.PathValue("store"), err)
		return
	}
	polls, err := pollTimeout(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := s.portal.Chunk(r.Context(), id, variable, chunk, polls)
	if err != nil {
		s.zarrError(w, id, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("could not write chunk", "error", err)
	}
}
