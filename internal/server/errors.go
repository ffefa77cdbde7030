package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"freva/internal/auth"
	"freva/internal/cache"
	"freva/internal/databrowser"
	"freva/internal/portal"
	"freva/internal/userdata"
)

// apiError is the JSON body of every error response.
type apiError struct {
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response. Encoding failures after the header
// went out can only be logged.
func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("could not encode response", "error", err)
	}
}

// writeError maps an error to its HTTP status and writes the error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, detail := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "detail", detail)
	}
	s.writeJSON(w, code, apiError{Detail: detail})
}

// statusFor maps the service error kinds to HTTP status codes. Unknown
// errors become internal server errors with a generic detail so backend
// addresses never leak to clients.
func statusFor(err error) (int, string) {
	var statusErr *portal.StatusError
	switch {
	case errors.As(err, &statusErr):
		return http.StatusServiceUnavailable, cache.StatusText(statusErr.Status)
	case errors.Is(err, databrowser.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, userdata.ErrNoValidMetadata):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "Token not valid."
	case errors.Is(err, auth.ErrUnavailable):
		return http.StatusServiceUnavailable, "Authorization server not available."
	case errors.Is(err, databrowser.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "Result stream too big."
	case errors.Is(err, databrowser.ErrNotFound):
		return http.StatusNotFound, "No results found."
	case errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, auth.ErrNoUserInfo):
		return http.StatusNotFound, "Not all user details could be found."
	}
	return http.StatusInternalServerError, "Internal server error."
}
