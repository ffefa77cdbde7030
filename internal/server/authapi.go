package server

import (
	"context"
	"net/http"

	"freva/internal/auth"
)

// tokenKey carries the verified token payload and the raw bearer token
// through the request context.
type tokenKey struct{}

type verifiedToken struct {
	payload *auth.TokenPayload
	raw     string
}

func tokenFromContext(ctx context.Context) *verifiedToken {
	t, _ := ctx.Value(tokenKey{}).(*verifiedToken)
	return t
}

// authed wraps a handler with bearer token verification. Requests
// without a valid token never reach the handler.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := auth.BearerToken(r)
		if raw == "" {
			s.writeJSON(w, http.StatusUnauthorized, apiError{Detail: "Not authenticated."})
			return
		}
		payload, err := s.gate.Verify(r.Context(), raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), tokenKey{}, &verifiedToken{
			payload: payload,
			raw:     raw,
		})
		next(w, r.WithContext(ctx))
	}
}

// handleTokenStatus reports the verified claims of the presented token.
func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, tokenFromContext(r.Context()).payload)
}

// handleUserInfo resolves the profile of the token's user.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.gate.UserInfo(r.Context(), tokenFromContext(r.Context()).raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleToken exchanges credentials or a refresh token for a normalized
// OAuth2 token at the identity server.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: "Invalid form data."})
		return
	}
	req := auth.TokenRequest{
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		GrantType:    r.PostFormValue("grant_type"),
		RefreshToken: r.PostFormValue("refresh-token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
	if req.GrantType == "" {
		req.GrantType = "password"
	}
	if req.GrantType != "password" && req.GrantType != "refresh_token" {
		s.writeJSON(w, http.StatusUnprocessableEntity,
			apiError{Detail: "Grant type must be password or refresh_token."})
		return
	}
	token, err := s.gate.FetchToken(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

// handleOpenIDConfig redirects to the identity server's discovery
// document.
func (s *Server) handleOpenIDConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OIDCDiscoveryURL == "" {
		s.writeJSON(w, http.StatusServiceUnavailable,
			apiError{Detail: "Authorization server not available."})
		return
	}
	http.Redirect(w, r, s.cfg.OIDCDiscoveryURL, http.StatusFound)
}

// username resolves the acting user for user-data operations: the
// profile's username when the identity server yields one, the token
// subject otherwise.
func (s *Server) username(ctx context.Context) string {
	token := tokenFromContext(ctx)
	if info, err := s.gate.UserInfo(ctx, token.raw); err == nil {
		return info.Username
	}
	return token.payload.Sub
}
