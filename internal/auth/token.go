package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultExpiry is assumed when the identity server reports neither an
// absolute nor a relative token lifetime.
const defaultExpiry = 180 * time.Second

// Token is the normalized OAuth2 token response handed to clients.
// Expiry times are absolute unix timestamps regardless of how the
// identity server reported them.
type Token struct {
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	Expires        int64  `json:"expires"`
	RefreshToken   string `json:"refresh_token"`
	RefreshExpires int64  `json:"refresh_expires"`
	Scope          string `json:"scope"`
}

// TokenRequest carries the credentials of a token or refresh exchange.
type TokenRequest struct {
	Username     string
	Password     string
	GrantType    string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// FetchToken exchanges credentials for a token at the identity server.
// Empty client credentials fall back to the gate's configured client.
func (g *Gate) FetchToken(ctx context.Context, req TokenRequest) (*Token, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	grantType := req.GrantType
	if grantType == "" {
		grantType = "password"
	}
	form := url.Values{}
	form.Set("grant_type", grantType)
	setIf := func(key, value string) {
		if value != "" {
			form.Set(key, value)
		}
	}
	setIf("client_id", firstNonEmpty(req.ClientID, g.ClientID))
	setIf("client_secret", firstNonEmpty(req.ClientSecret, g.ClientSecret))
	if grantType == "password" {
		setIf("username", req.Username)
		setIf("password", req.Password)
	} else {
		setIf("refresh_token", req.RefreshToken)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: token endpoint status %d", ErrUnauthorized, resp.StatusCode)
	}
	var tokenData map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tokenData); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return normalizeToken(tokenData, time.Now())
}

// normalizeToken converts the many expiry conventions of identity
// servers into absolute timestamps.
func normalizeToken(data map[string]any, now time.Time) (*Token, error) {
	access, _ := data["access_token"].(string)
	refresh, _ := data["refresh_token"].(string)
	if access == "" || refresh == "" {
		return nil, fmt.Errorf("%w: token response misses access or refresh token", ErrUnauthorized)
	}
	tokenType, _ := data["token_type"].(string)
	scope, _ := data["scope"].(string)

	expires := firstNumber(data, "exp", "expires", "expires_at")
	if expires == 0 {
		expires = float64(now.Unix()) + relativeExpiry(data, "expires_in")
	}
	refreshExpires := firstNumber(data, "refresh_exp", "refresh_expires", "refresh_expires_at")
	if refreshExpires == 0 {
		refreshExpires = float64(now.Unix()) + relativeExpiry(data, "refresh_expires_in")
	}
	return &Token{
		AccessToken:    access,
		TokenType:      tokenType,
		Expires:        int64(expires),
		RefreshToken:   refresh,
		RefreshExpires: int64(refreshExpires),
		Scope:          scope,
	}, nil
}

func firstNumber(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if n, ok := data[key].(float64); ok && n != 0 {
			return n
		}
	}
	return 0
}

func relativeExpiry(data map[string]any, key string) float64 {
	if n, ok := data[key].(float64); ok && n != 0 {
		return n
	}
	return defaultExpiry.Seconds()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
