package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/theory/jsonpath"
)

// ErrNoUserInfo means neither the token claims nor the identity server's
// userinfo endpoint held a usable profile. Handlers map it to 404.
var ErrNoUserInfo = errors.New("no user info found")

// UserInfo is the normalized profile of an authenticated user.
type UserInfo struct {
	Username  string `json:"username"`
	LastName  string `json:"last_name"`
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
}

// userInfoKeys lists candidate claim names per profile field in priority
// order. Each candidate is also tried with underscores and with the
// hyphens dropped, anywhere in the claims document.
var userInfoKeys = []struct {
	field      string
	candidates []string
}{
	{"email", []string{"mail", "email"}},
	{"username", []string{"preferred-username", "user-name", "uid"}},
	{"last_name", []string{"last-name", "family-name", "name", "surname"}},
	{"first_name", []string{"first-name", "given-name"}},
}

// claimString finds the first non-empty string under any spelling of the
// candidate names, searching the whole claims document.
func claimString(claims map[string]any, candidates []string) string {
	for _, name := range candidates {
		for _, variant := range []string{
			name,
			strings.ReplaceAll(name, "-", "_"),
			strings.ReplaceAll(name, "-", ""),
		} {
			path, err := jsonpath.Parse(fmt.Sprintf("$..[%q]", variant))
			if err != nil {
				continue
			}
			for _, node := range path.Select(any(claims)) {
				if s, ok := node.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// ExtractUserInfo builds the user profile from token claims. Middle
// names are dropped so first and last name stay single tokens.
func ExtractUserInfo(claims map[string]any) (*UserInfo, error) {
	info := &UserInfo{}
	for _, key := range userInfoKeys {
		value := claimString(claims, key.candidates)
		switch key.field {
		case "email":
			info.Email = value
		case "username":
			info.Username = value
		case "last_name":
			info.LastName = value
		case "first_name":
			info.FirstName = value
		}
	}
	name := strings.TrimSpace(info.FirstName + " " + info.LastName)
	if first, _, ok := strings.Cut(name, " "); ok {
		info.FirstName = first
		info.LastName = name[strings.LastIndex(name, " ")+1:]
	}
	if info.Username == "" || info.FirstName == "" || info.LastName == "" {
		return nil, ErrNoUserInfo
	}
	return info, nil
}

// UserInfo resolves the profile of a verified token: first from its
// claims, then from the identity server's userinfo endpoint.
func (g *Gate) UserInfo(ctx context.Context, rawToken string) (*UserInfo, error) {
	claims, err := g.Claims(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if info, err := ExtractUserInfo(claims); err == nil {
		return info, nil
	}
	if g.userURL == "" {
		return nil, ErrNoUserInfo
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: userinfo endpoint status %d", ErrUnauthorized, resp.StatusCode)
	}
	remote := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, fmt.Errorf("decode userinfo response: %w", err)
	}
	return ExtractUserInfo(lowercaseKeys(remote))
}

func lowercaseKeys(claims map[string]any) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		out[strings.ToLower(key)] = value
	}
	return out
}
