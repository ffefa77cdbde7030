package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// fakeIDP is a minimal OIDC provider: discovery document, JWKS and a
// token endpoint, signing with a fresh RSA key.
type fakeIDP struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	tokenRes map[string]any
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := &fakeIDP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                idp.srv.URL,
			"jwks_uri":              idp.srv.URL + "/keys",
			"token_endpoint":        idp.srv.URL + "/token",
			"userinfo_endpoint":     idp.srv.URL + "/userinfo",
			"authorization_endpoint": idp.srv.URL + "/authorize",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"kid": "test",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("password") == "wrong" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(idp.tokenRes)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"preferred_username": "alice",
			"given_name":         "Alice",
			"family_name":        "Woods",
			"email":              "alice@example.org",
		})
	})
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *fakeIDP) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = idp.srv.URL
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test"
	signed, err := token.SignedString(idp.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (idp *fakeIDP) gate() *Gate {
	return NewGate(idp.srv.URL+"/.well-known/openid-configuration", "freva", "", nil)
}

func TestVerify(t *testing.T) {
	idp := newFakeIDP(t)
	gate := idp.gate()

	raw := idp.sign(t, jwt.MapClaims{"sub": "alice", "email": "alice@example.org"})
	payload, err := gate.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if payload.Sub != "alice" || payload.Email != "alice@example.org" || payload.Exp == 0 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	idp := newFakeIDP(t)
	gate := idp.gate()

	raw := idp.sign(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := gate.Verify(context.Background(), raw); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	idp := newFakeIDP(t)
	if _, err := idp.gate().Verify(context.Background(), "not.a.token"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestGateUnavailable(t *testing.T) {
	gate := NewGate("http://127.0.0.1:1/.well-known/openid-configuration", "freva", "", nil)
	if _, err := gate.Verify(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	empty := NewGate("", "freva", "", nil)
	if _, err := empty.Verify(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestFetchToken(t *testing.T) {
	idp := newFakeIDP(t)
	idp.tokenRes = map[string]any{
		"access_token":  "acc",
		"refresh_token": "ref",
		"token_type":    "Bearer",
		"scope":         "openid",
		"expires_in":    300,
	}
	gate := idp.gate()

	token, err := gate.FetchToken(context.Background(), TokenRequest{
		Username: "alice", Password: "secret",
	})
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if token.AccessToken != "acc" || token.RefreshToken != "ref" {
		t.Errorf("token = %+v", token)
	}
	now := time.Now().Unix()
	if token.Expires < now+250 || token.Expires > now+350 {
		t.Errorf("expires = %d, want about now+300", token.Expires)
	}
	// No refresh expiry reported: the default lifetime kicks in.
	if token.RefreshExpires < now+100 || token.RefreshExpires > now+200 {
		t.Errorf("refresh expires = %d, want about now+180", token.RefreshExpires)
	}
}

func TestFetchTokenBadCredentials(t *testing.T) {
	idp := newFakeIDP(t)
	gate := idp.gate()
	_, err := gate.FetchToken(context.Background(), TokenRequest{
		Username: "alice", Password: "wrong",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestNormalizeToken(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name        string
		data        map[string]any
		wantExpires int64
		wantErr     bool
	}{
		{
			"absolute expiry",
			map[string]any{"access_token": "a", "refresh_token": "r", "exp": float64(5000)},
			5000, false,
		},
		{
			"expires alias",
			map[string]any{"access_token": "a", "refresh_token": "r", "expires": float64(6000)},
			6000, false,
		},
		{
			"relative expiry",
			map[string]any{"access_token": "a", "refresh_token": "r", "expires_in": float64(60)},
			1060, false,
		},
		{
			"default expiry",
			map[string]any{"access_token": "a", "refresh_token": "r"},
			1180, false,
		},
		{
			"missing tokens",
			map[string]any{"access_token": "a"},
			0, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := normalizeToken(tt.data, now)
			if tt.wantErr != (err != nil) {
				t.Fatalf("error = %v", err)
			}
			if err != nil {
				return
			}
			if token.Expires != tt.wantExpires {
				t.Errorf("expires = %d, want %d", token.Expires, tt.wantExpires)
			}
		})
	}
}

func TestUserInfoFromClaims(t *testing.T) {
	idp := newFakeIDP(t)
	gate := idp.gate()

	raw := idp.sign(t, jwt.MapClaims{
		"sub":                "alice",
		"preferred_username": "alice",
		"given_name":         "Alice Marie",
		"family_name":        "Woods",
		"email":              "alice@example.org",
	})
	info, err := gate.UserInfo(context.Background(), raw)
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if info.Username != "alice" || info.Email != "alice@example.org" {
		t.Errorf("info = %+v", info)
	}
	// Middle names are stripped.
	if info.FirstName != "Alice" || info.LastName != "Woods" {
		t.Errorf("name = %q %q", info.FirstName, info.LastName)
	}
}

func TestUserInfoFallsBackToEndpoint(t *testing.T) {
	idp := newFakeIDP(t)
	gate := idp.gate()

	// Claims carry no profile, so the userinfo endpoint answers.
	raw := idp.sign(t, jwt.MapClaims{"sub": "alice"})
	info, err := gate.UserInfo(context.Background(), raw)
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if info.Username != "alice" || info.LastName != "Woods" {
		t.Errorf("info = %+v", info)
	}
}

func TestExtractUserInfo(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   *UserInfo
		ok     bool
	}{
		{
			"hyphen variants",
			map[string]any{
				"preferred-username": "bob",
				"last-name":          "Stone",
				"first-name":         "Bob",
				"mail":               "bob@example.org",
			},
			&UserInfo{Username: "bob", LastName: "Stone", FirstName: "Bob", Email: "bob@example.org"},
			true,
		},
		{
			"collapsed variants",
			map[string]any{
				"preferredusername": "bob",
				"familyname":        "Stone",
				"givenname":         "Bob",
			},
			&UserInfo{Username: "bob", LastName: "Stone", FirstName: "Bob"},
			true,
		},
		{
			"nested claims",
			map[string]any{
				"uid": "bob",
				"profile": map[string]any{
					"family_name": "Stone",
					"given_name":  "Bob",
				},
			},
			&UserInfo{Username: "bob", LastName: "Stone", FirstName: "Bob"},
			true,
		},
		{
			"priority order prefers preferred-username over uid",
			map[string]any{
				"uid":                "ignored",
				"preferred_username": "bob",
				"family_name":        "Stone",
				"given_name":         "Bob",
			},
			&UserInfo{Username: "bob", LastName: "Stone", FirstName: "Bob"},
			true,
		},
		{
			"incomplete",
			map[string]any{"uid": "bob"},
			nil,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ExtractUserInfo(tt.claims)
			if tt.ok != (err == nil) {
				t.Fatalf("error = %v", err)
			}
			if !tt.ok {
				return
			}
			if *info != *tt.want {
				t.Errorf("info = %+v, want %+v", info, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := BearerToken(req); got != "abc123" {
		t.Errorf("BearerToken = %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(req); got != "" {
		t.Errorf("BearerToken = %q, want empty", got)
	}
}
