// Package auth gates the API behind an OpenID Connect provider. The
// provider is dialed lazily so the service can start while the identity
// server is down; until it answers, protected routes fail with a
// service-unavailable error instead of never coming up.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"freva/internal/logging"
)

// discoveryTimeout bounds every interaction with the identity server.
const discoveryTimeout = 5 * time.Second

// discoverySuffix is the well-known path of the OIDC discovery document.
const discoverySuffix = "/.well-known/openid-configuration"

var (
	// ErrUnavailable means the identity server cannot be reached.
	// Handlers map it to 503.
	ErrUnavailable = errors.New("oidc server unavailable")
	// ErrUnauthorized means the presented token did not verify.
	// Handlers map it to 401.
	ErrUnauthorized = errors.New("token verification failed")
)

// TokenPayload is the verified subset of an access token's claims.
type TokenPayload struct {
	Sub   string `json:"sub"`
	Exp   int64  `json:"exp"`
	Email string `json:"email,omitempty"`
}

// Gate verifies bearer tokens against a lazily initialized OIDC
// provider.
type Gate struct {
	DiscoveryURL string
	ClientID     string
	ClientSecret string

	mu       sync.Mutex
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	tokenURL string
	userURL  string
	http     *http.Client
	logger   *slog.Logger
}

// NewGate builds the auth gate for a discovery URL such as
// "https://idp.example.org/realms/freva/.well-known/openid-configuration".
func NewGate(discoveryURL, clientID, clientSecret string, logger *slog.Logger) *Gate {
	return &Gate{
		DiscoveryURL: strings.TrimSpace(discoveryURL),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		http:         &http.Client{Timeout: discoveryTimeout},
		logger:       logging.Default(logger).With("component", "auth"),
	}
}

// available probes the discovery document.
func (g *Gate) available(ctx context.Context) bool {
	if g.DiscoveryURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.DiscoveryURL, nil)
	if err != nil {
		return false
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ensure initializes the provider once the identity server answers.
func (g *Gate) ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider != nil {
		return nil
	}
	if !g.available(ctx) {
		return ErrUnavailable
	}
	issuer := strings.TrimSuffix(g.DiscoveryURL, discoverySuffix)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, g.http), issuer)
	if err != nil {
		g.logger.Warn("oidc discovery failed", "error", err)
		return ErrUnavailable
	}
	var claims struct {
		UserinfoEndpoint string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&claims); err == nil {
		g.userURL = claims.UserinfoEndpoint
	}
	g.provider = provider
	g.tokenURL = provider.Endpoint().TokenURL
	g.verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	g.logger.Info("oidc provider initialized", "issuer", issuer)
	return nil
}

// Verify validates a bearer token and returns its payload.
func (g *Gate) Verify(ctx context.Context, rawToken string) (*TokenPayload, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	idToken, err := g.verifier.Verify(oidc.ClientContext(ctx, g.http), rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var payload TokenPayload
	if err := idToken.Claims(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return &payload, nil
}

// Claims validates a bearer token and returns all of its claims.
func (g *Gate) Claims(ctx context.Context, rawToken string) (map[string]any, error) {
	if err := g.ensure(ctx); err != nil {
		return nil, err
	}
	idToken, err := g.verifier.Verify(oidc.ClientContext(ctx, g.http), rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// BearerToken extracts the bearer credentials from a request, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		token, _ = strings.CutPrefix(header, "bearer ")
	}
	return strings.TrimSpace(token)
}
