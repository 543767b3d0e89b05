package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProviderMetadata is the subset of the OIDC discovery document the
// middleware needs.
type ProviderMetadata struct {
	Issuer        string `json:"issuer"`
	JWKSURI       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint"`
}

// Actor is an authenticated caller: the actor id claim plus the mapped,
// deduplicated, sorted role names.
type Actor struct {
	ID     string
	Roles  []string
	Claims jwt.MapClaims
}

// HasRole reports whether the actor carries the given mapped role.
func (a *Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Discover fetches <issuer>/.well-known/openid-configuration.
func Discover(ctx context.Context, client *http.Client, issuerURL string) (*ProviderMetadata, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	endpoint := issuerURL + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: HTTP %d fetching %s", resp.StatusCode, endpoint)
	}

	var meta ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("oidc discovery: invalid JSON from %s", endpoint)
	}
	if meta.Issuer == "" {
		return nil, fmt.Errorf("oidc discovery: missing issuer")
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: missing jwks_uri")
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("oidc discovery: missing token_endpoint")
	}
	return &meta, nil
}

// claimByDottedPath walks nested claim objects, e.g. "realm_access.roles".
func claimByDottedPath(claims map[string]any, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("claim path must be non-empty")
	}
	var cur any = claims
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, fmt.Errorf("invalid claim path segment in: %s", path)
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur = obj[seg]
	}
	return cur, nil
}

// Validator validates bearer tokens against the provider's JWKS, caching
// discovery metadata and signing keys, and performs the direct password
// grant when enabled.
type Validator struct {
	cfg    OIDCConfig
	client *http.Client

	mu   sync.Mutex
	meta *ProviderMetadata
	jwks *jwksCache
}

// NewValidator builds a validator for the given OIDC configuration.
func NewValidator(cfg OIDCConfig) *Validator {
	return &Validator{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		},
	}
}

func (v *Validator) metadata(ctx context.Context) (*ProviderMetadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.meta != nil {
		return v.meta, nil
	}
	meta, err := Discover(ctx, v.client, v.cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	v.meta = meta
	v.jwks = newJWKSCache(meta.JWKSURI, v.client)
	return meta, nil
}

// ValidateBearer checks signature, issuer, audience, algorithm and time
// claims, then extracts the actor id and mapped roles.
func (v *Validator) ValidateBearer(ctx context.Context, token string) (*Actor, error) {
	if !v.cfg.Enabled {
		return nil, fmt.Errorf("oidc disabled")
	}
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	if _, err := v.metadata(ctx); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AcceptedAlgorithms),
		jwt.WithIssuer(strings.TrimRight(v.cfg.IssuerURL, "/")),
		jwt.WithLeeway(time.Duration(v.cfg.LeewaySeconds) * time.Second),
	}
	if v.cfg.Audience != nil {
		opts = append(opts, jwt.WithAudience(*v.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.jwks.SigningKey(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	actorRaw, _ := claims[v.cfg.ActorIDClaim].(string)
	if actorRaw == "" {
		return nil, fmt.Errorf("missing actor_id claim: %s", v.cfg.ActorIDClaim)
	}

	rolesRaw, err := claimByDottedPath(claims, v.cfg.RolesClaim)
	if err != nil {
		return nil, err
	}
	var roles []string
	switch rv := rolesRaw.(type) {
	case []any:
		for _, item := range rv {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			} else {
				roles = nil
				break
			}
		}
	case string:
		if rv != "" {
			roles = []string{rv}
		}
	}

	seen := map[string]bool{}
	mapped := []string{}
	for _, r := range roles {
		name := r
		if m, ok := v.cfg.RoleNameMap[r]; ok {
			name = m
		}
		if !seen[name] {
			seen[name] = true
			mapped = append(mapped, name)
		}
	}
	sort.Strings(mapped)

	return &Actor{ID: actorRaw, Roles: mapped, Claims: claims}, nil
}

// DirectGrantPassword exchanges username/password at the token endpoint.
// Returns the access token for bearer use or session sealing.
func (v *Validator) DirectGrantPassword(ctx context.Context, username, password string) (string, error) {
	if !v.cfg.DirectGrant.Enabled {
		return "", fmt.Errorf("direct grant disabled")
	}
	if username == "" || password == "" {
		return "", fmt.Errorf("username and password must be non-empty")
	}
	meta, err := v.metadata(ctx)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", v.cfg.DirectGrant.ClientID)
	form.Set("username", username)
	form.Set("password", password)
	if v.cfg.DirectGrant.ClientSecret != nil {
		form.Set("client_secret", *v.cfg.DirectGrant.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint: HTTP %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("token endpoint: invalid JSON")
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token endpoint did not return access_token")
	}
	return out.AccessToken, nil
}
