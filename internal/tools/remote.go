package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies bearer credentials for remote capabilities.
type TokenSource interface {
	// Token returns a credential valid for at least the next request.
	Token(ctx context.Context) (string, error)
	// Invalidate discards any cached credential after a rejection, forcing
	// the next Token call to mint a fresh one.
	Invalidate()
}

// StaticToken is a TokenSource wrapping a fixed credential. Invalidate is a
// no-op; a rejected static token stays rejected.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }
func (t StaticToken) Invalidate()                               {}

// RefreshingToken caches a minted token and refreshes it before expiry. The
// expiry is read from the token's own JWT claims; tokens without an exp claim
// are refreshed on every Invalidate only.
type RefreshingToken struct {
	mu      sync.Mutex
	refresh func(ctx context.Context) (string, error)
	token   string
	expires time.Time
}

// expirySkew refreshes tokens slightly early so one never expires mid-flight.
const expirySkew = 30 * time.Second

// NewRefreshingToken returns a TokenSource that mints tokens via refresh.
func NewRefreshingToken(refresh func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{refresh: refresh}
}

func (r *RefreshingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && (r.expires.IsZero() || time.Now().Before(r.expires.Add(-expirySkew))) {
		return r.token, nil
	}

	token, err := r.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refreshing capability token: %w", err)
	}
	r.token = token
	r.expires = tokenExpiry(token)
	return token, nil
}

func (r *RefreshingToken) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	r.expires = time.Time{}
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// remote verifies, we only schedule refreshes. Returns zero for opaque
// tokens.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// RemoteCapability dispatches invocations to a capability server over HTTP.
// The wire format is a POST of the raw argument JSON to endpoint/invoke/name
// with a bearer credential; the response body is the result JSON.
type RemoteCapability struct {
	name        string
	description string
	endpoint    string
	tokens      TokenSource
	client      *http.Client
}

// NewRemote returns a remote capability at endpoint authenticated by tokens.
// client may be nil (http.DefaultClient); the router supplies per-invocation
// timeouts via context.
func NewRemote(name, description, endpoint string, tokens TokenSource, client *http.Client) *RemoteCapability {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteCapability{
		name:        name,
		description: description,
		endpoint:    endpoint,
		tokens:      tokens,
		client:      client,
	}
}

func (r *RemoteCapability) Name() string        { return r.name }
func (r *RemoteCapability) Description() string { return r.description }
func (r *RemoteCapability) Endpoint() string    { return r.endpoint }

// Invoke performs one HTTP round trip. Classification of the response:
// 401/403 invalidates the cached token and returns ErrAuth (the router
// retries once with a fresh token), 400/422 returns ErrInvalidArgs, 429 and
// 5xx and network failures return ErrTransport (retryable), anything else
// 2xx returns the body.
func (r *RemoteCapability) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	url := r.endpoint + "/invoke/" + r.name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("building capability request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		r.tokens.Invalidate()
		return nil, fmt.Errorf("%w: %s returned %d", ErrAuth, r.name, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrInvalidArgs, r.name, resp.StatusCode, truncate(body, 200))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s returned %d", ErrTransport, r.name, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("capability %s returned unexpected status %d", r.name, resp.StatusCode)
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// CatalogEntry describes one capability advertised by a remote registry.
type CatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}

// Discoverer fetches a remote capability catalog and registers the advertised
// capabilities. The catalog is cached; re-discovery happens when the cache is
// older than the TTL, typically once per session.
type Discoverer struct {
	registryURL string
	tokens      TokenSource
	client      *http.Client
	ttl         time.Duration

	mu        sync.Mutex
	fetchedAt time.Time
}

// NewDiscoverer returns a catalog discoverer. ttl <= 0 defaults to 5 minutes.
func NewDiscoverer(registryURL string, tokens TokenSource, client *http.Client, ttl time.Duration) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Discoverer{registryURL: registryURL, tokens: tokens, client: client, ttl: ttl}
}

// Discover fetches the catalog if the cache is stale and registers every
// advertised capability in reg. Entries without their own endpoint inherit
// the registry host.
func (d *Discoverer) Discover(ctx context.Context, reg *Registry) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.fetchedAt) < d.ttl {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.registryURL+"/capabilities", nil)
	if err != nil {
		return 0, fmt.Errorf("building catalog request: %w", err)
	}
	if d.tokens != nil {
		token, err := d.tokens.Token(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: fetching catalog: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: catalog returned %d", ErrTransport, resp.StatusCode)
	}

	var entries []CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return 0, fmt.Errorf("decoding catalog: %w", err)
	}

	for _, e := range entries {
		endpoint := e.Endpoint
		if endpoint == "" {
			endpoint = d.registryURL
		}
		reg.Register(NewRemote(e.Name, e.Description, endpoint, d.tokens, d.client))
	}
	d.fetchedAt = time.Now()
	return len(entries), nil
}
