package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-io/osprey/internal/testutil"
)

func testRouter(t *testing.T, breaker *CircuitBreaker) (*Router, *Registry) {
	t.Helper()
	registry := NewRegistry()
	router := NewRouter(registry, breaker, RouterConfig{
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	return router, registry
}

func TestRouter_LocalCapability(t *testing.T) {
	router, registry := testRouter(t, nil)
	registry.Register(Local("echo", "echoes its arguments",
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		}))

	out, err := router.Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestRouter_UnknownCapability(t *testing.T) {
	router, _ := testRouter(t, nil)

	_, err := router.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRouter_RetriesTransientTransportFailures(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "")
	server.Respond("lookup", map[string]string{"status": "ok"})
	server.FailWith("lookup", 500, 503)

	router, registry := testRouter(t, nil)
	registry.Register(NewRemote("lookup", "", server.URL(), StaticToken("tok"), nil))

	out, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))
	assert.Equal(t, 3, server.Calls("lookup"), "two transient failures, then success")
}

func TestRouter_ExhaustsRetryBudget(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "")
	server.Respond("lookup", map[string]string{"status": "ok"})
	server.FailWith("lookup", 500, 500, 500, 500)

	router, registry := testRouter(t, nil)
	registry.Register(NewRemote("lookup", "", server.URL(), StaticToken("tok"), nil))

	_, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, server.Calls("lookup"), "first attempt plus two retries")
}

func TestRouter_InvalidArgsNotRetried(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "")
	server.Respond("lookup", map[string]string{"status": "ok"})
	server.FailWith("lookup", 400)

	router, registry := testRouter(t, nil)
	registry.Register(NewRemote("lookup", "", server.URL(), StaticToken("tok"), nil))

	_, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.Equal(t, 1, server.Calls("lookup"), "argument rejections fail immediately")
}

func TestRouter_AuthRefreshRetriesOnce(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "good-token")
	server.Respond("lookup", map[string]string{"status": "ok"})

	// First mint returns a stale token; the refresh after the 401 mints the
	// accepted one.
	mints := 0
	tokens := NewRefreshingToken(func(ctx context.Context) (string, error) {
		mints++
		if mints == 1 {
			return "stale-token", nil
		}
		return "good-token", nil
	})

	router, registry := testRouter(t, nil)
	registry.Register(NewRemote("lookup", "", server.URL(), tokens, nil))

	out, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))
	assert.Equal(t, 2, mints, "one refresh after the rejection")
}

func TestRouter_PersistentAuthRejectionSurfaces(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "good-token")
	server.Respond("lookup", map[string]string{"status": "ok"})

	router, registry := testRouter(t, nil)
	registry.Register(NewRemote("lookup", "", server.URL(), StaticToken("wrong"), nil))

	_, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 2, server.Calls("lookup"), "one refresh attempt, then give up")
}

func TestRouter_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	server := testutil.NewCapabilityServer(t, "")
	server.Respond("lookup", map[string]string{"status": "ok"})
	server.FailWith("lookup", 500, 500, 500, 500, 500, 500)

	breaker := NewCircuitBreaker(3, time.Minute)
	router, registry := testRouter(t, breaker)
	registry.Register(NewRemote("lookup", "", server.URL(), StaticToken("tok"), nil))

	_, err := router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, CircuitOpen, breaker.State("lookup"))

	_, err = router.Invoke(context.Background(), "lookup", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, server.Calls("lookup"), "open circuit never reaches the remote")
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	breaker := NewCircuitBreaker(2, 30*time.Millisecond)

	breaker.RecordFailure("cap")
	breaker.RecordFailure("cap")
	assert.False(t, breaker.Allow("cap"), "open after threshold")

	time.Sleep(40 * time.Millisecond)
	assert.True(t, breaker.Allow("cap"), "half-open allows one probe")
	assert.False(t, breaker.Allow("cap"), "only one probe at a time")

	breaker.RecordSuccess("cap")
	assert.Equal(t, CircuitClosed, breaker.State("cap"))
	assert.True(t, breaker.Allow("cap"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	breaker := NewCircuitBreaker(2, 30*time.Millisecond)

	breaker.RecordFailure("cap")
	breaker.RecordFailure("cap")
	time.Sleep(40 * time.Millisecond)
	require.True(t, breaker.Allow("cap"))

	breaker.RecordFailure("cap")
	assert.Equal(t, CircuitOpen, breaker.State("cap"))
	assert.False(t, breaker.Allow("cap"))
}

func TestDiscoverer_RegistersCatalog(t *testing.T) {
	catalog := []CatalogEntry{
		{Name: "check_counterparty_reputation", Description: "remote reputation source"},
		{Name: "block_card", Description: "card network block"},
	}
	registryURL := newCatalogServer(t, catalog)

	registry := NewRegistry()
	discoverer := NewDiscoverer(registryURL, nil, nil, time.Minute)

	count, err := discoverer.Discover(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"block_card", "check_counterparty_reputation"}, registry.Names())

	// Inside the TTL the cached catalog is reused.
	count, err = discoverer.Discover(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRefreshingToken_UsesJWTExpiry(t *testing.T) {
	mints := 0
	// exp far in the future: the first token stays cached.
	future := time.Now().Add(time.Hour).Unix()
	tokens := NewRefreshingToken(func(ctx context.Context) (string, error) {
		mints++
		return unsignedJWT(future), nil
	})

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mints, "unexpired tokens are reused")

	tokens.Invalidate()
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mints, "invalidation forces a fresh mint")
}

func TestRefreshingToken_RefreshesExpiredToken(t *testing.T) {
	mints := 0
	soon := time.Now().Add(5 * time.Second).Unix() // inside the refresh skew
	tokens := NewRefreshingToken(func(ctx context.Context) (string, error) {
		mints++
		return unsignedJWT(soon), nil
	})

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)
	_, err = tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mints, "tokens near expiry are re-minted")
}

// newCatalogServer serves a fixed capability catalog at GET /capabilities and
// returns its base URL.
func newCatalogServer(t *testing.T, entries []CatalogEntry) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/capabilities" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

// unsignedJWT mints a throwaway HS256 token carrying only an exp claim.
func unsignedJWT(exp int64) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp})
	signed, _ := token.SignedString([]byte("test-secret"))
	return signed
}

