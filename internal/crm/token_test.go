package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intake/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenServer is a fake OAuth token endpoint counting exchanges per grant.
type tokenServer struct {
	*httptest.Server
	clientCredentials atomic.Int32
	refreshes         atomic.Int32
	failRefresh       atomic.Bool
	failAll           atomic.Bool
	expiresIn         atomic.Int64
	delay             time.Duration
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.expiresIn.Store(3600)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if ts.failAll.Load() {
			http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
			return
		}
		if r.Form.Get("client_id") != "cid" || r.Form.Get("client_secret") != "csecret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}

		var n int32
		switch r.Form.Get("grant_type") {
		case GrantClientCredentials:
			n = ts.clientCredentials.Add(1)
		case GrantRefreshToken:
			if ts.failRefresh.Load() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			n = ts.refreshes.Add(1) + 100
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}

		body := map[string]any{
			"access_token":  fmt.Sprintf("access-token-%d", n),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"token_type":    "bearer",
		}
		// A negative lifetime leaves expires_in out of the response.
		if exp := ts.expiresIn.Load(); exp >= 0 {
			body["expires_in"] = exp
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) exchanges() int32 {
	return ts.clientCredentials.Load() + ts.refreshes.Load()
}

func newTestCache(ts *tokenServer, clock *fakeClock) *TokenCache {
	return NewTokenCache(TokenConfig{
		TokenURL:     ts.URL,
		ClientID:     "cid",
		ClientSecret: "csecret",
		Skew:         90 * time.Second,
	}, WithClock(clock.Now), WithHTTPClient(ts.Client()))
}

func TestTokenCacheFirstCallUsesClientCredentials(t *testing.T) {
	ts := newTokenServer(t)
	clock := newFakeClock()
	cache := newTestCache(ts, clock)

	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-1", tok)

	tok, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-1", tok)
	assert.Equal(t, int32(1), ts.exchanges(), "valid token must be served from cache")

	view := cache.View()
	assert.True(t, view.Present)
	assert.Equal(t, "access-t****", view.Preview)
	assert.Equal(t, clock.Now().Add(3600*time.Second-90*time.Second), view.ExpiresAt)
	assert.True(t, view.HasRefreshToken)
}

func TestTokenCacheExpiryTriggersSingleRefresh(t *testing.T) {
	ts := newTokenServer(t)
	clock := newFakeClock()
	cache := newTestCache(ts, clock)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	firstExpiry := cache.View().ExpiresAt

	clock.Advance(time.Hour)

	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-101", tok, "cached refresh token should be used")
	assert.Equal(t, int32(1), ts.refreshes.Load())
	assert.Equal(t, int32(2), ts.exchanges())
	assert.True(t, cache.View().ExpiresAt.After(firstExpiry))
}

func TestTokenCacheRefreshFailureFallsBack(t *testing.T) {
	ts := newTokenServer(t)
	clock := newFakeClock()
	cache := newTestCache(ts, clock)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	ts.failRefresh.Store(true)
	clock.Advance(2 * time.Hour)

	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-2", tok)
	assert.Equal(t, int32(2), ts.clientCredentials.Load())
	assert.Equal(t, int32(0), ts.refreshes.Load())
}

func TestTokenCacheBothGrantsFail(t *testing.T) {
	ts := newTokenServer(t)
	ts.failAll.Store(true)
	cache := newTestCache(ts, newFakeClock())

	_, err := cache.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTokenUnavailable)
	assert.False(t, cache.View().Present)
}

func TestTokenCacheSkewLongerThanLifetime(t *testing.T) {
	ts := newTokenServer(t)
	ts.expiresIn.Store(30)
	clock := newFakeClock()
	cache := newTestCache(ts, clock)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), cache.View().ExpiresAt, "lifetime is clamped at zero")

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.exchanges(), "an already expired token is exchanged again")
}

func TestTokenCacheZeroSkew(t *testing.T) {
	ts := newTokenServer(t)
	clock := newFakeClock()
	cache := NewTokenCache(TokenConfig{
		TokenURL:     ts.URL,
		ClientID:     "cid",
		ClientSecret: "csecret",
	}, WithClock(clock.Now), WithHTTPClient(ts.Client()))

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), cache.View().ExpiresAt)

	negative := NewTokenCache(TokenConfig{TokenURL: ts.URL, ClientID: "cid", ClientSecret: "csecret", Skew: -1},
		WithClock(clock.Now), WithHTTPClient(ts.Client()))
	_, err = negative.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour-DefaultTokenSkew), negative.View().ExpiresAt)
}

func TestTokenCacheMissingExpiresIn(t *testing.T) {
	ts := newTokenServer(t)
	ts.expiresIn.Store(-1)
	clock := newFakeClock()
	cache := newTestCache(ts, clock)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTokenLifetime-90*time.Second), cache.View().ExpiresAt)

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.exchanges(), "the assumed lifetime keeps the token cached")
}

func TestTokenCacheConcurrentCallersShareExchange(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 50 * time.Millisecond
	cache := newTestCache(ts, newFakeClock())

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-token-1", tokens[i])
	}
	assert.Equal(t, int32(1), ts.exchanges())
}

func TestTokenCacheForcedRefreshAndInvalidate(t *testing.T) {
	ts := newTokenServer(t)
	cache := newTestCache(ts, newFakeClock())

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	tok, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-101", tok)

	cache.Invalidate()
	assert.False(t, cache.View().Present)

	tok, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-token-2", tok, "no refresh token after invalidate")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "ab****", MaskToken("abcdef"))
	assert.Equal(t, "abcdefgh****", MaskToken("abcdefghijkl"))
	assert.Equal(t, "abcdefg****", MaskToken("abcdefg"))
}
