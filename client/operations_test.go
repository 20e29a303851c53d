package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webviewauth/keycloak"
)

func TestExchangeCodeThenStore(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	cfg := testConfig(fb.URL)
	ts := NewTokenService(NewMemoryStorage(), PlatformNative, testLogger())
	ops := NewTokenOperations(cfg, fb.Client(), ts, testLogger())

	set, err := ops.ExchangeCodeForTokens(ctx, CodeExchange{Code: "abc123", RedirectURI: "app://cb"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", fb.exchangeBody()["code"])
	assert.Equal(t, "app://cb", fb.exchangeBody()["redirectUri"])

	require.NoError(t, ts.StoreTokens(ctx, *set))
	stored := ts.GetStoredTokens(ctx)
	assert.Equal(t, "AT1", stored.AccessToken)
	assert.Equal(t, "RT1", stored.RefreshToken)
	assert.False(t, stored.TokenExpiry.IsZero())
	assert.Equal(t, "AT1", ts.GetValidAccessToken(ctx))
}

func TestExchangeCodeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing access token", func(t *testing.T) {
		fb := newFakeBackend(t)
		fb.exchangeReply = func(w http.ResponseWriter) {
			writeTestJSON(w, http.StatusOK, map[string]any{"refresh_token": "RT1"})
		}
		ops := NewTokenOperations(testConfig(fb.URL), fb.Client(), NewTokenService(NewMemoryStorage(), PlatformNative, testLogger()), testLogger())

		_, err := ops.ExchangeCodeForTokens(ctx, CodeExchange{Code: "abc123", RedirectURI: "app://cb"})
		assert.ErrorIs(t, err, ErrNoAccessToken)
	})

	t.Run("server error body", func(t *testing.T) {
		fb := newFakeBackend(t)
		fb.exchangeReply = func(w http.ResponseWriter) {
			writeTestJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid_grant", "error_description": "Code not valid"})
		}
		ops := NewTokenOperations(testConfig(fb.URL), fb.Client(), NewTokenService(NewMemoryStorage(), PlatformNative, testLogger()), testLogger())

		_, err := ops.ExchangeCodeForTokens(ctx, CodeExchange{Code: "abc123", RedirectURI: "app://cb"})
		var kerr *keycloak.Error
		require.ErrorAs(t, err, &kerr)
		assert.Equal(t, "invalid_grant", kerr.Code)
		assert.Contains(t, err.Error(), "Code not valid")
	})
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	clock := &fixedClock{}
	ts := NewTokenService(NewMemoryStorage(), PlatformNative, testLogger(), WithClock(clock.Now))
	ops := NewTokenOperations(testConfig(fb.URL), fb.Client(), ts, testLogger())

	require.NoError(t, ts.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 30}))
	require.True(t, ts.IsTokenExpired(ctx), "30s lifetime is inside the buffer")

	set, err := ops.RefreshAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RT1", fb.refreshToken())
	assert.Equal(t, "AT2", set.AccessToken)

	// refresh does not persist on its own
	assert.Equal(t, "AT1", ts.GetStoredTokens(ctx).AccessToken)

	require.NoError(t, ts.StoreTokens(ctx, *set))
	assert.Equal(t, "AT2", ts.GetValidAccessToken(ctx))
}

func TestRefreshWithoutRefreshTokenMakesNoCall(t *testing.T) {
	fb := newFakeBackend(t)
	ts := NewTokenService(NewMemoryStorage(), PlatformNative, testLogger())
	ops := NewTokenOperations(testConfig(fb.URL), fb.Client(), ts, testLogger())

	_, err := ops.RefreshAccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, fb.refreshCalls.Load())
}

type recordedStrategies struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordedStrategies) strategy(name string, err error) ExchangeStrategy {
	return ExchangeStrategy{
		Name: name,
		Exchange: func(_ context.Context, subject string) (*TokenSet, error) {
			r.mu.Lock()
			r.calls = append(r.calls, name)
			r.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return &TokenSet{AccessToken: "DASH-" + name + "-" + subject}, nil
		},
	}
}

func TestExchangeLadder(t *testing.T) {
	errTarget := errors.New("target audience rejected")
	errOther := errors.New("rejected")

	tests := []struct {
		name      string
		failures  map[string]error
		wantCalls []string
		wantToken string
		wantErr   error
	}{
		{
			name:      "first step wins",
			wantCalls: []string{"target"},
			wantToken: "DASH-target-AT",
		},
		{
			name:      "falls through audiences before the proxy",
			failures:  map[string]error{"target": errTarget, "client": errOther},
			wantCalls: []string{"target", "client", "none"},
			wantToken: "DASH-none-AT",
		},
		{
			name:      "proxy is the last resort",
			failures:  map[string]error{"target": errTarget, "client": errOther, "none": errOther},
			wantCalls: []string{"target", "client", "none", "proxy"},
			wantToken: "DASH-proxy-AT",
		},
		{
			name:      "all fail returns first error",
			failures:  map[string]error{"target": errTarget, "client": errOther, "none": errOther, "proxy": errOther},
			wantCalls: []string{"target", "client", "none", "proxy"},
			wantErr:   errTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordedStrategies{}
			var ladder []ExchangeStrategy
			for _, name := range []string{"target", "client", "none", "proxy"} {
				ladder = append(ladder, rec.strategy(name, tt.failures[name]))
			}
			ops := NewTokenOperations(DefaultConfig(), http.DefaultClient, nil, testLogger(), WithExchangeStrategies(ladder...))

			set, err := ops.ExchangeTokenForDeviceDashboard(context.Background(), "AT")
			assert.Equal(t, tt.wantCalls, rec.calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, set)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, set.AccessToken)
		})
	}
}

func TestExchangeRequiresToken(t *testing.T) {
	ops := NewTokenOperations(DefaultConfig(), http.DefaultClient, nil, testLogger())
	_, err := ops.ExchangeTokenForDeviceDashboard(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestDefaultExchangeLadderAgainstKeycloak(t *testing.T) {
	var (
		mu        sync.Mutex
		audiences []string
		proxyHits int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/workshop/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		aud, has := r.PostForm["audience"]
		if has {
			audiences = append(audiences, aud[0])
		} else {
			audiences = append(audiences, "<none>")
		}
		mu.Unlock()
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client", "error_description": "Client not allowed to exchange"})
	})
	mux.HandleFunc("/auth/token-exchange", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxyHits++
		mu.Unlock()
		writeTestJSON(w, http.StatusOK, map[string]any{"access_token": "DASH", "expires_in": 300})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	ops := NewTokenOperations(cfg, srv.Client(), nil, testLogger())

	set, err := ops.ExchangeTokenForDeviceDashboard(context.Background(), "AT1")
	require.NoError(t, err)
	assert.Equal(t, "DASH", set.AccessToken)
	assert.Equal(t, []string{"device-dashboard", "mobile-app", "<none>"}, audiences)
	assert.Equal(t, 1, proxyHits)
}

func TestDefaultExchangeLadderFirstErrorCarriesGuidance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/workshop/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("audience") == "device-dashboard" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_audience", "error_description": "Audience not found"})
			return
		}
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	})
	mux.HandleFunc("/auth/token-exchange", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ops := NewTokenOperations(testConfig(srv.URL), srv.Client(), nil, testLogger())
	_, err := ops.ExchangeTokenForDeviceDashboard(context.Background(), "AT1")

	assert.True(t, keycloak.IsCode(err, "invalid_audience"))
}
