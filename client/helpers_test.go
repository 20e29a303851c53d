package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStorage fails every operation.
type failingStorage struct{ err error }

func (f failingStorage) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f failingStorage) Set(context.Context, string, string) error        { return f.err }
func (f failingStorage) Delete(context.Context, string) error             { return f.err }

var errDiskGone = errors.New("disk gone")

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeBackend mimics the auth-exchange backend.
type fakeBackend struct {
	*httptest.Server

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	logoutCalls   atomic.Int32

	mu           sync.Mutex
	lastExchange map[string]string
	lastRefresh  string

	exchangeReply func(w http.ResponseWriter)
	refreshReply  func(w http.ResponseWriter)
	logoutReply   func(w http.ResponseWriter)
	refreshGate   chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]string{
			"status":          "ok",
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"keycloak_issuer": "http://kc.test/realms/workshop",
			"client_id":       "mobile-app",
		})
	})
	mux.HandleFunc("/auth/exchange", func(w http.ResponseWriter, r *http.Request) {
		fb.exchangeCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fb.mu.Lock()
		fb.lastExchange = body
		fb.mu.Unlock()
		if fb.exchangeReply != nil {
			fb.exchangeReply(w)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"access_token": "AT1", "refresh_token": "RT1", "expires_in": 3600})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		fb.refreshCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		fb.mu.Lock()
		fb.lastRefresh = body["refresh_token"]
		fb.mu.Unlock()
		if fb.refreshGate != nil {
			<-fb.refreshGate
		}
		if fb.refreshReply != nil {
			fb.refreshReply(w)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"access_token": "AT2", "refresh_token": "RT2", "expires_in": 3600})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		fb.logoutCalls.Add(1)
		if fb.logoutReply != nil {
			fb.logoutReply(w)
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/realms/workshop/protocol/openid-connect/userinfo", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer AT1", "Bearer AT2":
			writeTestJSON(w, http.StatusOK, map[string]string{"sub": "u-1", "preferred_username": "alice"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) exchangeBody() map[string]string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastExchange
}

func (fb *fakeBackend) refreshToken() string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastRefresh
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(backendURL string) Config {
	cfg := DefaultConfig()
	cfg.BackendURL = backendURL
	cfg.Issuer = backendURL + "/realms/workshop"
	cfg.RedirectURI = "app://cb"
	return cfg
}
