package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"webviewauth/keycloak"
)

type fakeUpstream struct {
	mu sync.Mutex

	exchangeErr  error
	refreshErr   error
	logoutErr    error
	userInfoErr  error
	tokenExchErr error

	gotCode, gotRedirect, gotVerifier string
	gotAudience                       string
	logoutCalls                       int
}

func (f *fakeUpstream) Exchange(_ context.Context, code, redirectURI, verifier string) (*keycloak.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCode, f.gotRedirect, f.gotVerifier = code, redirectURI, verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &keycloak.TokenResponse{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 300, TokenType: "Bearer"}, nil
}

func (f *fakeUpstream) Refresh(_ context.Context, refreshToken string) (*keycloak.TokenResponse, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &keycloak.TokenResponse{AccessToken: "AT2", RefreshToken: refreshToken + "-next", ExpiresIn: 300}, nil
}

func (f *fakeUpstream) UserInfo(_ context.Context, accessToken string) (map[string]any, error) {
	if f.userInfoErr != nil {
		return nil, f.userInfoErr
	}
	return map[string]any{"sub": "u-1", "preferred_username": "alice", "token": accessToken}, nil
}

func (f *fakeUpstream) Logout(context.Context, string, string) error {
	f.mu.Lock()
	f.logoutCalls++
	f.mu.Unlock()
	return f.logoutErr
}

func (f *fakeUpstream) TokenExchange(_ context.Context, subjectToken, audience string) (*keycloak.TokenResponse, error) {
	f.mu.Lock()
	f.gotAudience = audience
	f.mu.Unlock()
	if f.tokenExchErr != nil {
		return nil, f.tokenExchErr
	}
	return &keycloak.TokenResponse{AccessToken: "DASH-" + subjectToken, ExpiresIn: 300}, nil
}

func testApp(t *testing.T, up Upstream, mutate ...func(*Config)) *App {
	t.Helper()
	cfg := validConfig()
	cfg.Keycloak.RedirectURIs = []string{"app://cb"}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewAppWithUpstream(cfg, up, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := testApp(t, &fakeUpstream{}).Routes()
	rr := doJSON(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["status"] != "ok" || body["client_id"] != "mobile-app" || body["keycloak_issuer"] != "http://localhost:8080/realms/workshop" {
		t.Fatalf("unexpected health body %v", body)
	}
	if body["timestamp"] == "" {
		t.Fatal("timestamp missing")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}

func TestExchange(t *testing.T) {
	up := &fakeUpstream{}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodPost, "/auth/exchange", `{"code":"abc123","redirectUri":"app://cb","code_verifier":"v1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeMap(t, rr)
	if body["access_token"] != "AT1" || body["refresh_token"] != "RT1" {
		t.Fatalf("unexpected tokens %v", body)
	}
	if up.gotCode != "abc123" || up.gotRedirect != "app://cb" || up.gotVerifier != "v1" {
		t.Fatalf("upstream got code=%q redirect=%q verifier=%q", up.gotCode, up.gotRedirect, up.gotVerifier)
	}
}

func TestExchangeRejectsBadRequests(t *testing.T) {
	h := testApp(t, &fakeUpstream{}).Routes()

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "code=abc"},
		{"missing code", `{"redirectUri":"app://cb"}`},
		{"missing redirect", `{"code":"abc123"}`},
		{"unlisted redirect", `{"code":"abc123","redirectUri":"app://elsewhere"}`},
		{"unsafe redirect", `{"code":"abc123","redirectUri":"javascript:alert(1)"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, h, http.MethodPost, "/auth/exchange", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if decodeMap(t, rr)["error"] != "invalid_request" {
				t.Fatalf("unexpected body %s", rr.Body.String())
			}
		})
	}
}

func TestExchangeRelaysKeycloakError(t *testing.T) {
	up := &fakeUpstream{exchangeErr: &keycloak.Error{Code: "invalid_grant", Description: "Code not valid", Status: 400}}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodPost, "/auth/exchange", `{"code":"used","redirectUri":"app://cb"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["error"] != "invalid_grant" || body["error_description"] != "Code not valid" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRefresh(t *testing.T) {
	up := &fakeUpstream{}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"RT1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeMap(t, rr); body["access_token"] != "AT2" || body["refresh_token"] != "RT1-next" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = doJSON(t, h, http.MethodPost, "/auth/refresh", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", rr.Code)
	}

	up.refreshErr = errors.New("connection refused")
	rr = doJSON(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"RT1"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("upstream failure status = %d", rr.Code)
	}
	if decodeMap(t, rr)["error"] != "server_error" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	up := &fakeUpstream{}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodPost, "/auth/logout", `{"access_token":"AT1","refresh_token":"RT1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["success"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["warning"]; ok {
		t.Fatalf("no warning expected, got %v", body)
	}

	up.logoutErr = &keycloak.Error{Code: "invalid_grant", Description: "Session not active"}
	rr = doJSON(t, h, http.MethodPost, "/auth/logout", `{"refresh_token":"RT1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body = decodeMap(t, rr)
	if body["success"] != true || body["warning"] == nil {
		t.Fatalf("expected success with warning, got %v", body)
	}

	rr = doJSON(t, h, http.MethodPost, "/auth/logout", "garbage")
	if rr.Code != http.StatusOK || decodeMap(t, rr)["success"] != true {
		t.Fatalf("garbage body should still succeed, got %d %s", rr.Code, rr.Body.String())
	}
	if up.logoutCalls != 2 {
		t.Fatalf("logout calls = %d, want 2", up.logoutCalls)
	}
}

func TestUserInfo(t *testing.T) {
	up := &fakeUpstream{}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodGet, "/auth/userinfo", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/auth/userinfo", "", "Authorization", "Basic abc")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/auth/userinfo", "", "Authorization", "Bearer AT1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeMap(t, rr); body["sub"] != "u-1" || body["token"] != "AT1" {
		t.Fatalf("unexpected body %v", body)
	}

	up.userInfoErr = ErrUpstreamUnauthorized
	rr = doJSON(t, h, http.MethodGet, "/auth/userinfo", "", "Authorization", "Bearer stale")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("rejected token status = %d", rr.Code)
	}
}

func TestTokenExchange(t *testing.T) {
	up := &fakeUpstream{}
	h := testApp(t, up).Routes()

	rr := doJSON(t, h, http.MethodPost, "/auth/token-exchange", `{"subject_token":"AT1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeMap(t, rr); body["access_token"] != "DASH-AT1" {
		t.Fatalf("unexpected body %v", body)
	}
	if up.gotAudience != "device-dashboard" {
		t.Fatalf("default audience not applied, got %q", up.gotAudience)
	}

	rr = doJSON(t, h, http.MethodPost, "/auth/token-exchange", `{"audience":"device-dashboard"}`, "Authorization", "Bearer AT9")
	if rr.Code != http.StatusOK || decodeMap(t, rr)["access_token"] != "DASH-AT9" {
		t.Fatalf("bearer subject not used: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/auth/token-exchange", `{"subject_token":"AT1","audience":"admin-console"}`)
	if rr.Code != http.StatusBadRequest || decodeMap(t, rr)["error"] != "invalid_target" {
		t.Fatalf("disallowed audience: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/auth/token-exchange", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing subject status = %d", rr.Code)
	}

	up.tokenExchErr = &keycloak.Error{Code: "access_denied", Description: "Client not allowed to exchange"}
	rr = doJSON(t, h, http.MethodPost, "/auth/token-exchange", `{"subject_token":"AT1"}`)
	if rr.Code != http.StatusInternalServerError || decodeMap(t, rr)["error"] != "access_denied" {
		t.Fatalf("upstream error: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := testApp(t, &fakeUpstream{}).Routes()
	doJSON(t, h, http.MethodPost, "/auth/refresh", `{"refresh_token":"RT1"}`)

	rr := doJSON(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	out := rr.Body.String()
	if !strings.Contains(out, `wvauth_http_requests_total{method="POST",route="/auth/refresh",status="200"} 1`) {
		t.Fatalf("request counter missing:\n%s", out)
	}
	if !strings.Contains(out, `wvauth_keycloak_calls_total{operation="refresh",outcome="ok"} 1`) {
		t.Fatalf("upstream counter missing:\n%s", out)
	}
}

func TestMetricsDisabled(t *testing.T) {
	h := testApp(t, &fakeUpstream{}, func(c *Config) { c.Server.MetricsEnabled = false }).Routes()
	rr := doJSON(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)), true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeMap(t, rr)["error"] != "server_error" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}
