package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, fb *fakeBackend, clock *fixedClock, opts ...Option) *AuthService {
	t.Helper()
	opts = append([]Option{WithHTTPClient(fb.Client())}, opts...)
	if clock != nil {
		opts = append(opts, WithTokenOptions(WithClock(clock.Now)))
	}
	return NewAuthService(testConfig(fb.URL), NewMemoryStorage(), testLogger(), opts...)
}

func TestOpenSessionRestoresUser(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	svc := newTestService(t, fb, nil)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)
	defer s.Close()

	st := s.State()
	assert.True(t, st.Authenticated())
	assert.False(t, st.IsLoading)
	require.NotNil(t, st.User)
	assert.Equal(t, "u-1", st.User.Subject)
	assert.Zero(t, fb.refreshCalls.Load())
}

func TestOpenSessionRefreshesExpiredToken(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	clock := &fixedClock{now: time.Now()}
	svc := newTestService(t, fb, clock)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 10}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	st := s.State()
	assert.Equal(t, "AT2", st.AccessToken)
	assert.Equal(t, "RT2", st.RefreshTokenValue)
	assert.EqualValues(t, 1, fb.refreshCalls.Load())
}

func TestOpenSessionWithoutTokens(t *testing.T) {
	fb := newFakeBackend(t)
	s, err := OpenSession(context.Background(), newTestService(t, fb, nil))
	require.NoError(t, err)
	assert.False(t, s.State().Authenticated())
	assert.False(t, s.State().IsLoading)
}

func TestSessionRefreshFailureLogsOut(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.refreshReply = func(w http.ResponseWriter) {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Token is not active"})
	}
	svc := newTestService(t, fb, nil)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)
	require.True(t, s.State().Authenticated())

	err = s.Refresh(ctx)
	require.Error(t, err)
	assert.False(t, s.State().Authenticated())
	assert.Equal(t, StoredTokens{}, svc.Tokens.GetStoredTokens(ctx))
}

func TestSessionRefreshLoadsMissingUser(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	svc := newTestService(t, fb, nil)

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)
	defer s.Close()
	require.Nil(t, s.State().User)

	// tokens written behind the session's back, e.g. by another process
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))
	require.NoError(t, s.Refresh(ctx))

	st := s.State()
	assert.True(t, st.Authenticated())
	require.NotNil(t, st.User)
	assert.Equal(t, "alice", st.User.PreferredUsername)
	assert.Equal(t, "AT2", st.AccessToken)
	assert.Equal(t, "RT2", st.RefreshTokenValue)
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	fb.refreshGate = make(chan struct{})
	svc := newTestService(t, fb, nil)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Refresh(ctx)
		}()
	}

	require.Eventually(t, func() bool { return fb.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// let the other callers join the in-flight refresh before it completes
	time.Sleep(50 * time.Millisecond)
	close(fb.refreshGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, fb.refreshCalls.Load())
	assert.Equal(t, "AT2", s.State().AccessToken)
	assert.Equal(t, "AT2", svc.Tokens.GetValidAccessToken(ctx))
}

func TestRefreshIfNeeded(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	start := time.Now()
	clock := &fixedClock{now: start}
	svc := newTestService(t, fb, clock)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	attempted, err := s.RefreshIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, attempted)

	clock.Set(start.Add(9 * time.Minute))
	attempted, err = s.RefreshIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.Equal(t, "AT2", s.State().AccessToken)
}

func TestAutoRefreshTicks(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	clock := &fixedClock{now: time.Now()}
	svc := newTestService(t, fb, clock)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	s.StartAutoRefresh(10 * time.Millisecond)
	clock.Set(clock.Now().Add(2 * time.Hour))

	require.Eventually(t, func() bool { return s.State().AccessToken == "AT2" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSessionLogout(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	svc := newTestService(t, fb, nil)
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx))
	assert.False(t, s.State().Authenticated())
	assert.Nil(t, s.State().User)
	assert.EqualValues(t, 1, fb.logoutCalls.Load())
	assert.Equal(t, StoredTokens{}, svc.Tokens.GetStoredTokens(ctx))
}

func TestSessionNativeLogin(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	svc := newTestService(t, fb, nil, WithPlatformOptions(WithAuthSession(&scriptedSession{reply: successReply("abc123")})))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)
	require.False(t, s.State().Authenticated())

	require.NoError(t, s.Login(ctx))
	st := s.State()
	assert.Equal(t, "AT1", st.AccessToken)
	require.NotNil(t, st.User)
	assert.Equal(t, "alice", st.User.PreferredUsername)
}

func TestSessionLoginCancelClearsState(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	cancel := &scriptedSession{reply: func(*url.URL, string) AuthResult { return AuthResult{Type: AuthCancel} }}
	svc := newTestService(t, fb, nil, WithPlatformOptions(WithAuthSession(cancel)))
	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresIn: 3600}))

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)
	require.True(t, s.State().Authenticated())

	err = s.Login(ctx)
	assert.ErrorIs(t, err, ErrLoginCancelled)
	assert.False(t, s.State().Authenticated())
	assert.Empty(t, svc.Tokens.GetStoredTokens(ctx).AccessToken)
}

func TestSessionDashboardURL(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend(t)
	ladder := WithOperationOptions(WithExchangeStrategies(ExchangeStrategy{
		Name: "fake",
		Exchange: func(_ context.Context, subject string) (*TokenSet, error) {
			return &TokenSet{AccessToken: "DASH-" + subject}, nil
		},
	}))
	svc := newTestService(t, fb, nil, ladder)

	s, err := OpenSession(ctx, svc)
	require.NoError(t, err)

	_, err = s.DashboardURL(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, svc.Tokens.StoreTokens(ctx, TokenSet{AccessToken: "AT1", ExpiresIn: 3600}))
	u, err := s.DashboardURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/dashboard#access_token=DASH-AT1", u)
}
