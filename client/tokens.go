package client

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// ExpiryBuffer is subtracted from the recorded expiry so that a token is
// never handed to a request that could outlive it.
const ExpiryBuffer = time.Minute

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenExpiry  = "token_expiry"
	keyAuthState    = "auth_state"
)

// TokenService owns the persisted token record. Nothing else writes to the
// token store.
type TokenService struct {
	store    Storage
	session  Storage
	platform Platform
	logger   *slog.Logger
	now      func() time.Time
}

// TokenServiceOption configures a TokenService.
type TokenServiceOption func(*TokenService)

// WithClock replaces time.Now, mainly for tests around the expiry buffer.
func WithClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithSessionStorage sets the session-scoped store used for CSRF state.
func WithSessionStorage(s Storage) TokenServiceOption {
	return func(ts *TokenService) {
		if s != nil {
			ts.session = s
		}
	}
}

// NewTokenService constructs a TokenService on top of store.
func NewTokenService(store Storage, platform Platform, logger *slog.Logger, opts ...TokenServiceOption) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &TokenService{
		store:    store,
		session:  NewMemoryStorage(),
		platform: platform,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// StoreTokens replaces the stored record with set. The refresh token and
// expiry are removed when the server did not return them.
func (ts *TokenService) StoreTokens(ctx context.Context, set TokenSet) error {
	if set.AccessToken == "" {
		return ErrNoAccessToken
	}

	if err := ts.set(ctx, keyAccessToken, set.AccessToken); err != nil {
		return err
	}

	if set.RefreshToken != "" {
		if err := ts.set(ctx, keyRefreshToken, set.RefreshToken); err != nil {
			return err
		}
	} else if err := ts.del(ctx, ts.store, keyRefreshToken); err != nil {
		return err
	}

	if set.ExpiresIn > 0 {
		expiry := ts.now().Add(time.Duration(set.ExpiresIn) * time.Second)
		if err := ts.set(ctx, keyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10)); err != nil {
			return err
		}
	} else if err := ts.del(ctx, ts.store, keyTokenExpiry); err != nil {
		return err
	}

	ts.logger.Debug("tokens stored",
		"has_refresh_token", set.RefreshToken != "",
		"expires_in", set.ExpiresIn)
	return nil
}

// GetStoredTokens never fails: storage errors degrade to an empty record.
func (ts *TokenService) GetStoredTokens(ctx context.Context) StoredTokens {
	access, err := ts.get(ctx, keyAccessToken)
	if err != nil {
		return StoredTokens{}
	}
	refresh, err := ts.get(ctx, keyRefreshToken)
	if err != nil {
		return StoredTokens{}
	}
	rawExpiry, err := ts.get(ctx, keyTokenExpiry)
	if err != nil {
		return StoredTokens{}
	}

	return StoredTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  ts.parseExpiry(rawExpiry),
	}
}

// IsTokenExpired is true when no expiry is recorded or the buffer window has
// been reached.
func (ts *TokenService) IsTokenExpired(ctx context.Context) bool {
	expiry := ts.GetStoredTokens(ctx).TokenExpiry
	if expiry.IsZero() {
		return true
	}
	return !ts.now().Before(expiry.Add(-ExpiryBuffer))
}

// GetValidAccessToken returns the access token, or "" when it is missing or
// expired.
func (ts *TokenService) GetValidAccessToken(ctx context.Context) string {
	if ts.IsTokenExpired(ctx) {
		return ""
	}
	return ts.GetStoredTokens(ctx).AccessToken
}

// ClearTokens deletes every token key. It is safe to call repeatedly.
func (ts *TokenService) ClearTokens(ctx context.Context) error {
	var errs []error
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyTokenExpiry} {
		if err := ts.del(ctx, ts.store, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	ts.logger.Debug("tokens cleared")
	return nil
}

// ForceCleanup clears tokens and any session-scoped state.
func (ts *TokenService) ForceCleanup(ctx context.Context) error {
	tokenErr := ts.ClearTokens(ctx)

	var sessionErr error
	if c, ok := ts.session.(interface{ Clear(context.Context) error }); ok {
		if err := c.Clear(ctx); err != nil {
			sessionErr = &StorageError{Op: "clear", Key: "session", Err: err}
		}
	} else {
		sessionErr = ts.del(ctx, ts.session, keyAuthState)
	}

	return errors.Join(tokenErr, sessionErr)
}

// StoreAuthState remembers the CSRF state of a web login. Other platforms
// carry state inside the auth session instead, so this is a no-op there.
func (ts *TokenService) StoreAuthState(ctx context.Context, state string) error {
	if ts.platform != PlatformWeb {
		return nil
	}
	if err := ts.session.Set(ctx, keyAuthState, state); err != nil {
		return &StorageError{Op: "set", Key: keyAuthState, Err: err}
	}
	return nil
}

// GetAndClearAuthState returns the stored CSRF state and removes it so it can
// be used only once.
func (ts *TokenService) GetAndClearAuthState(ctx context.Context) (string, error) {
	if ts.platform != PlatformWeb {
		return "", nil
	}
	state, _, err := ts.session.Get(ctx, keyAuthState)
	if err != nil {
		return "", &StorageError{Op: "get", Key: keyAuthState, Err: err}
	}
	if err := ts.del(ctx, ts.session, keyAuthState); err != nil {
		return "", err
	}
	return state, nil
}

func (ts *TokenService) set(ctx context.Context, key, value string) error {
	if err := ts.store.Set(ctx, key, value); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (ts *TokenService) del(ctx context.Context, s Storage, key string) error {
	if err := s.Delete(ctx, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (ts *TokenService) get(ctx context.Context, key string) (string, error) {
	v, _, err := ts.store.Get(ctx, key)
	if err != nil {
		ts.logger.Warn("token storage read failed", "key", key, "error", err)
		return "", err
	}
	return v, nil
}

func (ts *TokenService) parseExpiry(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ts.logger.Warn("ignoring malformed token expiry", "error", err)
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
