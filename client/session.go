package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// Session is the process-wide auth state of the app. It is created by
// OpenSession, passed to whatever needs it, and released with Close.
type Session struct {
	svc *AuthService

	mu    sync.RWMutex
	state AuthState

	refreshes singleflight.Group

	timerMu sync.Mutex
	stop    context.CancelFunc
	done    chan struct{}
}

// OpenSession loads the stored tokens and the current user. A session whose
// stored tokens cannot be turned into a user starts logged out.
func OpenSession(ctx context.Context, svc *AuthService) (*Session, error) {
	if svc == nil {
		return nil, errors.New("open session: nil auth service")
	}
	s := &Session{svc: svc, state: AuthState{IsLoading: true}}
	s.reload(ctx)
	return s, nil
}

// State returns a snapshot of the auth state.
func (s *Session) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Service returns the underlying AuthService.
func (s *Session) Service() *AuthService { return s.svc }

// Login runs the interactive login and loads the user. On the web platform
// the browser has been redirected when Login returns and the state is
// unchanged.
func (s *Session) Login(ctx context.Context) error {
	s.setLoading(true)
	set, err := s.svc.Login(ctx)
	if err != nil {
		s.setState(AuthState{})
		return err
	}
	if set == nil {
		s.setLoading(false)
		return nil
	}
	s.reload(ctx)
	return nil
}

// CompleteWebLogin finishes a web login started by Login.
func (s *Session) CompleteWebLogin(ctx context.Context, callbackURL string) error {
	s.setLoading(true)
	if _, err := s.svc.CompleteWebLogin(ctx, callbackURL); err != nil {
		s.setState(AuthState{})
		return err
	}
	s.reload(ctx)
	return nil
}

// Refresh refreshes the tokens. Concurrent callers, including the auto
// refresh timer, share a single in-flight refresh.
func (s *Session) Refresh(ctx context.Context) error {
	ch := s.refreshes.DoChan(refreshKey, func() (any, error) {
		return s.svc.Refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			s.setState(AuthState{})
			return res.Err
		}
		set := res.Val.(*TokenSet)
		s.mu.Lock()
		noUser := s.state.User == nil
		if !noUser {
			s.state.AccessToken = set.AccessToken
			s.state.RefreshTokenValue = s.svc.Tokens.GetStoredTokens(ctx).RefreshToken
		}
		s.mu.Unlock()
		// a session without a user is only authenticated once userinfo loads
		if noUser {
			s.reload(ctx)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshIfNeeded refreshes when the access token is within the expiry
// buffer and a refresh token is available. It reports whether a refresh was
// attempted.
func (s *Session) RefreshIfNeeded(ctx context.Context) (bool, error) {
	if !s.svc.Tokens.IsTokenExpired(ctx) {
		return false, nil
	}
	if s.svc.Tokens.GetStoredTokens(ctx).RefreshToken == "" {
		return false, nil
	}
	return true, s.Refresh(ctx)
}

// Logout logs out and resets the state. The state is reset even when the
// local clear fails; that error is returned.
func (s *Session) Logout(ctx context.Context) error {
	err := s.svc.Logout(ctx)
	s.setState(AuthState{})
	return err
}

// DashboardURL returns the device dashboard URL carrying an exchanged token.
func (s *Session) DashboardURL(ctx context.Context) (string, error) {
	return s.svc.DashboardURL(ctx)
}

// StartAutoRefresh checks token validity every interval and refreshes when
// needed, until Close. Calling it again replaces the running timer.
func (s *Session) StartAutoRefresh(interval time.Duration) {
	if interval <= 0 {
		interval = s.svc.Config().RefreshInterval
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.stopTimer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.timerMu.Lock()
	s.stop, s.done = cancel, done
	s.timerMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if attempted, err := s.RefreshIfNeeded(ctx); attempted && err != nil {
					s.svc.logger.Warn("background token refresh failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the auto refresh timer. The stored tokens are kept.
func (s *Session) Close() error {
	s.stopTimer()
	return nil
}

func (s *Session) stopTimer() {
	s.timerMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.timerMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

func (s *Session) reload(ctx context.Context) {
	user, err := s.svc.LoadUser(ctx)
	if err != nil {
		s.svc.logger.Warn("could not restore session", "error", err)
	}
	if user == nil {
		s.setState(AuthState{})
		return
	}
	stored := s.svc.Tokens.GetStoredTokens(ctx)
	s.setState(AuthState{
		User:              user,
		AccessToken:       stored.AccessToken,
		RefreshTokenValue: stored.RefreshToken,
	})
}

func (s *Session) setState(st AuthState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.state.IsLoading = v
	s.mu.Unlock()
}
