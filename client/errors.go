package client

import (
	"errors"
	"fmt"
)

var (
	ErrNoAccessToken     = errors.New("no access token received")
	ErrNoRefreshToken    = errors.New("no refresh token available")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrStateMismatch     = errors.New("authorization state mismatch")
	ErrServerUnreachable = errors.New("auth server is unreachable: make sure the backend is running and reachable from this device")
	ErrLoginCancelled    = errors.New("authentication was cancelled: if you did not cancel it, check that the redirect URI is registered for the client in Keycloak")
)

// StorageError reports a failing storage primitive.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("token storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigError is returned for missing or malformed configuration. It is never
// worth retrying.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
