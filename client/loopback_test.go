package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestLoopbackSessionReceivesCallback(t *testing.T) {
	redirectURI := fmt.Sprintf("http://%s/callback", freeLoopbackAddr(t))

	session := &LoopbackSession{
		Logger: testLogger(),
		OpenBrowser: func(string) error {
			go func() {
				resp, err := http.Get(redirectURI + "?code=abc123&state=s1")
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		},
	}

	res, err := session.Start(context.Background(), "http://kc.test/auth", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, AuthSuccess, res.Type)
	assert.Equal(t, redirectURI+"?code=abc123&state=s1", res.URL)
}

func TestLoopbackSessionIgnoresStrayRequests(t *testing.T) {
	redirectURI := fmt.Sprintf("http://%s/", freeLoopbackAddr(t))

	statuses := make(chan int, 2)
	get := func(u string) {
		resp, err := http.Get(u)
		if err != nil {
			statuses <- 0
			return
		}
		resp.Body.Close()
		statuses <- resp.StatusCode
	}

	session := &LoopbackSession{
		Logger: testLogger(),
		OpenBrowser: func(string) error {
			go func() {
				get(redirectURI + "favicon.ico")
				get(redirectURI)
				resp, err := http.Get(redirectURI + "?code=abc123&state=s1")
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		},
	}

	res, err := session.Start(context.Background(), "http://kc.test/auth", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, AuthSuccess, res.Type)
	assert.Equal(t, redirectURI+"?code=abc123&state=s1", res.URL)
	assert.Equal(t, http.StatusNotFound, <-statuses)
	assert.Equal(t, http.StatusBadRequest, <-statuses)
}

func TestLoopbackSessionReportsError(t *testing.T) {
	redirectURI := fmt.Sprintf("http://%s/callback", freeLoopbackAddr(t))

	session := &LoopbackSession{
		Logger: testLogger(),
		OpenBrowser: func(string) error {
			go func() {
				resp, err := http.Get(redirectURI + "?error=access_denied")
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		},
	}

	res, err := session.Start(context.Background(), "http://kc.test/auth", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, AuthError, res.Type)
}

func TestLoopbackSessionCancel(t *testing.T) {
	redirectURI := fmt.Sprintf("http://%s/callback", freeLoopbackAddr(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	session := &LoopbackSession{Logger: testLogger(), OpenBrowser: func(string) error { return nil }}
	res, err := session.Start(ctx, "http://kc.test/auth", redirectURI)
	require.NoError(t, err)
	assert.Equal(t, AuthCancel, res.Type)
}

func TestLoopbackSessionRejectsNonLoopbackRedirect(t *testing.T) {
	session := &LoopbackSession{Logger: testLogger(), OpenBrowser: func(string) error { return nil }}

	_, err := session.Start(context.Background(), "http://kc.test/auth", "app://cb")
	assert.Error(t, err)

	_, err = session.Start(context.Background(), "http://kc.test/auth", "http://example.com/callback")
	assert.Error(t, err)
}
