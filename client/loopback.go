package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const callbackPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body><p>%s You can close this window.</p></body></html>`

// LoopbackSession is the native AuthSession used on desktops: it serves the
// redirect URI on a loopback address, opens the system browser and waits for
// exactly one callback. Cancelling ctx reports AuthCancel.
type LoopbackSession struct {
	// OpenBrowser opens url in the user's browser. Defaults to the
	// platform's opener command.
	OpenBrowser func(url string) error
	Logger      *slog.Logger
}

// Start implements AuthSession.
func (s *LoopbackSession) Start(ctx context.Context, authURL, redirectURI string) (AuthResult, error) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return AuthResult{}, fmt.Errorf("parse redirect uri: %w", err)
	}
	if redirect.Scheme != "http" || !isLoopbackHost(redirect.Hostname()) {
		return AuthResult{}, fmt.Errorf("redirect uri %s is not a loopback http address", redirectURI)
	}
	pattern := "GET " + redirect.Path
	switch {
	case redirect.Path == "":
		pattern = "GET /{$}"
	case strings.HasSuffix(redirect.Path, "/"):
		pattern += "{$}"
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return AuthResult{}, fmt.Errorf("listen on %s: %w", redirect.Host, err)
	}

	results := make(chan AuthResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("code") && !q.Has("error") {
			http.Error(w, "not an authorization callback", http.StatusBadRequest)
			return
		}
		callback := *redirect
		callback.RawQuery = r.URL.RawQuery

		res := AuthResult{Type: AuthSuccess, URL: callback.String()}
		msg := "Signed in."
		if q.Get("error") != "" {
			res.Type = AuthError
			msg = "Sign-in failed."
		}

		select {
		case results <- res:
		default:
			http.Error(w, "callback already received", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		fmt.Fprintf(w, callbackPage, msg)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger().Error("loopback callback server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	open := s.OpenBrowser
	if open == nil {
		open = OpenBrowser
	}
	if err := open(authURL); err != nil {
		return AuthResult{}, fmt.Errorf("open browser: %w", err)
	}
	s.logger().Info("waiting for authorization callback", "listen", redirect.Host)

	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		return AuthResult{Type: AuthCancel}, nil
	}
}

func (s *LoopbackSession) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// OpenBrowser asks the operating system to open u in the default browser.
func OpenBrowser(u string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	return cmd.Start()
}
