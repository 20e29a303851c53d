package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"webviewauth/client"
)

var watchInterval time.Duration

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func simpleCommand(use, short string, run func(ctx context.Context, a *cliApp, w io.Writer) int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			cmd.SetContext(ctx)
			return withApp(cmd, func(ctx context.Context, a *cliApp) int {
				return run(ctx, a, os.Stdout)
			})
		},
	}
}

func init() {
	watchCmd := simpleCommand("watch", "Keep the session alive and print its state until interrupted", runWatch)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Refresh check interval (default: refresh_interval from config)")

	rootCmd.AddCommand(
		simpleCommand("login", "Sign in through the browser", runLogin),
		simpleCommand("status", "Show the stored session", runStatus),
		simpleCommand("refresh", "Refresh the access token now", runRefresh),
		simpleCommand("logout", "Sign out and clear stored tokens", runLogout),
		simpleCommand("userinfo", "Show the signed in user", runUserInfo),
		simpleCommand("dashboard-url", "Print a device dashboard URL carrying an exchanged token", runDashboardURL),
		watchCmd,
	)
}

type statusReport struct {
	Authenticated bool         `json:"authenticated"`
	User          *client.User `json:"user,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Expired       bool         `json:"expired"`
	CanRefresh    bool         `json:"can_refresh"`
	Backend       string       `json:"backend"`
	BackendStatus string       `json:"backend_status"`
}

func runLogin(ctx context.Context, a *cliApp, w io.Writer) int {
	set, err := a.svc.Login(ctx)
	if err != nil {
		if errors.Is(err, client.ErrLoginCancelled) {
			fmt.Fprintln(w, "Login cancelled.")
			return 1
		}
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if set == nil {
		fmt.Fprintln(w, "Continue the login in the browser.")
		return 0
	}

	user, err := a.svc.LoadUser(ctx)
	if err != nil || user == nil {
		fmt.Fprintln(w, "Signed in.")
		return 0
	}
	if a.json {
		writeJSON(w, user)
		return 0
	}
	fmt.Fprintf(w, "Signed in as %s.\n", user.DisplayName())
	return 0
}

func runStatus(ctx context.Context, a *cliApp, w io.Writer) int {
	stored := a.svc.Tokens.GetStoredTokens(ctx)
	report := statusReport{
		Authenticated: stored.AccessToken != "",
		Expired:       stored.AccessToken != "" && a.svc.Tokens.IsTokenExpired(ctx),
		CanRefresh:    stored.RefreshToken != "",
		Backend:       a.svc.Config().BackendURL,
		BackendStatus: "unreachable",
	}
	if !stored.TokenExpiry.IsZero() {
		exp := stored.TokenExpiry.UTC()
		report.ExpiresAt = &exp
	}
	if h, err := a.svc.Health.Check(ctx); err == nil {
		report.BackendStatus = h.Status
	}
	if report.Authenticated && !report.Expired {
		if user, err := a.svc.Users.GetUserInfo(ctx, stored.AccessToken); err == nil {
			report.User = user
		}
	}

	if a.json {
		writeJSON(w, report)
	} else {
		fmt.Fprintln(w, formatStatusHuman(report))
	}
	if !report.Authenticated {
		return 1
	}
	return 0
}

func formatStatusHuman(r statusReport) string {
	who := "not signed in"
	switch {
	case r.User != nil:
		who = r.User.DisplayName()
	case r.Authenticated:
		who = "signed in (user unknown)"
	}
	expiry := "-"
	if r.ExpiresAt != nil {
		expiry = r.ExpiresAt.Format(time.RFC3339)
		if r.Expired {
			expiry += " [expired]"
		}
	}
	return fmt.Sprintf(`User:        %s
Expires:     %s
Refreshable: %t
Backend:     %s (%s)`,
		who,
		expiry,
		r.CanRefresh,
		r.Backend, r.BackendStatus)
}

func runRefresh(ctx context.Context, a *cliApp, w io.Writer) int {
	set, err := a.svc.Refresh(ctx)
	if err != nil {
		if errors.Is(err, client.ErrNoRefreshToken) {
			fmt.Fprintln(w, "Not signed in.")
			return 1
		}
		fmt.Fprintf(w, "Error: %v\nYou have been signed out.\n", err)
		return 2
	}
	expires := "no expiry"
	if set.ExpiresIn > 0 {
		expires = "expires in " + (time.Duration(set.ExpiresIn) * time.Second).String()
	}
	if a.json {
		writeJSON(w, map[string]any{"refreshed": true, "expires_in": set.ExpiresIn})
		return 0
	}
	fmt.Fprintf(w, "Token refreshed, %s.\n", expires)
	return 0
}

func runLogout(ctx context.Context, a *cliApp, w io.Writer) int {
	if err := a.svc.Logout(ctx); err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintln(w, "Signed out.")
	return 0
}

func runUserInfo(ctx context.Context, a *cliApp, w io.Writer) int {
	user, err := a.svc.LoadUser(ctx)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if user == nil {
		fmt.Fprintln(w, "Not signed in.")
		return 1
	}
	if a.json {
		writeJSON(w, user)
		return 0
	}
	fmt.Fprintf(w, "Subject:  %s\nUsername: %s\nEmail:    %s\nName:     %s\n",
		user.Subject, user.PreferredUsername, user.Email, user.Name)
	return 0
}

func runDashboardURL(ctx context.Context, a *cliApp, w io.Writer) int {
	u, err := a.svc.DashboardURL(ctx)
	if err != nil {
		if errors.Is(err, client.ErrNotAuthenticated) {
			fmt.Fprintln(w, "Not signed in.")
			return 1
		}
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if a.json {
		writeJSON(w, map[string]string{"url": u})
		return 0
	}
	fmt.Fprintln(w, u)
	return 0
}

// runWatch keeps a session open with auto refresh and prints a line whenever
// the signed in state changes.
func runWatch(ctx context.Context, a *cliApp, w io.Writer) int {
	session, err := client.OpenSession(ctx, a.svc)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	defer session.Close()

	interval := watchInterval
	if interval <= 0 {
		interval = a.svc.Config().RefreshInterval
	}
	session.StartAutoRefresh(interval)

	last := ""
	report := func() {
		st := session.State()
		line := "signed out"
		if st.Authenticated() {
			line = "signed in as " + st.User.DisplayName()
			if exp := a.svc.Tokens.GetStoredTokens(ctx).TokenExpiry; !exp.IsZero() {
				line += ", token expires " + exp.Format(time.RFC3339)
			}
		}
		if line != last {
			fmt.Fprintf(w, "%s %s\n", time.Now().Format(time.TimeOnly), line)
			last = line
		}
	}
	report()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			report()
		}
	}
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
