package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"webviewauth/client"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "wvauth",
	Short: "Keycloak token client for the WebView workshop",
	Long: `wvauth signs in against the workshop Keycloak realm through the
auth-exchange backend, keeps the tokens fresh and hands exchanged tokens to
the device dashboard.

Environment Variables:
  WVAUTH_CONFIG        Path to a client YAML config
  WVAUTH_BACKEND_URL   Auth-exchange backend URL (default: http://localhost:3001)
  WVAUTH_ISSUER        Keycloak realm issuer
  WVAUTH_STORAGE_DRIVER  memory, file or sqlite

A .env file in the working directory is loaded first.`,
	SilenceUsage: true,
}

func init() {
	// .env is optional
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("WVAUTH_CONFIG"), "Path to client YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of human-readable text")
}

// cliApp is what every command works against.
type cliApp struct {
	svc    *client.AuthService
	store  client.Storage
	logger *slog.Logger
	json   bool
}

func (a *cliApp) Close() error {
	return client.CloseStorage(a.store)
}

// openApp loads configuration and opens the token store. Logs go to stderr
// so command output on stdout stays parseable.
func openApp() (*cliApp, error) {
	level, err := parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := client.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	store, err := client.OpenStorage(cfg.Storage, cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("open token storage: %w", err)
	}

	session := &client.LoopbackSession{
		Logger: logger,
		OpenBrowser: func(url string) error {
			fmt.Fprintf(os.Stderr, "Opening the browser to sign in. If it does not open, visit:\n  %s\n", url)
			return client.OpenBrowser(url)
		},
	}

	svc := client.NewAuthService(cfg, store, logger,
		client.WithPlatformOptions(client.WithAuthSession(session)),
	)
	return &cliApp{svc: svc, store: store, logger: logger, json: jsonOutput}, nil
}

// withApp runs fn against a freshly opened app and maps its exit code.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *cliApp) int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if code := fn(cmd.Context(), a); code != 0 {
		a.Close()
		os.Exit(code)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
