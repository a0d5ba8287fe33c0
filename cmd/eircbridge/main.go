// Command eircbridge polls the EIRC billing portal and exposes account
// balances and meter readings to Home Assistant over MQTT discovery,
// plus a local HTTP API.
//
// Usage:
//
//	eircbridge [flags] [command]
//
// Commands:
//
//	serve      Run the bridge daemon (default)
//	login      Authenticate against the portal, completing 2FA if required
//	accounts   List the portal accounts visible to the configured login
//	submit     Submit a meter reading: submit REGISTRATION SCALE_ID VALUE
//	version    Print build information
//	help       Show usage
//
// Flags:
//
//	-config PATH   Config file (default: search ./config.yaml,
//	               ~/.config/eircbridge/config.yaml, /etc/eircbridge/config.yaml)
//	-o FORMAT      Output format for accounts/version: text or json
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eircbridge/eircbridge/internal/api"
	"github.com/eircbridge/eircbridge/internal/buildinfo"
	"github.com/eircbridge/eircbridge/internal/config"
	"github.com/eircbridge/eircbridge/internal/connwatch"
	"github.com/eircbridge/eircbridge/internal/coordinator"
	"github.com/eircbridge/eircbridge/internal/eirc"
	"github.com/eircbridge/eircbridge/internal/mqtt"
	"github.com/eircbridge/eircbridge/internal/state"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. It takes its streams and arguments as
// parameters so tests can drive it without touching process state.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var (
		configPath string
		output     = "text"
		command    = "serve"
		positional []string
	)

	i := 0
	for i < len(args) {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s requires a path argument", arg)
			}
			configPath = args[i]
		case arg == "-o" || arg == "--output":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s requires a format argument", arg)
			}
			output = args[i]
		case arg == "-h" || arg == "--help":
			printUsage(stdout)
			return nil
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			positional = append(positional, arg)
		}
		i++
	}

	if len(positional) > 0 {
		command = positional[0]
		positional = positional[1:]
	}

	if output != "text" && output != "json" {
		return fmt.Errorf("output format must be text or json, got %q", output)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "login":
		return runLogin(ctx, stdout, configPath)
	case "accounts":
		return runAccounts(ctx, stdout, configPath, output)
	case "submit":
		return runSubmit(ctx, stdout, configPath, positional)
	case "version":
		return runVersion(stdout, output)
	case "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `eircbridge - EIRC billing portal bridge for Home Assistant

Usage:
  eircbridge [flags] [command]

Commands:
  serve      Run the bridge daemon (default)
  login      Authenticate against the portal, completing 2FA if required
  accounts   List the portal accounts visible to the configured login
  submit REGISTRATION SCALE_ID VALUE
             Submit a meter reading directly from the command line
  version    Print build information
  help       Show this help

Flags:
  -config PATH   Config file path
  -o FORMAT      Output format for accounts/version: text or json
`)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; anything else
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the config file. Returns the config
// and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, path, nil
}

// openStore opens the bridge database under the configured data
// directory and runs migrations.
func openStore(cfg *config.Config) (*sql.DB, *state.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "eircbridge.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	store, err := state.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, store, nil
}

// newPortalClient builds a portal client from config and restores any
// persisted session tokens so a restart doesn't force a fresh login.
func newPortalClient(cfg *config.Config, store *state.Store, logger *slog.Logger) (*eirc.Client, error) {
	client := eirc.NewClient(eirc.Config{
		BaseURL:            cfg.Portal.BaseURL,
		Login:              cfg.Portal.Login,
		Password:           cfg.Portal.Password,
		ProxyURL:           cfg.Portal.ProxyURL,
		MaxReadingIncrease: cfg.Poll.MaxReadingIncrease,
		Logger:             logger,
	})

	tokens, ok, err := store.LoadTokens(cfg.Portal.Login)
	if err != nil {
		return nil, fmt.Errorf("loading session tokens: %w", err)
	}
	if ok {
		client.SetTokenState(tokens)
		logger.Debug("restored portal session tokens", "login", cfg.Portal.Login)
	}
	return client, nil
}

func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	// Bootstrap logger until the config tells us the real level/format.
	logger := newLogger(stderr, slog.LevelInfo, "text")

	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level and format.
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger = newLogger(stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting eircbridge",
		"version", buildinfo.Version,
		"config", path,
		"poll_interval", cfg.Poll.Interval().String(),
	)

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newPortalClient(cfg, store, logger)
	if err != nil {
		return err
	}

	coord := coordinator.New(coordinator.Config{
		Client:   client,
		Recorder: store,
		Interval: cfg.Poll.Interval(),
		Accounts: cfg.Portal.Accounts,
		Logger:   logger,
	})

	connMgr := connwatch.NewManager(logger)

	// The portal probe is an unauthenticated request against a
	// rate-limited upstream, so it polls far less often than the
	// default schedule.
	portalBackoff := connwatch.DefaultBackoffConfig()
	portalBackoff.PollInterval = 5 * time.Minute
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "portal",
		Probe:   client.Ping,
		Backoff: portalBackoff,
		Logger:  logger,
	})

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("loading instance ID: %w", err)
		}

		mqttPub = mqtt.New(cfg.MQTT, instanceID, coord, logger)
		coord.AddListener(mqttPub.OnSnapshot)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, coord, connMgr, logger)
	server.SetSubmissionLog(store)

	go coord.Start(ctx)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Persist session tokens so the next start can skip 2FA.
		if tokens := client.TokenState(); tokens.Complete() {
			if err := store.SaveTokens(cfg.Portal.Login, tokens); err != nil {
				logger.Error("failed to persist session tokens", "error", err)
			}
		}

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the listener fails or Shutdown is called.
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	connMgr.Stop()
	logger.Info("eircbridge stopped")
	return nil
}

// runLogin performs an interactive portal login. When the portal
// demands email confirmation it prompts for the code on stdin and
// persists the resulting tokens for the serve command to pick up.
func runLogin(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(os.Stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newPortalClient(cfg, store, logger)
	if err != nil {
		return err
	}

	err = client.Authenticate(ctx)
	var challenge *eirc.TwoFactorRequiredError
	if errors.As(err, &challenge) {
		fmt.Fprintf(stdout, "The portal requires confirmation (%s).\n",
			strings.Join(challenge.Methods, ", "))
		if err := client.RequestEmailCode(ctx, challenge.TransactionID); err != nil {
			return fmt.Errorf("requesting confirmation code: %w", err)
		}

		fmt.Fprint(stdout, "Enter the code sent to your email: ")
		reader := bufio.NewReader(os.Stdin)
		code, readErr := reader.ReadString('\n')
		if readErr != nil {
			return fmt.Errorf("reading code: %w", readErr)
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("empty confirmation code")
		}

		if err := client.VerifyEmailCode(ctx, challenge.TransactionID, code); err != nil {
			return fmt.Errorf("verifying code: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if err := store.SaveTokens(cfg.Portal.Login, client.TokenState()); err != nil {
		return fmt.Errorf("persisting session tokens: %w", err)
	}

	fmt.Fprintln(stdout, "Login successful. Session tokens saved.")
	return nil
}

// runAccounts lists the accounts visible to the configured login. It
// reuses persisted tokens when available, so it usually works without
// a fresh 2FA round trip.
func runAccounts(ctx context.Context, stdout io.Writer, configPath string, output string) error {
	logger := newLogger(os.Stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newPortalClient(cfg, store, logger)
	if err != nil {
		return err
	}

	accounts, err := client.Accounts(ctx)
	if err != nil {
		if eirc.IsAuthProblem(err) {
			return fmt.Errorf("%w (run 'eircbridge login' first)", err)
		}
		return err
	}

	if output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	for _, a := range accounts {
		name := a.Alias
		if name == "" {
			name = a.Tenancy.Register
		}
		fmt.Fprintf(stdout, "%-12d %-16s %-24s confirmed=%v\n",
			a.ID, a.Tenancy.Register, name, a.Confirmed)
	}
	return nil
}

// runSubmit submits one meter reading from the command line. It
// resolves the meter by registration number across all visible
// accounts, so the caller doesn't need to know the account ID.
func runSubmit(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: submit REGISTRATION SCALE_ID VALUE")
	}
	registration := args[0]
	scaleID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid scale ID %q: %w", args[1], err)
	}
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("invalid reading value %q: %w", args[2], err)
	}

	logger := newLogger(os.Stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newPortalClient(cfg, store, logger)
	if err != nil {
		return err
	}

	accounts, err := client.Accounts(ctx)
	if err != nil {
		if eirc.IsAuthProblem(err) {
			return fmt.Errorf("%w (run 'eircbridge login' first)", err)
		}
		return err
	}

	for _, acct := range accounts {
		meters, err := client.Meters(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.Tenancy.Register, err)
		}
		for _, m := range meters {
			if m.ID.Registration != registration {
				continue
			}
			if err := client.SubmitReading(ctx, acct.ID, m, scaleID, value); err != nil {
				return err
			}
			if err := store.RecordSubmission(state.Submission{
				AccountID:    acct.ID,
				Registration: registration,
				ScaleID:      scaleID,
				Value:        value,
				SubmittedAt:  time.Now(),
			}); err != nil {
				logger.Warn("failed to record submission", "error", err)
			}
			fmt.Fprintf(stdout, "Reading %v submitted for meter %s scale %d.\n",
				value, registration, scaleID)
			return nil
		}
	}
	return fmt.Errorf("no meter with registration %q found", registration)
}

func runVersion(stdout io.Writer, output string) error {
	info := buildinfo.Info()

	if output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(stdout, "%-12s %s\n", k+":", info[k])
	}
	return nil
}
