// Command supibot runs the Twitch chat connector.
// It:
//   - Loads configuration (env + platform YAML) and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Loads channels and reminders, then connects to Twitch chat.
//   - Starts background jobs: rejoin sweep, stream liveness poll and the
//     bot token refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /events,
//     /metrics and the reminder reload endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/chat"
	"github.com/NotNotQuinn/supibot/command"
	"github.com/NotNotQuinn/supibot/config"
	"github.com/NotNotQuinn/supibot/crypto"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/emotes"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/oauth"
	"github.com/NotNotQuinn/supibot/reminder"
	"github.com/NotNotQuinn/supibot/server"
	"github.com/NotNotQuinn/supibot/streamcache"
	"github.com/NotNotQuinn/supibot/telemetry"
	"github.com/NotNotQuinn/supibot/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "supibot",
		Short:         "Twitch chat connector",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to chat and serve the HTTP API (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBot(cmd.Context())
			},
		},
		newMigrateCmd(),
		newEncryptTokensCmd(),
	)
	return root
}

// setupLogging installs the default slog handler. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	format = strings.ToLower(format)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func openDB(cfg *config.Config) (*db.Store, func(), error) {
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	sealer, err := crypto.FromEnv()
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("token encryption: %w", err)
	}
	closeFn := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	return db.NewStore(database, sealer, slog.Default()), closeFn, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := db.Connect(cfg.DBDsn)
			if err != nil {
				return err
			}
			defer database.Close()

			switch action {
			case "up":
				if err := db.RunMigrations(database); err != nil {
					return err
				}
			case "down":
				if err := db.MigrateDown(database); err != nil {
					return err
				}
			case "version":
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
			v, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}
	return cmd
}

func newEncryptTokensCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "encrypt-tokens",
		Short: "Encrypt stored OAuth tokens that are still plaintext (needs ENCRYPTION_KEY)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if os.Getenv("ENCRYPTION_KEY") == "" {
				return errors.New("ENCRYPTION_KEY environment variable is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, closeDB, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			n, err := store.EncryptPlaintextTokens(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			verb := "encrypted"
			if dryRun {
				verb = "would encrypt"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d token(s)\n", verb, n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be migrated without making changes")
	return cmd
}

func runBot(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	platform, err := config.LoadPlatform(cfg.PlatformPath)
	if err != nil {
		return err
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("supibot", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(store.DB); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}

	// A token stored by the OAuth flow or the refresher wins over the env value.
	if tok, err := store.GetOAuthToken(ctx, oauth.ChatProvider); err != nil {
		slog.Warn("load stored bot token failed", slog.Any("err", err))
	} else if tok != nil && tok.AccessToken != "" {
		cfg.TwitchOAuthToken = tok.AccessToken
	}
	var botToken atomic.Pointer[string]
	botToken.Store(&cfg.TwitchOAuthToken)

	pool, err := db.OpenPool(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	chatCtx, stopChatLog := context.WithCancel(context.WithoutCancel(ctx))
	chatLog := db.NewChatLog(chatCtx, pool, db.ChatLogConfig{
		MaxBatch:   cfg.ChatLogBatchSize,
		FlushEvery: cfg.ChatLogFlushInterval,
	}, slog.Default())
	defer func() {
		stopChatLog()
		<-chatLog.Done()
	}()

	channels := channel.NewRegistry(store, slog.Default())
	if err := channels.Reload(ctx); err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	reminders := reminder.NewRegistry(store, slog.Default())
	if err := reminders.Reload(ctx); err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	defer reminders.Stop()
	afk := reminder.NewAFKTracker(store, slog.Default())

	api := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
		UserToken:      func() string { return *botToken.Load() },
		StreamsURL:     cfg.StreamsAPIURL,
	}
	emoteCache := emotes.New(emotes.Options{
		SetURL:           cfg.EmoteSetAPIURL,
		TTL:              platform.EmoteCacheTTL,
		Log:              slog.Default(),
		ResolveChannelID: api.GetUserID,
	})

	started := time.Now()
	cmds := command.NewRegistry(platform.CommandPrefix, slog.Default())
	cmds.Register(command.Ping(started))
	cmds.Register(command.Help(cmds))
	cmds.Register(command.AFK(store))
	cmds.Register(command.Remind(store, reminders, func(ctx context.Context, name string) (int64, error) {
		u, err := store.GetOrCreateUser(ctx, name, "")
		if err != nil {
			return 0, err
		}
		return u.ID, nil
	}))
	cmds.Register(command.Emotes(emoteCache))

	streams, err := streamcache.Open(cfg.StreamCachePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := streams.Close(); err != nil {
			slog.Warn("close stream cache", slog.Any("err", err))
		}
	}()

	bus := events.NewBus()
	controller, err := chat.New(chat.Deps{
		Config:    cfg,
		Platform:  platform,
		Channels:  channels,
		Users:     store,
		Logs:      store,
		ChatLog:   chatLog,
		Commands:  cmds,
		Reminders: reminders,
		AFK:       afk,
		Emotes:    emoteCache,
		API:       api,
		Streams:   streams,
		Bus:       bus,
		Log:       slog.Default(),
	})
	if err != nil {
		return err
	}
	defer controller.Destroy()
	reminders.Attach(controller, channels.GetByID)
	afk.Attach(controller)
	controller.StartJobs(ctx)

	setToken := func(access string) {
		botToken.Store(&access)
		controller.SetIRCToken(access)
	}
	userCfg := twitchapi.UserTokenConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, "")
	refresher := &oauth.Refresher{
		Store:    store,
		Provider: oauth.ChatProvider,
		Refresh: func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			tok, err := twitchapi.RefreshUserToken(rctx, userCfg, nil, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return tok.AccessToken, tok.RefreshToken, tok.Expiry, twitchapi.TokenScope(tok), nil
		},
		OnRefresh: setToken,
	}
	refresher.Start(ctx)

	var authCfg *oauth2.Config
	if cfg.TwitchRedirectURI != "" && cfg.TwitchClientSecret != "" {
		authCfg = twitchapi.UserTokenConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, "")
		authCfg.RedirectURL = cfg.TwitchRedirectURI
		authCfg.Scopes = cfg.TwitchScopes
	}

	startPprof()

	go func() {
		if err := server.Start(ctx, server.Deps{
			DB:         store,
			Channels:   channels,
			Reminders:  reminders,
			Chat:       controller,
			Bus:        bus,
			OAuth:      authCfg,
			Tokens:     store,
			OnToken:    setToken,
			AdminToken: cfg.AdminToken,
			Log:        slog.Default(),
		}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Blocks until the session ends or a shutdown signal arrives.
	if err := controller.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
