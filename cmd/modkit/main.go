// modkit - timing and leaderboard server for the Descenders mod
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/descenders-modkit/modkit-server/internal/api"
	"github.com/descenders-modkit/modkit-server/internal/auth"
	"github.com/descenders-modkit/modkit-server/internal/config"
	"github.com/descenders-modkit/modkit-server/internal/metrics"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/registry"
	"github.com/descenders-modkit/modkit-server/internal/session"
	"github.com/descenders-modkit/modkit-server/internal/speedrun"
	"github.com/descenders-modkit/modkit-server/internal/storage"
	"github.com/descenders-modkit/modkit-server/internal/timer"
)

var version = "dev"

const (
	defaultEnvFile  = ".env"
	shutdownTimeout = 15 * time.Second
	cliTimeout      = 10 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:], true)
	case "unverify":
		cmdVerify(os.Args[2:], false)
	case "grant":
		cmdGrant(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "version":
		fmt.Printf("modkit %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: modkit <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the game and dashboard servers")
	fmt.Println("  leaderboard <trail> --world <world>  Show the top times on a trail")
	fmt.Println("  verify <time-id> [--by name]         Mark a time as verified")
	fmt.Println("  unverify <time-id> [--by name]       Mark a time as not verified")
	fmt.Println("  grant <steam-id> <item-id>           Queue an item unlock for a rider")
	fmt.Println("  token <operator>                     Mint a dashboard token")
	fmt.Println("  version                              Show version")
	fmt.Println("  help                                 Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>     Path to configuration file (default: built-in defaults)")
	fmt.Println("  --env-file <path>   Path to a .env file (default .env)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  modkit serve --config /etc/modkit/config.yml")
	fmt.Println("  modkit leaderboard Ridge --world Highlands --top 20")
	fmt.Println("  modkit verify 1234 --by moderator")
	fmt.Println("  modkit grant 76561198000000001 42")
}

// commonFlags adds the options every command accepts
func commonFlags(fs *flag.FlagSet) (configPath, envFile *string) {
	configPath = fs.String("config", "", "path to configuration file")
	envFile = fs.String("env-file", defaultEnvFile, "path to a .env file")
	return configPath, envFile
}

func loadConfig(configPath, envFile string) *config.Config {
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openStore(cfg *config.Config) *storage.Store {
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

// cmdServe runs the game listener and the dashboard until SIGINT or SIGTERM
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Parse(args)

	cfg := loadConfig(*configPath, *envFile)
	logger := newLogger(cfg.Log)
	if err := serve(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", version).Msg("modkit starting")

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	var notifier notify.Sink = notify.LogSink{Logger: logger}
	if cfg.NATS.URL != "" {
		sink, err := notify.NewNATSSink(notify.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting announcements: %w", err)
		}
		defer sink.Close()
		notifier = sink
	} else {
		logger.Warn().Msg("No NATS URL configured, announcements are only logged")
	}

	var leaderboards speedrun.ExternalLeaderboard
	if cfg.Speedrun.Enabled {
		leaderboards = speedrun.New(speedrun.Config{
			BaseURL:  cfg.Speedrun.BaseURL,
			Game:     cfg.Speedrun.Game,
			Category: cfg.Speedrun.Category,
			Timeout:  cfg.Speedrun.Timeout,
		}, logger)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	reg := registry.New(registry.Deps{
		Store:        store,
		Replays:      store,
		Leaderboards: leaderboards,
		Notifier:     notifier,
		Metrics:      m,
		Logger:       logger,
		Config: registry.Config{
			ReadTimeout:   cfg.Session.ReadTimeout,
			SweepInterval: cfg.Session.SweepInterval,
			ReadBuffer:    cfg.Session.ReadBuffer,
			MaxFrame:      cfg.Session.MaxFrameBytes,
			Session: session.Config{
				InboxSize:       cfg.Session.InboxSize,
				OutboxSize:      cfg.Session.OutboxSize,
				WriteTimeout:    cfg.Session.WriteTimeout,
				LeaderboardSize: cfg.Session.LeaderboardSize,
				BannedNames:     cfg.Session.BannedNames,
				Timer: timer.Config{
					ReplayRetryInterval: cfg.Timer.ReplayRetryInterval,
					StoreTimeout:        cfg.Timer.StoreTimeout,
					StartSpeedMargin:    cfg.Timer.StartSpeedMargin,
				},
			},
		},
	})

	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	} else {
		logger.Warn().Msg("No JWT secret configured, the dashboard is open to anyone who can reach it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(api.Deps{
		Riders:   reg,
		Store:    store,
		Auth:     authService,
		Gatherer: promReg,
		Logger:   logger,
	})
	router.StartWebSocketHub(ctx)

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.ListenAndServe(cfg.Server.GameAddr)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.HTTPAddr).Msg("Dashboard listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Dashboard shutdown error")
		}
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Registry shutdown timed out")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("Shutdown complete")
	return err
}

// cmdLeaderboard prints the top verified times of a trail
func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	world := fs.String("world", "", "world the trail belongs to")
	limit := fs.Int("top", session.DefaultLeaderboardSize, "number of times to show")
	fs.Parse(args)

	if fs.NArg() < 1 || *world == "" {
		fmt.Fprintf(os.Stderr, "Usage: modkit leaderboard <trail> --world <world> [--top N]\n")
		os.Exit(1)
	}
	trail := fs.Arg(0)

	store := openStore(loadConfig(*configPath, *envFile))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	entries, err := store.GetLeaderboard(ctx, trail, *world, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("No verified times on %s (%s)\n", trail, *world)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLACE\tRIDER\tTIME\tID\tSUBMITTED")
	fmt.Fprintln(w, "-----\t-----\t----\t--\t---------")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			e.Place, e.SteamName, timer.FormatDuration(e.Time), e.TimeID, e.SubmittedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// cmdVerify appends a verification record to a time
func cmdVerify(args []string, verified bool) {
	name := "verify"
	if !verified {
		name = "unverify"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	by := fs.String("by", "cli", "verifier recorded with the decision")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: modkit %s <time-id> [--by name]\n", name)
		os.Exit(1)
	}
	timeID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid time id %q\n", fs.Arg(0))
		os.Exit(1)
	}

	store := openStore(loadConfig(*configPath, *envFile))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := store.SubmitVerification(ctx, timeID, *by, verified); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: time %d does not exist\n", timeID)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Time %d marked %sed by %s\n", timeID, name, *by)
}

// cmdGrant queues an item unlock, delivered the next time the rider signs in
func cmdGrant(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Usage: modkit grant <steam-id> <item-id>\n")
		os.Exit(1)
	}
	steamID := fs.Arg(0)
	itemID, err := strconv.ParseInt(fs.Arg(1), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid item id %q\n", fs.Arg(1))
		os.Exit(1)
	}

	store := openStore(loadConfig(*configPath, *envFile))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := store.AddPendingItem(ctx, steamID, itemID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Item %d queued for %s\n", itemID, steamID)
}

// cmdToken mints a dashboard token for an operator
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath, envFile := commonFlags(fs)
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: modkit token <operator>\n")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration).GenerateToken(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (set %s)\n", err, config.EnvJWTSecret)
		os.Exit(1)
	}
	fmt.Println(token)
}
