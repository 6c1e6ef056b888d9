// Ladderbot - automated ladder player for Showdown-style battle servers.
//
// Ladderbot logs in over the server's websocket, keeps a matchmaking search
// open, and plays every battle it is matched into with a random legal move.
// It records battle history, exposes a small status API, and can publish
// telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/energizer-project/ladderbot/internal/api"
	"github.com/energizer-project/ladderbot/internal/cli"
	"github.com/energizer-project/ladderbot/internal/config"
	"github.com/energizer-project/ladderbot/internal/connector"
	"github.com/energizer-project/ladderbot/internal/db"
	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/policy"
	"github.com/energizer-project/ladderbot/internal/scheduler"
	"github.com/energizer-project/ladderbot/internal/session"
	"github.com/energizer-project/ladderbot/internal/telemetry"
	"github.com/energizer-project/ladderbot/internal/util"
)

const (
	AppName    = "Ladderbot"
	AppVersion = "1.0.0"
	Banner     = `
  _           _     _           _           _
 | | __ _  __| | __| | ___ _ __| |__   ___ | |_
 | |/ _' |/ _' |/ _' |/ _ \ '__| '_ \ / _ \| __|
 | | (_| | (_| | (_| |  __/ |  | |_) | (_) | |_
 |_|\__,_|\__,_|\__,_|\___|_|  |_.__/ \___/ \__|
                                          v%s
 Ladder battle client
`
)

// Process exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitTeamRejected = 2
)

type options struct {
	configDir string
	logLevel  string
	noCLI     bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts options
	flagSet := pflag.NewFlagSet("ladderbot", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error)")
	flagSet.BoolVar(&opts.noCLI, "no-cli", false, "disable the interactive console")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return exitOK
	}

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitFailure
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting ladderbot")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return exitFailure
	}

	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxSizeMB:  cfg.ApplicationData.Logging.MaxSizeMB,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if args := flagSet.Args(); len(args) > 0 {
		switch args[0] {
		case "history":
			return runHistory(cfg, args[1:])
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printHelp(flagSet)
			return exitFailure
		}
	}

	if !validateConfig(cfg) {
		return exitFailure
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	return runBot(cfg, opts, logCfg.Level)
}

// validateConfig logs validation results and runs the setup wizard on first run.
func validateConfig(cfg *config.Config) bool {
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if validation.IsValid() {
		return true
	}

	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	if !cfg.IsFirstRun() {
		log.Error().Msg("configuration validation failed, please fix the errors above")
		return false
	}

	log.Info().Msg("first run detected, launching setup wizard")
	if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("setup wizard failed")
		return false
	}
	return config.Validate(cfg).IsValid()
}

func runBot(cfg *config.Config, opts options, logLevel string) int {
	sd := cfg.GetShowdownData()
	app := cfg.GetApplicationData()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe("main.shutdown", func(_ context.Context, e events.Event) error {
		log.Info().Str("source", e.Source).Msg("shutdown requested")
		cancel()
		return nil
	}, events.EventShutdown)

	// Store and readers stay nil interfaces when history is disabled.
	var (
		historyStore  *db.HistoryStore
		historyReader api.HistoryReader
		historySource cli.HistorySource
	)
	if app.History.Enabled {
		store, err := db.NewHistoryStore(app.History.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open battle history, history disabled")
		} else {
			defer store.Close()
			store.Subscribe(eventBus)
			historyStore = store
			historyReader = store
			historySource = store
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		h, err := telemetry.NewMQTTHandler(app.MQTT, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			mqttHandler = h
		}
	}

	conn := connector.NewShowdownConn(sd.ServerURL, sd.ConnectTimeout())
	log.Info().Str("url", sd.ServerURL).Msg("connecting to game server")
	if err := conn.Dial(ctx); err != nil {
		log.Error().Err(err).Msg("failed to connect to game server")
		return exitFailure
	}
	defer conn.Close()

	seed := sd.PolicySeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Debug().Int64("seed", seed).Msg("move policy seeded")

	machine := session.NewMachine(session.Options{
		Identity:       sd.Username,
		Format:         sd.Format,
		Team:           sd.Team,
		RetryDelay:     sd.RetryDelay(),
		AuthMaxRetries: sd.AuthMaxRetries,
	}, policy.NewRandom(seed))

	client := session.NewClient(machine, conn,
		connector.NewLoginClient(sd.LoginURL, AppVersion, sd.LoginTimeout()),
		session.ClientOptions{
			Secret:       sd.Password,
			LoginTimeout: sd.LoginTimeout(),
			Bus:          eventBus,
		})

	var wg sync.WaitGroup

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx, eventBus); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if app.API.Enabled {
		apiServer := api.NewServer(app.API, logLevel, AppVersion, client, historyReader)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if historyStore != nil {
		sched := scheduler.NewScheduler(app.History, historyStore)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	// The console blocks on stdin, so it is not waited for on shutdown.
	if !opts.noCLI {
		cliHandler := cli.NewCLI(client, historySource, eventBus, os.Stdin, os.Stdout)
		go cliHandler.Start(ctx)
	}

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- client.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := exitOK
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	case err := <-sessionErr:
		code = exitCode(err)
		if code != exitOK {
			log.Error().Err(err).Msg("session ended")
		}
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	conn.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Int("exit_code", code).Msg("ladderbot stopped")
	return code
}

// exitCode maps the session result to a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, session.ErrTeamRejected):
		return exitTeamRejected
	default:
		return exitFailure
	}
}

// runHistory prints the recorded battles and totals, then exits.
func runHistory(cfg *config.Config, args []string) int {
	app := cfg.GetApplicationData()
	if !app.History.Enabled {
		fmt.Fprintln(os.Stderr, "battle history is disabled in the configuration")
		return exitFailure
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "invalid count: %s\n", args[0])
			return exitFailure
		}
		limit = n
	}

	store, err := db.NewHistoryStore(app.History.Path)
	if err != nil {
		log.Error().Err(err).Msg("failed to open battle history")
		return exitFailure
	}
	defer store.Close()

	battles, err := store.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read battle history")
		return exitFailure
	}
	stats, err := store.Stats()
	if err != nil {
		log.Error().Err(err).Msg("failed to compute history stats")
		return exitFailure
	}

	cli.RenderBattles(os.Stdout, battles)
	cli.RenderStats(os.Stdout, stats)
	return exitOK
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "%s %s\n\n", AppName, AppVersion)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ladderbot [flags]              play the ladder")
	fmt.Fprintln(os.Stderr, "  ladderbot [flags] history [n]  print the last n recorded battles")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}
