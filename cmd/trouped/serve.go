package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"troupe/internal/api"
	"troupe/internal/bot"
	"troupe/internal/config"
	"troupe/internal/delegate"
	"troupe/internal/event"
	"troupe/internal/logging"
	"troupe/internal/metrics"
	"troupe/internal/recovery"
	"troupe/internal/session"
	"troupe/internal/terminal"
	"troupe/internal/version"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	// A local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	registry := metrics.NewRegistry()

	sessions, err := session.NewManager(session.ManagerOptions{
		StateDir: cfg.Paths.StateDir,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	transcripts, err := session.NewTranscriptStore(cfg.Paths.LogRoot)
	if err != nil {
		return err
	}

	summary, err := recovery.Run(recovery.Options{
		Sessions:    sessions,
		Transcripts: transcripts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Info("startup recovery complete", map[string]string{
		"temp_files_removed": strconv.Itoa(summary.TempFilesRemoved),
		"sessions_archived":  strconv.Itoa(summary.SessionsArchived),
	})

	bots, err := bot.LoadBotsFile(cfg.Paths.BotsFile)
	if err != nil {
		return err
	}
	botRegistry, err := bot.NewRegistry(bots)
	if err != nil {
		return err
	}
	logger.Info("bots loaded", map[string]string{
		"count": strconv.Itoa(len(bots)),
		"file":  cfg.Paths.BotsFile,
	})

	invoker := &bot.WorkerInvoker{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Timeout: cfg.WorkerTimeout(),
		Logger:  logger,
		Metrics: registry,
	}

	var listenerFactory bot.ListenerFactory
	if cfg.Gateway.URL != "" {
		listenerFactory = bot.NewLongPollFactory(cfg.Gateway.URL, nil, logger)
	}

	manager, err := bot.NewManager(bot.ManagerOptions{
		Registry:        botRegistry,
		Sessions:        sessions,
		Transcripts:     transcripts,
		Invoker:         invoker,
		Brains:          &bot.FileBrainSource{Dir: cfg.Paths.BrainsDir},
		ListenerFactory: listenerFactory,
		Logger:          logger,
		Metrics:         registry,
	})
	if err != nil {
		return err
	}

	stop, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bridge, err := delegate.NewBridge(delegate.BridgeOptions{
		Runner:         manager,
		Messages:       manager,
		PrivilegedBots: cfg.Delegation.PrivilegedBots,
		ResolvedTTL:    cfg.ResolvedTTL(),
		Events: event.NewBus[event.DelegationEvent](stop, event.BusOptions{
			Name:     "delegation_events",
			Registry: registry,
		}),
		KnownBot: func(id string) bool {
			_, ok := botRegistry.Get(id)
			return ok
		},
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		return err
	}
	manager.SetDelegationSink(bridge)

	terminals := terminal.NewManager(terminal.ManagerOptions{
		Shell:       cfg.Terminal.Shell,
		BufferLines: cfg.Terminal.BufferLines,
		MaxPerUser:  cfg.Terminal.MaxPerUser,
		Logger:      logger,
		Metrics:     registry,
		Bus: event.NewBus[event.TerminalEvent](stop, event.BusOptions{
			Name:     "terminal_events",
			Registry: registry,
		}),
	})

	bridge.Start(stop)
	manager.StartAll(stop)
	go func() {
		if err := bot.WatchBotsFile(stop, cfg.Paths.BotsFile, botRegistry, logger); err != nil {
			logger.Warn("bots file watch stopped", map[string]string{
				"error": err.Error(),
			})
		}
	}()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Cleanup.Schedule, func() {
		if _, err := sessions.CleanupOldSessions("", cfg.Cleanup.MaxAgeDays, transcripts); err != nil {
			logger.Warn("session cleanup failed", map[string]string{
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RoutesOptions{
		Bots:           manager,
		Sessions:       sessions,
		Bridge:         bridge,
		Terminals:      terminals,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
		Metrics:        registry,
		Version:        version.String(),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("trouped listening", map[string]string{
		"addr":    cfg.Server.Addr,
		"version": version.String(),
	})

	runner := &ServerRunner{Logger: logger}
	result := runner.Run(stop, ManagedServer{
		Name:     "http",
		Serve:    httpServer.ListenAndServe,
		Shutdown: httpServer.Shutdown,
	})

	<-scheduler.Stop().Done()
	manager.StopAll()
	terminals.KillAll()
	bridge.Close()
	logger.Info("trouped stopped", nil)

	if result != nil && result.err != nil {
		return result.err
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*logging.Logger, func(), error) {
	level, ok := logging.ParseLevel(cfg.Level)
	if !ok {
		level = logging.LevelInfo
	}
	if cfg.File == "" {
		return logging.NewLogger(level), func() {}, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	output := io.MultiWriter(os.Stdout, file)
	logger := logging.NewLoggerWithOutput(nil, level, output)
	return logger, func() { _ = file.Close() }, nil
}
