package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
	"github.com/reportbridge/reportd/pkg/engine"
	"github.com/reportbridge/reportd/pkg/frame"
	"github.com/reportbridge/reportd/pkg/ipc"
	"github.com/reportbridge/reportd/pkg/lifecycle"
	"github.com/reportbridge/reportd/pkg/report"
	"github.com/reportbridge/reportd/pkg/server"
)

var (
	engineType    string
	engineTimeout time.Duration
	recreate      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the report server",
	Long: `Serve accepts one client at a time on the configured Unix socket and
answers each request with exactly one response. SIGINT or SIGTERM stops the
server; SIGHUP or an edit of the config file reloads the log level and the
engine timeout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&engineType, "engine", "",
		"Report engine: exec or docker (default: from config or env)")
	serveCmd.Flags().DurationVar(&engineTimeout, "engine-timeout", 0,
		"Deadline for a single report, 0 for none (default: from config or env)")
	serveCmd.Flags().BoolVar(&recreate, "recreate-per-connection", false,
		"Create a fresh socket for every connection")
}

// serveOverrides adds the serve-only flags to the persistent overrides
func serveOverrides() config.OverrideOptions {
	opts := overrides()
	opts.EngineType = engineType
	opts.EngineTimeout = engineTimeout
	return opts
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(serveOverrides())
	if recreate {
		cfg.Server.RecreatePerConnection = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("Starting reportd", "version", Version, "socket", cfg.Server.SocketPath, "engine", cfg.Engine.Type)

	shutdown := lifecycle.NewShutdownManager(cmd.Context(), cfg.Server.ShutdownTimeout, log)
	shutdown.Start()
	defer shutdown.Stop()

	ctx := shutdown.Context()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create report engine", "error", err)
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("Failed to close report engine", "error", err)
		}
	}()

	mode, err := cfg.Server.FileMode()
	if err != nil {
		return err
	}
	listener, err := ipc.NewUnixListener(ipc.UnixListenerConfig{
		Path:                  cfg.Server.SocketPath,
		Mode:                  mode,
		RecreatePerConnection: cfg.Server.RecreatePerConnection,
	}, log)
	if err != nil {
		log.Error("Failed to prepare socket", "error", err)
		return err
	}

	dispatcher := report.New(eng, log,
		report.WithCodec(frame.New(frame.WithMaxFrame(cfg.Server.MaxFrameSize))),
		report.WithIOTimeout(cfg.Server.IOTimeout),
		report.WithEngineTimeout(cfg.Engine.Timeout),
	)

	srv := server.New(listener, dispatcher, lifecycle.Backoff{
		Transport: cfg.Server.TransportBackoff,
		Other:     cfg.Server.ErrorBackoff,
	}, log)

	shutdown.AddHook(func(ctx context.Context) error {
		return srv.Close()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if path := reloadPath(); path != "" {
		reloader := config.NewReloader(path, cfg, log)
		reloader.AddCallback(applyReload(log, dispatcher))
		g.Go(func() error {
			if err := reloader.Run(gctx); err != nil {
				// The server keeps running with the configuration it has.
				log.Error("Config reloader stopped", "error", err)
			}
			return nil
		})
	}

	log.Info("reportd is running. Press Ctrl+C to stop.")
	serveErr := g.Wait()

	if !shutdown.IsShuttingDown() {
		if err := shutdown.Shutdown(context.Background(), "server stopped"); err != nil {
			log.Warn("Shutdown hooks failed", "error", err)
		}
	} else {
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+time.Second)
		defer cancel()
		if err := shutdown.WaitCompletion(waitCtx); err != nil {
			log.Warn("Shutdown did not complete", "error", err)
		}
	}

	log.Info("reportd stopped", "reason", shutdown.ShutdownReason(), "stats", srv.Stats().String())
	return serveErr
}

// applyReload returns the reload callback: it applies the new log level and
// engine timeout. Other settings need a restart.
func applyReload(log *logger.Logger, d *report.Dispatcher) config.ReloadCallback {
	return func(ctx context.Context, next *config.Config) error {
		next.ApplyOverrides(serveOverrides())

		level, err := logger.ParseLevel(next.Logging.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		d.SetEngineTimeout(next.Engine.Timeout)

		log.Info("Configuration reloaded",
			"log_level", level.String(),
			"engine_timeout", next.Engine.Timeout)
		return nil
	}
}
