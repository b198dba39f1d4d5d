// OTA Agent - Entry Point
//
// The agent keeps a device's firmware image current. On a cron schedule it
// asks the firmware server which version it offers for this board, and when
// auto_update is enabled streams the newer image into flash while verifying
// its HMAC-SHA256, committing it only when the digest matches.
//
// Configuration is loaded from /etc/ota-agent/config.yaml (or the -config
// path) with AGENT_ environment overrides.
//
// Lifecycle:
//  1. Load configuration and set up the structured logger
//  2. Open the update history and connect the event publisher if configured
//  3. Notify systemd that the service is ready and start the watchdog
//  4. Run update checks until an image is installed or a signal arrives
//  5. Record the installed version and shut down; systemd restarts the
//     agent into the new image
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/roundtouch/ota-agent/internal/config"
	"github.com/roundtouch/ota-agent/internal/events"
	"github.com/roundtouch/ota-agent/internal/history"
	"github.com/roundtouch/ota-agent/internal/logging"
	"github.com/roundtouch/ota-agent/internal/network"
	"github.com/roundtouch/ota-agent/internal/ota"
	"github.com/roundtouch/ota-agent/internal/scheduler"
	"github.com/roundtouch/ota-agent/internal/shutdown"
	"github.com/roundtouch/ota-agent/internal/systemd"
	"github.com/roundtouch/ota-agent/internal/version"
)

// Default shutdown timeout - how long to wait for graceful shutdown
const shutdownTimeout = 15 * time.Second

// natsConnectTimeout bounds the startup connection attempt.
const natsConnectTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	checkOnce := flag.Bool("check-once", false, "run a single check (and install if auto_update is set), then exit")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets redacted and exit")
	showHistory := flag.Int("history", 0, "print the `n` most recent update attempts and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("ota-agent"))
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use basic stderr logging before logger is configured
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		os.Exit(0)
	}

	if *showHistory > 0 {
		if err := printHistory(os.Stdout, cfg, *showHistory); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	current := config.ReadInstalledVersion(cfg.Flash.VersionFile, version.Version)
	logger.Info("agent starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.String("server_url", cfg.ServerURL),
		slog.String("board_id", cfg.BoardID),
		slog.String("firmware_version", current),
		slog.String("flash_driver", cfg.Flash.Driver),
		slog.String("check_schedule", cfg.CheckSchedule),
		slog.Bool("auto_update", cfg.AutoUpdate),
	)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)

	coordinator := shutdown.NewCoordinator(logger)
	code := run(ctx, cfg, current, *checkOnce, coordinator, logger)
	stop()
	logger.Info("shutdown complete", slog.Int("exit_code", code))
	os.Exit(code)
}

// run wires the components and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, current string, checkOnce bool, coordinator *shutdown.Coordinator, logger *slog.Logger) int {
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	flasher, err := newFlasher(cfg, logger)
	if err != nil {
		logger.Error("failed to set up flash driver", slog.String("error", err.Error()))
		return 1
	}

	client := network.NewClient(network.Options{
		BoardID:         cfg.BoardID,
		FirmwareVersion: current,
		RequestTimeout:  time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}, logger)

	session, err := ota.NewSession(ota.Config{
		BaseURL:        cfg.ServerURL,
		BoardID:        cfg.BoardID,
		SecretKey:      []byte(cfg.SecretKey),
		CurrentVersion: current,
		Network:        client,
		Flasher:        flasher,
		ChunkSize:      cfg.ChunkSize,
		StallTimeout:   time.Duration(cfg.StallTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create update session", slog.String("error", err.Error()))
		return 1
	}

	var recorder scheduler.Recorder
	if cfg.HistoryEnabled() {
		store, err := history.Open(cfg.HistoryPath, cfg.HistoryLimit)
		if err != nil {
			// History is informational; updates proceed without it
			logger.Warn("update history unavailable", slog.String("error", err.Error()))
		} else {
			recorder = store
			coordinator.Register("history", store)
		}
	}

	notifier := systemd.NewNotifier(logger)
	tracker := newActivity(session.Status, busyLimit(cfg))
	session.OnStatusChange(tracker.observe)

	progress := []ota.ProgressFunc{tracker.progress}
	var eventsConnected func() bool
	if client, publish := connectEvents(ctx, cfg, session, coordinator, logger); client != nil {
		eventsConnected = client.IsConnected
		progress = append(progress, publish)
	}
	session.OnStatusChange(func(from, to ota.Status) {
		notifier.Status(statusLine(to, session, eventsConnected))
	})
	session.SetProgressCallback(func(pct int) {
		for _, fn := range progress {
			fn(pct)
		}
	})

	sched, err := scheduler.New(session, recorder, scheduler.Options{
		Schedule:   cfg.CheckSchedule,
		AutoUpdate: cfg.AutoUpdate,
	}, logger)
	if err != nil {
		logger.Error("failed to create scheduler", slog.String("error", err.Error()))
		return 1
	}

	if checkOnce {
		outcome := sched.RunOnce(ctx)
		return finish(cfg, outcome, logger)
	}

	notifier.Ready()
	notifier.Status(statusLine(session.Status(), session, eventsConnected))
	logger.Info("agent ready")
	notifier.StartWatchdog(ctx, tracker.healthy)

	outcome, err := sched.Run(ctx)
	notifier.Stopping()
	if err != nil {
		logger.Info("shutdown signal received, starting graceful shutdown")
		return 0
	}
	return finish(cfg, outcome, logger)
}

// finish records an installed image and maps the outcome to an exit code.
func finish(cfg *config.Config, outcome scheduler.Outcome, logger *slog.Logger) int {
	if outcome.Installed {
		if err := config.WriteInstalledVersion(cfg.Flash.VersionFile, outcome.Version); err != nil {
			logger.Error("failed to record installed version", slog.String("error", err.Error()))
		}
		logger.Info("new image committed, exiting for restart",
			slog.String("version", outcome.Version),
		)
		return 0
	}
	if outcome.Err != nil {
		return 1
	}
	if outcome.Available {
		logger.Info("update available", slog.String("version", outcome.Version))
	}
	return 0
}

// connectEvents connects the NATS publisher when configured and returns the
// client with its progress sink, or nil.
func connectEvents(ctx context.Context, cfg *config.Config, session *ota.Session, coordinator *shutdown.Coordinator, logger *slog.Logger) (*events.Client, ota.ProgressFunc) {
	if !cfg.NATSEnabled() {
		return nil, nil
	}
	eventsCfg := events.Config{
		Servers:       cfg.NATS.Servers,
		NKeySeed:      cfg.NATS.NKeySeed,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		BoardID:       cfg.BoardID,
	}
	client := events.NewClient(eventsCfg, logger)

	connectCtx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		logger.Warn("event publishing disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	coordinator.Register("events", client)

	return client, events.NewPublisher(client.Connection(), eventsCfg, logger).Attach(session)
}

// statusLine is the systemd STATUS= text. eventsConnected is nil when event
// publishing is off.
func statusLine(status ota.Status, session *ota.Session, eventsConnected func() bool) string {
	var b strings.Builder
	b.WriteString(status.String())
	b.WriteString(" firmware=")
	b.WriteString(session.CurrentVersion())
	if v := session.AvailableVersion(); v != "" {
		b.WriteString(" available=")
		b.WriteString(v)
	}
	if eventsConnected != nil {
		if eventsConnected() {
			b.WriteString(" events=connected")
		} else {
			b.WriteString(" events=disconnected")
		}
	}
	return b.String()
}
