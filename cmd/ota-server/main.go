// OTA Server - Entry Point
//
// Serves firmware images and HMAC-signed version metadata to OTA agents.
//
// Expected layout:
//
//	firmware_dir/
//	  waveshare_s3_lcd_7/
//	    firmware.bin
//	    version        (optional)
//	  simulator/
//	    firmware.bin
//
// Configuration comes from an optional YAML file, OTA_SERVER_ environment
// variables, and flags, in increasing priority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roundtouch/ota-agent/internal/config"
	"github.com/roundtouch/ota-agent/internal/firmwareserver"
	"github.com/roundtouch/ota-agent/internal/logging"
	"github.com/roundtouch/ota-agent/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/ota-server/config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	var flags config.ServerConfig
	flag.StringVar(&flags.FirmwareDir, "firmware-dir", "", "override firmware directory")
	flag.StringVar(&flags.SecretKey, "secret-key", "", "override HMAC secret key")
	flag.StringVar(&flags.Version, "firmware-version", "", "override advertised firmware version")
	flag.StringVar(&flags.Listen, "listen", "", "override listen address")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("ota-server"))
		os.Exit(0)
	}

	cfg, err := config.LoadServer(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if info, err := os.Stat(cfg.FirmwareDir); err != nil || !info.IsDir() {
		logger.Error("firmware directory does not exist", slog.String("firmware_dir", cfg.FirmwareDir))
		os.Exit(1)
	}

	srv := firmwareserver.New(firmwareserver.Options{
		Dir:       cfg.FirmwareDir,
		SecretKey: []byte(cfg.SecretKey),
		Version:   cfg.Version,
	}, logger)

	boards, err := srv.Boards()
	if err != nil {
		logger.Error("failed to list boards", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(boards) == 0 {
		logger.Warn("no firmware.bin found in any board directory")
	}
	logger.Info("ota server starting",
		slog.String("version", cfg.Version),
		slog.String("firmware_dir", cfg.FirmwareDir),
		slog.String("listen", cfg.Listen),
		slog.Any("boards", boards),
	)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}
	logger.Info("shutdown complete")
}
