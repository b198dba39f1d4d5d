package main

import (
	"fmt"
	"log/slog"

	"github.com/roundtouch/ota-agent/internal/config"
	"github.com/roundtouch/ota-agent/internal/flash"
	"github.com/roundtouch/ota-agent/internal/ota"
)

func newFlasher(cfg *config.Config, logger *slog.Logger) (ota.Flasher, error) {
	switch cfg.Flash.Driver {
	case config.DriverFile:
		return flash.NewFileFlasher(cfg.Flash.ImagePath, cfg.Flash.StagingDir, logger), nil
	case config.DriverMemory:
		logger.Info("using in-memory flash, images are discarded on exit",
			slog.Int64("capacity", cfg.Flash.MemoryCapacity),
		)
		return flash.NewMemoryFlasher(cfg.Flash.MemoryCapacity), nil
	default:
		return nil, fmt.Errorf("unknown flash driver %q", cfg.Flash.Driver)
	}
}
