package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerEnvPrefix is the prefix for firmware server environment overrides.
const ServerEnvPrefix = "OTA_SERVER_"

// ServerConfig configures the firmware server.
type ServerConfig struct {
	// FirmwareDir holds <board>/firmware.bin images.
	FirmwareDir string `koanf:"firmware_dir" yaml:"firmware_dir"`

	// SecretKey is the pre-shared key images are signed with.
	SecretKey string `koanf:"secret_key" yaml:"secret_key"`

	// Version is reported for boards without a version file.
	Version string `koanf:"version" yaml:"version"`

	// Listen is the HTTP listen address. Default: ":8080".
	Listen string `koanf:"listen" yaml:"listen"`

	LogLevel  string `koanf:"log_level" yaml:"log_level"`
	LogFormat string `koanf:"log_format" yaml:"log_format"`
}

// Server validation errors.
var (
	ErrFirmwareDirRequired = errors.New("firmware_dir is required")
	ErrVersionRequired     = errors.New("version is required")
)

// LoadServer reads the firmware server configuration from path, skipped if
// the file does not exist, then OTA_SERVER_ environment variables. Non-empty
// fields of flags win over both.
func LoadServer(path string, flags ServerConfig) (*ServerConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(ServerEnvPrefix, ".", serverEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg ServerConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.merge(flags)
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	if cfg.FirmwareDir == "" {
		return nil, ErrFirmwareDirRequired
	}
	if cfg.SecretKey == "" {
		return nil, ErrSecretKeyRequired
	}
	if cfg.Version == "" {
		return nil, ErrVersionRequired
	}
	return &cfg, nil
}

// serverEnvKey maps OTA_SERVER_FIRMWARE_DIR to firmware_dir.
func serverEnvKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, ServerEnvPrefix))
}

func (c *ServerConfig) merge(o ServerConfig) {
	if o.FirmwareDir != "" {
		c.FirmwareDir = o.FirmwareDir
	}
	if o.SecretKey != "" {
		c.SecretKey = o.SecretKey
	}
	if o.Version != "" {
		c.Version = o.Version
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}
