// Package config provides configuration management for the OTA agent.
// It uses koanf v2 to load configuration from a YAML file and then applies
// AGENT_-prefixed environment overrides.
//
// Configuration is loaded from /etc/ota-agent/config.yaml by default.
// The file holds the pre-shared firmware signing key and should be 0600.
//
// Environment variables map onto config keys by stripping the prefix,
// lowercasing, and using a double underscore for nesting:
//
//	AGENT_SERVER_URL        -> server_url
//	AGENT_FLASH__IMAGE_PATH -> flash.image_path
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/roundtouch/ota-agent/internal/scheduler"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the agent configuration file.
const DefaultConfigPath = "/etc/ota-agent/config.yaml"

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "AGENT_"

// Flash driver names.
const (
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Config holds the agent configuration.
// Fields are tagged for both koanf (loading) and yaml (printing).
type Config struct {
	// ServerURL is the base URL of the firmware server (e.g., "http://ota.local:8080").
	ServerURL string `koanf:"server_url" yaml:"server_url"`

	// BoardID selects the firmware line served to this device.
	BoardID string `koanf:"board_id" yaml:"board_id"`

	// SecretKey is the pre-shared HMAC-SHA256 key images are signed with.
	SecretKey string `koanf:"secret_key" yaml:"secret_key"`

	// LogLevel is one of "debug", "info", "warn", "error". Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFormat is "json" (journald) or "text". Default: "json".
	LogFormat string `koanf:"log_format" yaml:"log_format"`

	// CheckSchedule is a cron expression for update checks. Default: "@every 6h".
	CheckSchedule string `koanf:"check_schedule" yaml:"check_schedule"`

	// AutoUpdate installs an available update immediately after a check.
	AutoUpdate bool `koanf:"auto_update" yaml:"auto_update"`

	// StallTimeoutSeconds aborts a download after this long without data. Default: 15.
	StallTimeoutSeconds int `koanf:"stall_timeout_seconds" yaml:"stall_timeout_seconds"`

	// ChunkSize is the download buffer size in bytes. Default: 4096.
	ChunkSize int `koanf:"chunk_size" yaml:"chunk_size"`

	// RequestTimeoutSeconds bounds the metadata request. Default: 30.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds"`

	Flash FlashConfig `koanf:"flash" yaml:"flash"`

	// HistoryPath is the bbolt database recording update attempts.
	// Default: /var/lib/ota-agent/history.db. Set to "-" to disable.
	HistoryPath string `koanf:"history_path" yaml:"history_path"`

	// HistoryLimit is the number of attempts kept. Default: 100.
	HistoryLimit int `koanf:"history_limit" yaml:"history_limit"`

	NATS NATSConfig `koanf:"nats" yaml:"nats"`
}

// FlashConfig selects where images are written.
type FlashConfig struct {
	// Driver is "file" or "memory". Default: "file".
	Driver string `koanf:"driver" yaml:"driver"`

	// ImagePath is the active image for the file driver.
	ImagePath string `koanf:"image_path" yaml:"image_path"`

	// StagingDir holds the in-progress image. Default: the directory of ImagePath.
	StagingDir string `koanf:"staging_dir" yaml:"staging_dir"`

	// VersionFile records the installed image version.
	// Default: ImagePath + ".version".
	VersionFile string `koanf:"version_file" yaml:"version_file"`

	// MemoryCapacity is the partition size for the memory driver. Default: 16 MiB.
	MemoryCapacity int64 `koanf:"memory_capacity" yaml:"memory_capacity"`
}

// NATSConfig enables status events over NATS.
type NATSConfig struct {
	// Servers is a comma-separated list of NATS server URLs.
	Servers string `koanf:"servers" yaml:"servers"`

	// NKeySeed is the NKey seed used to authenticate.
	NKeySeed string `koanf:"nkey_seed" yaml:"nkey_seed"`

	// SubjectPrefix roots event subjects. Default: "devices".
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// Validation errors returned by Load when required fields are missing.
var (
	ErrServerURLRequired  = errors.New("server_url is required")
	ErrBoardIDRequired    = errors.New("board_id is required")
	ErrSecretKeyRequired  = errors.New("secret_key is required")
	ErrImagePathRequired  = errors.New("flash.image_path is required for the file driver")
	ErrUnknownFlashDriver = errors.New("flash.driver must be \"file\" or \"memory\"")
	ErrInvalidChunkSize   = errors.New("chunk_size must be positive")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
	ErrInvalidLogFormat   = errors.New("log_format must be \"json\" or \"text\"")
	ErrInvalidSchedule    = errors.New("check_schedule is not a valid cron expression")
)

// Load reads configuration from the YAML file at path, then applies
// environment overrides. An empty path loads from the environment only.
// It applies defaults for optional fields and validates required fields.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps AGENT_FLASH__IMAGE_PATH to flash.image_path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.CheckSchedule == "" {
		c.CheckSchedule = "@every 6h"
	}
	if c.StallTimeoutSeconds == 0 {
		c.StallTimeoutSeconds = 15
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.Flash.Driver == "" {
		c.Flash.Driver = DriverFile
	}
	if c.Flash.StagingDir == "" && c.Flash.ImagePath != "" {
		c.Flash.StagingDir = filepath.Dir(c.Flash.ImagePath)
	}
	if c.Flash.VersionFile == "" && c.Flash.ImagePath != "" {
		c.Flash.VersionFile = c.Flash.ImagePath + ".version"
	}
	if c.Flash.MemoryCapacity == 0 {
		c.Flash.MemoryCapacity = 16 << 20
	}
	if c.HistoryPath == "" {
		c.HistoryPath = "/var/lib/ota-agent/history.db"
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "devices"
	}
}

// validate checks that required configuration fields are present and valid.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return ErrServerURLRequired
	}
	if c.BoardID == "" {
		return ErrBoardIDRequired
	}
	if c.SecretKey == "" {
		return ErrSecretKeyRequired
	}
	switch c.Flash.Driver {
	case DriverFile:
		if c.Flash.ImagePath == "" {
			return ErrImagePathRequired
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownFlashDriver, c.Flash.Driver)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return ErrInvalidLogFormat
	}
	if c.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.StallTimeoutSeconds <= 0 || c.RequestTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if err := scheduler.NewCronParser().Validate(c.CheckSchedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// HistoryEnabled reports whether update attempts are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryPath != "-"
}

// NATSEnabled returns true if NATS configuration is present.
func (c *Config) NATSEnabled() bool {
	return c.NATS.Servers != "" && c.NATS.NKeySeed != ""
}

// Redacted returns a copy safe for printing, with secrets masked.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.SecretKey != "" {
		cp.SecretKey = "REDACTED"
	}
	if cp.NATS.NKeySeed != "" {
		cp.NATS.NKeySeed = "REDACTED"
	}
	return &cp
}

// Dump renders the configuration as YAML with secrets masked.
func Dump(cfg *Config) ([]byte, error) {
	data, err := goyaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// ReadInstalledVersion returns the version recorded in path, or fallback if
// no version has been recorded.
func ReadInstalledVersion(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return fallback
}

// WriteInstalledVersion records the version of a freshly committed image.
func WriteInstalledVersion(path, version string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(version+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write version to %s: %w", path, err)
	}
	return nil
}
