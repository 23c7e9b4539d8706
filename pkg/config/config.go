package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/session"
	"github.com/srg/rblink/internal/supervisor"
	"gopkg.in/yaml.v3"
)

const (
	BackendGoble   = "goble"
	BackendTinyble = "tinyble"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"panic"`
	Backend  string `yaml:"backend" default:"goble"`

	Link      LinkConfig      `yaml:"link"`
	Write     WriteConfig     `yaml:"write"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

type LinkConfig struct {
	ServiceUUID string        `yaml:"service_uuid" default:"713D0000-503E-4C75-BA94-3148F18D941E"`
	CommandUUID string        `yaml:"command_uuid" default:"713D0003-503E-4C75-BA94-3148F18D941E"`
	DataUUID    string        `yaml:"data_uuid" default:"713D0002-503E-4C75-BA94-3148F18D941E"`
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"2s"`

	// ConnectTimeout bounds a single connect attempt in the transport.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	AutoConnect    bool          `yaml:"auto_connect" default:"true"`
	AutoScan       bool          `yaml:"auto_scan" default:"false"`
	RescanOnFail   bool          `yaml:"rescan_on_connect_failure" default:"false"`
	AllowList      []string      `yaml:"allow,omitempty"`
	BlockList      []string      `yaml:"block,omitempty"`
}

type WriteConfig struct {
	// Rate is chunks per second, 0 is unpaced.
	Rate         float64 `yaml:"rate" default:"0"`
	ChunkSize    int     `yaml:"chunk_size" default:"20"`
	WithResponse bool    `yaml:"with_response" default:"false"`
}

type ReconnectConfig struct {
	MaxFailures uint32        `yaml:"max_failures" default:"3"`
	OpenTimeout time.Duration `yaml:"open_timeout" default:"30s"`
	RetryDelay  time.Duration `yaml:"retry_delay" default:"1s"`
	Watchdog    time.Duration `yaml:"watchdog" default:"15s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultPath is ~/.config/rblink/config.yaml, or empty when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rblink", "config.yaml")
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.Backend {
	case BackendGoble, BackendTinyble:
	default:
		return fmt.Errorf("backend: unknown backend %q (must be %s or %s)", c.Backend, BackendGoble, BackendTinyble)
	}

	for name, id := range map[string]string{
		"service_uuid": c.Link.ServiceUUID,
		"command_uuid": c.Link.CommandUUID,
		"data_uuid":    c.Link.DataUUID,
	} {
		if _, err := device.ValidateUUID(id); err != nil {
			return fmt.Errorf("link.%s: %w", name, err)
		}
	}

	if c.Link.ScanTimeout < 0 || c.Link.ConnectTimeout < 0 {
		return errors.New("link: timeouts must not be negative")
	}
	if c.Write.Rate < 0 {
		return errors.New("write.rate must not be negative")
	}
	if c.Write.ChunkSize < 0 {
		return errors.New("write.chunk_size must not be negative")
	}
	if c.Reconnect.OpenTimeout < 0 || c.Reconnect.RetryDelay < 0 || c.Reconnect.Watchdog < 0 {
		return errors.New("reconnect: durations must not be negative")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		level = logrus.PanicLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func (c *Config) LinkOptions() link.Options {
	return link.Options{
		ServiceUUID:            c.Link.ServiceUUID,
		CommandUUID:            c.Link.CommandUUID,
		DataUUID:               c.Link.DataUUID,
		ScanTimeout:            c.Link.ScanTimeout,
		AutoConnect:            c.Link.AutoConnect,
		AutoScan:               c.Link.AutoScan,
		RescanOnConnectFailure: c.Link.RescanOnFail,
	}
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{Link: c.LinkOptions()}
}

func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		MaxFailures:     c.Reconnect.MaxFailures,
		OpenTimeout:     c.Reconnect.OpenTimeout,
		RetryDelay:      c.Reconnect.RetryDelay,
		WatchdogTimeout: c.Reconnect.Watchdog,
	}
}
