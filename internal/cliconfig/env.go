package cliconfig

import (
	"errors"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"

	"github.com/getmockd/wsecho/pkg/config"
)

// Environment variable names
const (
	EnvConfigFile      = "WSECHO_CONFIG"
	EnvHost            = "WSECHO_HOST"
	EnvPort            = "WSECHO_PORT"
	EnvBacklog         = "WSECHO_BACKLOG"
	EnvKeepAlive       = "WSECHO_KEEPALIVE"
	EnvMaxMessageSize  = "WSECHO_MAX_MESSAGE_SIZE"
	EnvReaderIdle      = "WSECHO_READER_IDLE"
	EnvWriterIdle      = "WSECHO_WRITER_IDLE"
	EnvAllIdle         = "WSECHO_ALL_IDLE"
	EnvPath            = "WSECHO_PATH"
	EnvMarker          = "WSECHO_MARKER"
	EnvMaxConnections  = "WSECHO_MAX_CONNECTIONS"
	EnvShutdownTimeout = "WSECHO_SHUTDOWN_TIMEOUT"
	EnvMetricsPort     = "WSECHO_METRICS_PORT"
	EnvRegistryShards  = "WSECHO_REGISTRY_SHARDS"
	EnvUpgradeRate     = "WSECHO_UPGRADE_RATE"
	EnvUpgradeBurst    = "WSECHO_UPGRADE_BURST"
	EnvLogLevel        = "WSECHO_LOG_LEVEL"
	EnvLogFormat       = "WSECHO_LOG_FORMAT"
	EnvLogFile         = "WSECHO_LOG_FILE"
)

// EnvConfig holds the decoded WSECHO_* variables.
type EnvConfig struct {
	Config          string          `env:"WSECHO_CONFIG"`
	Host            string          `env:"WSECHO_HOST"`
	Port            int             `env:"WSECHO_PORT"`
	Backlog         int             `env:"WSECHO_BACKLOG"`
	KeepAlive       bool            `env:"WSECHO_KEEPALIVE"`
	MaxMessageSize  int64           `env:"WSECHO_MAX_MESSAGE_SIZE"`
	ReaderIdle      config.Duration `env:"WSECHO_READER_IDLE"`
	WriterIdle      config.Duration `env:"WSECHO_WRITER_IDLE"`
	AllIdle         config.Duration `env:"WSECHO_ALL_IDLE"`
	Path            string          `env:"WSECHO_PATH"`
	Marker          string          `env:"WSECHO_MARKER"`
	MaxConnections  int             `env:"WSECHO_MAX_CONNECTIONS"`
	ShutdownTimeout config.Duration `env:"WSECHO_SHUTDOWN_TIMEOUT"`
	MetricsPort     int             `env:"WSECHO_METRICS_PORT"`
	RegistryShards  int             `env:"WSECHO_REGISTRY_SHARDS"`
	UpgradeRate     float64         `env:"WSECHO_UPGRADE_RATE"`
	UpgradeBurst    int             `env:"WSECHO_UPGRADE_BURST"`
	LogLevel        string          `env:"WSECHO_LOG_LEVEL"`
	LogFormat       string          `env:"WSECHO_LOG_FORMAT"`
	LogFile         string          `env:"WSECHO_LOG_FILE"`

	set map[string]bool
}

type envField struct {
	name  string
	key   string
	apply func(e *EnvConfig, c *config.ServerConfig)
}

var envFields = []envField{
	{EnvHost, "host", func(e *EnvConfig, c *config.ServerConfig) { c.Host = e.Host }},
	{EnvPort, "port", func(e *EnvConfig, c *config.ServerConfig) { c.Port = e.Port }},
	{EnvBacklog, "backlog", func(e *EnvConfig, c *config.ServerConfig) { c.Backlog = e.Backlog }},
	{EnvKeepAlive, "keepAlive", func(e *EnvConfig, c *config.ServerConfig) { c.KeepAlive = e.KeepAlive }},
	{EnvMaxMessageSize, "maxMessageSize", func(e *EnvConfig, c *config.ServerConfig) { c.MaxMessageSize = e.MaxMessageSize }},
	{EnvReaderIdle, "idle.reader", func(e *EnvConfig, c *config.ServerConfig) { c.Idle.Reader = e.ReaderIdle }},
	{EnvWriterIdle, "idle.writer", func(e *EnvConfig, c *config.ServerConfig) { c.Idle.Writer = e.WriterIdle }},
	{EnvAllIdle, "idle.all", func(e *EnvConfig, c *config.ServerConfig) { c.Idle.All = e.AllIdle }},
	{EnvPath, "path", func(e *EnvConfig, c *config.ServerConfig) { c.Path = e.Path }},
	{EnvMarker, "marker", func(e *EnvConfig, c *config.ServerConfig) { c.Marker = e.Marker }},
	{EnvMaxConnections, "maxConnections", func(e *EnvConfig, c *config.ServerConfig) { c.MaxConnections = e.MaxConnections }},
	{EnvShutdownTimeout, "shutdownTimeout", func(e *EnvConfig, c *config.ServerConfig) { c.ShutdownTimeout = e.ShutdownTimeout }},
	{EnvMetricsPort, "metricsPort", func(e *EnvConfig, c *config.ServerConfig) { c.MetricsPort = e.MetricsPort }},
	{EnvRegistryShards, "registryShards", func(e *EnvConfig, c *config.ServerConfig) { c.RegistryShards = e.RegistryShards }},
	{EnvUpgradeRate, "upgradeLimit.rate", func(e *EnvConfig, c *config.ServerConfig) { c.UpgradeLimit.Rate = e.UpgradeRate }},
	{EnvUpgradeBurst, "upgradeLimit.burst", func(e *EnvConfig, c *config.ServerConfig) { c.UpgradeLimit.Burst = e.UpgradeBurst }},
	{EnvLogLevel, "log.level", func(e *EnvConfig, c *config.ServerConfig) { c.Log.Level = e.LogLevel }},
	{EnvLogFormat, "log.format", func(e *EnvConfig, c *config.ServerConfig) { c.Log.Format = e.LogFormat }},
	{EnvLogFile, "log.file", func(e *EnvConfig, c *config.ServerConfig) { c.Log.File = e.LogFile }},
}

// LoadEnv decodes the WSECHO_* variables. A malformed value is an error;
// an empty environment is not.
func LoadEnv() (*EnvConfig, error) {
	e := &EnvConfig{set: make(map[string]bool)}
	if err := envdecode.StrictDecode(e); err != nil &&
		!errors.Is(err, envdecode.ErrInvalidTarget) &&
		!errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("environment: %w", err)
	}
	for _, f := range envFields {
		if os.Getenv(f.name) != "" {
			e.set[f.name] = true
		}
	}
	return e, nil
}

// Apply copies the variables that are set onto cfg and records them in
// sources.
func (e *EnvConfig) Apply(cfg *config.ServerConfig, sources map[string]string) {
	for _, f := range envFields {
		if !e.set[f.name] {
			continue
		}
		f.apply(e, cfg)
		if sources != nil {
			sources[f.key] = SourceEnv
		}
	}
}
