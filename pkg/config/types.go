package config

import "time"

// Default values for ServerConfig.
const (
	DefaultPort            = 8090
	DefaultBacklog         = 128
	DefaultKeepAlive       = true
	DefaultMaxMessageSize  = 8192
	DefaultReaderIdle      = 30 * time.Second
	DefaultPath            = "/"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRegistryShards  = 32
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// DefaultMarker is prepended to every echoed text message.
const DefaultMarker = "服务器收到消息："

// ServerConfig is the complete configuration of a wsecho server.
type ServerConfig struct {
	// Host to bind. Empty binds all interfaces.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	// Port of the WebSocket listener.
	Port int `yaml:"port" json:"port"`
	// Backlog is the accept queue length.
	Backlog int `yaml:"backlog" json:"backlog"`
	// KeepAlive enables TCP keepalive on accepted sockets.
	KeepAlive bool `yaml:"keepAlive" json:"keepAlive"`
	// MaxMessageSize bounds request headers, request bodies and inbound
	// WebSocket messages, in bytes.
	MaxMessageSize int64 `yaml:"maxMessageSize" json:"maxMessageSize"`
	// Idle holds the idle supervision thresholds.
	Idle IdleConfig `yaml:"idle" json:"idle"`
	// Path is the only request path that may be upgraded.
	Path string `yaml:"path" json:"path"`
	// Marker is the echo reply prefix.
	Marker string `yaml:"marker" json:"marker"`
	// MaxConnections caps concurrently open TCP connections. 0 is unlimited.
	MaxConnections int `yaml:"maxConnections" json:"maxConnections"`
	// ShutdownTimeout bounds a graceful stop.
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	// MetricsPort serves /metrics, /healthz, /sessions and /broadcast.
	// 0 disables the admin listener.
	MetricsPort int `yaml:"metricsPort" json:"metricsPort"`
	// RegistryShards is the session registry shard count.
	RegistryShards int `yaml:"registryShards" json:"registryShards"`
	// UpgradeLimit throttles upgrade attempts per client IP.
	UpgradeLimit UpgradeLimitConfig `yaml:"upgradeLimit" json:"upgradeLimit"`
	// Rules are evaluated in order before the echo reply.
	Rules []RuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
	// Log configures the process logger.
	Log LogConfig `yaml:"log" json:"log"`
}

// IdleConfig holds the three idle thresholds. A zero value disables a check.
// Only reader idle closes the connection.
type IdleConfig struct {
	Reader Duration `yaml:"reader" json:"reader"`
	Writer Duration `yaml:"writer" json:"writer"`
	All    Duration `yaml:"all" json:"all"`
}

// UpgradeLimitConfig is a per-client-IP token bucket for upgrade attempts.
// A zero Rate disables the limit. A zero Burst defaults to one second of Rate.
type UpgradeLimitConfig struct {
	Rate  float64 `yaml:"rate" json:"rate"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Enabled reports whether upgrade attempts are limited.
func (u UpgradeLimitConfig) Enabled() bool {
	return u.Rate > 0
}

// RuleConfig is a content-based reply rule.
//
// When is a boolean expression and Reply a string expression, both evaluated
// against the variables text, handle and sessions.
type RuleConfig struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	When  string `yaml:"when" json:"when"`
	Reply string `yaml:"reply" json:"reply"`
}

// LogConfig selects log level and format. File, when set, also receives
// every record as JSON.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// DefaultServerConfig returns a ServerConfig populated with defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:           DefaultPort,
		Backlog:        DefaultBacklog,
		KeepAlive:      DefaultKeepAlive,
		MaxMessageSize: DefaultMaxMessageSize,
		Idle: IdleConfig{
			Reader: Duration(DefaultReaderIdle),
		},
		Path:            DefaultPath,
		Marker:          DefaultMarker,
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		RegistryShards:  DefaultRegistryShards,
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Clone returns a deep copy of c.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Rules != nil {
		out.Rules = make([]RuleConfig, len(c.Rules))
		copy(out.Rules, c.Rules)
	}
	return &out
}
