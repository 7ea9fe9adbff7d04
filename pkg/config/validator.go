package config

import (
	"fmt"
	"strings"
)

// MaxPort is the highest valid TCP port.
const MaxPort = 65535

// minMessageSize is the smallest MaxMessageSize that still fits a handshake
// request.
const minMessageSize = 512

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Validate checks c for invalid values. It returns the first problem found
// as a *ValidationError.
func (c *ServerConfig) Validate() error {
	if c == nil {
		return &ValidationError{Field: "config", Message: "must not be nil"}
	}

	if c.Port < 0 || c.Port > MaxPort {
		return &ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("must be between 0 and %d, got %d", MaxPort, c.Port),
		}
	}
	if c.MetricsPort < 0 || c.MetricsPort > MaxPort {
		return &ValidationError{
			Field:   "metricsPort",
			Message: fmt.Sprintf("must be between 0 and %d, got %d", MaxPort, c.MetricsPort),
		}
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		return &ValidationError{Field: "metricsPort", Message: "must differ from port"}
	}
	if c.Backlog <= 0 {
		return &ValidationError{Field: "backlog", Message: "must be positive"}
	}
	if c.MaxMessageSize < minMessageSize {
		return &ValidationError{
			Field:   "maxMessageSize",
			Message: fmt.Sprintf("must be at least %d bytes", minMessageSize),
		}
	}
	if c.MaxConnections < 0 {
		return &ValidationError{Field: "maxConnections", Message: "must not be negative"}
	}
	if c.RegistryShards < 0 {
		return &ValidationError{Field: "registryShards", Message: "must not be negative"}
	}
	if c.ShutdownTimeout < 0 {
		return &ValidationError{Field: "shutdownTimeout", Message: "must not be negative"}
	}
	if c.UpgradeLimit.Rate < 0 {
		return &ValidationError{Field: "upgradeLimit.rate", Message: "must not be negative"}
	}
	if c.UpgradeLimit.Burst < 0 {
		return &ValidationError{Field: "upgradeLimit.burst", Message: "must not be negative"}
	}
	if err := c.Idle.Validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Path, "/") {
		return &ValidationError{Field: "path", Message: "must start with /"}
	}

	for i, r := range c.Rules {
		if strings.TrimSpace(r.When) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("rules[%d].when", i),
				Message: "condition is required",
			}
		}
		if strings.TrimSpace(r.Reply) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("rules[%d].reply", i),
				Message: "reply expression is required",
			}
		}
	}

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		return &ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level %q (must be one of: debug, info, warn, error)", c.Log.Level),
		}
	}
	if c.Log.Format != "" && !validLogFormats[strings.ToLower(c.Log.Format)] {
		return &ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid format %q (must be text or json)", c.Log.Format),
		}
	}

	return nil
}

// Validate checks that no threshold is negative.
func (i IdleConfig) Validate() error {
	for _, f := range []struct {
		name string
		d    Duration
	}{
		{"idle.reader", i.Reader},
		{"idle.writer", i.Writer},
		{"idle.all", i.All},
	} {
		if f.d < 0 {
			return &ValidationError{Field: f.name, Message: "must not be negative"}
		}
	}
	return nil
}
