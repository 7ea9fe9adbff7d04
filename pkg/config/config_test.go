package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 128, cfg.Backlog)
	assert.True(t, cfg.KeepAlive)
	assert.Equal(t, int64(8192), cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.Idle.Reader.Duration())
	assert.Zero(t, cfg.Idle.Writer)
	assert.Zero(t, cfg.Idle.All)
	assert.Equal(t, "/", cfg.Path)
	assert.Equal(t, DefaultMarker, cfg.Marker)
	assert.Zero(t, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout.Duration())
	assert.Zero(t, cfg.MetricsPort)
	assert.NoError(t, cfg.Validate())
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ServerConfig)
		field  string
	}{
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, "port"},
		{"negative port", func(c *ServerConfig) { c.Port = -1 }, "port"},
		{"metrics port collides", func(c *ServerConfig) { c.MetricsPort = c.Port }, "metricsPort"},
		{"zero backlog", func(c *ServerConfig) { c.Backlog = 0 }, "backlog"},
		{"tiny message size", func(c *ServerConfig) { c.MaxMessageSize = 10 }, "maxMessageSize"},
		{"negative max connections", func(c *ServerConfig) { c.MaxConnections = -2 }, "maxConnections"},
		{"negative shards", func(c *ServerConfig) { c.RegistryShards = -1 }, "registryShards"},
		{"negative upgrade rate", func(c *ServerConfig) { c.UpgradeLimit.Rate = -1 }, "upgradeLimit.rate"},
		{"negative upgrade burst", func(c *ServerConfig) { c.UpgradeLimit.Burst = -1 }, "upgradeLimit.burst"},
		{"negative reader idle", func(c *ServerConfig) { c.Idle.Reader = Duration(-time.Second) }, "idle.reader"},
		{"negative all idle", func(c *ServerConfig) { c.Idle.All = Duration(-time.Second) }, "idle.all"},
		{"relative path", func(c *ServerConfig) { c.Path = "ws" }, "path"},
		{"rule without condition", func(c *ServerConfig) { c.Rules = []RuleConfig{{Reply: `"x"`}} }, "rules[0].when"},
		{"rule without reply", func(c *ServerConfig) { c.Rules = []RuleConfig{{When: "true"}} }, "rules[0].reply"},
		{"bad log level", func(c *ServerConfig) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestServerConfig_ValidateNil(t *testing.T) {
	var cfg *ServerConfig
	assert.Error(t, cfg.Validate())
}

func TestServerConfig_Clone(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Rules = []RuleConfig{{When: "true", Reply: `"a"`}}

	clone := cfg.Clone()
	clone.Rules[0].Reply = `"b"`
	clone.Port = 1

	assert.Equal(t, `"a"`, cfg.Rules[0].Reply)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"45", 45 * time.Second, false},
		{"0", 0, false},
		{"", 0, false},
		{"  5s ", 5 * time.Second, false},
		{"-3", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Duration())
		})
	}
}

func TestDuration_YAMLAndJSON(t *testing.T) {
	var v struct {
		A Duration `yaml:"a" json:"a"`
		B Duration `yaml:"b" json:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 10\nb: 2m\n"), &v))
	assert.Equal(t, 10*time.Second, v.A.Duration())
	assert.Equal(t, 2*time.Minute, v.B.Duration())

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "a: 10s")

	require.NoError(t, json.Unmarshal([]byte(`{"a": 7, "b": "1h"}`), &v))
	assert.Equal(t, 7*time.Second, v.A.Duration())
	assert.Equal(t, time.Hour, v.B.Duration())

	js, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"7s","b":"1h0m0s"}`, string(js))

	err = yaml.Unmarshal([]byte("a: [1, 2]\n"), &v)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wsecho.yaml", `
port: 9001
keepAlive: false
marker: "echo: "
idle:
  reader: 5
  writer: 1m
rules:
  - name: ping
    when: text == "ping"
    reply: '"pong"'
upgradeLimit:
  rate: 2.5
log:
  level: debug
`)

	cfg, keys, err := LoadFileKeys(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.False(t, cfg.KeepAlive)
	assert.Equal(t, "echo: ", cfg.Marker)
	assert.Equal(t, 5*time.Second, cfg.Idle.Reader.Duration())
	assert.Equal(t, time.Minute, cfg.Idle.Writer.Duration())
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "ping", cfg.Rules[0].Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2.5, cfg.UpgradeLimit.Rate)
	assert.True(t, cfg.UpgradeLimit.Enabled())

	// Untouched fields keep defaults.
	assert.Equal(t, DefaultBacklog, cfg.Backlog)
	assert.Equal(t, DefaultPath, cfg.Path)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)

	assert.ElementsMatch(t, []string{
		"port", "keepAlive", "marker", "idle.reader", "idle.writer", "rules",
		"upgradeLimit.rate", "log.level",
	}, keys)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.yaml"))
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := LoadFile(dir)
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		path := writeFile(t, dir, "empty.yaml", "  \n")
		_, err := LoadFile(path)
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("syntax error has line", func(t *testing.T) {
		path := writeFile(t, dir, "bad.yaml", "port: 1\nidle:\n  reader: [\n")
		_, err := LoadFile(path)
		var ce *ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, path, ce.Path)
		assert.Positive(t, ce.Line)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, dir, "unknown.yaml", "port: 1\nbogus: true\n")
		_, err := LoadFile(path)
		var ce *ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Contains(t, ce.Message, "bogus")
	})

	t.Run("invalid value", func(t *testing.T) {
		path := writeFile(t, dir, "invalid.yaml", "backlog: -1\n")
		_, err := LoadFile(path)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "backlog", ve.Field)
	})
}

func TestToYAML_RoundTrip(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Marker = "m: "

	data, err := ToYAML(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "reader: 30s")

	parsed, _, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wsecho.yaml", "marker: \"one: \"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *ServerConfig, 4)
	errs := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path,
			func(c *ServerConfig) { changes <- c },
			func(err error) { errs <- err })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is reported and ignored.
	require.NoError(t, os.WriteFile(path, []byte("backlog: -5\n"), 0o644))
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("invalid config was not reported")
	}

	require.NoError(t, os.WriteFile(path, []byte("marker: \"two: \"\n"), 0o644))
	select {
	case c := <-changes:
		assert.Equal(t, "two: ", c.Marker)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not delivered")
	}

	// Writes to other files in the directory are ignored.
	writeFile(t, dir, "other.yaml", "port: 1\n")
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
