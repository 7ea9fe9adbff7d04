package cli

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/getmockd/wsecho/internal/cliconfig"
	"github.com/getmockd/wsecho/pkg/admin"
	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/registry"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// app is a fully wired server plus the handles hot reload needs.
type app struct {
	res     *cliconfig.Resolved
	log     *slog.Logger
	level   *slog.LevelVar
	server  *websocket.Server
	echo    *websocket.EchoDispatcher
	rules   *websocket.RuleDispatcher
	metrics *metrics.Registry
}

func newApp(res *cliconfig.Resolved, log *slog.Logger, level *slog.LevelVar) (*app, error) {
	cfg := res.Config

	rules, err := websocket.CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	sessions := registry.New(registry.WithShards(cfg.RegistryShards))
	echo := websocket.NewEchoDispatcher(cfg.Marker)
	dispatcher := websocket.NewRuleDispatcher(rules, echo, sessions)

	mreg := metrics.NewRegistry()
	metrics.NewRuntimeCollector(mreg)

	a := &app{
		res:     res,
		log:     log,
		level:   level,
		echo:    echo,
		rules:   dispatcher,
		metrics: mreg,
	}
	a.server = websocket.NewServer(cfg,
		websocket.WithRegistry(sessions),
		websocket.WithDispatcher(dispatcher),
		websocket.WithLogger(log),
		websocket.WithMetrics(metrics.NewServerMetrics(mreg)),
		websocket.WithAdmin(func(s *websocket.Server) http.Handler {
			return admin.New(s,
				admin.WithMetrics(mreg),
				admin.WithLogger(log.With("component", "admin")),
			).Handler()
		}),
	)
	return a, nil
}

// fileOwns reports whether key may be changed by a config file reload.
// Values pinned by the environment or a flag keep precedence.
func (a *app) fileOwns(key string) bool {
	switch a.res.Source(key) {
	case cliconfig.SourceEnv, cliconfig.SourceFlag:
		return false
	}
	return true
}

// reload applies the hot-reloadable settings of next: marker, rules, idle
// thresholds and log level. Everything else needs a restart.
func (a *app) reload(next *config.ServerConfig) {
	cur := a.res.Config

	if a.fileOwns("rules") {
		rules, err := websocket.CompileRules(next.Rules)
		if err != nil {
			a.log.Warn("config reload: rules rejected", "error", err)
		} else {
			a.rules.SetRules(rules)
			cur.Rules = next.Rules
		}
	}

	if a.fileOwns("marker") && next.Marker != cur.Marker {
		a.echo.SetMarker(next.Marker)
		cur.Marker = next.Marker
	}

	idle := cur.Idle
	if a.fileOwns("idle.reader") {
		idle.Reader = next.Idle.Reader
	}
	if a.fileOwns("idle.writer") {
		idle.Writer = next.Idle.Writer
	}
	if a.fileOwns("idle.all") {
		idle.All = next.Idle.All
	}
	if idle != cur.Idle {
		cur.Idle = idle
		a.server.SetIdle(idleConfig(idle))
	}

	if a.fileOwns("log.level") && a.level != nil {
		a.level.Set(logging.ParseLevel(next.Log.Level))
		cur.Log.Level = next.Log.Level
	}

	if restart := restartKeys(cur, next, a.fileOwns); len(restart) > 0 {
		a.log.Warn("config reload: restart required to apply", "keys", strings.Join(restart, ","))
	}
	a.log.Info("config reloaded", "file", a.res.ConfigFile)
}

func idleConfig(c config.IdleConfig) websocket.IdleConfig {
	return websocket.IdleConfig{
		Reader: c.Reader.Duration(),
		Writer: c.Writer.Duration(),
		All:    c.All.Duration(),
	}
}

// restartKeys lists the file-owned settings that differ between cur and next
// but cannot change on a running server.
func restartKeys(cur, next *config.ServerConfig, owned func(string) bool) []string {
	var keys []string
	check := func(key string, changed bool) {
		if changed && owned(key) {
			keys = append(keys, key)
		}
	}
	check("host", cur.Host != next.Host)
	check("port", cur.Port != next.Port)
	check("backlog", cur.Backlog != next.Backlog)
	check("keepAlive", cur.KeepAlive != next.KeepAlive)
	check("maxMessageSize", cur.MaxMessageSize != next.MaxMessageSize)
	check("path", cur.Path != next.Path)
	check("maxConnections", cur.MaxConnections != next.MaxConnections)
	check("metricsPort", cur.MetricsPort != next.MetricsPort)
	check("registryShards", cur.RegistryShards != next.RegistryShards)
	check("upgradeLimit.rate", cur.UpgradeLimit.Rate != next.UpgradeLimit.Rate)
	check("upgradeLimit.burst", cur.UpgradeLimit.Burst != next.UpgradeLimit.Burst)
	check("log.format", cur.Log.Format != next.Log.Format)
	check("log.file", cur.Log.File != next.Log.File)
	return keys
}
