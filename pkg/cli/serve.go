package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/wsecho/internal/cliconfig"
	"github.com/getmockd/wsecho/pkg/cli/internal/output"
	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/logging"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// serveFlags holds the values bound to the serve command's flags.
type serveFlags struct {
	configFile string
	watch      bool

	host            string
	port            int
	backlog         int
	keepAlive       bool
	maxMessageSize  int64
	readerIdle      time.Duration
	writerIdle      time.Duration
	allIdle         time.Duration
	path            string
	marker          string
	maxConnections  int
	shutdownTimeout time.Duration
	metricsPort     int
	registryShards  int
	upgradeRate     float64
	upgradeBurst    int
	logLevel        string
	logFormat       string
	logFile         string
}

// flagBinding ties a flag to the config key it overrides.
type flagBinding struct {
	flag  string
	key   string
	apply func(f *serveFlags, c *config.ServerConfig)
}

var serveBindings = []flagBinding{
	{"host", "host", func(f *serveFlags, c *config.ServerConfig) { c.Host = f.host }},
	{"port", "port", func(f *serveFlags, c *config.ServerConfig) { c.Port = f.port }},
	{"backlog", "backlog", func(f *serveFlags, c *config.ServerConfig) { c.Backlog = f.backlog }},
	{"keepalive", "keepAlive", func(f *serveFlags, c *config.ServerConfig) { c.KeepAlive = f.keepAlive }},
	{"max-message-size", "maxMessageSize", func(f *serveFlags, c *config.ServerConfig) { c.MaxMessageSize = f.maxMessageSize }},
	{"reader-idle", "idle.reader", func(f *serveFlags, c *config.ServerConfig) { c.Idle.Reader = config.Duration(f.readerIdle) }},
	{"writer-idle", "idle.writer", func(f *serveFlags, c *config.ServerConfig) { c.Idle.Writer = config.Duration(f.writerIdle) }},
	{"all-idle", "idle.all", func(f *serveFlags, c *config.ServerConfig) { c.Idle.All = config.Duration(f.allIdle) }},
	{"path", "path", func(f *serveFlags, c *config.ServerConfig) { c.Path = f.path }},
	{"marker", "marker", func(f *serveFlags, c *config.ServerConfig) { c.Marker = f.marker }},
	{"max-connections", "maxConnections", func(f *serveFlags, c *config.ServerConfig) { c.MaxConnections = f.maxConnections }},
	{"shutdown-timeout", "shutdownTimeout", func(f *serveFlags, c *config.ServerConfig) {
		c.ShutdownTimeout = config.Duration(f.shutdownTimeout)
	}},
	{"metrics-port", "metricsPort", func(f *serveFlags, c *config.ServerConfig) { c.MetricsPort = f.metricsPort }},
	{"registry-shards", "registryShards", func(f *serveFlags, c *config.ServerConfig) { c.RegistryShards = f.registryShards }},
	{"upgrade-rate", "upgradeLimit.rate", func(f *serveFlags, c *config.ServerConfig) { c.UpgradeLimit.Rate = f.upgradeRate }},
	{"upgrade-burst", "upgradeLimit.burst", func(f *serveFlags, c *config.ServerConfig) { c.UpgradeLimit.Burst = f.upgradeBurst }},
	{"log-level", "log.level", func(f *serveFlags, c *config.ServerConfig) { c.Log.Level = f.logLevel }},
	{"log-format", "log.format", func(f *serveFlags, c *config.ServerConfig) { c.Log.Format = f.logFormat }},
	{"log-file", "log.file", func(f *serveFlags, c *config.ServerConfig) { c.Log.File = f.logFile }},
}

// overrides returns one Override per flag the user set explicitly.
func (f *serveFlags) overrides(changed func(name string) bool) []cliconfig.Override {
	var out []cliconfig.Override
	for _, b := range serveBindings {
		if !changed(b.flag) {
			continue
		}
		out = append(out, cliconfig.Override{
			Key:   b.key,
			Apply: func(c *config.ServerConfig) { b.apply(f, c) },
		})
	}
	return out
}

func newServeCmd() *cobra.Command {
	return serveCommand(&serveFlags{})
}

func serveCommand(f *serveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket echo server (foreground)",
		Long: `Start the WebSocket echo server and block until SIGINT or SIGTERM.

Requests on --path are upgraded to WebSocket sessions. Every text message is
answered with the marker followed by the message. Sessions that stay silent
longer than --reader-idle are closed with status 1001.`,
		Example: `  # Start with defaults on port 8090
  wsecho serve

  # Custom port, path and idle timeout
  wsecho serve --port 9000 --path /ws --reader-idle 1m

  # Load a config file and reload it on change
  wsecho serve --config wsecho.yaml --watch

  # Expose /metrics, /healthz, /sessions and /broadcast on port 9100
  wsecho serve --metrics-port 9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "Path to YAML config file")
	fs.BoolVar(&f.watch, "watch", false, "Reload marker, rules, idle thresholds and log level when the config file changes")

	fs.StringVar(&f.host, "host", "", "Host to bind (empty binds all interfaces)")
	fs.IntVarP(&f.port, "port", "p", config.DefaultPort, "WebSocket listener port")
	fs.IntVar(&f.backlog, "backlog", config.DefaultBacklog, "Accept queue length")
	fs.BoolVar(&f.keepAlive, "keepalive", config.DefaultKeepAlive, "Enable TCP keepalive")
	fs.Int64Var(&f.maxMessageSize, "max-message-size", config.DefaultMaxMessageSize, "Maximum request or message size in bytes")
	fs.DurationVar(&f.readerIdle, "reader-idle", config.DefaultReaderIdle, "Close sessions with no inbound data for this long (0 = disabled)")
	fs.DurationVar(&f.writerIdle, "writer-idle", 0, "Log writer idle events after this long (0 = disabled)")
	fs.DurationVar(&f.allIdle, "all-idle", 0, "Log all-idle events after this long (0 = disabled)")
	fs.StringVar(&f.path, "path", config.DefaultPath, "Request path that may be upgraded")
	fs.StringVar(&f.marker, "marker", config.DefaultMarker, "Prefix prepended to echoed messages")
	fs.IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent TCP connections (0 = unlimited)")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", config.DefaultShutdownTimeout, "Maximum time to wait for graceful shutdown")
	fs.IntVar(&f.metricsPort, "metrics-port", 0, "Admin and metrics port (0 = disabled)")
	fs.IntVar(&f.registryShards, "registry-shards", config.DefaultRegistryShards, "Session registry shard count")
	fs.Float64Var(&f.upgradeRate, "upgrade-rate", 0, "Upgrade attempts per second per client IP (0 = unlimited)")
	fs.IntVar(&f.upgradeBurst, "upgrade-burst", 0, "Upgrade attempts a client IP may burst (0 = one second of --upgrade-rate)")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", config.DefaultLogFormat, "Log format (text, json)")
	fs.StringVar(&f.logFile, "log-file", "", "Also append JSON log records to this file")

	return cmd
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	res, err := cliconfig.Load(f.configFile, f.overrides(cmd.Flags().Changed)...)
	if err != nil {
		return err
	}
	cfg := res.Config

	logCfg := logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: cmd.ErrOrStderr(),
	}
	if cfg.Log.File != "" {
		lf, err := logging.OpenFile(cfg.Log.File)
		if err != nil {
			return err
		}
		defer func() { _ = lf.Close() }()
		logCfg.File = lf
	}
	log, level := logging.NewLeveled(logCfg)

	a, err := newApp(res, log, level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	if res.ConfigFile != "" {
		log.Info("config loaded", "file", res.ConfigFile)
	}

	if f.watch {
		if res.ConfigFile == "" {
			output.Warn(cmd.ErrOrStderr(), "--watch ignored: no config file")
		} else {
			go func() {
				err := config.Watch(ctx, res.ConfigFile, a.reload, func(err error) {
					log.Warn("config reload failed", "error", err)
				})
				if err != nil {
					log.Error("config watch stopped", "error", err)
				}
			}()
		}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- a.server.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-waitErr:
		if runErr != nil {
			log.Error("server failed", "error", runErr)
		}
	}

	return errors.Join(runErr, shutdown(a, cfg.ShutdownTimeout.Duration()))
}

func shutdown(a *app, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.server.Stop(ctx); err != nil && !errors.Is(err, websocket.ErrServerNotRunning) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
