package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/searchktools/async-server/app"
	"github.com/searchktools/async-server/config"
)

// Version information set at build time.
var version = "dev"

const envPrefix = "ASYNC_SERVER"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "async-server",
		Short: "Asynchronous HTTP and WebSocket server",
		Long: `async-server speaks HTTP/1.1 with keep-alive and pipelining, upgrades
to WebSocket, and supervises multi-worker deployments with heartbeat
liveness checks and optional file-change reload.

The bare binary serves its built-in demo application. Real deployments
import the server packages and hand app.New their own application.

Configuration merges three sources in rising precedence: ` + envPrefix + `_*
environment variables, the --config JSON file, then explicit flags.

Examples:
  async-server
  async-server --host 0.0.0.0 --port 8000
  async-server --workers 4 --limit-concurrency 1024
  async-server --reload --reload-dir ./web
  ` + envPrefix + `_PORT=9000 async-server`,
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, configFile)
			if err != nil {
				return err
			}
			runner, err := app.New(demoApplication(), cfg)
			if err != nil {
				return err
			}
			return runner.Run(cmd.Context())
		},
	}

	def := config.Default()
	flags := cmd.Flags()
	flags.SortFlags = false

	flags.StringVar(&configFile, "config", "", "JSON configuration file")
	flags.String("host", def.Host, "Bind address")
	flags.Int("port", def.Port, "Bind port")
	flags.String("uds", "", "Bind a unix domain socket at this path instead of TCP")
	flags.Int("fd", def.FD, "Adopt an already bound socket from this file descriptor")
	flags.Bool("reuseport", false, "Set SO_REUSEPORT so several processes can share the address")
	flags.String("tls-certfile", "", "TLS certificate file; enables TLS together with --tls-keyfile")
	flags.String("tls-keyfile", "", "TLS private key file")
	flags.String("root-path", "", "Path prefix handed to the application for mounted deployments")

	flags.Int("workers", def.Workers, "Number of worker processes")
	flags.Int("limit-concurrency", 0, "Concurrent connections before new ones are refused with 503 (0 = unlimited)")
	flags.Uint64("limit-max-requests", 0, "Requests a worker serves before it recycles (0 = unlimited)")
	flags.Bool("reload", false, "Restart workers when watched files change")
	flags.StringSlice("reload-dir", nil, "Directory to watch for changes; repeatable (default the working directory)")
	flags.Duration("heartbeat-interval", def.HeartbeatInterval, "Worker liveness report interval")

	flags.Duration("timeout-keep-alive", def.TimeoutKeepAlive, "Idle keep-alive connection timeout")
	flags.Duration("timeout-graceful-shutdown", def.TimeoutGraceful, "Drain budget before open connections are closed forcibly")
	flags.Duration("timeout-lifespan-shutdown", def.TimeoutLifespan, "Budget for application shutdown hooks")
	flags.String("lifespan", def.Lifespan, "Lifespan protocol mode: auto, on or off")
	flags.Int("max-header-bytes", def.MaxHeaderBytes, "Largest accepted request head in bytes")

	flags.String("ws", def.WSProtocol, "WebSocket mode: auto, only or none")
	flags.Int64("ws-max-size", def.WSMaxMessageSize, "Largest accepted WebSocket message in bytes")
	flags.Duration("ws-ping-interval", def.WSPingInterval, "WebSocket keepalive ping interval")
	flags.Duration("ws-ping-timeout", def.WSPingTimeout, "Time to wait for a pong before the connection is considered dead")

	flags.String("log-level", def.LogLevel, "Log level: critical, error, warning, info, debug or trace")
	flags.Bool("no-access-log", false, "Disable the per-request access log")
	flags.Bool("no-server-header", false, "Omit the default server response header")
	flags.Bool("no-date-header", false, "Omit the date response header")

	return cmd
}

// buildConfig merges the environment, the optional JSON file and any flag the
// user set explicitly, later sources winning.
func buildConfig(cmd *cobra.Command, configFile string) (*config.Config, error) {
	m := config.NewManager()
	m.LoadFromEnv(envPrefix)
	if configFile != "" {
		if err := m.LoadFromJSON(configFile); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// The no-* switches store the inverted value under the real key, and
	// reload-dir bypasses the manager because pflag renders slice values
	// as "[a,b]".
	inverted := map[string]string{
		"no-access-log":    "access-log",
		"no-server-header": "server-header",
		"no-date-header":   "date-header",
	}
	flags := cmd.Flags()
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "reload-dir":
			return
		}
		if key, ok := inverted[f.Name]; ok {
			on, _ := flags.GetBool(f.Name)
			m.Set(key, !on)
			return
		}
		m.Set(f.Name, f.Value.String())
	})

	cfg := config.Default()
	if err := m.Apply(cfg); err != nil {
		return nil, err
	}
	if flags.Changed("reload-dir") {
		dirs, err := flags.GetStringSlice("reload-dir")
		if err != nil {
			return nil, err
		}
		cfg.ReloadDirs = dirs
	}
	return cfg, nil
}
