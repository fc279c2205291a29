package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/mcpgate"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MCPGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mcpgate")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := mcpgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, mcpgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcpgate",
		Short:         "mcpgate terminates MCP HTTP transport and forwards messages to remote or locally supervised backends",
		SilenceErrors: true,
		Example: `
  # Serve the deployments described in a hot-reloaded YAML file
  mcpgate --registry-file deployments.yaml

  # Same, with Prometheus metrics and trace export
  mcpgate --registry-file deployments.yaml --metrics-listen :9464 --otlp-endpoint grpc://localhost:4317

  # Environment variables mirror every flag
  MCPGATE_REGISTRY_FILE=deployments.yaml MCPGATE_LISTEN=:8080 mcpgate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logger := baseLogger
			logger.With(pslog.TrustedString("sys"), "cli.root").Info("starting mcpgate",
				"pid", os.Getpid(),
				"version", mcpgate.Version(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.With(pslog.TrustedString("sys"), "cli.root").Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(cfg.LogLevel)); ok {
				logger = logger.LogLevel(level)
			}
			if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "console") {
				opts := pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}
				if level, ok := pslog.ParseLevel(strings.TrimSpace(cfg.LogLevel)); ok {
					opts.MinLevel = level
				}
				logger = pslog.NewWithOptions(os.Stderr, opts).With("app", "mcpgate")
			}

			server, err := mcpgate.NewServer(cfg, mcpgate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer server.Close()
			return server.Run(ctx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.mcpgate/"+mcpgate.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", mcpgate.DefaultListen, "gateway listen address")
	flags.String("path-prefix", mcpgate.DefaultPathPrefix, "URL prefix mounted ahead of {deploymentId}")
	flags.StringP("registry-file", "r", "", "path to the deployments YAML file (hot-reloaded on change)")
	flags.Duration("session-idle-timeout", mcpgate.DefaultSessionIdleTimeout, "expire sessions after this much inactivity")
	flags.Duration("session-sweep-interval", mcpgate.DefaultSessionSweepInterval, "interval between session expiry sweeps")
	flags.Duration("steady-timeout", mcpgate.DefaultSteadyTimeout, "round-trip timeout for warmed remote backends")
	flags.Duration("cold-start-timeout", mcpgate.DefaultColdStartTimeout, "round-trip timeout for a remote backend's first message")
	flags.Duration("keep-alive-interval", mcpgate.DefaultKeepAliveInterval, "SSE keep-alive cadence on GET streams")
	flags.Duration("stop-grace", mcpgate.DefaultStopGrace, "interrupt-to-kill window for supervised child processes")
	flags.Duration("stats-interval", mcpgate.DefaultStatsInterval, "resource sampling interval for child processes (0 disables)")
	flags.String("max-body", humanizeBytes(mcpgate.DefaultMaxBodyBytes), "maximum accepted message size")
	flags.String("metrics-listen", mcpgate.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", mcpgate.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("http-tracing", false, "create a trace span per gateway request")
	flags.Duration("shutdown-timeout", mcpgate.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or console)")

	viper.SetEnvPrefix("MCPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bind := func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	}
	persistentFlags.VisitAll(bind)
	flags.VisitAll(bind)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newRegistryCommand())

	return cmd
}

func bindConfig() (mcpgate.Config, error) {
	cfg := mcpgate.Config{
		Listen:               viper.GetString("listen"),
		PathPrefix:           viper.GetString("path-prefix"),
		RegistryFile:         viper.GetString("registry-file"),
		SessionIdleTimeout:   viper.GetDuration("session-idle-timeout"),
		SessionSweepInterval: viper.GetDuration("session-sweep-interval"),
		SteadyTimeout:        viper.GetDuration("steady-timeout"),
		ColdStartTimeout:     viper.GetDuration("cold-start-timeout"),
		KeepAliveInterval:    viper.GetDuration("keep-alive-interval"),
		StopGrace:            viper.GetDuration("stop-grace"),
		StatsInterval:        viper.GetDuration("stats-interval"),
		MetricsListen:        viper.GetString("metrics-listen"),
		PprofListen:          viper.GetString("pprof-listen"),
		OTLPEndpoint:         viper.GetString("otlp-endpoint"),
		HTTPTracing:          viper.GetBool("http-tracing"),
		ShutdownTimeout:      viper.GetDuration("shutdown-timeout"),
		LogLevel:             viper.GetString("log-level"),
		LogFormat:            viper.GetString("log-format"),
	}
	if maxBody := viper.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	return cfg, nil
}
